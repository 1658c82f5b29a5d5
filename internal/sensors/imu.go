package sensors

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// IMUMeasurement is a raw gyroscope/accelerometer sample (§4.F "IMU
// (pre-integration of raw samples into pose predictions)").
type IMUMeasurement struct {
	T                  time.Duration
	AngularVelocity    r3.Vector
	LinearAcceleration r3.Vector
}

func (m IMUMeasurement) Time() time.Duration { return m.T }

func (m IMUMeasurement) Interpolate(other Measurement, t float64) Measurement {
	o := other.(IMUMeasurement)
	return IMUMeasurement{
		T:                  m.T + time.Duration(t*float64(o.T-m.T)),
		AngularVelocity:    m.AngularVelocity.Mul(1 - t).Add(o.AngularVelocity.Mul(t)),
		LinearAcceleration: m.LinearAcceleration.Mul(1 - t).Add(o.LinearAcceleration.Mul(t)),
	}
}

// PreIntegrator turns a bracketing pair of raw IMU samples spanning dt
// into a predicted relative BASE motion. A nil PreIntegrator makes the
// IMU manager a no-op constraint source (§4.F "falls back to a no-op
// if the pre-integrator is unavailable").
type PreIntegrator func(prev, curr IMUMeasurement, dt time.Duration) transform.Transform

// IMU buffers raw samples and, given a PreIntegrator, constrains the
// relative motion over a sweep against the pre-integrated prediction.
type IMU struct {
	*Manager
	preIntegrate PreIntegrator
	calibration  IMUCalibration
	noiseLevel   float64
	lastSample   *IMUMeasurement
}

// NewIMU builds an IMU manager. preIntegrate may be nil. noiseLevel
// feeds IntegrationUncertainty's time-scaled weighting of the
// pre-integrated prediction.
func NewIMU(cfg ManagerConfig, preIntegrate PreIntegrator, noiseLevel float64) *IMU {
	return &IMU{Manager: NewManager(cfg), preIntegrate: preIntegrate, noiseLevel: noiseLevel}
}

// SetCalibration installs a bias calibration (see CalibrateIMU) applied
// to every sample before pre-integration.
func (m *IMU) SetCalibration(cal IMUCalibration) {
	m.calibration = cal
}

func (m *IMU) ComputeConstraint(lidarTime time.Duration, relativeMotion transform.Transform) (*registration.Residual, bool) {
	if m.preIntegrate == nil {
		return nil, false
	}
	meas, ok := m.Synchronize(lidarTime)
	if !ok {
		return nil, false
	}
	sample := m.calibration.Apply(meas.(IMUMeasurement))
	if m.lastSample == nil {
		m.lastSample = &sample
		return nil, false
	}
	dt := sample.T - m.lastSample.T
	predicted := m.preIntegrate(*m.lastSample, sample, dt)
	m.lastSample = &sample

	residualNorm := relativeMotion.Translation.Sub(predicted.Translation).Norm()
	uncertainty := IntegrationUncertainty(m.noiseLevel, dt.Seconds())
	weight := m.weight(residualNorm)
	if uncertainty > 0 {
		weight /= 1 + uncertainty
	}

	residual := &registration.Residual{
		A:      identity3(),
		P:      predicted.Translation,
		X:      relativeMotion.Translation,
		Weight: weight,
	}
	return residual, true
}
