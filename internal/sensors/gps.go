package sensors

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// GPSMeasurement is a 3-DoF world-frame position fix with its 3x3
// covariance (§4.F "GPS").
type GPSMeasurement struct {
	T          time.Duration
	Position   r3.Vector
	Covariance *mat.SymDense
}

func (g GPSMeasurement) Time() time.Duration { return g.T }

func (g GPSMeasurement) Interpolate(other Measurement, t float64) Measurement {
	o := other.(GPSMeasurement)
	cov := g.Covariance
	if t >= 0.5 {
		cov = o.Covariance
	}
	return GPSMeasurement{
		T:          g.T + time.Duration(t*float64(o.T-g.T)),
		Position:   g.Position.Mul(1 - t).Add(o.Position.Mul(t)),
		Covariance: cov,
	}
}

// GPS buffers fixes and constrains BASE's world position through an
// offline-calibrated GPS-to-BASE offset (§4.F "GPS... used via an
// offline-calibrated GPS->BASE offset").
type GPS struct {
	*Manager
	calibration transform.Transform
}

// NewGPS builds a GPS manager with an identity GPS-to-BASE offset.
func NewGPS(cfg ManagerConfig) *GPS {
	return &GPS{Manager: NewManager(cfg), calibration: transform.Identity("base")}
}

// SetGPSToBaseCalibration sets the static antenna offset from BASE as
// three translation and three Euler (Z*Y*X) rotation scalars, the flat
// calibration form carried alongside a pose-graph G2O dump.
func (g *GPS) SetGPSToBaseCalibration(x, y, z, roll, pitch, yaw float64) {
	g.calibration = transform.New(x, y, z, roll, pitch, yaw, "base")
}

func (g *GPS) ComputeConstraint(lidarTime time.Duration, basePose transform.Transform) (*registration.Residual, bool) {
	meas, ok := g.Synchronize(lidarTime)
	if !ok {
		return nil, false
	}
	fix := meas.(GPSMeasurement)
	predicted := transform.Compose(g.calibration, basePose).Translation

	residual := &registration.Residual{
		A:      identity3(),
		P:      fix.Position,
		X:      g.calibration.Translation,
		Weight: g.weight(predicted.Sub(fix.Position).Norm()),
	}
	return residual, true
}

// HorizontalVerticalError decomposes a 3x3 world-frame GPS covariance
// into a horizontal (XY) and vertical (Z) error, the
// NavSatFix-style summary reported alongside each fix: horizontal is
// the sum of the X and Y standard deviations, vertical is twice the Z
// standard deviation.
func HorizontalVerticalError(cov *mat.SymDense) (horizontal, vertical float64) {
	if cov == nil {
		return 0, 0
	}
	horizontal = math.Sqrt(math.Max(cov.At(0, 0), 0)) + math.Sqrt(math.Max(cov.At(1, 1), 0))
	vertical = 2 * math.Sqrt(math.Max(cov.At(2, 2), 0))
	return horizontal, vertical
}
