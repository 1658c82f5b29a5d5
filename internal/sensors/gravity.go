package sensors

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// GravityMeasurement is a unit gravity-direction reading in the sensor
// frame, typically derived from an accelerometer at rest (§4.F
// "gravity").
type GravityMeasurement struct {
	T         time.Duration
	Direction r3.Vector
}

func (g GravityMeasurement) Time() time.Duration { return g.T }

func (g GravityMeasurement) Interpolate(other Measurement, t float64) Measurement {
	o := other.(GravityMeasurement)
	dir := g.Direction.Mul(1 - t).Add(o.Direction.Mul(t))
	if n := dir.Norm(); n > 1e-9 {
		dir = dir.Mul(1 / n)
	}
	return GravityMeasurement{T: g.T + time.Duration(t*float64(o.T-g.T)), Direction: dir}
}

// Gravity buffers gravity-direction readings and constrains the
// current orientation's reference axis (default world -Z) to align
// with the measured direction (§4.F "gravity... align gravity axis
// with measured direction").
type Gravity struct {
	*Manager
	referenceAxis r3.Vector
}

// NewGravity builds a gravity manager whose reference axis is world
// -Z (the vertical, in a WORLD frame with Z up).
func NewGravity(cfg ManagerConfig) *Gravity {
	return &Gravity{Manager: NewManager(cfg), referenceAxis: r3.Vector{Z: -1}}
}

// SetReferenceAxis overrides the world-frame axis gravity is expected
// to align with.
func (g *Gravity) SetReferenceAxis(axis r3.Vector) { g.referenceAxis = axis.Normalize() }

func (g *Gravity) ComputeConstraint(lidarTime time.Duration, orientation transform.Transform) (*registration.Residual, bool) {
	meas, ok := g.Synchronize(lidarTime)
	if !ok {
		return nil, false
	}
	measured := meas.(GravityMeasurement).Direction
	predicted := orientation.Rotate(g.referenceAxis)

	residual := &registration.Residual{
		A:      identity3(),
		P:      measured,
		X:      predicted,
		Weight: g.weight(predicted.Sub(measured).Norm()),
	}
	return residual, true
}
