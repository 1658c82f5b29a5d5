package sensors

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// PoseMeasurement is a generic 6-DoF world pose reading (§4.F "generic
// pose sensor").
type PoseMeasurement struct {
	T    time.Duration
	Pose transform.Transform
}

func (p PoseMeasurement) Time() time.Duration { return p.T }

func (p PoseMeasurement) Interpolate(other Measurement, t float64) Measurement {
	o := other.(PoseMeasurement)
	return PoseMeasurement{
		T:    p.T + time.Duration(t*float64(o.T-p.T)),
		Pose: transform.Interpolate(p.Pose, o.Pose, t),
	}
}

// PoseSensor buffers generic pose readings and constrains BASE's world
// position against the synchronized pose.
type PoseSensor struct {
	*Manager
}

// NewPoseSensor builds an empty generic pose-sensor manager.
func NewPoseSensor(cfg ManagerConfig) *PoseSensor {
	return &PoseSensor{Manager: NewManager(cfg)}
}

func (p *PoseSensor) ComputeConstraint(lidarTime time.Duration, basePose transform.Transform) (*registration.Residual, bool) {
	meas, ok := p.Synchronize(lidarTime)
	if !ok {
		return nil, false
	}
	measured := meas.(PoseMeasurement).Pose
	residual := &registration.Residual{
		A:      identity3(),
		P:      measured.Translation,
		X:      r3.Vector{},
		Weight: p.weight(basePose.Translation.Sub(measured.Translation).Norm()),
	}
	return residual, true
}
