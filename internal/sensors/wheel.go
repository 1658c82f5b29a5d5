package sensors

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// WheelMeasurement is a scalar wheel-odometry reading: an absolute
// odometer distance, relative readings are derived as the difference
// between two successive constraints (§4.F "wheel odometer").
type WheelMeasurement struct {
	T        time.Duration
	Distance float64
}

func (w WheelMeasurement) Time() time.Duration { return w.T }

func (w WheelMeasurement) Interpolate(other Measurement, t float64) Measurement {
	o := other.(WheelMeasurement)
	return WheelMeasurement{
		T:        w.T + time.Duration(t*float64(o.T-w.T)),
		Distance: w.Distance + t*(o.Distance-w.Distance),
	}
}

// WheelOdometer buffers odometer readings and constrains the
// along-track displacement between two synchronized readings against
// the ego-motion translation.
type WheelOdometer struct {
	*Manager

	haveLast   bool
	lastReading float64
}

// NewWheelOdometer builds an odometer manager.
func NewWheelOdometer(cfg ManagerConfig) *WheelOdometer {
	return &WheelOdometer{Manager: NewManager(cfg)}
}

// ComputeConstraint returns a 1-DoF along-track residual between the
// odometer's measured distance delta and the relative motion's
// translation norm, projected onto the motion's own direction.
func (w *WheelOdometer) ComputeConstraint(lidarTime time.Duration, relativeMotion transform.Transform) (*registration.Residual, bool) {
	meas, ok := w.Synchronize(lidarTime)
	if !ok {
		return nil, false
	}
	reading := meas.(WheelMeasurement).Distance
	if !w.haveLast {
		w.lastReading = reading
		w.haveLast = true
		return nil, false
	}
	measuredDistance := reading - w.lastReading
	w.lastReading = reading

	axis := relativeMotion.Translation
	if axis.Norm() < 1e-9 {
		axis = r3.Vector{X: 1}
	}
	axis = axis.Normalize()
	predictedDistance := relativeMotion.Translation.Norm()

	residual := &registration.Residual{
		A:      axisOuterProduct(axis),
		P:      axis.Mul(measuredDistance),
		X:      axis.Mul(predictedDistance),
		Weight: w.weight(math.Abs(measuredDistance - predictedDistance)),
	}
	return residual, true
}

// axisOuterProduct returns n*n^T for a unit vector n, the projector
// used to constrain only the along-track component of a residual
// (mirrors the registration package's own outer-product metric for
// point-to-plane residuals).
func axisOuterProduct(n r3.Vector) *mat.Dense {
	n = n.Normalize()
	return mat.NewDense(3, 3, []float64{
		n.X * n.X, n.X * n.Y, n.X * n.Z,
		n.Y * n.X, n.Y * n.Y, n.Y * n.Z,
		n.Z * n.X, n.Z * n.Y, n.Z * n.Z,
	})
}
