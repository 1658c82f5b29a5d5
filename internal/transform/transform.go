// Package transform implements the rigid-motion model shared by the
// extraction, registration and mapping stages: SE(3) composition,
// inversion, and the linear/slerp interpolation used to undistort a
// sweep and to parametrize the intra-sweep motion in ICP residuals.
package transform

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Transform is a rigid isometry (rotation + translation) with an
// attached timestamp and frame id, matching the BASE/WORLD/LIDAR poses
// exchanged throughout the engine.
type Transform struct {
	Rotation    quat.Number
	Translation r3.Vector
	Time        time.Duration
	Frame       string
}

// Identity returns the identity transform at t=0 in the given frame.
func Identity(frame string) Transform {
	return Transform{Rotation: quat.Number{Real: 1}, Frame: frame}
}

// New builds a Transform from Euler angles (Z*Y*X order, radians) and a
// translation, matching the Euler convention used by the registration
// cost model (§4.D of the SLAM specification).
func New(tx, ty, tz, rx, ry, rz float64, frame string) Transform {
	return Transform{
		Rotation:    fromEulerZYX(rx, ry, rz),
		Translation: r3.Vector{X: tx, Y: ty, Z: tz},
		Frame:       frame,
	}
}

func fromEulerZYX(rx, ry, rz float64) quat.Number {
	// R = Rz(rz) * Ry(ry) * Rx(rx)
	qz := axisAngle(r3.Vector{Z: 1}, rz)
	qy := axisAngle(r3.Vector{Y: 1}, ry)
	qx := axisAngle(r3.Vector{X: 1}, rx)
	return quat.Mul(quat.Mul(qz, qy), qx)
}

func axisAngle(axis r3.Vector, angle float64) quat.Number {
	h := angle / 2
	s := math.Sin(h)
	return quat.Number{Real: math.Cos(h), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// Rotate applies the transform's rotation to a vector.
func (t Transform) Rotate(v r3.Vector) r3.Vector {
	q := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(t.Rotation, q), quat.Conj(t.Rotation))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Apply maps a point from the transform's source frame into its target
// frame: X' = R*X + T.
func (t Transform) Apply(v r3.Vector) r3.Vector {
	return t.Rotate(v).Add(t.Translation)
}

// Inverse returns the inverse isometry.
func (t Transform) Inverse() Transform {
	qInv := quat.Conj(t.Rotation)
	inv := Transform{Rotation: qInv, Frame: t.Frame, Time: t.Time}
	inv.Translation = inv.Rotate(t.Translation).Mul(-1)
	return inv
}

// Compose returns t followed by other, i.e. other applied in t's frame:
// the rigid motion that first applies t, then other.
func Compose(t, other Transform) Transform {
	return Transform{
		Rotation:    quat.Mul(other.Rotation, t.Rotation),
		Translation: other.Rotate(t.Translation).Add(other.Translation),
		Frame:       other.Frame,
		Time:        other.Time,
	}
}

// Interpolate linearly blends translation and slerps rotation between
// h0 (t=0) and h1 (t=1), clamped at the endpoints. This single
// operation is reused for within-sweep undistortion and for the
// intra-sweep motion parameter in both ego-motion and mapping
// residuals (§4.A).
func Interpolate(h0, h1 Transform, t float64) Transform {
	if t <= 0 {
		return h0
	}
	if t >= 1 {
		return h1
	}
	return Transform{
		Rotation:    slerp(h0.Rotation, h1.Rotation, t),
		Translation: h0.Translation.Mul(1 - t).Add(h1.Translation.Mul(t)),
		Frame:       h1.Frame,
	}
}

func slerp(q0, q1 quat.Number, t float64) quat.Number {
	dot := q0.Real*q1.Real + q0.Imag*q1.Imag + q0.Jmag*q1.Jmag + q0.Kmag*q1.Kmag
	if dot < 0 {
		q1 = quat.Scale(-1, q1)
		dot = -dot
	}
	const dotThreshold = 0.9995
	if dot > dotThreshold {
		// Nearly parallel: fall back to normalized linear blend.
		out := quat.Number{
			Real: q0.Real + t*(q1.Real-q0.Real),
			Imag: q0.Imag + t*(q1.Imag-q0.Imag),
			Jmag: q0.Jmag + t*(q1.Jmag-q0.Jmag),
			Kmag: q0.Kmag + t*(q1.Kmag-q0.Kmag),
		}
		return normalize(out)
	}
	theta0 := math.Acos(dot)
	theta := theta0 * t
	sinTheta0 := math.Sin(theta0)
	sinTheta := math.Sin(theta)
	s0 := math.Cos(theta) - dot*sinTheta/sinTheta0
	s1 := sinTheta / sinTheta0
	return quat.Number{
		Real: s0*q0.Real + s1*q1.Real,
		Imag: s0*q0.Imag + s1*q1.Imag,
		Jmag: s0*q0.Jmag + s1*q1.Jmag,
		Kmag: s0*q0.Kmag + s1*q1.Kmag,
	}
}

func normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// SampledPath is a monotonically time-indexed sequence of Transforms
// supporting query-by-time via linear SE(3) interpolation.
type SampledPath struct {
	samples []Transform
}

// NewSampledPath builds a path from two endpoints, the common case for
// the intra-sweep motion parameters stored in the SLAM state.
func NewSampledPath(h0, h1 Transform) *SampledPath {
	return &SampledPath{samples: []Transform{h0, h1}}
}

// Append adds a sample; samples must be inserted in non-decreasing time
// order.
func (p *SampledPath) Append(tf Transform) {
	p.samples = append(p.samples, tf)
}

// At returns the interpolated pose at the given time, clamped at the
// path's endpoints.
func (p *SampledPath) At(t time.Duration) Transform {
	if len(p.samples) == 0 {
		return Identity("")
	}
	if len(p.samples) == 1 {
		return p.samples[0]
	}
	if t <= p.samples[0].Time {
		return p.samples[0]
	}
	last := len(p.samples) - 1
	if t >= p.samples[last].Time {
		return p.samples[last]
	}
	lo, hi := 0, last
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if p.samples[mid].Time <= t {
			lo = mid
		} else {
			hi = mid
		}
	}
	h0, h1 := p.samples[lo], p.samples[hi]
	span := h1.Time - h0.Time
	if span <= 0 {
		return h0
	}
	frac := float64(t-h0.Time) / float64(span)
	return Interpolate(h0, h1, frac)
}
