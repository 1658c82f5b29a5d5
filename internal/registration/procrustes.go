package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// KabschAlign computes the closed-form rigid transform mapping source
// onto target by SVD, the 3D generalization of the teacher's 2D
// Procrustes alignment (including its determinant-sign correction for
// reflected rotations). It is used as an independent sanity check on
// the LM solver's converged estimate, not as the registration itself:
// a large disagreement between the two signals degenerate
// correspondence geometry the iterative solver may have
// mis-converged on.
func KabschAlign(source, target []r3.Vector) (transform.Transform, bool) {
	n := len(source)
	if n == 0 || n != len(target) {
		return transform.Transform{}, false
	}

	var sourceCentroid, targetCentroid r3.Vector
	for i := range source {
		sourceCentroid = sourceCentroid.Add(source[i])
		targetCentroid = targetCentroid.Add(target[i])
	}
	sourceCentroid = sourceCentroid.Mul(1 / float64(n))
	targetCentroid = targetCentroid.Mul(1 / float64(n))

	H := mat.NewDense(3, 3, nil)
	for i := range source {
		s := source[i].Sub(sourceCentroid)
		t := target[i].Sub(targetCentroid)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				H.Set(r, c, H.At(r, c)+component(s, r)*component(t, c))
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(H, mat.SVDThin) {
		return transform.Transform{}, false
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)

	var R mat.Dense
	R.Mul(&V, U.T())
	if mat.Det(&R) < 0 {
		reflection := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
		var Vcorrected mat.Dense
		Vcorrected.Mul(&V, reflection)
		R.Mul(&Vcorrected, U.T())
	}

	rotation := quatFromRotationMatrix(&R)
	translation := targetCentroid.Sub(transform.Transform{Rotation: rotation}.Rotate(sourceCentroid))
	return transform.Transform{Rotation: rotation, Translation: translation}, true
}

// quatFromRotationMatrix converts a 3x3 rotation matrix to a unit
// quaternion (Shepperd's method).
func quatFromRotationMatrix(R *mat.Dense) quat.Number {
	m00, m01, m02 := R.At(0, 0), R.At(0, 1), R.At(0, 2)
	m10, m11, m12 := R.At(1, 0), R.At(1, 1), R.At(1, 2)
	m20, m21, m22 := R.At(2, 0), R.At(2, 1), R.At(2, 2)
	trace := m00 + m11 + m22

	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		return quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		return quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		return quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		return quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
}
