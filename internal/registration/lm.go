package registration

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// ResidualFunc stacks every active residual's evaluation into one flat
// vector (len == 3*numResiduals) for parameter vector w.
type ResidualFunc func(w []float64) []float64

// LMResult is the outcome of one damped Gauss-Newton (Levenberg-
// Marquardt) solve: the refined parameters and the inverse Hessian
// (JtJ)^-1 at the final iterate, used as the pose covariance (§4.E step
// 5 "Record the inverse Hessian of the final step").
type LMResult struct {
	Params         []float64
	InverseHessian *mat.Dense
	Iterations     int
	Converged      bool
}

// Solve runs a damped Gauss-Newton iteration on residualFn starting at
// x0, up to maxIter outer iterations (each with an internal damping
// search bounded by maxInnerIter). A step producing non-finite
// parameters is rejected and the previous iterate is kept, matching
// §7's "numerical failure" handling; iteration then continues with a
// larger damping factor.
func Solve(residualFn ResidualFunc, x0 []float64, maxIter, maxInnerIter int) LMResult {
	n := len(x0)
	x := append([]float64(nil), x0...)
	lambda := 1e-3

	cost := func(w []float64) float64 {
		r := residualFn(w)
		var s float64
		for _, v := range r {
			s += v * v
		}
		return s
	}

	currentCost := cost(x)
	var JtJ *mat.Dense
	result := LMResult{Params: x}

	for iter := 0; iter < maxIter; iter++ {
		J := jacobian(residualFn, x)
		r := residualFn(x)

		rVec := mat.NewVecDense(len(r), r)
		var Jt mat.Dense
		Jt.CloneFrom(J.T())

		JtJ = new(mat.Dense)
		JtJ.Mul(&Jt, J)
		var Jtr mat.VecDense
		Jtr.MulVec(&Jt, rVec)

		improved := false
		for inner := 0; inner < maxInnerIter; inner++ {
			damped := addDampingDiagonal(JtJ, lambda)

			var delta mat.VecDense
			if err := solveSystem(&delta, damped, &Jtr); err != nil {
				lambda *= 10
				continue
			}

			candidate := make([]float64, n)
			finite := true
			for i := 0; i < n; i++ {
				candidate[i] = x[i] - delta.AtVec(i)
				if math.IsNaN(candidate[i]) || math.IsInf(candidate[i], 0) {
					finite = false
				}
			}
			if !finite {
				lambda *= 10
				continue // numerical failure: reject, keep previous iterate (§7)
			}

			candidateCost := cost(candidate)
			if candidateCost < currentCost {
				x = candidate
				currentCost = candidateCost
				lambda = math.Max(lambda/10, 1e-12)
				improved = true
				break
			}
			lambda *= 10
		}
		result.Iterations = iter + 1
		if !improved {
			result.Converged = true
			break
		}
	}

	result.Params = x
	result.InverseHessian = invertOrPseudoIdentity(JtJ)
	return result
}

// jacobian builds the m x n Jacobian of residualFn at x one row at a
// time via forward finite differences (fd.Gradient's default formula),
// the same gonum/diff/fd machinery
// the pack's point-cloud ICP registration uses for its gradient
// (pointcloud-icp.go's fd.Gradient call on the scalar alignment error).
func jacobian(residualFn ResidualFunc, x []float64) *mat.Dense {
	r0 := residualFn(x)
	m, n := len(r0), len(x)
	J := mat.NewDense(m, n, nil)
	grad := make([]float64, n)
	for i := 0; i < m; i++ {
		component := func(w []float64) float64 { return residualFn(w)[i] }
		fd.Gradient(grad, component, x, nil)
		for j := 0; j < n; j++ {
			J.Set(i, j, grad[j])
		}
	}
	return J
}

func addDampingDiagonal(JtJ *mat.Dense, lambda float64) *mat.Dense {
	r, c := JtJ.Dims()
	damped := mat.NewDense(r, c, nil)
	damped.CloneFrom(JtJ)
	for i := 0; i < r; i++ {
		damped.Set(i, i, damped.At(i, i)+lambda*damped.At(i, i)+1e-9)
	}
	return damped
}

func solveSystem(dst *mat.VecDense, A *mat.Dense, b *mat.VecDense) error {
	return dst.SolveVec(A, b)
}

func invertOrPseudoIdentity(JtJ *mat.Dense) *mat.Dense {
	if JtJ == nil {
		return identity(6)
	}
	r, _ := JtJ.Dims()
	var inv mat.Dense
	if err := inv.Inverse(JtJ); err != nil {
		return identity(r)
	}
	return &inv
}

func identity(n int) *mat.Dense {
	id := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		id.Set(i, i, math.Inf(1))
	}
	return id
}
