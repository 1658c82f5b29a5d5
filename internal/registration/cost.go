// Package registration implements the neighborhood-fit-to-Mahalanobis
// residual cost model shared by ego-motion and mapping ICP (§4.D):
// point-to-line, point-to-plane and point-to-blob residuals built from
// a local PCA of the matched neighborhood, each wrapped by a saturating
// robustifier.
package registration

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/pointcloud"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// RejectionCode tags why a candidate residual was or wasn't built,
// shared across all three neighborhood fits so debug histograms use one
// vocabulary (§4.D).
type RejectionCode int

const (
	Success RejectionCode = iota
	NotEnoughNeighbors
	NeighborsTooFar
	BadPCAStructure
	InvalidNumerical
	MSETooLarge
)

func (c RejectionCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case NotEnoughNeighbors:
		return "NOT_ENOUGH_NEIGHBORS"
	case NeighborsTooFar:
		return "NEIGHBORS_TOO_FAR"
	case BadPCAStructure:
		return "BAD_PCA_STRUCTURE"
	case InvalidNumerical:
		return "INVALID_NUMERICAL"
	case MSETooLarge:
		return "MSE_TOO_LARGE"
	default:
		return "UNKNOWN"
	}
}

// Config holds the neighborhood-fit tunables of §4.D.
type Config struct {
	LineDistanceNbrNeighbors     int
	LineDistanceFactor           float64
	MinimumLineNeighborRejection int
	LineStructureThreshold       float64 // minimum acceptable eigen-ratio lambda1/lambda2

	PlaneDistanceNbrNeighbors int
	PlaneDistanceFactor1      float64
	PlaneDistanceFactor2      float64 // plane-likeness: lambda3 << lambda2

	InitLossScale  float64
	FinalLossScale float64
}

// DefaultConfig returns the registration cost model's default tunables.
func DefaultConfig() Config {
	return Config{
		LineDistanceNbrNeighbors:     10,
		LineDistanceFactor:           5,
		MinimumLineNeighborRejection: 4,
		LineStructureThreshold:       3,
		PlaneDistanceNbrNeighbors:    5,
		PlaneDistanceFactor1:         5,
		PlaneDistanceFactor2:         5,
		InitLossScale:                0.1,
		FinalLossScale:               0.05,
	}
}

// Residual is a Mahalanobis residual A*(R*X+T-P) produced by a
// neighborhood fit. Time is set for the interpolated residual form and
// ignored by the rigid form.
type Residual struct {
	A      *mat.Dense // 3x3 projector/metric
	P      r3.Vector  // neighborhood centroid or fit point
	X      r3.Vector  // matched keypoint, in the sensor/body frame
	Time   float64    // in [0,1], intra-sweep position for interpolated residuals
	Weight float64    // robustifier weight, applied multiplicatively
}

// Evaluate computes A*(R*X+T-P) for a rigid transform candidate.
func (r Residual) Evaluate(candidate transform.Transform) r3.Vector {
	diff := candidate.Apply(r.X).Sub(r.P)
	return applyMatrix(r.A, diff)
}

func applyMatrix(A *mat.Dense, v r3.Vector) r3.Vector {
	var out mat.VecDense
	out.MulVec(A, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// neighborStats holds the PCA of a matched neighborhood: centroid,
// eigenvalues ascending, and eigenvectors as columns.
type neighborStats struct {
	centroid r3.Vector
	values   []float64
	vectors  *mat.Dense
}

func pca(points []r3.Vector) neighborStats {
	n := float64(len(points))
	var centroid r3.Vector
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / n)

	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			var sum float64
			for _, p := range points {
				d := p.Sub(centroid)
				sum += component(d, i) * component(d, j)
			}
			cov.SetSym(i, j, sum/n)
		}
	}

	var eig mat.EigenSym
	eig.Factorize(cov, true)
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	return neighborStats{centroid: centroid, values: values, vectors: &vectors}
}

func component(v r3.Vector, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func eigenvector(stats neighborStats, col int) r3.Vector {
	return r3.Vector{
		X: stats.vectors.At(0, col),
		Y: stats.vectors.At(1, col),
		Z: stats.vectors.At(2, col),
	}
}

func medianRange(points []r3.Vector, query r3.Vector) float64 {
	dists := make([]float64, len(points))
	for i, p := range points {
		dists[i] = p.Sub(query).Norm()
	}
	sort.Float64s(dists)
	return dists[len(dists)/2]
}

func farthest(points []r3.Vector, query r3.Vector) float64 {
	max := 0.0
	for _, p := range points {
		if d := p.Sub(query).Norm(); d > max {
			max = d
		}
	}
	return max
}

// BuildLineResidual fits a line through the k nearest neighbors of
// query and returns a point-to-line residual (§4.D "Point-to-line").
func BuildLineResidual(cfg Config, query r3.Vector, neighbors []pointcloud.Point) (*Residual, RejectionCode) {
	if len(neighbors) < cfg.MinimumLineNeighborRejection {
		return nil, NotEnoughNeighbors
	}
	pts := positionsOf(neighbors)
	med := medianRange(pts, query)
	if farthest(pts, query) > cfg.LineDistanceFactor*med {
		return nil, NeighborsTooFar
	}

	stats := pca(pts)
	// Eigenvalues ascending: largest is index 2.
	lambda1, lambda2 := stats.values[2], stats.values[1]
	if lambda1 <= 1e-12 || lambda1/maxFloat(lambda2, 1e-12) < cfg.LineStructureThreshold {
		return nil, BadPCAStructure
	}
	direction := eigenvector(stats, 2)

	A := projectorOrthogonalTo(direction)
	return &Residual{A: A, P: stats.centroid, X: query, Weight: 1}, Success
}

// BuildPlaneResidual fits a plane through the k nearest neighbors of
// query and returns a point-to-plane residual (§4.D "Point-to-plane").
func BuildPlaneResidual(cfg Config, query r3.Vector, neighbors []pointcloud.Point) (*Residual, RejectionCode) {
	if len(neighbors) < 3 {
		return nil, NotEnoughNeighbors
	}
	pts := positionsOf(neighbors)
	med := medianRange(pts, query)
	if farthest(pts, query) > cfg.PlaneDistanceFactor1*med {
		return nil, NeighborsTooFar
	}

	stats := pca(pts)
	lambda2, lambda3 := stats.values[1], stats.values[0]
	if lambda2 <= 1e-12 || lambda2/maxFloat(lambda3, 1e-12) < cfg.PlaneDistanceFactor2 {
		return nil, BadPCAStructure
	}
	normal := eigenvector(stats, 0)

	A := outerProduct(normal)
	return &Residual{A: A, P: stats.centroid, X: query, Weight: 1}, Success
}

// BuildBlobResidual fits an ellipsoid (full 3x3 covariance) through the
// neighbors and returns a point-to-blob residual whose metric is the
// inverse matrix square root of the covariance (§4.D "Point-to-blob").
func BuildBlobResidual(query r3.Vector, neighbors []pointcloud.Point) (*Residual, RejectionCode) {
	if len(neighbors) < 4 {
		return nil, NotEnoughNeighbors
	}
	pts := positionsOf(neighbors)
	stats := pca(pts)
	for _, v := range stats.values {
		if v <= 1e-12 {
			return nil, BadPCAStructure
		}
	}

	// A = C^{-1/2}: invert each eigenvalue, take sqrt, reassemble.
	D := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		D.Set(i, i, 1/math.Sqrt(stats.values[i]))
	}
	var tmp, A mat.Dense
	tmp.Mul(stats.vectors, D)
	A.Mul(&tmp, stats.vectors.T())

	return &Residual{A: &A, P: stats.centroid, X: query, Weight: 1}, Success
}

func positionsOf(points []pointcloud.Point) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = p.Position
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// projectorOrthogonalTo returns (I - n n^T)^T (I - n n^T), the
// projector onto the plane orthogonal to unit vector n.
func projectorOrthogonalTo(n r3.Vector) *mat.Dense {
	n = n.Normalize()
	proj := mat.NewDense(3, 3, nil)
	nn := outerProduct(n)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			id := 0.0
			if i == j {
				id = 1
			}
			proj.Set(i, j, id-nn.At(i, j))
		}
	}
	var out mat.Dense
	out.Mul(proj.T(), proj)
	return &out
}

// outerProduct normalizes n (which need not be unit) and returns
// u*u^T for its unit direction u.
func outerProduct(n r3.Vector) *mat.Dense {
	n = n.Normalize()
	return mat.NewDense(3, 3, []float64{
		n.X * n.X, n.X * n.Y, n.X * n.Z,
		n.Y * n.X, n.Y * n.Y, n.Y * n.Z,
		n.Z * n.X, n.Z * n.Y, n.Z * n.Z,
	})
}

// Robustifier is the continuous saturating loss scale(x) = s*atan(x/s)
// used to bound the influence of large residuals without dropping them
// (§4.D "robustifier"). Its scale is linearly annealed across ICP
// iterations.
type Robustifier struct {
	Scale float64
}

// AnnealedScale linearly interpolates from init (iteration 0) to final
// (iteration maxIter-1).
func AnnealedScale(iter, maxIter int, init, final float64) float64 {
	if maxIter <= 1 {
		return final
	}
	t := float64(iter) / float64(maxIter-1)
	return (1-t)*init + t*final
}

// Weight returns the IRLS multiplicative weight for a residual norm:
// scale(x)/x, discounting large residuals smoothly.
func (r Robustifier) Weight(residualNorm float64) float64 {
	if residualNorm < 1e-12 {
		return 1
	}
	return r.Scale * math.Atan(residualNorm/r.Scale) / residualNorm
}
