// Package posegraph implements the offline trajectory-relaxation step
// of §4.G: align a logged SLAM trajectory against GPS fixes, build a
// pose graph from consecutive-pose and GPS edges, and relax it with a
// damped Gauss-Newton solve.
package posegraph

import (
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// ErrNoOverlap is returned when no GPS fix falls within the SLAM
// trajectory's time window, making relaxation a no-op (§8 scenario 6
// and §7's "pose-graph no-op" behavior).
var ErrNoOverlap = errors.New("posegraph: SLAM and GPS time windows do not overlap")

// Config holds the optimizer's tunables, including the supplemented
// G2O dump path (§4.E "Supplemented features").
type Config struct {
	MaxIterations        int
	LMMaxInnerIterations int
	G2OFilePath          string
}

// DefaultConfig returns the optimizer's default iteration counts.
func DefaultConfig() Config {
	return Config{MaxIterations: 10, LMMaxInnerIterations: 15}
}

// SLAMPose is one timestamped BASE-in-WORLD pose with its 6x6 pose
// covariance (order rX,rY,rZ,X,Y,Z), the vertex input to the graph
// (§4.G step 2).
type SLAMPose struct {
	Pose       transform.Transform
	Covariance *mat.Dense
}

// GPSFix is one timestamped WORLD-frame position fix with its optional
// 3x3 covariance (§4.G "a correlated GPS position trajectory with
// per-position 3x3 covariances"). A nil Covariance falls back to unit
// information weighting.
type GPSFix struct {
	Time       time.Duration
	Position   r3.Vector
	Covariance *mat.SymDense
}

type odometryEdge struct {
	from, to    int
	measurement transform.Transform
}

type gpsEdge struct {
	vertex      int
	measurement r3.Vector
	covariance  *mat.SymDense
}

// Graph is the vertex/edge structure built by Optimize, exposed so it
// can be dumped via DumpG2O.
type Graph struct {
	vertices []transform.Transform
	// vertexCovariance holds each vertex's 6x6 mapping covariance
	// (order rX,rY,rZ,X,Y,Z), index-aligned with vertices; nil entries
	// fall back to unit information weighting.
	vertexCovariance []*mat.Dense
	odometry         []odometryEdge
	gps              []gpsEdge
}

// Optimizer runs the offline trajectory-relaxation procedure of §4.G.
type Optimizer struct {
	cfg         Config
	log         *zap.SugaredLogger
	calibration transform.Transform
}

// NewOptimizer builds an Optimizer with an identity GPS-to-BASE
// calibration; set a real one via SetGPSToBaseCalibration.
func NewOptimizer(cfg Config, log *zap.SugaredLogger) *Optimizer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Optimizer{cfg: cfg, log: log, calibration: transform.Identity("base")}
}

// SetGPSToBaseCalibration sets the static antenna offset from BASE as
// three translation and three Euler (Z*Y*X) rotation scalars (§4.G
// "GPS-to-BASE offset (in/out)"), the flat scalar signature the
// original ROS node reads off a config array.
func (o *Optimizer) SetGPSToBaseCalibration(x, y, z, roll, pitch, yaw float64) {
	o.calibration = transform.New(x, y, z, roll, pitch, yaw, "base")
}

// Optimize time-aligns trajectory against fixes, builds a pose graph,
// and relaxes it with a damped Gauss-Newton solve (§4.G steps 1-3),
// returning the corrected trajectory in the same order as trajectory.
// The caller is responsible for step 4: re-warping logged keypoints
// and rebuilding the rolling grids from the returned poses.
func (o *Optimizer) Optimize(trajectory []SLAMPose, fixes []GPSFix) ([]transform.Transform, *Graph, error) {
	if len(trajectory) == 0 || len(fixes) == 0 {
		return nil, nil, ErrNoOverlap
	}

	graph, err := o.buildGraph(trajectory, fixes)
	if err != nil {
		return nil, nil, err
	}

	x0 := make([]float64, 6*len(graph.vertices))
	residualFn := func(w []float64) []float64 {
		candidates := applyDeltas(graph.vertices, w)
		return stackResiduals(graph, candidates, o.calibration)
	}

	result := registration.Solve(residualFn, x0, o.cfg.MaxIterations, o.cfg.LMMaxInnerIterations)
	optimized := applyDeltas(graph.vertices, result.Params)

	if o.cfg.G2OFilePath != "" {
		if dumpErr := DumpG2O(o.cfg.G2OFilePath, graph); dumpErr != nil {
			o.log.Warnw("pose graph G2O dump failed", "path", o.cfg.G2OFilePath, "error", dumpErr)
		}
	}
	return optimized, graph, nil
}

func (o *Optimizer) buildGraph(trajectory []SLAMPose, fixes []GPSFix) (*Graph, error) {
	g := &Graph{
		vertices:         make([]transform.Transform, len(trajectory)),
		vertexCovariance: make([]*mat.Dense, len(trajectory)),
	}
	for i, p := range trajectory {
		g.vertices[i] = p.Pose
		g.vertexCovariance[i] = p.Covariance
	}
	for i := 0; i < len(trajectory)-1; i++ {
		rel := transform.Compose(trajectory[i+1].Pose, trajectory[i].Pose.Inverse())
		g.odometry = append(g.odometry, odometryEdge{from: i, to: i + 1, measurement: rel})
	}

	matched := 0
	for _, fix := range fixes {
		idx, ok := nearestVertex(trajectory, fix.Time)
		if !ok {
			continue
		}
		g.gps = append(g.gps, gpsEdge{vertex: idx, measurement: fix.Position, covariance: fix.Covariance})
		matched++
	}
	if matched == 0 {
		return nil, ErrNoOverlap
	}
	return g, nil
}

// nearestVertex returns the index of the SLAM vertex nearest in time to
// t, or false if t falls outside the trajectory's time window.
func nearestVertex(trajectory []SLAMPose, t time.Duration) (int, bool) {
	n := len(trajectory)
	if t < trajectory[0].Pose.Time || t > trajectory[n-1].Pose.Time {
		return 0, false
	}
	lo := sort.Search(n, func(i int) bool { return trajectory[i].Pose.Time >= t })
	if lo == 0 {
		return 0, true
	}
	if lo == n {
		return n - 1, true
	}
	if trajectory[lo].Pose.Time-t < t-trajectory[lo-1].Pose.Time {
		return lo, true
	}
	return lo - 1, true
}

// applyDeltas composes a per-vertex local SE(3) delta onto each base
// pose, the same zero-parametrized-delta trick the ICP solver uses
// per outer round.
func applyDeltas(base []transform.Transform, w []float64) []transform.Transform {
	out := make([]transform.Transform, len(base))
	for i := range base {
		o := 6 * i
		delta := transform.New(w[o], w[o+1], w[o+2], w[o+3], w[o+4], w[o+5], base[i].Frame)
		out[i] = transform.Compose(delta, base[i])
		out[i].Time = base[i].Time
	}
	return out
}

func stackResiduals(g *Graph, candidates []transform.Transform, calibration transform.Transform) []float64 {
	out := make([]float64, 0, 6*len(g.odometry)+3*len(g.gps))
	for _, e := range g.odometry {
		predicted := transform.Compose(candidates[e.to], candidates[e.from].Inverse())
		tErr := predicted.Translation.Sub(e.measurement.Translation)
		rErr := rotationError(predicted.Rotation, e.measurement.Rotation)
		w := slamInformation(g.vertexCovariance[e.to])
		out = append(out, tErr.X*w[3], tErr.Y*w[4], tErr.Z*w[5], rErr.X*w[0], rErr.Y*w[1], rErr.Z*w[2])
	}
	for _, e := range g.gps {
		predicted := transform.Compose(calibration, candidates[e.vertex]).Translation
		diff := predicted.Sub(e.measurement)
		w := transformedGPSInformation(e.covariance, calibration.Rotation)
		out = append(out, diff.X*w[0], diff.Y*w[1], diff.Z*w[2])
	}
	return out
}

// slamInformation returns per-axis residual weights for a SLAM vertex:
// the inverse standard deviation 1/sqrt(cov[i][i]) (the square root of
// the diagonal information, order rX,rY,rZ,X,Y,Z), falling back to unit
// weighting when no covariance was recorded for that
// vertex (§4.G "weight SE(3) edges by the SLAM information matrix").
func slamInformation(cov *mat.Dense) [6]float64 {
	w := [6]float64{1, 1, 1, 1, 1, 1}
	if cov == nil {
		return w
	}
	r, c := cov.Dims()
	if r < 6 || c < 6 {
		return w
	}
	for i := 0; i < 6; i++ {
		if v := cov.At(i, i); v > 1e-12 {
			w[i] = 1 / math.Sqrt(v)
		}
	}
	return w
}

// transformedGPSInformation rotates a GPS fix's 3x3 covariance into
// WORLD by the GPS-to-BASE calibration's rotation before taking its
// diagonal information, so a covariance reported in the antenna's own
// frame is weighted correctly against a WORLD-frame residual (§4.G
// "ℝ³ edges by the GPS information (transformed by the offset)").
func transformedGPSInformation(cov *mat.SymDense, rotation quat.Number) [3]float64 {
	w := [3]float64{1, 1, 1}
	if cov == nil {
		return w
	}
	R := rotationMatrixFromQuat(rotation)
	var covDense, tmp, rotated mat.Dense
	covDense.CloneFrom(cov)
	tmp.Mul(R, &covDense)
	rotated.Mul(&tmp, R.T())
	for i := 0; i < 3; i++ {
		if v := rotated.At(i, i); v > 1e-12 {
			w[i] = 1 / math.Sqrt(v)
		}
	}
	return w
}

// rotationMatrixFromQuat converts a unit quaternion to its 3x3 rotation
// matrix, the forward direction of the registration package's
// quatFromRotationMatrix (Shepperd's method).
func rotationMatrixFromQuat(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// rotationError returns the small-angle rotation vector between two
// quaternions via the imaginary part of their relative rotation,
// valid under the same near-identity assumption the LM solver's local
// delta parametrization already relies on.
func rotationError(predicted, measured quat.Number) r3.Vector {
	rel := quat.Mul(quat.Conj(predicted), measured)
	return r3.Vector{X: 2 * rel.Imag, Y: 2 * rel.Jmag, Z: 2 * rel.Kmag}
}
