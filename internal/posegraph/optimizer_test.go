package posegraph

import (
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

func straightLineTrajectory(n int) []SLAMPose {
	poses := make([]SLAMPose, n)
	for i := 0; i < n; i++ {
		pose := transform.Identity("base")
		pose.Translation = r3.Vector{X: float64(i), Y: 0, Z: 0}
		pose.Time = time.Duration(i) * 100 * time.Millisecond
		poses[i] = SLAMPose{Pose: pose}
	}
	return poses
}

// TestOptimizer_NoOverlapIsNoOp covers §8 scenario 6's negative case:
// GPS fixes entirely outside the SLAM trajectory's time window must
// fail closed rather than silently relax against nothing.
func TestOptimizer_NoOverlapIsNoOp(t *testing.T) {
	trajectory := straightLineTrajectory(5)
	fixes := []GPSFix{{Time: time.Second, Position: r3.Vector{X: 99}}}

	o := NewOptimizer(DefaultConfig(), nil)
	_, _, err := o.Optimize(trajectory, fixes)
	if err != ErrNoOverlap {
		t.Fatalf("expected ErrNoOverlap, got %v", err)
	}
}

// TestOptimizer_MatchingGPSTrajectoryIsFixedPoint covers §8 scenario
// 6's positive case: feeding GPS fixes that equal the SLAM trajectory
// (identity calibration) must leave the trajectory unchanged within
// solver tolerance.
func TestOptimizer_MatchingGPSTrajectoryIsFixedPoint(t *testing.T) {
	trajectory := straightLineTrajectory(6)
	fixes := make([]GPSFix, len(trajectory))
	for i, p := range trajectory {
		fixes[i] = GPSFix{Time: p.Pose.Time, Position: p.Pose.Translation}
	}

	o := NewOptimizer(DefaultConfig(), nil)
	optimized, graph, err := o.Optimize(trajectory, fixes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(optimized) != len(trajectory) {
		t.Fatalf("expected %d optimized poses, got %d", len(trajectory), len(optimized))
	}
	if len(graph.gps) != len(fixes) {
		t.Fatalf("expected every fix to match a vertex, got %d/%d", len(graph.gps), len(fixes))
	}
	for i, p := range optimized {
		want := trajectory[i].Pose.Translation
		if d := p.Translation.Sub(want).Norm(); d > 1e-6 {
			t.Fatalf("vertex %d moved by %v, want a fixed point", i, d)
		}
	}
}

func TestOptimizer_PullsTrajectoryTowardGPS(t *testing.T) {
	trajectory := straightLineTrajectory(4)
	fixes := make([]GPSFix, len(trajectory))
	for i, p := range trajectory {
		fixes[i] = GPSFix{Time: p.Pose.Time, Position: r3.Vector{X: p.Pose.Translation.X, Y: 1, Z: 0}}
	}

	o := NewOptimizer(DefaultConfig(), nil)
	optimized, _, err := o.Optimize(trajectory, fixes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := optimized[len(optimized)-1].Translation
	if last.Y <= 0 {
		t.Fatalf("expected the trajectory to be pulled toward Y=1, got Y=%v", last.Y)
	}
}

func TestNearestVertex_OutsideWindowFails(t *testing.T) {
	trajectory := straightLineTrajectory(3)
	if _, ok := nearestVertex(trajectory, -time.Second); ok {
		t.Fatal("expected a time before the window to fail")
	}
	if _, ok := nearestVertex(trajectory, time.Hour); ok {
		t.Fatal("expected a time after the window to fail")
	}
	idx, ok := nearestVertex(trajectory, 150*time.Millisecond)
	if !ok || idx != 1 {
		t.Fatalf("expected vertex 1 (equidistant; ties go to the earlier vertex), got %d (ok=%v)", idx, ok)
	}
}

func TestRotationError_IdenticalRotationsAreZero(t *testing.T) {
	q := transform.New(0, 0, 0, 0.1, 0.2, 0.3, "base").Rotation
	err := rotationError(q, q)
	if math.Abs(err.X)+math.Abs(err.Y)+math.Abs(err.Z) > 1e-9 {
		t.Fatalf("expected zero rotation error for identical rotations, got %v", err)
	}
}

func TestSlamInformation_NilFallsBackToUnitWeighting(t *testing.T) {
	w := slamInformation(nil)
	for i, v := range w {
		if v != 1 {
			t.Fatalf("axis %d: expected unit weight for nil covariance, got %v", i, v)
		}
	}
}

func TestSlamInformation_WeightsByInverseStdDev(t *testing.T) {
	cov := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		cov.Set(i, i, float64(i+1)*float64(i+1))
	}
	w := slamInformation(cov)
	for i := 0; i < 6; i++ {
		want := 1 / float64(i+1)
		if math.Abs(w[i]-want) > 1e-9 {
			t.Fatalf("axis %d: expected weight %v, got %v", i, want, w[i])
		}
	}
}

func TestTransformedGPSInformation_NilFallsBackToUnitWeighting(t *testing.T) {
	w := transformedGPSInformation(nil, transform.Identity("base").Rotation)
	for i, v := range w {
		if v != 1 {
			t.Fatalf("axis %d: expected unit weight for nil covariance, got %v", i, v)
		}
	}
}

func TestTransformedGPSInformation_IdentityRotationMatchesRawVariance(t *testing.T) {
	cov := mat.NewSymDense(3, []float64{
		4, 0, 0,
		0, 9, 0,
		0, 0, 16,
	})
	w := transformedGPSInformation(cov, transform.Identity("base").Rotation)
	want := [3]float64{0.5, 1.0 / 3, 0.25}
	for i := range want {
		if math.Abs(w[i]-want[i]) > 1e-9 {
			t.Fatalf("axis %d: expected weight %v, got %v", i, want[i], w[i])
		}
	}
}

func TestRotationMatrixFromQuat_IdentityIsIdentityMatrix(t *testing.T) {
	R := rotationMatrixFromQuat(transform.Identity("base").Rotation)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(R.At(i, j)-want) > 1e-9 {
				t.Fatalf("R[%d][%d]: expected %v, got %v", i, j, want, R.At(i, j))
			}
		}
	}
}

func TestG2oInformation6_ReordersToTranslationFirst(t *testing.T) {
	cov := mat.NewDense(6, 6, nil)
	// rX,rY,rZ,X,Y,Z order internally; distinct values per axis so a
	// reordering bug is visible.
	for i, v := range []float64{1, 4, 9, 16, 25, 36} {
		cov.Set(i, i, v)
	}
	info := g2oInformation6(cov)
	fields := strings.Fields(info)
	if len(fields) != 21 {
		t.Fatalf("expected 21 information values, got %d", len(fields))
	}
	// Diagonal entries land at indices 0, 6, 11, 15, 18, 20 of the
	// upper-triangular layout (row i starts at offset i*6-i*(i-1)/2).
	diagIdx := []int{0, 6, 11, 15, 18, 20}
	wantDiag := []float64{1.0 / 4, 1.0 / 5, 1.0 / 6, 1, 1.0 / 2, 1.0 / 3}
	for k, idx := range diagIdx {
		got, err := strconv.ParseFloat(fields[idx], 64)
		if err != nil {
			t.Fatalf("diagonal %d: could not parse %q: %v", k, fields[idx], err)
		}
		if math.Abs(got-wantDiag[k]) > 1e-9 {
			t.Fatalf("diagonal %d: expected %v, got %v", k, wantDiag[k], got)
		}
	}
}
