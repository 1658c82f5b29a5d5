package registration

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/chinitaberrio/kitware-slam/internal/pointcloud"
)

func linePoints(origin, direction r3.Vector, n int) []pointcloud.Point {
	pts := make([]pointcloud.Point, n)
	for i := 0; i < n; i++ {
		t := float64(i) - float64(n)/2
		pts[i] = pointcloud.Point{Position: origin.Add(direction.Mul(t * 0.1))}
	}
	return pts
}

func TestBuildLineResidual_Success(t *testing.T) {
	cfg := DefaultConfig()
	neighbors := linePoints(r3.Vector{}, r3.Vector{X: 1}, 12)
	query := r3.Vector{X: 0, Y: 0.01, Z: 0}

	res, code := BuildLineResidual(cfg, query, neighbors)
	if code != Success {
		t.Fatalf("expected Success, got %v", code)
	}
	if res.A == nil {
		t.Fatal("expected a non-nil projector matrix")
	}
}

func TestBuildLineResidual_NotEnoughNeighbors(t *testing.T) {
	cfg := DefaultConfig()
	_, code := BuildLineResidual(cfg, r3.Vector{}, linePoints(r3.Vector{}, r3.Vector{X: 1}, 1))
	if code != NotEnoughNeighbors {
		t.Fatalf("expected NotEnoughNeighbors, got %v", code)
	}
}

func planePoints(n int) []pointcloud.Point {
	pts := make([]pointcloud.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, pointcloud.Point{Position: r3.Vector{
				X: float64(i) * 0.1, Y: float64(j) * 0.1, Z: 0,
			}})
		}
	}
	return pts
}

func TestBuildPlaneResidual_Success(t *testing.T) {
	cfg := DefaultConfig()
	neighbors := planePoints(4)
	res, code := BuildPlaneResidual(cfg, r3.Vector{X: 0.15, Y: 0.15, Z: 0.02}, neighbors)
	if code != Success {
		t.Fatalf("expected Success, got %v", code)
	}
	// The fitted normal should be close to +-Z.
	nz := math.Abs(res.A.At(2, 2))
	if nz < 0.9 {
		t.Fatalf("expected plane normal aligned with Z, got A[2][2]=%v", nz)
	}
}

func TestRobustifier_WeightDiscountsLargeResiduals(t *testing.T) {
	r := Robustifier{Scale: 0.1}
	wSmall := r.Weight(0.01)
	wLarge := r.Weight(10)
	if wLarge >= wSmall {
		t.Fatalf("expected large residuals to be discounted more: wSmall=%v wLarge=%v", wSmall, wLarge)
	}
}

func TestAnnealedScale_Endpoints(t *testing.T) {
	if got := AnnealedScale(0, 5, 1.0, 0.2); got != 1.0 {
		t.Fatalf("AnnealedScale at iter 0 = %v, want init 1.0", got)
	}
	if got := AnnealedScale(4, 5, 1.0, 0.2); got != 0.2 {
		t.Fatalf("AnnealedScale at last iter = %v, want final 0.2", got)
	}
}
