package keypoints

import (
	"testing"

	"github.com/golang/geo/r3"

	"github.com/chinitaberrio/kitware-slam/internal/pointcloud"
)

func TestComputeKeyPoints_EmptyCloud(t *testing.T) {
	e := New(DefaultConfig())
	cloud := pointcloud.New(pointcloud.Header{})
	if err := e.ComputeKeyPoints(cloud); err != nil {
		t.Fatalf("ComputeKeyPoints returned error on empty cloud: %v", err)
	}
	if e.Edges().Size() != 0 || e.Planars().Size() != 0 || e.Blobs().Size() != 0 {
		t.Fatal("empty input must produce three empty outputs")
	}
}

func TestComputeKeyPoints_ShortScanlinesSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NeighborWidth = 4 // scanlines need >= 2*4+1 = 9 points
	e := New(cfg)

	cloud := pointcloud.New(pointcloud.Header{})
	for ring := 0; ring < 3; ring++ {
		for i := 0; i < 5; i++ { // shorter than required
			cloud.Append(pointcloud.Point{
				Position: r3.Vector{X: float64(i), Y: float64(ring)},
				RingID:   ring,
			})
		}
	}

	if err := e.ComputeKeyPoints(cloud); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Edges().Size() != 0 || e.Planars().Size() != 0 || e.Blobs().Size() != 0 {
		t.Fatal("all scanlines shorter than 2*NeighborWidth+1 must be skipped entirely")
	}
}

func TestComputeKeyPoints_DeterministicAcrossRuns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NeighborWidth = 2

	cloud := pointcloud.New(pointcloud.Header{})
	for ring := 0; ring < 2; ring++ {
		for i := 0; i < 20; i++ {
			cloud.Append(pointcloud.Point{
				Position:  r3.Vector{X: float64(i) * 0.2, Y: float64(ring), Z: 0.01 * float64(i%3)},
				Intensity: float64((i * 7) % 50),
				RingID:    ring,
			})
		}
	}

	e1 := New(cfg)
	if err := e1.ComputeKeyPoints(cloud); err != nil {
		t.Fatal(err)
	}
	e2 := New(cfg)
	if err := e2.ComputeKeyPoints(cloud); err != nil {
		t.Fatal(err)
	}

	if e1.Edges().Size() != e2.Edges().Size() ||
		e1.Planars().Size() != e2.Planars().Size() ||
		e1.Blobs().Size() != e2.Blobs().Size() {
		t.Fatal("repeated extraction over identical input must be deterministic")
	}
}
