// Package keypoints implements per-scanline feature detection over a
// spinning-sensor point cloud (§4.B): edge, planar and blob keypoints
// extracted from the local neighborhood geometry of each point.
package keypoints

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/chinitaberrio/kitware-slam/internal/pointcloud"
)

// RejectionCode tags why a point did not become a keypoint of a given
// category, mirroring the registration package's rejection taxonomy so
// debug histograms share one vocabulary (§4.D).
type RejectionCode int

const (
	RejectionNone RejectionCode = iota
	RejectionTooClose
	RejectionGrazingIncidence
	RejectionOcclusion
)

// Config holds the tunables of §4.B, set/get through this single typed
// record rather than per-field accessors (design note §9).
type Config struct {
	NeighborWidth             int
	MinDistanceToSensor       float64
	EdgeSinAngleThreshold     float64
	EdgeDepthGapThreshold     float64
	EdgeSaliencyThreshold     float64
	EdgeIntensityGapThreshold float64
	PlaneSinAngleThreshold    float64
	OcclusionDepthGapThreshold float64
	// MinCosIncidence rejects points whose local surface is nearly
	// parallel to the beam (cosine of the angle between the estimated
	// surface normal and the line of sight, below which the point is
	// invalidated for both edge and planar extraction).
	MinCosIncidence float64
	BlobStride      int

	// NbThreads bounds the worker pool ComputeKeyPoints spawns to
	// process scanlines in parallel (§4.B "Parallelism").
	NbThreads int
}

// DefaultConfig returns the extractor's default tunables.
func DefaultConfig() Config {
	return Config{
		NeighborWidth:               4,
		MinDistanceToSensor:         0.5,
		EdgeSinAngleThreshold:       0.25,
		EdgeDepthGapThreshold:       0.15,
		EdgeSaliencyThreshold:       0.1,
		EdgeIntensityGapThreshold:   50,
		PlaneSinAngleThreshold:      0.1,
		OcclusionDepthGapThreshold:  0.3,
		MinCosIncidence:             0.05,
		BlobStride:                  3,
		NbThreads:                   4,
	}
}

// Extractor is the capability surface the SLAM core holds and can swap
// at runtime (design note §9, "cyclic reference between extractor and
// SLAM"): compute keypoints, read back the per-point debug array, and
// read/replace the configuration.
type Extractor interface {
	ComputeKeyPoints(cloud *pointcloud.PointCloud) error
	Edges() *pointcloud.PointCloud
	Planars() *pointcloud.PointCloud
	Blobs() *pointcloud.PointCloud
	GetDebugArray() map[string][]float64
	Config() Config
	SetConfig(Config)
}

// SpinningSensorKeypointExtractor is the default Extractor
// implementation described in §4.B.
type SpinningSensorKeypointExtractor struct {
	cfg Config

	mu      sync.Mutex
	edges   *pointcloud.PointCloud
	planars *pointcloud.PointCloud
	blobs   *pointcloud.PointCloud
	debug   map[string][]float64
}

// New builds an extractor with the given configuration.
func New(cfg Config) *SpinningSensorKeypointExtractor {
	return &SpinningSensorKeypointExtractor{cfg: cfg}
}

func (e *SpinningSensorKeypointExtractor) Config() Config     { return e.cfg }
func (e *SpinningSensorKeypointExtractor) SetConfig(c Config) { e.cfg = c }

func (e *SpinningSensorKeypointExtractor) Edges() *pointcloud.PointCloud   { return e.edges }
func (e *SpinningSensorKeypointExtractor) Planars() *pointcloud.PointCloud { return e.planars }
func (e *SpinningSensorKeypointExtractor) Blobs() *pointcloud.PointCloud   { return e.blobs }

func (e *SpinningSensorKeypointExtractor) GetDebugArray() map[string][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]float64, len(e.debug))
	for k, v := range e.debug {
		cp := make([]float64, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

type scanline struct {
	ringID int
	points []pointcloud.Point
}

// ComputeKeyPoints runs the per-frame extraction algorithm of §4.B and
// populates Edges/Planars/Blobs. Empty input produces three empty
// outputs without error; a scanline shorter than 2*NeighborWidth+1
// points is skipped.
func (e *SpinningSensorKeypointExtractor) ComputeKeyPoints(cloud *pointcloud.PointCloud) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	header := cloud.Header
	e.edges = pointcloud.New(header)
	e.planars = pointcloud.New(header)
	e.blobs = pointcloud.New(header)
	e.debug = map[string][]float64{
		"angle":     make([]float64, 0, len(cloud.Points)),
		"depthGap":  make([]float64, 0, len(cloud.Points)),
		"saliency":  make([]float64, 0, len(cloud.Points)),
		"intensity": make([]float64, 0, len(cloud.Points)),
		"rejection": make([]float64, 0, len(cloud.Points)),
	}

	if len(cloud.Points) == 0 {
		return nil
	}

	scanlines := splitScanlines(cloud.Points)
	results := make([]scanlineResult, len(scanlines))

	// Scanlines are independent (§4.B "Parallelism"): each worker writes
	// only to its own result slot, so no lock is needed here. The pool
	// is bounded by NbThreads rather than spawning one goroutine per
	// scanline.
	workers := e.cfg.NbThreads
	if workers < 1 {
		workers = 1
	}
	if workers > len(scanlines) {
		workers = len(scanlines)
	}
	var wg sync.WaitGroup
	work := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = e.processScanline(scanlines[i])
			}
		}()
	}
	for i := range scanlines {
		work <- i
	}
	close(work)
	wg.Wait()

	for _, r := range results {
		e.edges.Append(r.edges...)
		e.planars.Append(r.planars...)
		e.blobs.Append(r.blobs...)
		e.debug["angle"] = append(e.debug["angle"], r.angle...)
		e.debug["depthGap"] = append(e.debug["depthGap"], r.depthGap...)
		e.debug["saliency"] = append(e.debug["saliency"], r.saliency...)
		e.debug["intensity"] = append(e.debug["intensity"], r.intensity...)
	}
	return nil
}

func splitScanlines(points []pointcloud.Point) []scanline {
	byRing := make(map[int][]pointcloud.Point)
	var order []int
	for _, p := range points {
		if _, ok := byRing[p.RingID]; !ok {
			order = append(order, p.RingID)
		}
		byRing[p.RingID] = append(byRing[p.RingID], p)
	}
	sort.Ints(order)
	out := make([]scanline, 0, len(order))
	for _, ring := range order {
		out = append(out, scanline{ringID: ring, points: byRing[ring]})
	}
	return out
}

type scanlineResult struct {
	edges, planars, blobs           []pointcloud.Point
	angle, depthGap, saliency, intensity []float64
}

func (e *SpinningSensorKeypointExtractor) processScanline(sl scanline) (result scanlineResult) {
	w := e.cfg.NeighborWidth
	n := len(sl.points)
	if n < 2*w+1 {
		return // too short, skipped per §4.B failure mode
	}

	edgeInvalid := make([]bool, n)
	planarInvalid := make([]bool, n)
	angleSin := make([]float64, n)
	depthGap := make([]float64, n)
	saliency := make([]float64, n)
	intensityGap := make([]float64, n)

	for i := w; i < n-w; i++ {
		p := sl.points[i]
		left := sl.points[i-w]
		right := sl.points[i+w]
		X := p.Position

		if X.Norm() < e.cfg.MinDistanceToSensor {
			edgeInvalid[i] = true
			planarInvalid[i] = true
		}

		chordLeft := X.Sub(left.Position)
		chordRight := right.Position.Sub(X)
		angleSin[i] = chordSinAngle(chordLeft, chordRight)

		tangent := right.Position.Sub(left.Position)
		if tangent.Norm() > 1e-12 && X.Norm() > 1e-12 {
			cosIncidence := tangent.Cross(X).Norm() / (tangent.Norm() * X.Norm())
			if cosIncidence < e.cfg.MinCosIncidence {
				edgeInvalid[i] = true
				planarInvalid[i] = true
			}
		}

		rangeP := X.Norm()
		rangeLeft := left.Position.Norm()
		rangeRight := right.Position.Norm()
		depthGap[i] = math.Max(math.Abs(rangeP-rangeLeft), math.Abs(rangeP-rangeRight))
		if depthGap[i] > e.cfg.OcclusionDepthGapThreshold {
			edgeInvalid[i] = true
			planarInvalid[i] = true
		}

		var sum r3.Vector
		for k := -w; k <= w; k++ {
			if k == 0 {
				continue
			}
			sum = sum.Add(sl.points[i+k].Position.Sub(X))
		}
		saliency[i] = sum.Norm()

		intensityGap[i] = math.Max(
			math.Abs(p.Intensity-left.Intensity),
			math.Abs(p.Intensity-right.Intensity),
		)
	}

	result.angle = angleSin
	result.depthGap = depthGap
	result.saliency = saliency
	result.intensity = intensityGap

	isEdge := make([]bool, n)
	isPlanar := make([]bool, n)
	for i := w; i < n-w; i++ {
		if edgeInvalid[i] {
			continue
		}
		if angleSin[i] > e.cfg.EdgeSinAngleThreshold ||
			depthGap[i] > e.cfg.EdgeDepthGapThreshold ||
			saliency[i] > e.cfg.EdgeSaliencyThreshold ||
			intensityGap[i] > e.cfg.EdgeIntensityGapThreshold {
			isEdge[i] = true
		}
		if !planarInvalid[i] && angleSin[i] < e.cfg.PlaneSinAngleThreshold {
			isPlanar[i] = true
		}
	}

	for i := w; i < n-w; i++ {
		switch {
		case isEdge[i]:
			result.edges = append(result.edges, sl.points[i])
		case isPlanar[i]:
			result.planars = append(result.planars, sl.points[i])
		default:
			if e.cfg.BlobStride > 0 && i%e.cfg.BlobStride == 0 {
				result.blobs = append(result.blobs, sl.points[i])
			}
		}
	}
	return
}

// chordSinAngle returns the sine of the angle between two chord vectors
// (p-p_left) and (p_right-p), used as both the "small -> planar" and
// "large -> edge" indicator (§4.B step 2).
func chordSinAngle(a, b r3.Vector) float64 {
	cross := a.Cross(b)
	na, nb := a.Norm(), b.Norm()
	if na < 1e-12 || nb < 1e-12 {
		return 0
	}
	return cross.Norm() / (na * nb)
}
