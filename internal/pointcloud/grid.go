package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/kyroy/kdtree"
	"github.com/pkg/errors"
)

// Voxel is the inner storage unit of the map: one Point plus an update
// count (§3 "Voxel").
type Voxel struct {
	Point Point
	Count int
}

// SamplingPolicy governs how a new point merges into an already
// occupied inner voxel (§4.C "Sampling policies").
type SamplingPolicy int

const (
	SamplingFirst SamplingPolicy = iota
	SamplingLast
	SamplingMaxIntensity
	SamplingCenterPoint
	SamplingCentroid
)

type outerCell struct {
	inner map[int64]*Voxel
}

// RollingGrid is a two-level voxel structure: an outer cube of N^3
// cells at resolution ROut whose logical origin translates in
// whole-voxel increments to stay close to the sensor, and a sparse
// inner voxel map per occupied outer cell at resolution RLeaf (§3
// "RollingGrid").
type RollingGrid struct {
	n        int // outer grid side, in cells
	rOut     float64
	rLeaf    float64
	sampling SamplingPolicy

	center r3.Vector // world position of outer-grid voxel (0,0,0) corner
	cells  map[int64]*outerCell

	kdValid bool
	tree    *kdtree.KDTree
	flatPts []Point
}

// NewRollingGrid builds a grid with the given outer side count N, outer
// resolution, and leaf (inner) resolution. ROut is rounded to the
// nearest integer multiple of RLeaf so inner voxels tile outer cells
// exactly.
func NewRollingGrid(n int, rOut, rLeaf float64, sampling SamplingPolicy) *RollingGrid {
	g := &RollingGrid{
		n:        n,
		rLeaf:    rLeaf,
		sampling: sampling,
		cells:    make(map[int64]*outerCell),
	}
	g.rOut = snapToMultiple(rOut, rLeaf)
	return g
}

func snapToMultiple(value, unit float64) float64 {
	if unit <= 0 {
		return value
	}
	k := math.Round(value / unit)
	if k < 1 {
		k = 1
	}
	return k * unit
}

func innerPerOuter(rOut, rLeaf float64) int {
	k := int(math.Round(rOut / rLeaf))
	if k < 1 {
		return 1
	}
	return k
}

// Reset clears all voxels and sets the outer-grid center to
// floor(center/ROut)*ROut (§4.C "Reset").
func (g *RollingGrid) Reset(center r3.Vector) {
	g.cells = make(map[int64]*outerCell)
	g.center = r3.Vector{
		X: math.Floor(center.X/g.rOut) * g.rOut,
		Y: math.Floor(center.Y/g.rOut) * g.rOut,
		Z: math.Floor(center.Z/g.rOut) * g.rOut,
	}
	g.invalidateKdTree()
}

// Clear drops all voxels and invalidates the sub-map KD-tree (§4.C
// "Clear").
func (g *RollingGrid) Clear() {
	g.cells = make(map[int64]*outerCell)
	g.invalidateKdTree()
}

// Size returns the total number of stored points, the sum of inner map
// sizes over every occupied outer cell (§8 "Map consistency").
func (g *RollingGrid) Size() int {
	n := 0
	for _, c := range g.cells {
		n += len(c.inner)
	}
	return n
}

// Get concatenates all stored voxel points into a PointCloud (§4.C
// "Get").
func (g *RollingGrid) Get() *PointCloud {
	pc := New(Header{})
	for _, c := range g.cells {
		for _, v := range c.inner {
			pc.Append(v.Point)
		}
	}
	return pc
}

// To1d flattens a 3D outer (or inner) index as z*N^2 + y*N + x (§4.C
// "Flattening").
func To1d(ix, iy, iz, n int) int64 {
	return int64(iz)*int64(n)*int64(n) + int64(iy)*int64(n) + int64(ix)
}

// To3d is the inverse of To1d.
func To3d(idx int64, n int) (ix, iy, iz int) {
	n64 := int64(n)
	iz = int(idx / (n64 * n64))
	rem := idx % (n64 * n64)
	iy = int(rem / n64)
	ix = int(rem % n64)
	return
}

// outerIndex returns the outer-grid 3D index of a world position and
// whether it falls inside [0,N).
func (g *RollingGrid) outerIndex(p r3.Vector) (ix, iy, iz int, ok bool) {
	ix = int(math.Floor((p.X - g.center.X) / g.rOut))
	iy = int(math.Floor((p.Y - g.center.Y) / g.rOut))
	iz = int(math.Floor((p.Z - g.center.Z) / g.rOut))
	ok = ix >= 0 && ix < g.n && iy >= 0 && iy < g.n && iz >= 0 && iz < g.n
	return
}

// outerCellOrigin returns the world-space origin (min corner) of outer
// cell (ix,iy,iz).
func (g *RollingGrid) outerCellOrigin(ix, iy, iz int) r3.Vector {
	return r3.Vector{
		X: g.center.X + float64(ix)*g.rOut,
		Y: g.center.Y + float64(iy)*g.rOut,
		Z: g.center.Z + float64(iz)*g.rOut,
	}
}

// innerIndex returns the inner-voxel 3D index of a point relative to
// its outer cell's own origin.
func (g *RollingGrid) innerIndex(p r3.Vector, outerOrigin r3.Vector) (ix, iy, iz int) {
	perOuter := innerPerOuter(g.rOut, g.rLeaf)
	ix = clampInt(int(math.Floor((p.X-outerOrigin.X)/g.rLeaf)), perOuter)
	iy = clampInt(int(math.Floor((p.Y-outerOrigin.Y)/g.rLeaf)), perOuter)
	iz = clampInt(int(math.Floor((p.Z-outerOrigin.Z)/g.rLeaf)), perOuter)
	return
}

func clampInt(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v >= limit {
		return limit - 1
	}
	return v
}

// innerVoxelCenter returns the geometric center of inner voxel
// (ix,iy,iz) within an outer cell whose origin is outerOrigin.
func (g *RollingGrid) innerVoxelCenter(outerOrigin r3.Vector, ix, iy, iz int) r3.Vector {
	half := g.rLeaf / 2
	return r3.Vector{
		X: outerOrigin.X + float64(ix)*g.rLeaf + half,
		Y: outerOrigin.Y + float64(iy)*g.rLeaf + half,
		Z: outerOrigin.Z + float64(iz)*g.rLeaf + half,
	}
}

// Roll translates the outer grid by the minimum whole-voxel amount that
// makes the given bounding box fit the current window; voxels whose new
// index falls outside [0,N) are dropped (§4.C "Roll"). No-op if the box
// already fits.
func (g *RollingGrid) Roll(bboxMin, bboxMax r3.Vector) {
	shift := func(lo, hi, center float64) int {
		// Whole-voxel delta such that both lo and hi land in [0,N)*rOut
		// relative to the new center; prefer the smallest magnitude shift.
		loIdx := math.Floor((lo - center) / g.rOut)
		hiIdx := math.Floor((hi - center) / g.rOut)
		d := 0
		if loIdx < 0 {
			d = int(math.Floor(loIdx))
		} else if hiIdx >= float64(g.n) {
			d = int(math.Ceil(hiIdx - float64(g.n) + 1))
		}
		return d
	}

	dx := shift(bboxMin.X, bboxMax.X, g.center.X)
	dy := shift(bboxMin.Y, bboxMax.Y, g.center.Y)
	dz := shift(bboxMin.Z, bboxMax.Z, g.center.Z)
	if dx == 0 && dy == 0 && dz == 0 {
		return
	}

	newCells := make(map[int64]*outerCell, len(g.cells))
	for key, cell := range g.cells {
		ix, iy, iz := To3d(key, g.n)
		nix, niy, niz := ix-dx, iy-dy, iz-dz
		if nix < 0 || nix >= g.n || niy < 0 || niy >= g.n || niz < 0 || niz >= g.n {
			continue // dropped: rolled out of the window
		}
		newCells[To1d(nix, niy, niz, g.n)] = cell
	}
	g.cells = newCells
	g.center = r3.Vector{
		X: g.center.X + float64(dx)*g.rOut,
		Y: g.center.Y + float64(dy)*g.rOut,
		Z: g.center.Z + float64(dz)*g.rOut,
	}
	g.invalidateKdTree()
}

// RollForCloud is a convenience wrapper that rolls the grid to fit a
// cloud's own bounding box.
func (g *RollingGrid) RollForCloud(cloud *PointCloud) {
	min, max, ok := cloud.BoundingBox()
	if !ok {
		return
	}
	g.Roll(min, max)
}

// Add inserts every point of cloud into the grid. If roll is true, Roll
// is first called against the cloud's own bounding box. fixed forces
// every newly created voxel's label to Fixed; existing voxels already
// labeled Fixed are left untouched by any subsequent Add (§4.C "Add").
func (g *RollingGrid) Add(cloud *PointCloud, fixed bool, roll bool) {
	if roll {
		g.RollForCloud(cloud)
	}
	defer g.invalidateKdTree()

	// Centroid accumulates a per-voxel incremental mean across the
	// points of this Add call only (§4.C "CENTROID").
	type centroidAccum struct {
		sum   r3.Vector
		count int
	}
	batchMeans := make(map[int64]map[int64]*centroidAccum)
	// Count is incremented exactly once per inner voxel per Add call,
	// even if many input points map to it.
	touchedThisCall := make(map[int64]map[int64]bool)

	for _, p := range cloud.Points {
		oix, oiy, oiz, ok := g.outerIndex(p.Position)
		if !ok {
			continue // falls outside the rolling window entirely
		}
		outerKey := To1d(oix, oiy, oiz, g.n)
		cell, exists := g.cells[outerKey]
		if !exists {
			cell = &outerCell{inner: make(map[int64]*Voxel)}
			g.cells[outerKey] = cell
		}
		origin := g.outerCellOrigin(oix, oiy, oiz)
		iix, iiy, iiz := g.innerIndex(p.Position, origin)
		innerKey := To1d(iix, iiy, iiz, innerPerOuter(g.rOut, g.rLeaf))

		p.Label = LabelTransient
		if fixed {
			p.Label = LabelFixed
		}

		existingVoxel, hasVoxel := cell.inner[innerKey]
		if !hasVoxel {
			cell.inner[innerKey] = &Voxel{Point: p, Count: 1}
			if touchedThisCall[outerKey] == nil {
				touchedThisCall[outerKey] = make(map[int64]bool)
			}
			touchedThisCall[outerKey][innerKey] = true
			continue
		}
		if existingVoxel.Point.Label == LabelFixed {
			continue // fixed voxels are never overwritten
		}

		switch g.sampling {
		case SamplingFirst:
			// keep existing
		case SamplingLast:
			existingVoxel.Point = p
		case SamplingMaxIntensity:
			if p.Intensity > existingVoxel.Point.Intensity {
				existingVoxel.Point = p
			}
		case SamplingCenterPoint:
			center := g.innerVoxelCenter(origin, iix, iiy, iiz)
			if p.Position.Sub(center).Norm2() < existingVoxel.Point.Position.Sub(center).Norm2() {
				existingVoxel.Point = p
			}
		case SamplingCentroid:
			if batchMeans[outerKey] == nil {
				batchMeans[outerKey] = make(map[int64]*centroidAccum)
			}
			acc, ok := batchMeans[outerKey][innerKey]
			if !ok {
				acc = &centroidAccum{}
				batchMeans[outerKey][innerKey] = acc
			}
			acc.sum = acc.sum.Add(p.Position)
			acc.count++
			mean := acc.sum.Mul(1 / float64(acc.count))
			n := float64(existingVoxel.Count)
			blended := existingVoxel.Point
			blended.Position = existingVoxel.Point.Position.Mul(n).Add(mean).Mul(1 / (n + 1))
			existingVoxel.Point = blended
		}

		if touchedThisCall[outerKey] == nil {
			touchedThisCall[outerKey] = make(map[int64]bool)
		}
		if !touchedThisCall[outerKey][innerKey] {
			touchedThisCall[outerKey][innerKey] = true
			existingVoxel.Count++
		}
	}
}

func (g *RollingGrid) invalidateKdTree() {
	g.kdValid = false
	g.tree = nil
	g.flatPts = nil
}

// BuildSubMapKdTree rebuilds the cached KD-tree from all stored points.
func (g *RollingGrid) BuildSubMapKdTree() {
	g.buildFromCells(g.cells)
}

// BuildSubMapKdTreeInBounds rebuilds the cached KD-tree from only the
// points whose outer voxel intersects [bboxMin,bboxMax] — the "sub-map"
// used as the ICP search set (Glossary "Sub-map").
func (g *RollingGrid) BuildSubMapKdTreeInBounds(bboxMin, bboxMax r3.Vector) {
	selected := make(map[int64]*outerCell)
	for key, cell := range g.cells {
		ix, iy, iz := To3d(key, g.n)
		origin := g.outerCellOrigin(ix, iy, iz)
		cellMax := origin.Add(r3.Vector{X: g.rOut, Y: g.rOut, Z: g.rOut})
		if boxesIntersect(origin, cellMax, bboxMin, bboxMax) {
			selected[key] = cell
		}
	}
	g.buildFromCells(selected)
}

func boxesIntersect(aMin, aMax, bMin, bMax r3.Vector) bool {
	return aMin.X <= bMax.X && aMax.X >= bMin.X &&
		aMin.Y <= bMax.Y && aMax.Y >= bMin.Y &&
		aMin.Z <= bMax.Z && aMax.Z >= bMin.Z
}

func (g *RollingGrid) buildFromCells(cells map[int64]*outerCell) {
	pts := make([]Point, 0)
	for _, cell := range cells {
		for _, v := range cell.inner {
			pts = append(pts, v.Point)
		}
	}
	g.flatPts = pts
	kdPts := make([]kdtree.Point, len(pts))
	for i, p := range pts {
		kdPts[i] = p
	}
	g.tree = kdtree.New(kdPts)
	g.kdValid = true
}

// IsSubMapKdTreeValid reports whether a KD-tree is currently cached;
// any map mutation invalidates it (§4.C "IsSubMapKdTreeValid").
func (g *RollingGrid) IsSubMapKdTreeValid() bool { return g.kdValid }

// KNN returns the k nearest stored points to query using the cached
// KD-tree. Returns an error if the KD-tree has not been built.
func (g *RollingGrid) KNN(query r3.Vector, k int) ([]Point, error) {
	if !g.kdValid || g.tree == nil {
		return nil, errors.New("pointcloud: sub-map KD-tree not built")
	}
	qp := Point{Position: query}
	found := g.tree.KNN(qp, k)
	out := make([]Point, 0, len(found))
	for _, f := range found {
		out = append(out, f.(Point))
	}
	return out, nil
}

// SetGridSize changes N, draining to a temporary cloud, clearing, and
// re-adding so points are re-binned into the new geometry (§4.C
// "SetGridSize").
func (g *RollingGrid) SetGridSize(n int) {
	drained := g.Get()
	g.n = n
	g.Clear()
	g.Add(drained, false, false)
}

// SetVoxelResolution changes ROut/RLeaf with the same drain/clear/re-add
// strategy as SetGridSize.
func (g *RollingGrid) SetVoxelResolution(rOut, rLeaf float64) {
	drained := g.Get()
	g.rLeaf = rLeaf
	g.rOut = snapToMultiple(rOut, rLeaf)
	g.Clear()
	g.Add(drained, false, false)
}

// Center returns the current world-space outer-grid origin (the value
// advanced by Reset/Roll).
func (g *RollingGrid) Center() r3.Vector { return g.center }
