// Package pointcloud holds the point/cloud data model (§3) and the
// rolling two-level voxel grid that backs the persistent keypoint maps
// (§4.C).
package pointcloud

import (
	"time"

	"github.com/golang/geo/r3"
)

// Category is the closed set of keypoint categories a point can belong
// to once it leaves the extractor.
type Category int

const (
	CategoryEdge Category = iota
	CategoryPlanar
	CategoryBlob
)

func (c Category) String() string {
	switch c {
	case CategoryEdge:
		return "edge"
	case CategoryPlanar:
		return "planar"
	case CategoryBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Label marks whether a point is transient (0) or fixed/anchored (1).
type Label int

const (
	LabelTransient Label = 0
	LabelFixed     Label = 1
)

// Point is the Cartesian position plus the per-point attributes carried
// unchanged through every downstream structure (§3 "Point").
type Point struct {
	Position  r3.Vector
	Intensity float64
	Time      time.Duration // acquisition time relative to frame start
	RingID    int           // laser ring id
	Label     Label
}

// kdtree.Point implementation so Point can be indexed directly.
func (p Point) Dimensions() int { return 3 }

func (p Point) Dimension(i int) float64 {
	switch i {
	case 0:
		return p.Position.X
	case 1:
		return p.Position.Y
	default:
		return p.Position.Z
	}
}

// Header carries a PointCloud's timestamp and frame identifier.
type Header struct {
	Stamp time.Time
	Frame string
}

// PointCloud is an ordered collection of Points with a header. Ordering
// is preserved only within the extractor; elsewhere it is unordered.
type PointCloud struct {
	Header Header
	Points []Point
}

// New returns an empty PointCloud stamped with the given header.
func New(header Header) *PointCloud {
	return &PointCloud{Header: header}
}

// Append adds points to the cloud.
func (c *PointCloud) Append(pts ...Point) {
	c.Points = append(c.Points, pts...)
}

// Size returns the number of points in the cloud.
func (c *PointCloud) Size() int { return len(c.Points) }

// Transformed returns a new cloud with every point's position mapped
// through fn, preserving all other per-point attributes.
func (c *PointCloud) Transformed(fn func(r3.Vector) r3.Vector) *PointCloud {
	out := &PointCloud{Header: c.Header, Points: make([]Point, len(c.Points))}
	for i, p := range c.Points {
		p.Position = fn(p.Position)
		out.Points[i] = p
	}
	return out
}

// BoundingBox returns the axis-aligned bounding box of the cloud. The
// second return is false for an empty cloud.
func (c *PointCloud) BoundingBox() (min, max r3.Vector, ok bool) {
	if len(c.Points) == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	min, max = c.Points[0].Position, c.Points[0].Position
	for _, p := range c.Points[1:] {
		min = componentMin(min, p.Position)
		max = componentMax(max, p.Position)
	}
	return min, max, true
}

func componentMin(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: minF(a.X, b.X), Y: minF(a.Y, b.Y), Z: minF(a.Z, b.Z)}
}

func componentMax(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: maxF(a.X, b.X), Y: maxF(a.Y, b.Y), Z: maxF(a.Z, b.Z)}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
