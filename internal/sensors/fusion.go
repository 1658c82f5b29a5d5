package sensors

import "github.com/golang/geo/r3"

// WeightedPosition is one observation of a 3D position with an
// inverse-variance confidence weight, the 3D generalization of the
// teacher's per-circle uncertainty weighting.
type WeightedPosition struct {
	Position r3.Vector
	Weight   float64
}

// FusePositions computes the weighted-average position across
// observations, the 3D extension of the teacher's FusedPosition
// circle-center fusion. Observations with a non-positive weight are
// ignored; the zero vector is returned if none remain.
func FusePositions(observations []WeightedPosition) r3.Vector {
	var sum r3.Vector
	var weightSum float64
	for _, o := range observations {
		if o.Weight <= 0 {
			continue
		}
		sum = sum.Add(o.Position.Mul(o.Weight))
		weightSum += o.Weight
	}
	if weightSum <= 0 {
		return r3.Vector{}
	}
	return sum.Mul(1 / weightSum)
}
