package sensors

import (
	"sync"
	"time"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// LandmarkMeasurement is a 6-DoF tag pose observed relative to BASE at
// time T (§4.F "landmark").
type LandmarkMeasurement struct {
	T    time.Duration
	ID   string
	Pose transform.Transform
}

func (l LandmarkMeasurement) Time() time.Duration { return l.T }

func (l LandmarkMeasurement) Interpolate(other Measurement, t float64) Measurement {
	o := other.(LandmarkMeasurement)
	return LandmarkMeasurement{
		T:    l.T + time.Duration(t*float64(o.T-l.T)),
		ID:   l.ID,
		Pose: transform.Interpolate(l.Pose, o.Pose, t),
	}
}

// Landmark buffers tag sightings and constrains BASE's pose against a
// per-tag world-pose estimate. A tag's first sighting seeds its
// estimate incrementally rather than requiring it pre-supplied (§4.F
// "landmark... with incremental absolute-pose estimation if not
// pre-supplied").
type Landmark struct {
	*Manager

	mu        sync.Mutex
	sightings map[string][]WeightedPosition
	rotations map[string]transform.Transform
}

// NewLandmark builds an empty landmark manager.
func NewLandmark(cfg ManagerConfig) *Landmark {
	return &Landmark{
		Manager:   NewManager(cfg),
		sightings: make(map[string][]WeightedPosition),
		rotations: make(map[string]transform.Transform),
	}
}

// ComputeConstraint folds the new sighting into the tag's running
// fused-position estimate (FusePositions) before building the
// residual, so the estimate keeps refining across sightings instead
// of freezing at the first one.
func (l *Landmark) ComputeConstraint(lidarTime time.Duration, basePose transform.Transform) (*registration.Residual, bool) {
	meas, ok := l.Synchronize(lidarTime)
	if !ok {
		return nil, false
	}
	lm := meas.(LandmarkMeasurement)
	observedWorld := transform.Compose(lm.Pose, basePose)

	l.mu.Lock()
	priorSightings := append([]WeightedPosition(nil), l.sightings[lm.ID]...)
	l.sightings[lm.ID] = append(l.sightings[lm.ID], WeightedPosition{Position: observedWorld.Translation, Weight: 1})
	l.rotations[lm.ID] = observedWorld
	l.mu.Unlock()

	if len(priorSightings) == 0 {
		return nil, false
	}
	estimate := FusePositions(priorSightings)

	residual := &registration.Residual{
		A:      identity3(),
		P:      estimate,
		X:      lm.Pose.Translation,
		Weight: l.weight(observedWorld.Translation.Sub(estimate).Norm()),
	}
	return residual, true
}

// Estimate returns a tag's current fused world pose (translation fused
// across every sighting, rotation taken from the most recent one) and
// whether the tag has been sighted at all.
func (l *Landmark) Estimate(id string) (transform.Transform, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	latest, known := l.rotations[id]
	if !known {
		return transform.Transform{}, false
	}
	latest.Translation = FusePositions(l.sightings[id])
	return latest, true
}
