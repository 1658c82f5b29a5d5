package slam

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// MotionParameters are the two endpoints (sweep start, sweep end) of
// the intra-sweep motion path produced by one ICP stage, interpolated
// by transform.SampledPath for undistortion (§4.A).
type MotionParameters struct {
	H0, H1 transform.Transform
}

// State is the engine's running estimate: the current WORLD<-BASE
// pose, the frame counter, and the most recent motion parameters from
// each ICP stage (exposed for diagnostics and for pose-graph
// relinearization).
type State struct {
	TWorld     transform.Transform
	FrameCount int

	EgoMotion MotionParameters
	Mapping   MotionParameters

	// MappingCovariance is the inverse Hessian of the last mapping ICP
	// solve, the pose uncertainty used as edge information by the
	// pose-graph optimizer (§4.E step 5, §4.G).
	MappingCovariance *mat.Dense

	// LastRelative is the last successfully-estimated ego-motion
	// relative pose, carried forward as the constant-velocity guess
	// when a later frame's ego-motion gate or keypoint count fails
	// (§4.E step 3, §7).
	LastRelative transform.Transform

	// LastFrameLatency is the wall-clock duration AddFrame took to
	// process the most recent frame, used to project T_world forward
	// for a latency-compensated pose query (§4.E step 9).
	LastFrameLatency time.Duration
}
