package slam

import (
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/keypoints"
	"github.com/chinitaberrio/kitware-slam/internal/pointcloud"
	"github.com/chinitaberrio/kitware-slam/internal/posegraph"
	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/sensors"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// ErrEmptyFrame is returned by AddFrame for a sweep with no points.
var ErrEmptyFrame = errors.New("slam: frame contains no points")

// Engine runs the full per-frame pipeline (§4.E) over a sequence of
// LIDAR sweeps: keypoint extraction, ego-motion ICP against the
// previous sweep, mapping ICP against the rolling maps, undistortion,
// conditional map update, and a bounded trajectory log.
type Engine struct {
	cfg       Config
	log       *zap.SugaredLogger
	extractor keypoints.Extractor

	edgeMap   *pointcloud.RollingGrid
	planarMap *pointcloud.RollingGrid
	blobMap   *pointcloud.RollingGrid

	prevEdges, prevPlanars, prevBlobs *pointcloud.PointCloud

	// sensorConstraints are the registered absolute-pose external
	// sensors (GPS, Landmark, PoseSensor) whose residuals are folded
	// into the mapping-stage cost alongside the point cloud matches
	// (§4.F, §4.E step 5).
	sensorConstraints []sensors.Constraint

	state      State
	trajectory *Trajectory
}

// NewEngine wires a keypoint extractor and configuration into a fresh
// Engine with empty maps and an empty trajectory log.
func NewEngine(cfg Config, extractor keypoints.Extractor, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:        cfg,
		log:        log,
		extractor:  extractor,
		edgeMap:    pointcloud.NewRollingGrid(cfg.GridN, cfg.GridOuterResolution, cfg.GridLeafResolution, cfg.GridSampling),
		planarMap:  pointcloud.NewRollingGrid(cfg.GridN, cfg.GridOuterResolution, cfg.GridLeafResolution, cfg.GridSampling),
		blobMap:    pointcloud.NewRollingGrid(cfg.GridN, cfg.GridOuterResolution, cfg.GridLeafResolution, cfg.GridSampling),
		state:      State{TWorld: transform.Identity("world"), LastRelative: transform.Identity("base")},
		trajectory: NewTrajectory(cfg.LoggingTimeout, cfg.LoggingStorage),
	}
}

// AddSensor registers an absolute-pose external sensor manager (GPS,
// Landmark, or PoseSensor) whose residuals are folded into every
// subsequent frame's mapping ICP cost (§4.F).
func (e *Engine) AddSensor(c sensors.Constraint) {
	e.sensorConstraints = append(e.sensorConstraints, c)
}

// State returns a copy of the engine's current pose/motion state.
func (e *Engine) State() State { return e.state }

// Trajectory returns the engine's bounded pose log.
func (e *Engine) Trajectory() *Trajectory { return e.trajectory }

// AddFrame runs the pipeline on one raw sweep (in the LIDAR frame) and
// returns the refined WORLD<-BASE pose for that sweep.
func (e *Engine) AddFrame(raw *pointcloud.PointCloud) (transform.Transform, error) {
	start := time.Now()
	if raw.Size() == 0 {
		return transform.Transform{}, ErrEmptyFrame
	}

	// Step 1: LIDAR -> BASE.
	base := raw.Transformed(e.cfg.BaseToLidarOffset.Apply)

	// Step 2: extract keypoints in BASE.
	if err := e.extractor.ComputeKeyPoints(base); err != nil {
		return transform.Transform{}, errors.Wrap(err, "slam: extract keypoints")
	}
	edges, planars, blobs := e.extractor.Edges(), e.extractor.Planars(), e.extractor.Blobs()

	// Step 3: ego-motion ICP against the previous sweep's own
	// keypoints, gated against implausible displacement (§8
	// "ego-motion gate"). The initial guess, and the fallback on a
	// gate rejection or a keypoint shortage, is the last successfully
	// estimated relative motion (constant-velocity model, §4.E step 3,
	// §7), not identity.
	relative := e.state.LastRelative
	var egoCov *mat.Dense
	if e.prevEdges != nil {
		prevEdgeGrid := scratchGrid(e.cfg, e.prevEdges)
		prevPlanarGrid := scratchGrid(e.cfg, e.prevPlanars)
		prevBlobGrid := scratchGrid(e.cfg, e.prevBlobs)

		result, cov, iters := e.runICP(e.cfg.EgoMotion, prevEdgeGrid, prevPlanarGrid, prevBlobGrid, edges, planars, blobs, relative, nil)
		if result.Translation.Norm() > e.cfg.MaxDistanceForICPMatching {
			e.log.Warnw("ego-motion ICP rejected by distance gate",
				"displacement", result.Translation.Norm(),
				"limit", e.cfg.MaxDistanceForICPMatching)
		} else {
			relative = result
			egoCov = cov
		}
		e.state.EgoMotion = MotionParameters{H0: transform.Identity("base"), H1: relative}
		e.log.Debugw("ego-motion ICP converged", "rounds", iters)
	}

	// Step 4: compose into the running world pose.
	worldEstimate := transform.Compose(relative, e.state.TWorld)
	worldEstimate.Time = rawStamp(raw)

	// Step 5: mapping ICP against the persistent rolling maps, seeded
	// at the ego-motion estimate, with constraints from the registered
	// external sensors folded into the residual set (§4.E step 5,
	// §4.F).
	mappingCov := egoCov
	if e.edgeMap.Size()+e.planarMap.Size()+e.blobMap.Size() > 0 {
		e.rebuildSubMaps(worldEstimate)
		lidarTime := rawStamp(raw)
		var sensorResiduals []registration.Residual
		for _, s := range e.sensorConstraints {
			if res, ok := s.ComputeConstraint(lidarTime, worldEstimate); ok {
				sensorResiduals = append(sensorResiduals, *res)
			}
		}
		refined, cov, iters := e.runICP(e.cfg.Mapping, e.edgeMap, e.planarMap, e.blobMap, edges, planars, blobs, worldEstimate, sensorResiduals)
		worldEstimate = refined
		mappingCov = cov
		e.state.Mapping = MotionParameters{H0: e.state.TWorld, H1: worldEstimate}
		e.log.Debugw("mapping ICP converged", "rounds", iters)
	}

	// Step 6: undistort each category along the intra-sweep motion path
	// and re-express it in WORLD.
	path := transform.NewSampledPath(e.state.TWorld, worldEstimate)
	undistortedEdges := undistort(edges, path)
	undistortedPlanars := undistort(planars, path)
	undistortedBlobs := undistort(blobs, path)

	// Step 7: conditional map update.
	if e.cfg.UpdateMap {
		e.edgeMap.Add(undistortedEdges, false, true)
		e.planarMap.Add(undistortedPlanars, false, true)
		e.blobMap.Add(undistortedBlobs, false, true)
	}

	// Step 8: bounded trajectory log.
	e.trajectory.Append(TrajectoryEntry{
		Pose:       worldEstimate,
		Covariance: mappingCov,
		Edges:      edges,
		Planars:    planars,
		Blobs:      blobs,
	})

	e.state.TWorld = worldEstimate
	e.state.FrameCount++
	e.state.MappingCovariance = mappingCov
	e.state.LastRelative = relative
	e.prevEdges, e.prevPlanars, e.prevBlobs = edges, planars, blobs
	e.state.LastFrameLatency = time.Since(start)

	return worldEstimate, nil
}

// LatencyCompensatedPose projects the current WORLD<-BASE pose forward
// by the wall-clock latency AddFrame took to process the last sweep,
// advancing it by the corresponding fraction of the last relative
// ego-motion under a constant-velocity assumption (§4.E step 9, §6
// "latency-compensated BASE-in-WORLD pose").
func (e *Engine) LatencyCompensatedPose() transform.Transform {
	if e.state.LastFrameLatency <= 0 {
		return e.state.TWorld
	}
	entries := e.trajectory.Entries()
	if len(entries) < 2 {
		return e.state.TWorld
	}
	sweep := entries[len(entries)-1].Pose.Time - entries[len(entries)-2].Pose.Time
	if sweep <= 0 {
		return e.state.TWorld
	}
	frac := float64(e.state.LastFrameLatency) / float64(sweep)
	projected := transform.Interpolate(transform.Identity(e.state.LastRelative.Frame), e.state.LastRelative, frac)
	out := transform.Compose(projected, e.state.TWorld)
	out.Time = e.state.TWorld.Time + e.state.LastFrameLatency
	return out
}

// GetPose returns the trajectory's pose at time t, interpolated between
// the two bracketing log entries. For a pose projected past the last
// logged frame by processing latency, use LatencyCompensatedPose.
func (e *Engine) GetPose(t time.Duration) (transform.Transform, error) {
	entries := e.trajectory.Entries()
	if len(entries) == 0 {
		return transform.Transform{}, errors.New("slam: trajectory is empty")
	}
	if len(entries) == 1 {
		return entries[0].Pose, nil
	}
	path := transform.NewSampledPath(entries[0].Pose, entries[1].Pose)
	for _, entry := range entries[2:] {
		path.Append(entry.Pose)
	}
	return path.At(t), nil
}

// OptimizePoseGraph relaxes the logged trajectory against a GPS fix
// sequence (§4.G): it builds the pose graph from the current log,
// solves it, then replaces the trajectory and rebuilds the three
// rolling grids from scratch by re-warping each logged frame's
// keypoints into its optimized pose. Map-update policy (UpdateMap) is
// left unchanged. On failure (time windows don't overlap) the engine's
// state is left untouched and the error is returned to the caller.
func (e *Engine) OptimizePoseGraph(fixes []posegraph.GPSFix, optimizer *posegraph.Optimizer) error {
	entries := e.trajectory.Entries()
	if len(entries) == 0 {
		return errors.New("slam: trajectory is empty")
	}

	slamPoses := make([]posegraph.SLAMPose, len(entries))
	for i, entry := range entries {
		slamPoses[i] = posegraph.SLAMPose{Pose: entry.Pose, Covariance: entry.Covariance}
	}

	optimized, _, err := optimizer.Optimize(slamPoses, fixes)
	if err != nil {
		return errors.Wrap(err, "slam: optimize pose graph")
	}

	e.edgeMap = pointcloud.NewRollingGrid(e.cfg.GridN, e.cfg.GridOuterResolution, e.cfg.GridLeafResolution, e.cfg.GridSampling)
	e.planarMap = pointcloud.NewRollingGrid(e.cfg.GridN, e.cfg.GridOuterResolution, e.cfg.GridLeafResolution, e.cfg.GridSampling)
	e.blobMap = pointcloud.NewRollingGrid(e.cfg.GridN, e.cfg.GridOuterResolution, e.cfg.GridLeafResolution, e.cfg.GridSampling)

	relaxed := NewTrajectory(e.cfg.LoggingTimeout, e.cfg.LoggingStorage)
	for i, entry := range entries {
		entry.Pose = optimized[i]
		if e.cfg.UpdateMap {
			e.edgeMap.Add(warpToPose(entry.Edges, entry.Pose), false, true)
			e.planarMap.Add(warpToPose(entry.Planars, entry.Pose), false, true)
			e.blobMap.Add(warpToPose(entry.Blobs, entry.Pose), false, true)
		}
		relaxed.Append(entry)
	}

	e.trajectory = relaxed
	e.state.TWorld = optimized[len(optimized)-1]
	e.prevEdges, e.prevPlanars, e.prevBlobs = nil, nil, nil
	return nil
}

// warpToPose maps each point of a logged, BASE-frame keypoint cloud
// into WORLD using pose, the same convention runICP's matchers use
// (estimate.Apply(p.Position)).
func warpToPose(cloud *pointcloud.PointCloud, pose transform.Transform) *pointcloud.PointCloud {
	if cloud == nil {
		return pointcloud.New(pointcloud.Header{})
	}
	out := pointcloud.New(cloud.Header)
	for _, p := range cloud.Points {
		p.Position = pose.Apply(p.Position)
		out.Append(p)
	}
	return out
}

func rawStamp(cloud *pointcloud.PointCloud) time.Duration {
	if len(cloud.Points) == 0 {
		return 0
	}
	return cloud.Points[len(cloud.Points)-1].Time
}

func undistort(cloud *pointcloud.PointCloud, path *transform.SampledPath) *pointcloud.PointCloud {
	out := pointcloud.New(cloud.Header)
	for _, p := range cloud.Points {
		pose := path.At(p.Time)
		p.Position = pose.Apply(p.Position)
		out.Append(p)
	}
	return out
}

// scratchGrid builds a disposable one-shot grid from a single sweep's
// keypoints, reused as the ego-motion ICP's match target (the previous
// sweep has no persistent RollingGrid of its own).
func scratchGrid(cfg Config, cloud *pointcloud.PointCloud) *pointcloud.RollingGrid {
	g := pointcloud.NewRollingGrid(cfg.GridN, cfg.GridOuterResolution, cfg.GridLeafResolution, pointcloud.SamplingLast)
	if cloud == nil || cloud.Size() == 0 {
		return g
	}
	g.Add(cloud, true, true)
	g.BuildSubMapKdTree()
	return g
}

func (e *Engine) rebuildSubMaps(estimate transform.Transform) {
	radius := e.cfg.GridOuterResolution * 2
	min := estimate.Translation.Sub(r3.Vector{X: radius, Y: radius, Z: radius})
	max := estimate.Translation.Add(r3.Vector{X: radius, Y: radius, Z: radius})
	e.edgeMap.BuildSubMapKdTreeInBounds(min, max)
	e.planarMap.BuildSubMapKdTreeInBounds(min, max)
	e.blobMap.BuildSubMapKdTreeInBounds(min, max)
}

type residualBuilder func(cfg registration.Config, query r3.Vector, neighbors []pointcloud.Point) (*registration.Residual, registration.RejectionCode)

// parallelFor runs fn(i) for i in [0,n) across up to workers goroutines,
// the bounded worker-pool NbThreads sizes for per-keypoint ICP residual
// construction (§5 "per-keypoint parallelism") instead of one goroutine
// per point.
func parallelFor(n, workers int, fn func(i int)) {
	if n == 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	work := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
}

func matchCategory(grid *pointcloud.RollingGrid, cloud *pointcloud.PointCloud, estimate transform.Transform, k int, build residualBuilder, cfg registration.Config, workers int) []registration.Residual {
	if cloud == nil || !grid.IsSubMapKdTreeValid() {
		return nil
	}
	slots := make([]*registration.Residual, len(cloud.Points))
	parallelFor(len(cloud.Points), workers, func(i int) {
		p := cloud.Points[i]
		worldGuess := estimate.Apply(p.Position)
		neighbors, err := grid.KNN(worldGuess, k)
		if err != nil || len(neighbors) == 0 {
			return
		}
		res, code := build(cfg, worldGuess, neighbors)
		if code != registration.Success {
			return
		}
		res.X = p.Position
		slots[i] = res
	})
	out := make([]registration.Residual, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func matchBlobs(grid *pointcloud.RollingGrid, cloud *pointcloud.PointCloud, estimate transform.Transform, k int, workers int) []registration.Residual {
	if cloud == nil || !grid.IsSubMapKdTreeValid() {
		return nil
	}
	slots := make([]*registration.Residual, len(cloud.Points))
	parallelFor(len(cloud.Points), workers, func(i int) {
		p := cloud.Points[i]
		worldGuess := estimate.Apply(p.Position)
		neighbors, err := grid.KNN(worldGuess, k)
		if err != nil || len(neighbors) == 0 {
			return
		}
		res, code := registration.BuildBlobResidual(worldGuess, neighbors)
		if code != registration.Success {
			return
		}
		res.X = p.Position
		slots[i] = res
	})
	out := make([]registration.Residual, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// runICP runs up to icpCfg.MaxIterations rounds of {match, refine}:
// each round re-matches every query keypoint against its grid's cached
// sub-map, builds a robustified residual set, and takes one damped
// Gauss-Newton step (registration.Solve) on a local SE(3) delta from
// the previous round's estimate (§4.D, §4.E). sensorResiduals, when
// non-nil, are appended to every round's residual set so the mapping
// stage's cost also accounts for the registered external sensors
// (§4.F); ego-motion ICP always passes nil.
func (e *Engine) runICP(icpCfg ICPConfig, edgeGrid, planarGrid, blobGrid *pointcloud.RollingGrid,
	edges, planars, blobs *pointcloud.PointCloud, initial transform.Transform, sensorResiduals []registration.Residual) (transform.Transform, *mat.Dense, int) {

	regCfg := e.cfg.Registration
	estimate := initial
	var cov *mat.Dense
	var lastResiduals []registration.Residual
	rounds := 0

	for iter := 0; iter < icpCfg.MaxIterations; iter++ {
		rounds = iter + 1
		robustifier := registration.Robustifier{
			Scale: registration.AnnealedScale(iter, icpCfg.MaxIterations, regCfg.InitLossScale, regCfg.FinalLossScale),
		}

		workers := e.cfg.NbThreads
		var residuals []registration.Residual
		residuals = append(residuals, matchCategory(edgeGrid, edges, estimate, regCfg.LineDistanceNbrNeighbors, registration.BuildLineResidual, regCfg, workers)...)
		residuals = append(residuals, matchCategory(planarGrid, planars, estimate, regCfg.PlaneDistanceNbrNeighbors, registration.BuildPlaneResidual, regCfg, workers)...)
		residuals = append(residuals, matchBlobs(blobGrid, blobs, estimate, regCfg.PlaneDistanceNbrNeighbors, workers)...)
		residuals = append(residuals, sensorResiduals...)

		if len(residuals) == 0 {
			break
		}
		for i := range residuals {
			residuals[i].Weight = robustifier.Weight(residuals[i].Evaluate(estimate).Norm())
		}
		lastResiduals = residuals

		frame := estimate.Frame
		residualFn := func(w []float64) []float64 {
			delta := transform.New(w[0], w[1], w[2], w[3], w[4], w[5], frame)
			candidate := transform.Compose(delta, estimate)
			out := make([]float64, 0, 3*len(residuals))
			for _, r := range residuals {
				v := r.Evaluate(candidate).Mul(r.Weight)
				out = append(out, v.X, v.Y, v.Z)
			}
			return out
		}

		result := registration.Solve(residualFn, make([]float64, 6), 1, icpCfg.LMMaxInnerIterations)
		delta := transform.New(result.Params[0], result.Params[1], result.Params[2], result.Params[3], result.Params[4], result.Params[5], frame)
		estimate = transform.Compose(delta, estimate)
		cov = result.InverseHessian
	}
	e.checkAlignment(estimate, lastResiduals)
	return estimate, cov, rounds
}

// checkAlignment cross-checks the LM solver's converged estimate
// against a closed-form Kabsch/Procrustes alignment of the same final
// correspondence set (registration.KabschAlign). A large disagreement
// signals degenerate correspondence geometry the iterative solver may
// have mis-converged on; it does not change the returned estimate.
func (e *Engine) checkAlignment(estimate transform.Transform, residuals []registration.Residual) {
	if len(residuals) < 3 {
		return
	}
	source := make([]r3.Vector, len(residuals))
	target := make([]r3.Vector, len(residuals))
	for i, r := range residuals {
		source[i] = estimate.Apply(r.X)
		target[i] = r.P
	}
	closedForm, ok := registration.KabschAlign(source, target)
	if !ok {
		return
	}
	if d := closedForm.Translation.Norm(); d > e.cfg.MaxDistanceForICPMatching {
		e.log.Warnw("closed-form alignment disagrees with LM estimate",
			"residualTranslation", d, "limit", e.cfg.MaxDistanceForICPMatching)
	}
}
