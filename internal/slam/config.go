// Package slam implements the per-frame SLAM pipeline (§4.E): keypoint
// extraction, two-pass ego-motion/mapping ICP, and the rolling map
// update, wired together into a single-threaded Engine.
package slam

import (
	"time"

	"github.com/chinitaberrio/kitware-slam/internal/keypoints"
	"github.com/chinitaberrio/kitware-slam/internal/pointcloud"
	"github.com/chinitaberrio/kitware-slam/internal/posegraph"
	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// LoggingStorage selects how the trajectory log retains per-frame
// keypoint snapshots (design note §9, "shared ownership of keypoint
// clouds between SLAM and log").
type LoggingStorage int

const (
	// LoggingStorageNone discards keypoints after each frame; only the
	// pose and covariance are logged.
	LoggingStorageNone LoggingStorage = iota
	// LoggingStorageDeepClone snapshots a full copy of each category's
	// keypoints into the log entry.
	LoggingStorageDeepClone
)

// ICPConfig bounds one ICP stage's outer (LM) and inner (damping
// search) iteration counts.
type ICPConfig struct {
	MaxIterations      int
	LMMaxInnerIterations int
}

// Config is the single typed configuration record replacing the large
// set of macro-generated Set/Get pairs (design note §9). All tunables
// named across §4 live here, grouped by the component that consumes
// them.
type Config struct {
	Extraction   keypoints.Config
	Registration registration.Config

	EgoMotion ICPConfig
	Mapping   ICPConfig

	GridN               int
	GridOuterResolution float64
	GridLeafResolution  float64
	GridSampling        pointcloud.SamplingPolicy

	MaxDistanceForICPMatching float64

	// LoggingTimeout retains entries newer than (latest - LoggingTimeout)
	// in sweep-time. Negative means unbounded, zero disables logging
	// entirely (§3 "Trajectory log").
	LoggingTimeout time.Duration
	LoggingStorage LoggingStorage

	UpdateMap bool
	// NbThreads bounds both the keypoint extractor's scanline worker
	// pool (propagated into Extraction.NbThreads) and the per-keypoint
	// residual-construction worker pool runICP uses during mapping and
	// ego-motion ICP (§5 "per-keypoint parallelism").
	NbThreads int

	BaseToLidarOffset transform.Transform

	// PoseGraph configures the offline trajectory-relaxation step
	// (§4.G), including the supplemented G2O dump path.
	PoseGraph posegraph.Config
}

// DefaultConfig returns the engine's default tunables, matching the
// values stated in §4 of the specification.
func DefaultConfig() Config {
	return Config{
		Extraction:   keypoints.DefaultConfig(),
		Registration: registration.DefaultConfig(),
		EgoMotion: ICPConfig{
			MaxIterations:        4,
			LMMaxInnerIterations: 15,
		},
		Mapping: ICPConfig{
			MaxIterations:        4,
			LMMaxInnerIterations: 15,
		},
		GridN:                     256,
		GridOuterResolution:       10,
		GridLeafResolution:        0.3,
		GridSampling:              pointcloud.SamplingCentroid,
		MaxDistanceForICPMatching: 3.0,
		LoggingTimeout:            -1,
		LoggingStorage:            LoggingStorageDeepClone,
		UpdateMap:                 true,
		NbThreads:                 4,
		BaseToLidarOffset:         transform.Identity("base"),
		PoseGraph:                 posegraph.DefaultConfig(),
	}
}

// WithNbThreads returns a copy of c with NbThreads set on both the
// engine itself and the keypoint extractor it configures, the fluent
// builder pattern the configuration surface exposes instead of a
// per-field setter.
func (c Config) WithNbThreads(n int) Config {
	c.NbThreads = n
	c.Extraction.NbThreads = n
	return c
}

// WithUpdateMap returns a copy of c with UpdateMap set.
func (c Config) WithUpdateMap(update bool) Config {
	c.UpdateMap = update
	return c
}

// WithBaseToLidarOffset returns a copy of c with the static BASE<-LIDAR
// calibration set.
func (c Config) WithBaseToLidarOffset(offset transform.Transform) Config {
	c.BaseToLidarOffset = offset
	return c
}

// WithLoggingTimeout returns a copy of c with the trajectory log's
// retention timeout set.
func (c Config) WithLoggingTimeout(timeout time.Duration) Config {
	c.LoggingTimeout = timeout
	return c
}

// WithMaxDistanceForICPMatching returns a copy of c with the ego-motion
// gate distance set.
func (c Config) WithMaxDistanceForICPMatching(d float64) Config {
	c.MaxDistanceForICPMatching = d
	return c
}
