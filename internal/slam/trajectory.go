package slam

import (
	"sort"
	"sync"
	"time"

	pq "github.com/kyroy/priority-queue"
	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/pointcloud"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// TrajectoryEntry is one logged pose, its covariance, and (depending on
// LoggingStorage) the keypoints that produced it (§3 "Trajectory log").
type TrajectoryEntry struct {
	Pose       transform.Transform
	Covariance *mat.Dense

	Edges, Planars, Blobs *pointcloud.PointCloud
}

// Trajectory is the bounded log of past poses the engine keeps for
// latency-compensated pose queries and for pose-graph relinearization.
// Entries are kept in a priority queue ordered by sweep time rather
// than append order, so the log still evicts correctly if a correction
// (e.g. a pose-graph rewrite) appends an entry out of time order.
type Trajectory struct {
	mu      sync.Mutex
	timeout time.Duration
	storage LoggingStorage
	queue   *pq.PriorityQueue
	latest  time.Duration
}

// NewTrajectory builds an empty log. A negative timeout retains every
// entry; zero disables logging.
func NewTrajectory(timeout time.Duration, storage LoggingStorage) *Trajectory {
	return &Trajectory{timeout: timeout, storage: storage, queue: pq.NewPriorityQueue()}
}

// Append inserts entry and evicts anything older than the retention
// window. If storage is LoggingStorageNone the keypoint clouds are
// dropped before insertion.
func (t *Trajectory) Append(entry TrajectoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timeout == 0 {
		return
	}
	if t.storage == LoggingStorageNone {
		entry.Edges, entry.Planars, entry.Blobs = nil, nil, nil
	} else if t.storage == LoggingStorageDeepClone {
		for _, c := range []**pointcloud.PointCloud{&entry.Edges, &entry.Planars, &entry.Blobs} {
			if *c != nil {
				*c = &pointcloud.PointCloud{Header: (*c).Header, Points: append([]pointcloud.Point(nil), (*c).Points...)}
			}
		}
	}

	t.queue.Insert(entry, float64(entry.Pose.Time))
	if entry.Pose.Time > t.latest {
		t.latest = entry.Pose.Time
	}
	t.evictLocked()
}

func (t *Trajectory) evictLocked() {
	if t.timeout < 0 {
		return
	}
	cutoff := t.latest - t.timeout
	for t.queue.Len() > 0 {
		item := t.queue.PeekLowest()
		entry := item.Value.(TrajectoryEntry)
		if entry.Pose.Time >= cutoff {
			break
		}
		t.queue.PopLowest()
	}
}

// Entries returns every retained entry, sorted ascending by sweep
// time. The underlying priority queue only supports destructive pops,
// so this drains and reinserts before returning.
func (t *Trajectory) Entries() []TrajectoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.queue.Len()
	out := make([]TrajectoryEntry, 0, n)
	popped := make([]*pq.Item, 0, n)
	for t.queue.Len() > 0 {
		item := t.queue.PopLowest()
		popped = append(popped, item)
		out = append(out, item.Value.(TrajectoryEntry))
	}
	for _, item := range popped {
		t.queue.Insert(item.Value, item.Priority)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Pose.Time < out[j].Pose.Time })
	return out
}

// Latest returns the most recently logged entry.
func (t *Trajectory) Latest() (TrajectoryEntry, bool) {
	entries := t.Entries()
	if len(entries) == 0 {
		return TrajectoryEntry{}, false
	}
	return entries[len(entries)-1], true
}

// Len reports the number of retained entries.
func (t *Trajectory) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}
