// Package sensors implements the external-sensor constraint framework
// (§4.F): a generic time-synchronized, bounded measurement buffer
// shared by six concrete managers, each producing a registration-style
// residual that the SLAM core can fold into its cost alongside the
// point cloud matches.
package sensors

import (
	"sort"
	"sync"
	"time"

	pq "github.com/kyroy/priority-queue"
	"gonum.org/v1/gonum/mat"

	"github.com/chinitaberrio/kitware-slam/internal/registration"
	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

// Measurement is the capability every buffered sensor sample
// implements so the generic Manager can locate a bracketing pair and
// interpolate between them (§4.F).
type Measurement interface {
	Time() time.Duration
	Interpolate(other Measurement, t float64) Measurement
}

// Constraint is implemented by the sensor managers that constrain an
// absolute WORLD<-BASE pose (GPS, Landmark, PoseSensor), letting the
// mapping stage fold their residuals into its cost alongside the point
// cloud matches (§4.F, §4.E step 5 "with constraints from (F)"). The
// ego-motion-relative sensors (WheelOdometer, IMU) and Gravity take a
// different second argument (relative motion, a rotated direction) and
// do not implement it; the engine does not consume them.
type Constraint interface {
	ComputeConstraint(lidarTime time.Duration, basePose transform.Transform) (*registration.Residual, bool)
}

// ManagerConfig holds the per-sensor tunables of §4.F: buffer bound,
// synchronization tolerance, and the constraint's weight/saturation.
type ManagerConfig struct {
	MaxMeasures        int
	TimeThreshold      time.Duration
	Weight             float64
	SaturationDistance float64
}

// DefaultManagerConfig returns reasonable per-sensor defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxMeasures:        500,
		TimeThreshold:      200 * time.Millisecond,
		Weight:             1,
		SaturationDistance: 1,
	}
}

// Manager buffers a time-ordered, bounded list of measurements and
// implements the synchronize template shared by every concrete sensor
// manager (§4.F). It is safe for concurrent use; each instance owns
// its own mutex.
type Manager struct {
	mu     sync.Mutex
	cfg    ManagerConfig
	buffer []Measurement
	// queue mirrors buffer's contents, ordered by measurement time, and
	// is the mechanism used to evict the oldest entry once MaxMeasures
	// is exceeded (§4.F "Bounded by MaxMeasures").
	queue  *pq.PriorityQueue
	cursor int
}

// NewManager builds an empty, bounded measurement buffer.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, queue: pq.NewPriorityQueue()}
}

// Add inserts a measurement at its sorted time position, evicts the
// oldest entries beyond MaxMeasures, and rewinds the cursor if the
// insertion landed before it (§5 "External-sensor measurements may
// arrive out of order").
func (m *Manager) Add(meas Measurement) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.buffer), func(i int) bool { return m.buffer[i].Time() >= meas.Time() })
	m.buffer = append(m.buffer, nil)
	copy(m.buffer[idx+1:], m.buffer[idx:])
	m.buffer[idx] = meas
	if idx < m.cursor {
		m.cursor = 0
	}

	m.queue.Insert(meas, float64(meas.Time()))
	for m.cfg.MaxMeasures > 0 && m.queue.Len() > m.cfg.MaxMeasures {
		m.queue.PopLowest()
		m.buffer = m.buffer[1:]
		if m.cursor > 0 {
			m.cursor--
		}
	}
}

// Synchronize locates the bracketing pair around lidarTime and returns
// a linearly interpolated measurement. It fails if lidarTime falls
// outside the buffer by more than TimeThreshold, or if the bracketing
// gap itself exceeds TimeThreshold (§4.F "synchronize").
func (m *Manager) Synchronize(lidarTime time.Duration) (Measurement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.buffer)
	if n == 0 {
		return nil, false
	}
	if lidarTime < m.buffer[0].Time()-m.cfg.TimeThreshold || lidarTime > m.buffer[n-1].Time()+m.cfg.TimeThreshold {
		return nil, false
	}

	if m.cursor >= n {
		m.cursor = n - 1
	}
	for m.cursor > 0 && m.buffer[m.cursor].Time() > lidarTime {
		m.cursor--
	}
	for m.cursor < n-1 && m.buffer[m.cursor+1].Time() <= lidarTime {
		m.cursor++
	}

	prev := m.buffer[m.cursor]
	if m.cursor == n-1 || prev.Time() == lidarTime {
		return prev, true
	}
	post := m.buffer[m.cursor+1]
	if post.Time()-prev.Time() > m.cfg.TimeThreshold {
		return nil, false
	}
	t := float64(lidarTime-prev.Time()) / float64(post.Time()-prev.Time())
	return prev.Interpolate(post, t), true
}

// Len reports the number of buffered measurements.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// weight applies the robustifier's saturating scale to a raw residual
// norm and multiplies by the sensor's configured weight (§4.F
// "compute_constraint... scaled by a per-sensor weight and saturated
// at SaturationDistance").
func (m *Manager) weight(residualNorm float64) float64 {
	r := registration.Robustifier{Scale: m.cfg.SaturationDistance}
	return m.cfg.Weight * r.Weight(residualNorm)
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}
