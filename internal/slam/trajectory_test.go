package slam

import (
	"testing"
	"time"

	"github.com/chinitaberrio/kitware-slam/internal/transform"
)

func entryAt(t time.Duration) TrajectoryEntry {
	tf := transform.Identity("world")
	tf.Time = t
	return TrajectoryEntry{Pose: tf}
}

func TestTrajectory_EvictsOlderThanTimeout(t *testing.T) {
	tr := NewTrajectory(2*time.Second, LoggingStorageNone)
	tr.Append(entryAt(0))
	tr.Append(entryAt(1 * time.Second))
	tr.Append(entryAt(3 * time.Second)) // cutoff becomes 1s, entry at 0 evicted

	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained entries, got %d", len(entries))
	}
	if entries[0].Pose.Time != time.Second {
		t.Fatalf("expected oldest retained entry at 1s, got %v", entries[0].Pose.Time)
	}
}

func TestTrajectory_NegativeTimeoutRetainsEverything(t *testing.T) {
	tr := NewTrajectory(-1, LoggingStorageNone)
	for i := 0; i < 5; i++ {
		tr.Append(entryAt(time.Duration(i) * time.Second))
	}
	if tr.Len() != 5 {
		t.Fatalf("expected all 5 entries retained, got %d", tr.Len())
	}
}

func TestTrajectory_ZeroTimeoutDisablesLogging(t *testing.T) {
	tr := NewTrajectory(0, LoggingStorageDeepClone)
	tr.Append(entryAt(0))
	if tr.Len() != 0 {
		t.Fatalf("expected logging disabled, got %d entries", tr.Len())
	}
}

func TestTrajectory_Latest(t *testing.T) {
	tr := NewTrajectory(-1, LoggingStorageNone)
	tr.Append(entryAt(0))
	tr.Append(entryAt(5 * time.Second))
	tr.Append(entryAt(2 * time.Second))

	latest, ok := tr.Latest()
	if !ok {
		t.Fatal("expected a latest entry")
	}
	if latest.Pose.Time != 5*time.Second {
		t.Fatalf("expected latest time 5s, got %v", latest.Pose.Time)
	}
}
