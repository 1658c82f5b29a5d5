package transform

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
)

func closeVec(a, b r3.Vector, tol float64) bool {
	return a.Sub(b).Norm() <= tol
}

func TestCompose_InverseIsIdentity(t *testing.T) {
	tf := New(1, 2, 3, 0.2, -0.4, 0.6, "base")
	composed := Compose(tf, tf.Inverse())
	if !closeVec(composed.Translation, r3.Vector{}, 1e-9) {
		t.Fatalf("expected Compose(t, t.Inverse()) to cancel translation, got %v", composed.Translation)
	}
	if math.Abs(composed.Rotation.Real-1) > 1e-9 {
		t.Fatalf("expected Compose(t, t.Inverse()) to cancel rotation, got %v", composed.Rotation)
	}
}

func TestCompose_AppliesTThenOther(t *testing.T) {
	t1 := New(1, 0, 0, 0, 0, 0, "base")
	t2 := New(0, 1, 0, 0, 0, 0, "base")
	combined := Compose(t1, t2)

	v := r3.Vector{}
	direct := t2.Apply(t1.Apply(v))
	viaCompose := combined.Apply(v)
	if !closeVec(direct, viaCompose, 1e-9) {
		t.Fatalf("Compose(t1,t2).Apply should equal t2.Apply(t1.Apply(.)), got %v vs %v", viaCompose, direct)
	}
}

func TestInterpolate_ClampsAtEndpoints(t *testing.T) {
	h0 := New(0, 0, 0, 0, 0, 0, "base")
	h1 := New(10, 0, 0, 0, 0, 0, "base")
	if got := Interpolate(h0, h1, -1); got.Translation != h0.Translation {
		t.Fatalf("expected t<=0 to clamp to h0, got %v", got.Translation)
	}
	if got := Interpolate(h0, h1, 2); got.Translation != h1.Translation {
		t.Fatalf("expected t>=1 to clamp to h1, got %v", got.Translation)
	}
	mid := Interpolate(h0, h1, 0.5)
	if math.Abs(mid.Translation.X-5) > 1e-9 {
		t.Fatalf("expected midpoint translation X=5, got %v", mid.Translation.X)
	}
}

func TestSampledPath_InterpolatesBetweenSamples(t *testing.T) {
	h0 := New(0, 0, 0, 0, 0, 0, "base")
	h0.Time = 0
	h1 := New(10, 0, 0, 0, 0, 0, "base")
	h1.Time = 100 * time.Millisecond

	path := NewSampledPath(h0, h1)
	mid := path.At(50 * time.Millisecond)
	if math.Abs(mid.Translation.X-5) > 1e-6 {
		t.Fatalf("expected interpolated X=5 at the midpoint, got %v", mid.Translation.X)
	}

	before := path.At(-time.Second)
	if before.Translation != h0.Translation {
		t.Fatalf("expected a query before the first sample to clamp to it, got %v", before.Translation)
	}
	after := path.At(time.Second)
	if after.Translation != h1.Translation {
		t.Fatalf("expected a query after the last sample to clamp to it, got %v", after.Translation)
	}
}
