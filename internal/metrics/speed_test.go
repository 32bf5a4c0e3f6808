package metrics

import (
	"testing"
	"time"
)

func TestBytesPerSecond(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newSpeedTrackerAt(func() time.Time { return now })

	tr.Observe(0)
	now = now.Add(time.Second)
	tr.Observe(1_000_000)
	now = now.Add(time.Second)
	tr.Observe(2_000_000)

	bps := tr.BytesPerSecond()
	if bps < 999_999 || bps > 1_000_001 {
		t.Fatalf("BytesPerSecond = %v, want ~1e6", bps)
	}
}

func TestRateDecaysAfterStall(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newSpeedTrackerAt(func() time.Time { return now })

	tr.Observe(0)
	now = now.Add(time.Second)
	tr.Observe(5_000_000)

	// A long stall ages every sample out of the window.
	now = now.Add(windowLength + time.Second)
	if bps := tr.BytesPerSecond(); bps != 0 {
		t.Fatalf("BytesPerSecond after stall = %v, want 0", bps)
	}
}

func TestETASeconds(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newSpeedTrackerAt(func() time.Time { return now })

	tr.Observe(0)
	now = now.Add(time.Second)
	tr.Observe(2_000_000)

	eta := tr.ETASeconds(2_000_000, 4_000_000)
	if eta < 0.9 || eta > 1.1 {
		t.Fatalf("ETASeconds = %v, want ~1", eta)
	}

	if eta := tr.ETASeconds(4_000_000, 4_000_000); eta != 0 {
		t.Fatalf("ETA at completion = %v, want 0", eta)
	}
}

func TestSingleSampleHasNoRate(t *testing.T) {
	tr := NewSpeedTracker()
	tr.Observe(123)
	if bps := tr.BytesPerSecond(); bps != 0 {
		t.Fatalf("BytesPerSecond with one sample = %v, want 0", bps)
	}
}
