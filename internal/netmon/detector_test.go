package netmon

import (
	"testing"
	"time"
)

func TestAverageRTT(t *testing.T) {
	d := New()

	if d.AverageRTT() != 0 {
		t.Error("unsampled detector must report 0")
	}

	d.RecordRTTSample(10 * time.Millisecond)
	d.RecordRTTSample(30 * time.Millisecond)

	if got := d.AverageRTT(); got != 20*time.Millisecond {
		t.Errorf("average = %v, want 20ms", got)
	}
}

func TestAverageWindowSlides(t *testing.T) {
	d := New()

	for i := 0; i < averageWindow; i++ {
		d.RecordRTTSample(100 * time.Millisecond)
	}
	for i := 0; i < averageWindow; i++ {
		d.RecordRTTSample(10 * time.Millisecond)
	}

	if got := d.AverageRTT(); got != 10*time.Millisecond {
		t.Errorf("average = %v, old samples must age out", got)
	}
}

func TestRTTChangedCallback(t *testing.T) {
	d := New()

	var calls []time.Duration
	d.OnRTTChanged(func(avg time.Duration) {
		calls = append(calls, avg)
	})

	d.RecordRTTSample(10 * time.Millisecond)
	d.RecordRTTSample(20 * time.Millisecond)

	if len(calls) != 2 {
		t.Fatalf("callback calls = %d, want 2", len(calls))
	}
	if calls[0] != 10*time.Millisecond || calls[1] != 15*time.Millisecond {
		t.Errorf("callback averages = %v", calls)
	}
}

func TestBandwidthMeasure(t *testing.T) {
	d := New()

	d.StartBandwidthMeasure()
	d.AddMeasuredBytes(64 * 1024)
	time.Sleep(10 * time.Millisecond)
	d.StopBandwidthMeasure()

	bw := d.Bandwidth()
	if bw <= 0 {
		t.Fatalf("bandwidth = %v, want > 0", bw)
	}

	// A stop without a start is ignored.
	d.StopBandwidthMeasure()
	if d.Bandwidth() != bw {
		t.Error("unmatched stop must not change the estimate")
	}
}

func TestBandwidthIgnoresEmptyInterval(t *testing.T) {
	d := New()

	d.StartBandwidthMeasure()
	d.StopBandwidthMeasure()

	if d.Bandwidth() != 0 {
		t.Errorf("bandwidth = %v, want 0 for empty interval", d.Bandwidth())
	}
}
