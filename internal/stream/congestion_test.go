package stream

import (
	"testing"
	"time"

	"github.com/westers/krdp/internal/egfx"
)

func TestControllerDefaults(t *testing.T) {
	c := NewController()
	if c.RequestedFrameRate() != initialFrameRate {
		t.Errorf("initial rate = %d, want %d", c.RequestedFrameRate(), initialFrameRate)
	}
	if c.QPBias() != 0 {
		t.Errorf("initial bias = %d, want 0", c.QPBias())
	}
}

func TestApplyAckLag(t *testing.T) {
	c := NewController()
	for i := 0; i < 5; i++ {
		c.NoteEncoded()
	}

	c.ApplyAck(2, 3)
	if c.Lag() != 2 {
		t.Errorf("lag = %d, want 2", c.Lag())
	}
}

// TestApplyAckQueueDepthSpecials covers the SUSPEND latch and the
// unavailable-depth retention.
func TestApplyAckQueueDepthSpecials(t *testing.T) {
	c := NewController()

	c.ApplyAck(4, 0)
	if c.queueDepth != 4 {
		t.Fatalf("queueDepth = %d, want 4", c.queueDepth)
	}

	c.ApplyAck(egfx.QueueDepthUnavailable, 0)
	if c.queueDepth != 4 {
		t.Errorf("unavailable depth must retain last value, got %d", c.queueDepth)
	}

	c.ApplyAck(egfx.SuspendFrameAcknowledgement, 0)
	if c.queueDepth != 16 {
		t.Errorf("suspended ack must latch depth 16, got %d", c.queueDepth)
	}

	// The latch holds only until the next ack overwrites it.
	c.ApplyAck(2, 0)
	if c.queueDepth != 2 {
		t.Errorf("next ack must overwrite the latch, got %d", c.queueDepth)
	}
}

// TestCongestionResponse walks the two ticks of the congestion scenario:
// a sharp RTT rise under lag snaps the bias to 8 and collapses the rate;
// a calm tick lets the bias creep down and the rate step up by at most 2.
func TestCongestionResponse(t *testing.T) {
	c := NewController()

	for i := 0; i < 5; i++ {
		c.NoteEncoded()
	}
	c.ApplyAck(7, 0) // lag = 5, queue depth 7

	c.OnRTTChanged(30 * time.Millisecond)
	c.OnRTTChanged(80 * time.Millisecond) // rise = 50

	if c.QPBias() != MaxQPBias {
		t.Errorf("bias = %d, want %d", c.QPBias(), MaxQPBias)
	}
	if rate := c.RequestedFrameRate(); rate > 20 {
		t.Errorf("rate = %d, want <= 20 under lag 5 / depth 7", rate)
	}

	// Calm tick: client caught up, RTT stable.
	c.ApplyAck(1, 5) // lag = 0
	lowRate := c.RequestedFrameRate()

	c.mu.Lock()
	c.lastEstimation = time.Now().Add(-2 * estimateWindow)
	c.mu.Unlock()

	c.OnRTTChanged(80 * time.Millisecond)

	if c.QPBias() != MaxQPBias-1 {
		t.Errorf("bias = %d, want %d (falls by one per tick)", c.QPBias(), MaxQPBias-1)
	}
	rate := c.RequestedFrameRate()
	if rate < lowRate || rate > lowRate+2 {
		t.Errorf("rate = %d, want within +2 of %d", rate, lowRate)
	}
}

// TestBiasTiers checks the three bias targets.
func TestBiasTiers(t *testing.T) {
	testCases := []struct {
		name     string
		lag      int
		depth    uint32
		wantBias int
	}{
		{"mild pressure", 1, 0, 2},
		{"medium pressure", 3, 0, 5},
		{"heavy pressure", 6, 0, MaxQPBias},
		{"depth only mild", 0, 2, 2},
		{"depth only medium", 0, 5, 5},
		{"depth only heavy", 0, 8, MaxQPBias},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewController()
			for i := 0; i < tc.lag; i++ {
				c.NoteEncoded()
			}
			depth := tc.depth
			if depth == 0 {
				depth = egfx.QueueDepthUnavailable
			}
			c.ApplyAck(depth, 0)

			c.OnRTTChanged(20 * time.Millisecond)
			if got := c.QPBias(); got != tc.wantBias {
				t.Errorf("bias = %d, want %d", got, tc.wantBias)
			}
		})
	}
}

// TestControllerClamps drives the controller hard in both directions and
// checks the outputs never leave their ranges.
func TestControllerClamps(t *testing.T) {
	c := NewController()

	for i := 0; i < 200; i++ {
		c.NoteEncoded()
	}
	c.ApplyAck(16, 0) // lag 200, depth 16

	for i := 0; i < 50; i++ {
		c.mu.Lock()
		c.lastEstimation = time.Now().Add(-2 * estimateWindow)
		c.mu.Unlock()
		c.OnRTTChanged(time.Duration(10+i*20) * time.Millisecond)

		if rate := c.RequestedFrameRate(); rate < MinFrameRate || rate > MaxFrameRate {
			t.Fatalf("rate %d out of range", rate)
		}
		if bias := c.QPBias(); bias < 0 || bias > MaxQPBias {
			t.Fatalf("bias %d out of range", bias)
		}
	}

	// Full recovery: rate climbs back without overshooting.
	c.ApplyAck(1, 200)
	for i := 0; i < 100; i++ {
		c.mu.Lock()
		c.lastEstimation = time.Now().Add(-2 * estimateWindow)
		c.mu.Unlock()
		c.OnRTTChanged(5 * time.Millisecond)

		if rate := c.RequestedFrameRate(); rate < MinFrameRate || rate > MaxFrameRate {
			t.Fatalf("rate %d out of range during recovery", rate)
		}
	}
	if bias := c.QPBias(); bias != 0 {
		t.Errorf("bias = %d, want 0 after recovery", bias)
	}
}

// TestHardCapsUnderRTTRise verifies the RTT-rise ceilings apply even when
// lag and queue depth are clean.
func TestHardCapsUnderRTTRise(t *testing.T) {
	c := NewController()

	c.OnRTTChanged(10 * time.Millisecond)

	c.mu.Lock()
	c.lastEstimation = time.Now().Add(-2 * estimateWindow)
	c.mu.Unlock()
	c.OnRTTChanged(25 * time.Millisecond) // rise 15 >= 12

	if rate := c.RequestedFrameRate(); rate > 24 {
		t.Errorf("rate = %d, want <= 24 under sharp RTT rise", rate)
	}
}
