package stream

import (
	"sync"
	"time"

	"github.com/westers/krdp/internal/egfx"
)

// Frame-rate bounds.
const (
	MinFrameRate     = 5
	MaxFrameRate     = 120
	initialFrameRate = 60
)

// MaxQPBias is the largest congestion bias fed into the quality policy.
const MaxQPBias = 8

// estimateWindow is the sliding window the rate estimates are averaged over.
const estimateWindow = time.Second

// targetSaturation leaves headroom below the raw estimate so the pipeline
// can always clear its current load.
const targetSaturation = 0.8

type rateEstimate struct {
	at       time.Time
	estimate int
}

// Controller turns RTT trend, client ACK-derived frame lag and decoder queue
// depth into a target frame rate and a per-frame QP bias.
//
// OnRTTChanged runs on the network-probe callback goroutine; the submitter
// reads RequestedFrameRate and QPBias concurrently, so the two outputs live
// behind the same mutex as the rest of the state.
type Controller struct {
	mu sync.Mutex

	encoded       int
	totalDecoded  int
	lag           int
	queueDepth    int
	prevRTT       time.Duration
	requestedRate int
	qpBias        int

	estimates      []rateEstimate
	lastEstimation time.Time
}

// NewController creates a controller starting at 60 fps with no bias.
func NewController() *Controller {
	return &Controller{requestedRate: initialFrameRate}
}

// NoteEncoded counts one submitted frame.
func (c *Controller) NoteEncoded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoded++
}

// ApplyAck folds a frame acknowledgement into the lag and decoder queue
// depth. A suspended acknowledgement latches depth 16 until the next ack
// overwrites it; an unavailable depth retains the previous value.
func (c *Controller) ApplyAck(queueDepth, totalFramesDecoded uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch queueDepth {
	case egfx.QueueDepthUnavailable:
		// Keep the last observation.
	case egfx.SuspendFrameAcknowledgement:
		c.queueDepth = 16
	default:
		c.queueDepth = int(queueDepth)
	}

	c.totalDecoded = int(totalFramesDecoded)
	c.lag = c.encoded - c.totalDecoded
}

// Lag returns the last ACK-derived frame lag.
func (c *Controller) Lag() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lag
}

// RequestedFrameRate returns the current submission cadence target.
func (c *Controller) RequestedFrameRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestedRate
}

// QPBias returns the current quantization bias, 0..8.
func (c *Controller) QPBias() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qpBias
}

// OnRTTChanged ingests a new average RTT. Each call updates the QP bias;
// the frame-rate target recomputes once per estimate window.
func (c *Controller) OnRTTChanged(rtt time.Duration) {
	if rtt < time.Millisecond {
		rtt = time.Millisecond
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	lag := max(c.lag, 0)
	queueDepth := max(c.queueDepth, 0)

	rttRise := 0
	if c.prevRTT > 0 && rtt > c.prevRTT {
		rttRise = int((rtt - c.prevRTT).Milliseconds())
	}
	c.prevRTT = rtt

	baseline := 1000.0 / float64(rtt.Milliseconds())
	delayPenalty := 1 + 0.75*float64(lag)
	queuePenalty := 1 + 0.25*float64(min(queueDepth, 12))
	rttTrendPenalty := 1 + float64(clampInt(rttRise, 0, 20))/20

	estimate := clampInt(int(baseline/(delayPenalty*queuePenalty*rttTrendPenalty)), MinFrameRate, MaxFrameRate)
	c.estimates = append(c.estimates, rateEstimate{at: now, estimate: estimate})

	c.updateQPBiasLocked(lag, queueDepth, rttRise)

	if now.Sub(c.lastEstimation) < estimateWindow {
		return
	}
	c.lastEstimation = now

	c.updateRateLocked(now, lag, queueDepth, rttRise)
}

// updateRateLocked recomputes the frame-rate target from the windowed
// average, applies the hard caps and walks the requested rate towards it.
func (c *Controller) updateRateLocked(now time.Time, lag, queueDepth, rttRise int) {
	// Drop estimates that aged out of the window.
	kept := c.estimates[:0]
	for _, e := range c.estimates {
		if now.Sub(e.at) <= estimateWindow {
			kept = append(kept, e)
		}
	}
	c.estimates = kept
	if len(c.estimates) == 0 {
		return
	}

	sum := 0
	for _, e := range c.estimates {
		sum += e.estimate
	}
	average := float64(sum) / float64(len(c.estimates))

	target := clampInt(int(targetSaturation*average), MinFrameRate, MaxFrameRate)

	// Hard caps under sustained pressure.
	switch {
	case lag >= 8 || queueDepth >= 10:
		target = min(target, 10)
	case lag >= 4 || queueDepth >= 6:
		target = min(target, 20)
	case lag >= 2 || queueDepth >= 3:
		target = min(target, 30)
	}
	switch {
	case rttRise >= 12:
		target = min(target, 24)
	case rttRise >= 6:
		target = min(target, 36)
	}

	current := c.requestedRate
	switch {
	case target < current:
		if lag >= 2 || queueDepth >= 3 || rttRise >= 8 {
			current = target
		} else {
			current = max(target, current-5)
		}
	case target > current:
		current = min(target, current+2)
	}
	c.requestedRate = clampInt(current, MinFrameRate, MaxFrameRate)
}

// updateQPBiasLocked walks the bias: rises snap, falls creep one per tick.
func (c *Controller) updateQPBiasLocked(lag, queueDepth, rttRise int) {
	target := 0
	switch {
	case lag >= 6 || queueDepth >= 8 || rttRise >= 12:
		target = MaxQPBias
	case lag >= 3 || queueDepth >= 5 || rttRise >= 8:
		target = 5
	case lag >= 1 || queueDepth >= 2 || rttRise >= 4:
		target = 2
	}

	switch {
	case target > c.qpBias:
		c.qpBias = target
	case target < c.qpBias:
		c.qpBias--
	}
	c.qpBias = clampInt(c.qpBias, 0, MaxQPBias)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
