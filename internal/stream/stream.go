// Package stream owns the frame submission pipeline: the bounded queue and
// its dedicated submitter goroutine, surface lifecycle, per-frame region and
// quality assembly, refinement scheduling and acknowledgement tracking.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/westers/krdp/internal/activity"
	"github.com/westers/krdp/internal/capture"
	"github.com/westers/krdp/internal/egfx"
	"github.com/westers/krdp/internal/geometry"
	"github.com/westers/krdp/internal/quality"
	"github.com/westers/krdp/internal/util"
)

// MaxQueuedFrames bounds the submission queue to keep queueing latency low.
const MaxQueuedFrames = 8

// Full-damage override tuning.
const (
	fullDamageCoverage      = 0.15
	fullDamageRectCount     = 8
	framesBetweenFullDamage = 8
)

const dropLogInterval = 2 * time.Second

// BandwidthMeasurer brackets each frame send for throughput estimation.
type BandwidthMeasurer interface {
	StartBandwidthMeasure()
	AddMeasuredBytes(n int)
	StopBandwidthMeasure()
}

// Surface is the client-side render target the stream draws into.
type Surface struct {
	ID   uint16
	Size geometry.Size
}

// VideoStream drives one graphics channel. Frames arrive via QueueFrame from
// the producer; a dedicated goroutine drains the queue freshest-first and
// emits RDPGFX frames at the congestion-controlled cadence.
type VideoStream struct {
	gfx        *egfx.ServerContext
	measurer   BandwidthMeasurer
	controller *Controller

	preferredCodec egfx.Codec

	enabled       atomic.Bool
	capsConfirmed atomic.Bool
	pendingReset  atomic.Bool

	mu    sync.Mutex
	queue []capture.VideoFrame
	wake  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}

	// Submitter-goroutine state.
	codec                 egfx.Codec
	frameID               uint32
	nextSurfaceID         uint16
	surface               Surface
	grid                  *activity.Grid
	refine                *refinementTracker
	framesSinceFullDamage int

	pendingMu     sync.Mutex
	pendingFrames map[uint32]struct{}
	channelID     uint32

	dropLog *util.LogLimiter
}

// New creates a video stream over the given GFX context. measurer may be nil.
func New(gfx *egfx.ServerContext, controller *Controller, measurer BandwidthMeasurer, preferredCodec egfx.Codec) *VideoStream {
	s := &VideoStream{
		gfx:            gfx,
		measurer:       measurer,
		controller:     controller,
		preferredCodec: preferredCodec,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		codec:          egfx.CodecAVC420,
		nextSurfaceID:  1,
		grid:           activity.New(geometry.Size{}),
		refine:         newRefinementTracker(),
		pendingFrames:  make(map[uint32]struct{}),
		dropLog:        util.NewLogLimiter(dropLogInterval),
	}
	s.pendingReset.Store(true)

	gfx.ChannelIDAssigned = s.onChannelIDAssigned
	gfx.CapsAdvertise = s.onCapsAdvertise
	gfx.FrameAcknowledge = s.onFrameAcknowledge
	gfx.QoeFrameAcknowledge = s.onQoeFrameAcknowledge

	return s
}

// Initialize opens the GFX context and starts the submitter goroutine.
func (s *VideoStream) Initialize(ctx context.Context) error {
	if err := s.gfx.Open(ctx); err != nil {
		util.LogWarning("could not open GFX context: %v", err)
		return err
	}

	s.started.Store(true)
	go s.submitLoop()

	util.LogDebug("video stream initialized")
	return nil
}

// Close stops the submitter goroutine and the GFX context. In-flight
// pending frames are abandoned.
func (s *VideoStream) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
	s.gfx.Close()
}

// Codec returns the negotiated codec variant.
func (s *VideoStream) Codec() egfx.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// Enabled reports whether frames are accepted.
func (s *VideoStream) Enabled() bool {
	return s.enabled.Load()
}

// SetEnabled toggles frame intake. Disabling clears the queue.
func (s *VideoStream) SetEnabled(enabled bool) {
	if s.enabled.Swap(enabled) == enabled {
		return
	}
	if !enabled {
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	}
}

// Reset schedules a surface reset; the next submitted frame reissues
// RESET_GRAPHICS, CREATE_SURFACE and MAP_SURFACE_TO_OUTPUT.
func (s *VideoStream) Reset() {
	s.pendingReset.Store(true)
}

// QueueFrame hands one paired frame to the submitter. When the queue is
// full the oldest entry is dropped.
func (s *VideoStream) QueueFrame(frame capture.VideoFrame) {
	if !s.enabled.Load() {
		return
	}

	dropped := 0
	s.mu.Lock()
	s.queue = append(s.queue, frame)
	for len(s.queue) > MaxQueuedFrames {
		s.queue = s.queue[1:]
		dropped++
	}
	s.mu.Unlock()

	util.Stats.AddQueued()
	if dropped > 0 {
		s.noteDropped(dropped)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *VideoStream) noteDropped(n int) {
	util.Stats.AddDropped(n)
	if s.dropLog.Allow(time.Now()) {
		util.LogDebug("frame queue full, dropped %d stale frame(s)", n)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Submitter goroutine
// ──────────────────────────────────────────────────────────────────────────────

func (s *VideoStream) submitLoop() {
	defer close(s.done)

	for {
		rate := s.controller.RequestedFrameRate()
		if rate < 1 {
			rate = 1
		}
		interval := time.Second / time.Duration(rate)

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-time.After(interval):
		}

		frame, ok := s.takeNewest()
		if ok {
			s.sendFrame(frame)
		}
	}
}

// takeNewest pops the freshest queued frame, discarding anything staler.
func (s *VideoStream) takeNewest() (capture.VideoFrame, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return capture.VideoFrame{}, false
	}
	frame := s.queue[len(s.queue)-1]
	dropped := len(s.queue) - 1
	s.queue = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.noteDropped(dropped)
	}
	return frame, true
}

// sendFrame assembles and emits one RDPGFX frame.
func (s *VideoStream) sendFrame(frame capture.VideoFrame) {
	if !s.capsConfirmed.Load() || len(frame.Data) == 0 {
		return
	}

	if s.pendingReset.CompareAndSwap(true, false) {
		s.performReset(frame.Size)
	}

	frameID := s.frameID
	s.frameID++
	s.controller.NoteEncoded()

	s.pendingMu.Lock()
	s.pendingFrames[frameID] = struct{}{}
	s.pendingMu.Unlock()

	if s.measurer != nil {
		s.measurer.StartBandwidthMeasure()
	}

	rects := geometry.DamageRects(frame.Size, frame.IsKeyFrame, frame.Damage)
	if len(rects) == 0 {
		if s.measurer != nil {
			s.measurer.StopBandwidthMeasure()
		}
		return
	}

	s.grid.Resize(frame.Size)
	s.grid.Decay()

	coverage := geometry.Coverage(rects, frame.Size)
	lag := s.controller.Lag()
	now := time.Now()

	isRefinement := s.refine.observe(coverage, len(rects), lag, frame.IsKeyFrame, now)

	// Full-damage override. Activity marking below still uses the original
	// rects so forced full-frame sends do not poison the grid.
	originalRects := rects
	fullRect := geometry.ToRdp16(geometry.BoundsOf(frame.Size))
	override := frame.IsKeyFrame ||
		isRefinement ||
		coverage >= fullDamageCoverage ||
		lag >= 1 ||
		len(rects) > fullDamageRectCount ||
		s.framesSinceFullDamage >= framesBetweenFullDamage
	if override {
		rects = []geometry.Rect16{fullRect}
		s.framesSinceFullDamage = 0
	} else {
		s.framesSinceFullDamage++
	}

	bounds := geometry.BoundingRect16(rects)

	bias := s.controller.QPBias()
	qualities := make([]egfx.QuantQuality, len(rects))
	for i, r := range rects {
		setting := quality.ForRect(quality.Input{
			Rect:         r,
			FrameSize:    frame.Size,
			IsKeyFrame:   frame.IsKeyFrame,
			IsRefinement: isRefinement,
			Activity:     s.grid.ScoreForRect(r),
			QPBias:       bias,
		})
		qualities[i] = egfx.QuantQuality{QP: setting.QP, QualityVal: setting.Quality}
	}

	s.gfx.StartFrame(frameID, now)
	s.gfx.SurfaceCommand(s.surface.ID, s.codec, bounds, rects, qualities, frame.Data)
	s.gfx.EndFrame(frameID)

	util.Stats.AddSubmitted()
	s.grid.MarkDamage(originalRects)

	if s.measurer != nil {
		s.measurer.AddMeasuredBytes(len(frame.Data))
		s.measurer.StopBandwidthMeasure()
	}
}

// performReset advertises the output geometry and maps a fresh surface.
// Surface IDs are never reused within a connection.
func (s *VideoStream) performReset(size geometry.Size) {
	s.gfx.ResetGraphics(size)

	surfaceID := s.nextSurfaceID
	s.nextSurfaceID++
	s.gfx.CreateSurface(surfaceID, size)

	s.surface = Surface{ID: surfaceID, Size: size}

	s.gfx.MapSurfaceToOutput(surfaceID)
}

// ──────────────────────────────────────────────────────────────────────────────
// GFX callbacks (control goroutine)
// ──────────────────────────────────────────────────────────────────────────────

func (s *VideoStream) onChannelIDAssigned(channelID uint32) bool {
	s.pendingMu.Lock()
	s.channelID = channelID
	s.pendingMu.Unlock()
	return true
}

// onCapsAdvertise negotiates the codec and confirms the selected cap set.
// Submission stays gated until this succeeds.
func (s *VideoStream) onCapsAdvertise(sets []egfx.CapSet) uint32 {
	util.LogDebug("received %d cap set(s):", len(sets))
	for _, set := range sets {
		info := egfx.DecodeCapSet(set)
		util.LogDebug("  %s AVC:%t YUV420:%t", egfx.VersionString(set.Version), info.AVCSupported, info.YUV420Supported)
	}

	codec, selected, err := egfx.SelectCodec(s.preferredCodec, sets)
	if err != nil {
		util.LogWarning("client offers no usable H.264 decode path: %v", err)
		return egfx.ChannelRCInitializationError
	}

	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()

	util.LogDebug("selected caps: %s, codec: %s", egfx.VersionString(selected.Version), codec)

	s.gfx.CapsConfirm(selected)
	s.capsConfirmed.Store(true)

	return egfx.ChannelRCOK
}

// onFrameAcknowledge folds decode progress into the congestion state. An ack
// for an unknown frame is logged but still accepted; the client may resend
// after a reset.
func (s *VideoStream) onFrameAcknowledge(ack egfx.FrameAck) uint32 {
	s.pendingMu.Lock()
	if _, known := s.pendingFrames[ack.FrameID]; !known {
		util.LogWarning("got frame acknowledge for an unknown frame %d", ack.FrameID)
	}
	delete(s.pendingFrames, ack.FrameID)
	s.pendingMu.Unlock()

	s.controller.ApplyAck(ack.QueueDepth, ack.TotalFramesDecoded)
	util.Stats.AddAcked()

	return egfx.ChannelRCOK
}

func (s *VideoStream) onQoeFrameAcknowledge(egfx.QoeFrameAck) uint32 {
	return egfx.ChannelRCOK
}

// CapsConfirmed reports whether negotiation completed.
func (s *VideoStream) CapsConfirmed() bool {
	return s.capsConfirmed.Load()
}

// PendingFrameCount returns the number of unacknowledged frames.
func (s *VideoStream) PendingFrameCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingFrames)
}
