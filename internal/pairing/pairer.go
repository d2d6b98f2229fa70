// Package pairing joins encoded packets with their damage/presentation
// metadata. The two arrive on independent producer callbacks whose relative
// order is only approximately FIFO, so packets wait briefly for metadata and
// degrade to full-frame damage when it is late, missing or sparse.
package pairing

import (
	"sync"
	"time"

	"github.com/westers/krdp/internal/capture"
	"github.com/westers/krdp/internal/geometry"
	"github.com/westers/krdp/internal/util"
)

const (
	// MaxPendingMetadata bounds the metadata queue; the oldest record is
	// dropped when a producer runs far ahead of the packet stream.
	MaxPendingMetadata = 128
	// MaxPendingPacketsWithoutMetadata bounds how deep the packet queue may
	// grow while waiting for metadata.
	MaxPendingPacketsWithoutMetadata = 8
	// MetadataWaitBudget is how long a packet may wait for its metadata.
	MetadataWaitBudget = 12 * time.Millisecond

	missLogInterval = 2 * time.Second
)

type pendingPacket struct {
	packet     capture.EncodedPacket
	enqueuedAt time.Time
}

// Pairer joins the packet and metadata streams positionally: the i-th packet
// pairs with the i-th unconsumed metadata record. Frames are emitted in
// packet-arrival order; a packet is released exactly once.
type Pairer struct {
	emit func(capture.VideoFrame)

	mu               sync.Mutex
	metaQ            []capture.FrameMetadata
	packetQ          []pendingPacket
	sessionSize      geometry.Size
	channelAvailable bool
	seenMetadata     bool

	missLog *util.LogLimiter
}

// New creates a pairer delivering joined frames to emit. Emission happens
// synchronously on the goroutine that called OnPacket or OnMetadata, which
// keeps frame ordering deterministic.
func New(emit func(capture.VideoFrame)) *Pairer {
	return &Pairer{
		emit:    emit,
		missLog: util.NewLogLimiter(missLogInterval),
	}
}

// SetMetadataChannelAvailable tells the pairer whether a metadata side
// channel exists at all. Without one, packets are never held back.
func (p *Pairer) SetMetadataChannelAvailable(available bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelAvailable = available
}

// SetSessionSize sets the frame size assumed when metadata carries none.
func (p *Pairer) SetSessionSize(size geometry.Size) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionSize = size
}

// Reset drops all queued packets and metadata, forgetting whether metadata
// was ever seen. Used when the capture stream restarts.
func (p *Pairer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metaQ = nil
	p.packetQ = nil
	p.seenMetadata = false
}

// OnPacket enqueues an encoded packet and drains whatever became pairable.
// Zero-length packets are dropped.
func (p *Pairer) OnPacket(pkt capture.EncodedPacket) {
	if len(pkt.Data) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.packetQ = append(p.packetQ, pendingPacket{
		packet:     pkt,
		enqueuedAt: time.Now(),
	})
	p.drainLocked(time.Now())
}

// OnMetadata enqueues a metadata record and drains whatever became pairable.
func (p *Pairer) OnMetadata(md capture.FrameMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metaQ = append(p.metaQ, md)
	for len(p.metaQ) > MaxPendingMetadata {
		p.metaQ = p.metaQ[1:]
	}
	p.seenMetadata = true
	p.drainLocked(time.Now())
}

// drainLocked emits every packet that can be released right now. A packet is
// released paired when metadata is queued, unpaired when pairing cannot help
// (no channel, never seen metadata, key frame), and unpaired with a
// rate-limited log once it overstays the wait budget or the queue runs deep.
// Otherwise it stays queued so late metadata can still be paired.
func (p *Pairer) drainLocked(now time.Time) {
	for len(p.packetQ) > 0 {
		if len(p.metaQ) > 0 {
			pkt := p.packetQ[0]
			md := p.metaQ[0]
			p.packetQ = p.packetQ[1:]
			p.metaQ = p.metaQ[1:]
			p.emitFrame(pkt.packet, &md)
			continue
		}

		head := p.packetQ[0]
		if !p.channelAvailable || !p.seenMetadata || head.packet.IsKeyFrame {
			p.packetQ = p.packetQ[1:]
			p.emitFrame(head.packet, nil)
			continue
		}

		waitedTooLong := now.Sub(head.enqueuedAt) >= MetadataWaitBudget
		queueTooDeep := len(p.packetQ) > MaxPendingPacketsWithoutMetadata
		if waitedTooLong || queueTooDeep {
			if p.missLog.Allow(now) {
				util.LogDebug("no matching damage metadata for encoded packet, using full-frame update")
			}
			p.packetQ = p.packetQ[1:]
			p.emitFrame(head.packet, nil)
			continue
		}

		return
	}
}

// emitFrame builds the VideoFrame for one packet. Damage falls back to the
// full frame whenever metadata was absent, the packet is a key frame, or the
// clipped damage came out empty.
func (p *Pairer) emitFrame(pkt capture.EncodedPacket, md *capture.FrameMetadata) {
	frame := capture.VideoFrame{
		Data:       pkt.Data,
		IsKeyFrame: pkt.IsKeyFrame,
		Size:       p.sessionSize,
	}

	metadataApplied := md != nil
	if md != nil {
		if md.HasSize && !md.Size.IsEmpty() {
			frame.Size = md.Size
		}
		if md.HasPTS {
			frame.HasPTS = true
			frame.PTS = md.PTS
		}
		if md.HasDamage {
			frame.Damage = md.Damage.Intersected(geometry.BoundsOf(frame.Size))
		}
	}

	if !metadataApplied || frame.IsKeyFrame || frame.Damage.IsEmpty() {
		frame.Damage = geometry.RegionOf(geometry.BoundsOf(frame.Size))
	}

	p.emit(frame)
}
