package egfx

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/westers/krdp/internal/geometry"
	"github.com/westers/krdp/internal/transport"
	"github.com/westers/krdp/internal/util"
)

// nextChannelID allocates graphics channel IDs across the process; the
// channel manager below the GFX layer would normally hand these out.
var nextChannelID atomic.Uint32

// maxPDULength bounds a single inbound PDU.
const maxPDULength = 1 << 20

// ServerContext is the server end of one graphics channel. It owns the PDU
// read loop, serializes outbound PDUs through a single writer, and surfaces
// inbound PDUs via callbacks.
//
// Callbacks run on the read-loop goroutine and must not block on submission.
type ServerContext struct {
	channel transport.Channel
	sender  *transport.Sender

	ctx    context.Context
	cancel context.CancelFunc
	opened bool

	channelID uint32

	// Callback surface. Set before Open.
	ChannelIDAssigned   func(channelID uint32) bool
	CapsAdvertise       func(sets []CapSet) uint32
	FrameAcknowledge    func(ack FrameAck) uint32
	QoeFrameAcknowledge func(ack QoeFrameAck) uint32
}

// NewServerContext creates a context over the given channel transport.
func NewServerContext(ch transport.Channel) *ServerContext {
	return &ServerContext{channel: ch}
}

// Open assigns the channel ID, starts the writer and the PDU read loop.
// Returns ErrVideoInitFailed when the channel cannot be brought up.
func (c *ServerContext) Open(ctx context.Context) error {
	if c.opened {
		return nil
	}
	if c.channel == nil {
		return fmt.Errorf("gfx context has no channel: %w", ErrVideoInitFailed)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.channelID = nextChannelID.Add(1)
	c.sender = transport.NewSender(c.ctx, c.channel)
	c.opened = true

	if c.ChannelIDAssigned != nil && !c.ChannelIDAssigned(c.channelID) {
		c.Close()
		return fmt.Errorf("channel id assignment rejected: %w", ErrVideoInitFailed)
	}

	go c.readLoop()

	return nil
}

// Close stops the read loop and releases the channel.
func (c *ServerContext) Close() {
	if !c.opened {
		return
	}
	c.opened = false
	c.cancel()
	c.channel.Close()
}

// ChannelID returns the assigned graphics channel ID.
func (c *ServerContext) ChannelID() uint32 {
	return c.channelID
}

// Done reports channel teardown: closed once the read loop has stopped or
// Close was called. Only valid after Open.
func (c *ServerContext) Done() <-chan struct{} {
	if c.ctx == nil {
		return nil
	}
	return c.ctx.Done()
}

// readLoop drains inbound PDUs until the channel fails or the context ends.
func (c *ServerContext) readLoop() {
	header := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(c.channel, header); err != nil {
			if c.ctx.Err() == nil && err != io.EOF {
				util.LogWarning("gfx channel read error: %v", err)
			}
			c.cancel()
			return
		}

		h, err := DecodeHeader(header)
		if err != nil {
			util.LogWarning("gfx header decode error: %v", err)
			c.cancel()
			return
		}
		if h.PDULength > maxPDULength {
			util.LogWarning("gfx PDU too large: %d bytes", h.PDULength)
			c.cancel()
			return
		}

		body := make([]byte, h.PDULength-headerSize)
		if _, err := io.ReadFull(c.channel, body); err != nil {
			util.LogWarning("gfx body read error: %v", err)
			c.cancel()
			return
		}

		c.dispatch(h, body)
	}
}

func (c *ServerContext) dispatch(h Header, body []byte) {
	switch h.CmdID {
	case CmdCapsAdvertise:
		sets, err := DecodeCapsAdvertise(body)
		if err != nil {
			util.LogWarning("caps advertise decode error: %v", err)
			return
		}
		if c.CapsAdvertise != nil {
			if rc := c.CapsAdvertise(sets); rc != ChannelRCOK {
				util.LogWarning("caps advertise rejected: rc=%d", rc)
				c.cancel()
			}
		}

	case CmdFrameAcknowledge:
		ack, err := DecodeFrameAcknowledge(body)
		if err != nil {
			util.LogWarning("frame acknowledge decode error: %v", err)
			return
		}
		if c.FrameAcknowledge != nil {
			c.FrameAcknowledge(ack)
		}

	case CmdQoeFrameAcknowledge:
		ack, err := DecodeQoeFrameAcknowledge(body)
		if err != nil {
			util.LogWarning("qoe frame acknowledge decode error: %v", err)
			return
		}
		if c.QoeFrameAcknowledge != nil {
			c.QoeFrameAcknowledge(ack)
		}

	default:
		util.LogDebug("ignoring gfx PDU cmdId=0x%04x (%d bytes)", h.CmdID, len(body))
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbound PDUs
// ──────────────────────────────────────────────────────────────────────────────

func (c *ServerContext) send(pdu []byte) {
	c.sender.Send(c.ctx, pdu)
}

// CapsConfirm sends RDPGFX_CAPS_CONFIRM_PDU echoing the selected set.
func (c *ServerContext) CapsConfirm(set CapSet) {
	c.send(EncodeCapsConfirm(set))
}

// ResetGraphics sends RDPGFX_RESET_GRAPHICS_PDU for a single primary monitor
// covering the whole frame.
func (c *ServerContext) ResetGraphics(size geometry.Size) {
	monitors := []MonitorDef{{
		Left:   0,
		Top:    0,
		Right:  uint32(size.Width),
		Bottom: uint32(size.Height),
		Flags:  MonitorPrimary,
	}}
	c.send(EncodeResetGraphics(uint32(size.Width), uint32(size.Height), monitors))
}

// CreateSurface sends RDPGFX_CREATE_SURFACE_PDU.
func (c *ServerContext) CreateSurface(surfaceID uint16, size geometry.Size) {
	c.send(EncodeCreateSurface(surfaceID, uint16(size.Width), uint16(size.Height), PixelFormatXRGB8888))
}

// MapSurfaceToOutput sends RDPGFX_MAP_SURFACE_TO_OUTPUT_PDU at origin (0,0).
func (c *ServerContext) MapSurfaceToOutput(surfaceID uint16) {
	c.send(EncodeMapSurfaceToOutput(surfaceID, 0, 0))
}

// StartFrame sends RDPGFX_START_FRAME_PDU stamped with the current wall clock.
func (c *ServerContext) StartFrame(frameID uint32, now time.Time) {
	c.send(EncodeStartFrame(PackTimestamp(now), frameID))
}

// SurfaceCommand sends one WIRE_TO_SURFACE_1 carrying the encoded payload
// with its region and quality tables. The bitmap data is declared BGRX32;
// only surface creation uses the XRGB_8888 format code.
func (c *ServerContext) SurfaceCommand(surfaceID uint16, codec Codec, bounds geometry.Rect16, rects []geometry.Rect16, qualities []QuantQuality, data []byte) {
	stream := EncodeAVC420BitmapStream(rects, qualities, data)
	c.send(EncodeWireToSurface1(surfaceID, codec.ID(), PixelFormatBGRX32, bounds, stream))
}

// EndFrame sends RDPGFX_END_FRAME_PDU.
func (c *ServerContext) EndFrame(frameID uint32) {
	c.send(EncodeEndFrame(frameID))
}
