// Package egfx implements the server side of the RDP Graphics Pipeline
// Extension (MS-RDPEGFX): capability negotiation, PDU serialization and the
// callback surface the video stream drives.
package egfx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/westers/krdp/internal/geometry"
)

// Command IDs (MS-RDPEGFX 2.2.2).
const (
	CmdWireToSurface1      uint16 = 0x0001
	CmdWireToSurface2      uint16 = 0x0002
	CmdDeleteEncodingCtx   uint16 = 0x0003
	CmdSolidFill           uint16 = 0x0004
	CmdSurfaceToSurface    uint16 = 0x0005
	CmdSurfaceToCache      uint16 = 0x0006
	CmdCacheToSurface      uint16 = 0x0007
	CmdEvictCacheEntry     uint16 = 0x0008
	CmdCreateSurface       uint16 = 0x0009
	CmdDeleteSurface       uint16 = 0x000A
	CmdStartFrame          uint16 = 0x000B
	CmdEndFrame            uint16 = 0x000C
	CmdFrameAcknowledge    uint16 = 0x000D
	CmdResetGraphics       uint16 = 0x000E
	CmdMapSurfaceToOutput  uint16 = 0x000F
	CmdCacheImportOffer    uint16 = 0x0010
	CmdCacheImportReply    uint16 = 0x0011
	CmdCapsAdvertise       uint16 = 0x0012
	CmdCapsConfirm         uint16 = 0x0013
	CmdMapSurfaceToWindow  uint16 = 0x0015
	CmdQoeFrameAcknowledge uint16 = 0x0016
)

// Codec IDs carried in WIRE_TO_SURFACE_1.
const (
	CodecIDUncompressed uint16 = 0x0000
	CodecIDCAVideo      uint16 = 0x0003
	CodecIDClearCodec   uint16 = 0x0008
	CodecIDPlanar       uint16 = 0x000A
	CodecIDAVC420       uint16 = 0x000B
	CodecIDAlpha        uint16 = 0x000C
	CodecIDAVC444       uint16 = 0x000E
	CodecIDAVC444v2     uint16 = 0x000F
)

// Pixel formats (RDPGFX_PIXELFORMAT). Surfaces are created as XRGB_8888;
// surface commands declare their bitmap data as BGRX32, the same 32-bit
// layout named by its little-endian byte order.
const (
	PixelFormatXRGB8888 byte = 0x20
	PixelFormatARGB8888 byte = 0x21
	PixelFormatBGRX32   byte = PixelFormatXRGB8888
)

// Channel return codes.
const (
	ChannelRCOK                  uint32 = 0
	ChannelRCInitializationError uint32 = 21
)

// FRAME_ACKNOWLEDGE queueDepth special values.
const (
	QueueDepthUnavailable       uint32 = 0x00000000
	SuspendFrameAcknowledgement uint32 = 0xFFFFFFFF
)

// Monitor flags for RESET_GRAPHICS monitor definitions.
const MonitorPrimary uint32 = 0x00000001

// resetGraphicsPDUSize is the fixed on-wire size of RESET_GRAPHICS
// (MS-RDPEGFX 2.2.2.14: the PDU is zero-padded to 340 bytes).
const resetGraphicsPDUSize = 340

const headerSize = 8

// Header is the RDPGFX_HEADER preceding every PDU.
type Header struct {
	CmdID     uint16
	Flags     uint16
	PDULength uint32 // total length including the header
}

// FrameAck is a decoded RDPGFX_FRAME_ACKNOWLEDGE_PDU.
type FrameAck struct {
	QueueDepth         uint32
	FrameID            uint32
	TotalFramesDecoded uint32
}

// QoeFrameAck is a decoded RDPGFX_QOE_FRAME_ACKNOWLEDGE_PDU.
type QoeFrameAck struct {
	FrameID     uint32
	Timestamp   uint32
	TimeDiffSE  uint16
	TimeDiffEDR uint16
}

// QuantQuality is one RDPGFX_H264_QUANT_QUALITY entry.
type QuantQuality struct {
	QP         uint8 // 6 bits
	P          uint8 // progressive bit
	QualityVal uint8
}

// MonitorDef is one MONITOR_DEF entry in RESET_GRAPHICS.
type MonitorDef struct {
	Left   uint32
	Top    uint32
	Right  uint32
	Bottom uint32
	Flags  uint32
}

// ──────────────────────────────────────────────────────────────────────────────
// Serialization
// ──────────────────────────────────────────────────────────────────────────────

// writePDU frames body with an RDPGFX_HEADER.
func writePDU(cmdID uint16, body []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(body)))
	_ = binary.Write(buf, binary.LittleEndian, cmdID)
	_ = binary.Write(buf, binary.LittleEndian, uint16(0)) // flags
	_ = binary.Write(buf, binary.LittleEndian, uint32(headerSize+len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// DecodeHeader parses the 8-byte RDPGFX_HEADER.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("gfx header too short: %d bytes", len(data))
	}
	h := Header{
		CmdID:     binary.LittleEndian.Uint16(data[0:2]),
		Flags:     binary.LittleEndian.Uint16(data[2:4]),
		PDULength: binary.LittleEndian.Uint32(data[4:8]),
	}
	if h.PDULength < headerSize {
		return Header{}, fmt.Errorf("gfx pduLength %d below header size", h.PDULength)
	}
	return h, nil
}

// EncodeCapsConfirm serializes RDPGFX_CAPS_CONFIRM_PDU for the selected set.
func EncodeCapsConfirm(set CapSet) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, set.Version)
	_ = binary.Write(buf, binary.LittleEndian, uint32(4)) // capsDataLength
	_ = binary.Write(buf, binary.LittleEndian, set.Flags)
	return writePDU(CmdCapsConfirm, buf.Bytes())
}

// EncodeResetGraphics serializes RDPGFX_RESET_GRAPHICS_PDU, zero-padded to
// its fixed 340-byte wire size.
func EncodeResetGraphics(width, height uint32, monitors []MonitorDef) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, width)
	_ = binary.Write(buf, binary.LittleEndian, height)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(monitors)))
	for _, m := range monitors {
		_ = binary.Write(buf, binary.LittleEndian, m)
	}
	body := buf.Bytes()
	padded := make([]byte, resetGraphicsPDUSize-headerSize)
	copy(padded, body)
	return writePDU(CmdResetGraphics, padded)
}

// EncodeCreateSurface serializes RDPGFX_CREATE_SURFACE_PDU.
func EncodeCreateSurface(surfaceID uint16, width, height uint16, pixelFormat byte) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, surfaceID)
	_ = binary.Write(buf, binary.LittleEndian, width)
	_ = binary.Write(buf, binary.LittleEndian, height)
	buf.WriteByte(pixelFormat)
	return writePDU(CmdCreateSurface, buf.Bytes())
}

// EncodeMapSurfaceToOutput serializes RDPGFX_MAP_SURFACE_TO_OUTPUT_PDU.
func EncodeMapSurfaceToOutput(surfaceID uint16, originX, originY uint32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, surfaceID)
	_ = binary.Write(buf, binary.LittleEndian, uint16(0)) // reserved
	_ = binary.Write(buf, binary.LittleEndian, originX)
	_ = binary.Write(buf, binary.LittleEndian, originY)
	return writePDU(CmdMapSurfaceToOutput, buf.Bytes())
}

// EncodeStartFrame serializes RDPGFX_START_FRAME_PDU.
func EncodeStartFrame(timestamp, frameID uint32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, timestamp)
	_ = binary.Write(buf, binary.LittleEndian, frameID)
	return writePDU(CmdStartFrame, buf.Bytes())
}

// EncodeEndFrame serializes RDPGFX_END_FRAME_PDU.
func EncodeEndFrame(frameID uint32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, frameID)
	return writePDU(CmdEndFrame, buf.Bytes())
}

// EncodeWireToSurface1 serializes RDPGFX_WIRE_TO_SURFACE_PDU_1 carrying an
// already-assembled bitmap stream (for AVC codecs, the AVC420 bitmap stream).
func EncodeWireToSurface1(surfaceID uint16, codecID uint16, pixelFormat byte, dest geometry.Rect16, bitmapData []byte) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, surfaceID)
	_ = binary.Write(buf, binary.LittleEndian, codecID)
	buf.WriteByte(pixelFormat)
	writeRect16(buf, dest)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(bitmapData)))
	buf.Write(bitmapData)
	return writePDU(CmdWireToSurface1, buf.Bytes())
}

// EncodeAVC420BitmapStream serializes RDPGFX_AVC420_BITMAP_STREAM: the
// region/quality metadata followed by the raw H.264 payload.
// len(rects) must equal len(qualities).
func EncodeAVC420BitmapStream(rects []geometry.Rect16, qualities []QuantQuality, data []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+10*len(rects)+len(data)))
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(rects)))
	for _, r := range rects {
		writeRect16(buf, r)
	}
	for _, q := range qualities {
		buf.WriteByte(q.QP&0x3F | (q.P&0x01)<<7)
		buf.WriteByte(q.QualityVal)
	}
	buf.Write(data)
	return buf.Bytes()
}

func writeRect16(buf *bytes.Buffer, r geometry.Rect16) {
	_ = binary.Write(buf, binary.LittleEndian, r.Left)
	_ = binary.Write(buf, binary.LittleEndian, r.Top)
	_ = binary.Write(buf, binary.LittleEndian, r.Right)
	_ = binary.Write(buf, binary.LittleEndian, r.Bottom)
}

// ──────────────────────────────────────────────────────────────────────────────
// Client→server PDU decoding
// ──────────────────────────────────────────────────────────────────────────────

// DecodeCapsAdvertise parses RDPGFX_CAPS_ADVERTISE_PDU into its cap sets.
func DecodeCapsAdvertise(body []byte) ([]CapSet, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("caps advertise too short: %d bytes", len(body))
	}
	count := int(binary.LittleEndian.Uint16(body[0:2]))
	offset := 2

	sets := make([]CapSet, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < offset+8 {
			return nil, fmt.Errorf("caps advertise truncated at set %d", i)
		}
		version := binary.LittleEndian.Uint32(body[offset : offset+4])
		dataLength := int(binary.LittleEndian.Uint32(body[offset+4 : offset+8]))
		offset += 8

		if len(body) < offset+dataLength {
			return nil, fmt.Errorf("caps advertise set %d data truncated", i)
		}
		var flags uint32
		if dataLength >= 4 {
			flags = binary.LittleEndian.Uint32(body[offset : offset+4])
		}
		offset += dataLength

		sets = append(sets, CapSet{Version: version, Flags: flags})
	}
	return sets, nil
}

// EncodeCapsAdvertise serializes cap sets into RDPGFX_CAPS_ADVERTISE_PDU.
// The server never sends this; it exists for loopback tests and tooling.
func EncodeCapsAdvertise(sets []CapSet) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(sets)))
	for _, set := range sets {
		_ = binary.Write(buf, binary.LittleEndian, set.Version)
		_ = binary.Write(buf, binary.LittleEndian, uint32(4))
		_ = binary.Write(buf, binary.LittleEndian, set.Flags)
	}
	return writePDU(CmdCapsAdvertise, buf.Bytes())
}

// DecodeFrameAcknowledge parses RDPGFX_FRAME_ACKNOWLEDGE_PDU.
func DecodeFrameAcknowledge(body []byte) (FrameAck, error) {
	if len(body) < 12 {
		return FrameAck{}, fmt.Errorf("frame acknowledge too short: %d bytes", len(body))
	}
	return FrameAck{
		QueueDepth:         binary.LittleEndian.Uint32(body[0:4]),
		FrameID:            binary.LittleEndian.Uint32(body[4:8]),
		TotalFramesDecoded: binary.LittleEndian.Uint32(body[8:12]),
	}, nil
}

// EncodeFrameAcknowledge serializes a frame acknowledge for loopback tests.
func EncodeFrameAcknowledge(ack FrameAck) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, ack.QueueDepth)
	_ = binary.Write(buf, binary.LittleEndian, ack.FrameID)
	_ = binary.Write(buf, binary.LittleEndian, ack.TotalFramesDecoded)
	return writePDU(CmdFrameAcknowledge, buf.Bytes())
}

// DecodeQoeFrameAcknowledge parses RDPGFX_QOE_FRAME_ACKNOWLEDGE_PDU.
func DecodeQoeFrameAcknowledge(body []byte) (QoeFrameAck, error) {
	if len(body) < 12 {
		return QoeFrameAck{}, fmt.Errorf("qoe frame acknowledge too short: %d bytes", len(body))
	}
	return QoeFrameAck{
		FrameID:     binary.LittleEndian.Uint32(body[0:4]),
		Timestamp:   binary.LittleEndian.Uint32(body[4:8]),
		TimeDiffSE:  binary.LittleEndian.Uint16(body[8:10]),
		TimeDiffEDR: binary.LittleEndian.Uint16(body[10:12]),
	}, nil
}

// PackTimestamp encodes a wall-clock instant into the START_FRAME timestamp
// layout: hour<<22 | minute<<16 | second<<10 | millisecond, in UTC.
func PackTimestamp(t time.Time) uint32 {
	t = t.UTC()
	ms := uint32(t.Nanosecond() / int(time.Millisecond))
	return uint32(t.Hour())<<22 | uint32(t.Minute())<<16 | uint32(t.Second())<<10 | ms
}
