// Package capture defines the boundary to the compositor-side capture
// pipeline: the encoded packets and damage metadata it produces, and the IPC
// consumer that receives them.
package capture

import (
	"time"

	"github.com/westers/krdp/internal/geometry"
)

// EncodedPacket is one H.264 access unit produced by the capture pipeline.
// The producer owns the payload until the packet is enqueued; after that the
// pairer does.
type EncodedPacket struct {
	Data       []byte
	IsKeyFrame bool
}

// FrameMetadata is the damage/presentation record delivered on the metadata
// side channel. Every field is independently optional.
type FrameMetadata struct {
	HasSize bool
	Size    geometry.Size

	HasDamage bool
	Damage    geometry.Region

	HasPTS bool
	PTS    time.Time
}

// VideoFrame is an encoded packet joined with its metadata, ready for
// submission. Damage is never empty and always contained in (0,0)–Size; it is
// the full frame when no metadata was applied or the packet is a key frame.
type VideoFrame struct {
	Data       []byte
	IsKeyFrame bool
	Size       geometry.Size
	Damage     geometry.Region

	HasPTS bool
	PTS    time.Time
}
