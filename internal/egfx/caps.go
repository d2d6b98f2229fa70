package egfx

import (
	"errors"
	"fmt"
)

// LocalAvc444EncodingAvailable is true only when the encoder side can emit
// AVC444/AVC444v2 payloads end-to-end. Until then the negotiator demotes any
// 4:4:4 preference to AVC420.
const LocalAvc444EncodingAvailable = false

// Capability set versions (MS-RDPEGFX 2.2.3).
const (
	CapVersion8   uint32 = 0x00080004
	CapVersion81  uint32 = 0x00080105
	CapVersion10  uint32 = 0x000A0002
	CapVersion101 uint32 = 0x000A0100
	CapVersion102 uint32 = 0x000A0200
	CapVersion103 uint32 = 0x000A0301
	CapVersion104 uint32 = 0x000A0400
	CapVersion105 uint32 = 0x000A0502
	CapVersion106 uint32 = 0x000A0600
	CapVersion107 uint32 = 0x000A0701
)

// Capability flags.
const (
	CapsFlagThinClient    uint32 = 0x00000001
	CapsFlagSmallCache    uint32 = 0x00000002
	CapsFlagAvc420Enabled uint32 = 0x00000010
	CapsFlagAvcDisabled   uint32 = 0x00000020
	CapsFlagAvcThinClient uint32 = 0x00000040
)

// ErrVideoInitFailed is returned when the video channel cannot be brought
// up: the client supports no usable codec, or the GFX context failed to open.
var ErrVideoInitFailed = errors.New("video channel initialization failed")

// Codec is an AVC codec variant, ordered by preference rank.
type Codec int

const (
	CodecAVC420 Codec = iota
	CodecAVC444
	CodecAVC444v2
)

// ID returns the wire codec ID.
func (c Codec) ID() uint16 {
	switch c {
	case CodecAVC444:
		return CodecIDAVC444
	case CodecAVC444v2:
		return CodecIDAVC444v2
	default:
		return CodecIDAVC420
	}
}

func (c Codec) String() string {
	switch c {
	case CodecAVC444:
		return "AVC444"
	case CodecAVC444v2:
		return "AVC444v2"
	default:
		return "AVC420"
	}
}

// ParseCodec maps a configuration string onto a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "avc420", "":
		return CodecAVC420, nil
	case "avc444":
		return CodecAVC444, nil
	case "avc444v2":
		return CodecAVC444v2, nil
	default:
		return CodecAVC420, fmt.Errorf("unknown codec %q", name)
	}
}

// CapSet is one client-advertised capability set.
type CapSet struct {
	Version uint32
	Flags   uint32
}

// CapInfo is a CapSet with its codec capabilities decoded.
type CapInfo struct {
	CapSet
	AVCSupported      bool
	YUV420Supported   bool
	AVC444Supported   bool
	AVC444v2Supported bool
}

// DecodeCapSet derives codec capabilities from a cap set's version and flags.
func DecodeCapSet(set CapSet) CapInfo {
	info := CapInfo{CapSet: set}

	switch set.Version {
	case CapVersion107, CapVersion106, CapVersion105, CapVersion104:
		info.YUV420Supported = true
		fallthrough
	case CapVersion103, CapVersion102, CapVersion101, CapVersion10:
		if set.Flags&CapsFlagAvcDisabled == 0 {
			info.AVCSupported = true
		}
	case CapVersion81:
		if set.Flags&CapsFlagAvc420Enabled != 0 {
			info.AVCSupported = true
			info.YUV420Supported = true
		}
	case CapVersion8:
		// No codec bits.
	}

	if info.AVCSupported && set.Version >= CapVersion10 {
		info.AVC444Supported = true
		if set.Version >= CapVersion101 {
			info.AVC444v2Supported = true
		}
	}

	return info
}

// Supports reports whether the decoded set can decode the given codec.
func (i CapInfo) Supports(c Codec) bool {
	switch c {
	case CodecAVC444:
		return i.AVC444Supported
	case CodecAVC444v2:
		return i.AVC444v2Supported
	default:
		return i.AVCSupported
	}
}

// VersionString names a cap version for logs.
func VersionString(version uint32) string {
	switch version {
	case CapVersion107:
		return "RDPGFX_CAPVERSION_107"
	case CapVersion106:
		return "RDPGFX_CAPVERSION_106"
	case CapVersion105:
		return "RDPGFX_CAPVERSION_105"
	case CapVersion104:
		return "RDPGFX_CAPVERSION_104"
	case CapVersion103:
		return "RDPGFX_CAPVERSION_103"
	case CapVersion102:
		return "RDPGFX_CAPVERSION_102"
	case CapVersion101:
		return "RDPGFX_CAPVERSION_101"
	case CapVersion10:
		return "RDPGFX_CAPVERSION_10"
	case CapVersion81:
		return "RDPGFX_CAPVERSION_81"
	case CapVersion8:
		return "RDPGFX_CAPVERSION_8"
	default:
		return "UNKNOWN_VERSION"
	}
}

// SelectCodec reconciles the configured codec preference with the client's
// advertised sets and the local encoder's ability.
//
// A 4:4:4 preference demotes to AVC420 when the local encoder cannot feed it.
// Among sets supporting the chosen codec the highest version wins; ties keep
// list order. When nothing supports a 4:4:4 codec the selection retries with
// AVC420 before giving up with ErrVideoInitFailed.
func SelectCodec(preferred Codec, sets []CapSet) (Codec, CapSet, error) {
	codec := preferred
	if codec > CodecAVC420 && !LocalAvc444EncodingAvailable {
		codec = CodecAVC420
	}

	infos := make([]CapInfo, 0, len(sets))
	for _, set := range sets {
		infos = append(infos, DecodeCapSet(set))
	}

	for {
		best := -1
		for i, info := range infos {
			if !info.Supports(codec) {
				continue
			}
			if best < 0 || info.Version > infos[best].Version {
				best = i
			}
		}
		if best >= 0 {
			return codec, infos[best].CapSet, nil
		}

		if codec > CodecAVC420 {
			codec = CodecAVC420
			continue
		}
		return codec, CapSet{}, fmt.Errorf("no advertised cap set supports %s: %w", codec, ErrVideoInitFailed)
	}
}
