// Package quality maps a damage rectangle's context onto the per-region
// quantization parameters carried in the AVC420 bitstream metadata.
package quality

import (
	"github.com/westers/krdp/internal/activity"
	"github.com/westers/krdp/internal/geometry"
)

// Valid ranges for the emitted values.
const (
	MinQP      = 10
	MaxQP      = 40
	MinQuality = 70
	MaxQuality = 100
)

// Coverage tiers.
const (
	tinyCoverage  = 0.03
	smallCoverage = 0.20
)

// Setting is the quantization choice for one region rectangle.
type Setting struct {
	QP      uint8 // H.264 quantization parameter, lower is better
	Quality uint8 // progressive quality value, higher is better
}

// Input carries everything the policy looks at for one rectangle.
type Input struct {
	Rect         geometry.Rect16
	FrameSize    geometry.Size
	IsKeyFrame   bool
	IsRefinement bool
	Activity     int // tile score from the activity grid
	QPBias       int // congestion bias, 0..8
}

// ForRect returns the quantization setting for a single region rectangle.
//
// Small updates get more bits per pixel than large ones, settled regions get
// a quality bump, churning regions are cheapened, and the congestion bias
// shifts everything coarser under load.
func ForRect(in Input) Setting {
	if in.IsKeyFrame || in.FrameSize.IsEmpty() {
		return Setting{QP: 22, Quality: 100}
	}
	if in.IsRefinement {
		return Setting{QP: 16, Quality: 100}
	}

	coverage := float64(in.Rect.Area()) / float64(in.FrameSize.Area())

	qp, qual := 22, 90
	switch {
	case coverage <= tinyCoverage:
		qp, qual = 18, 100
	case coverage <= smallCoverage:
		qp, qual = 21, 92
	}

	// Activity adjustment. The tiny-coverage tier is already at the quality
	// ceiling and keeps its values for settled tiles.
	switch {
	case in.Activity <= activity.StaticMax:
		if coverage > tinyCoverage && coverage <= smallCoverage {
			qp -= 3
			qual += 8
		}
	case in.Activity >= activity.TransientMin:
		qp += 3
		qual -= 8
		if in.Activity >= activity.VeryTransientMin {
			qp += 2
			qual -= 6
		}
	}

	// Congestion bias: tiny updates only carry half, they are cheap anyway.
	effectiveBias := in.QPBias
	if coverage <= tinyCoverage {
		effectiveBias /= 2
	}
	qp += effectiveBias
	qual -= 2 * effectiveBias

	return Setting{
		QP:      uint8(clamp(qp, MinQP, MaxQP)),
		Quality: uint8(clamp(qual, MinQuality, MaxQuality)),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
