package activity

import (
	"testing"

	"github.com/westers/krdp/internal/geometry"
)

func TestMarkAndScore(t *testing.T) {
	g := New(geometry.Size{Width: 256, Height: 128}) // 4x2 tiles

	tile0 := geometry.Rect16{Left: 0, Top: 0, Right: 64, Bottom: 64}

	g.MarkDamage([]geometry.Rect16{tile0})
	if got := g.ScoreForRect(tile0); got != 6 {
		t.Errorf("score after one hit = %d, want 6", got)
	}

	g.MarkDamage([]geometry.Rect16{tile0})
	if got := g.ScoreForRect(tile0); got != 12 {
		t.Errorf("score after two hits = %d, want 12", got)
	}

	// Untouched tile stays at zero.
	other := geometry.Rect16{Left: 128, Top: 0, Right: 192, Bottom: 64}
	if got := g.ScoreForRect(other); got != 0 {
		t.Errorf("untouched tile score = %d, want 0", got)
	}
}

func TestScoreIsMeanOverTiles(t *testing.T) {
	g := New(geometry.Size{Width: 128, Height: 64}) // 2x1 tiles

	left := geometry.Rect16{Left: 0, Top: 0, Right: 64, Bottom: 64}
	g.MarkDamage([]geometry.Rect16{left})
	g.MarkDamage([]geometry.Rect16{left})

	// Spanning rect covers cells with scores 12 and 0; integer mean is 6.
	span := geometry.Rect16{Left: 0, Top: 0, Right: 128, Bottom: 64}
	if got := g.ScoreForRect(span); got != 6 {
		t.Errorf("mean score = %d, want 6", got)
	}
}

func TestDecaySaturatesAtZero(t *testing.T) {
	g := New(geometry.Size{Width: 64, Height: 64})

	tile := geometry.Rect16{Left: 0, Top: 0, Right: 64, Bottom: 64}
	g.MarkDamage([]geometry.Rect16{tile})

	for i := 0; i < 10; i++ {
		g.Decay()
	}
	if got := g.ScoreForRect(tile); got != 0 {
		t.Errorf("score after excess decay = %d, want 0", got)
	}
}

func TestBoostSaturatesAt255(t *testing.T) {
	g := New(geometry.Size{Width: 64, Height: 64})

	tile := geometry.Rect16{Left: 0, Top: 0, Right: 64, Bottom: 64}
	for i := 0; i < 64; i++ {
		g.MarkDamage([]geometry.Rect16{tile})
	}
	if got := g.ScoreForRect(tile); got != 255 {
		t.Errorf("saturated score = %d, want 255", got)
	}
}

func TestResizeZeroesCells(t *testing.T) {
	g := New(geometry.Size{Width: 128, Height: 128})

	tile := geometry.Rect16{Left: 0, Top: 0, Right: 64, Bottom: 64}
	g.MarkDamage([]geometry.Rect16{tile})

	g.Resize(geometry.Size{Width: 256, Height: 256})
	if got := g.ScoreForRect(tile); got != 0 {
		t.Errorf("score after resize = %d, want 0", got)
	}

	// Same-size resize keeps state.
	g.MarkDamage([]geometry.Rect16{tile})
	g.Resize(geometry.Size{Width: 256, Height: 256})
	if got := g.ScoreForRect(tile); got != 6 {
		t.Errorf("score after same-size resize = %d, want 6", got)
	}
}

func TestPartialTileCoverageMarksWholeTile(t *testing.T) {
	g := New(geometry.Size{Width: 128, Height: 128})

	// 8x8 damage in the corner of tile (0,0).
	small := geometry.Rect16{Left: 0, Top: 0, Right: 8, Bottom: 8}
	g.MarkDamage([]geometry.Rect16{small})

	tile := geometry.Rect16{Left: 0, Top: 0, Right: 64, Bottom: 64}
	if got := g.ScoreForRect(tile); got != 6 {
		t.Errorf("covered tile score = %d, want 6", got)
	}
}
