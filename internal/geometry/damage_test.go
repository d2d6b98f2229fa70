package geometry

import (
	"testing"
)

func fullRect16(size Size) Rect16 {
	return ToRdp16(BoundsOf(size))
}

// TestToRdp16 verifies clamping and the one-pixel expansion of degenerate
// rectangles.
func TestToRdp16(t *testing.T) {
	testCases := []struct {
		name string
		in   Rect
		want Rect16
	}{
		{
			name: "simple rect",
			in:   RectOf(10, 20, 30, 40),
			want: Rect16{Left: 10, Top: 20, Right: 40, Bottom: 60},
		},
		{
			name: "negative origin clamps to zero",
			in:   Rect{Left: -5, Top: -8, Right: 10, Bottom: 10},
			want: Rect16{Left: 0, Top: 0, Right: 10, Bottom: 10},
		},
		{
			name: "oversized clamps to 65535",
			in:   Rect{Left: 0, Top: 0, Right: 100000, Bottom: 70000},
			want: Rect16{Left: 0, Top: 0, Right: 65535, Bottom: 65535},
		},
		{
			name: "zero width expands right by one",
			in:   Rect{Left: 50, Top: 0, Right: 50, Bottom: 10},
			want: Rect16{Left: 50, Top: 0, Right: 51, Bottom: 10},
		},
		{
			name: "zero height expands bottom by one",
			in:   Rect{Left: 0, Top: 7, Right: 10, Bottom: 7},
			want: Rect16{Left: 0, Top: 7, Right: 10, Bottom: 8},
		},
		{
			name: "degenerate at coordinate limit stays bounded",
			in:   Rect{Left: 65535, Top: 65535, Right: 65535, Bottom: 65535},
			want: Rect16{Left: 65535, Top: 65535, Right: 65535, Bottom: 65535},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ToRdp16(tc.in)
			if got != tc.want {
				t.Errorf("ToRdp16(%+v) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestDamageRectsEmptySize(t *testing.T) {
	rects := DamageRects(Size{}, false, RegionOf(RectOf(0, 0, 10, 10)))
	if rects != nil {
		t.Errorf("expected nil rects for empty size, got %v", rects)
	}
}

func TestDamageRectsKeyFrameIsFullFrame(t *testing.T) {
	size := Size{Width: 1920, Height: 1080}
	rects := DamageRects(size, true, RegionOf(RectOf(0, 0, 32, 32)))
	if len(rects) != 1 || rects[0] != fullRect16(size) {
		t.Errorf("key frame must produce a single full rect, got %v", rects)
	}
}

func TestDamageRectsEmptyDamageIsFullFrame(t *testing.T) {
	size := Size{Width: 640, Height: 480}
	rects := DamageRects(size, false, nil)
	if len(rects) != 1 || rects[0] != fullRect16(size) {
		t.Errorf("empty damage must produce a single full rect, got %v", rects)
	}
}

func TestDamageRectsClipsToFrame(t *testing.T) {
	size := Size{Width: 100, Height: 100}
	damage := RegionOf(RectOf(90, 90, 50, 50), RectOf(-10, -10, 20, 20))

	rects := DamageRects(size, false, damage)
	if len(rects) != 2 {
		t.Fatalf("expected 2 rects, got %d", len(rects))
	}
	for _, r := range rects {
		if r.Right > 100 || r.Bottom > 100 {
			t.Errorf("rect %+v exceeds frame bounds", r)
		}
	}
}

func TestDamageRectsOutsideDamageFallsBack(t *testing.T) {
	size := Size{Width: 100, Height: 100}
	damage := RegionOf(RectOf(200, 200, 10, 10))

	rects := DamageRects(size, false, damage)
	if len(rects) != 1 || rects[0] != fullRect16(size) {
		t.Errorf("damage outside frame must fall back to full rect, got %v", rects)
	}
}

func TestDamageRectsTooManyRectsFallsBack(t *testing.T) {
	size := Size{Width: 4096, Height: 4096}

	// 129 well-separated single-pixel rects; above the hard bound.
	var damage Region
	for i := 0; i < MaxDamageRectCount+1; i++ {
		damage = append(damage, RectOf((i%64)*64, (i/64)*64, 1, 1))
	}

	rects := DamageRects(size, false, damage)
	if len(rects) != 1 || rects[0] != fullRect16(size) {
		t.Errorf("expected full-rect fallback for %d damage rects, got %d rects",
			len(damage), len(rects))
	}
}

// TestDamageRectsCoalesces verifies that adjacent rectangles merge down to the
// coalesced bound and that every emitted rect is valid.
func TestDamageRectsCoalesces(t *testing.T) {
	size := Size{Width: 4096, Height: 4096}

	// 100 abutting rects in one row; each union with a neighbour satisfies
	// area(join) <= 1.5 * (area(a) + area(b)), so they merge greedily.
	var damage Region
	for i := 0; i < 100; i++ {
		damage = append(damage, RectOf(i*16, 0, 16, 16))
	}

	rects := DamageRects(size, false, damage)
	if len(rects) > MaxCoalescedDamageRects {
		t.Errorf("expected <= %d rects after coalescing, got %d", MaxCoalescedDamageRects, len(rects))
	}
	for _, r := range rects {
		if r.Left >= r.Right || r.Top >= r.Bottom {
			t.Errorf("invalid rect %+v", r)
		}
	}
}

// TestDamageRectsNoMergeWhenSparse verifies that a rectangle list already
// within MaxCoalescedDamageRects is emitted unmerged.
func TestDamageRectsNoMergeWhenSparse(t *testing.T) {
	size := Size{Width: 4096, Height: 4096}

	// 60 scattered rects, below the coalescing threshold: no merge pass runs.
	var damage Region
	for i := 0; i < 60; i++ {
		damage = append(damage, RectOf((i%8)*500, (i/8)*500, 10, 10))
	}

	rects := DamageRects(size, false, damage)
	if len(rects) != 60 {
		t.Errorf("expected 60 untouched rects, got %d", len(rects))
	}
}

func TestCoverage(t *testing.T) {
	size := Size{Width: 100, Height: 100}

	testCases := []struct {
		name  string
		rects []Rect16
		want  float64
	}{
		{"empty", nil, 0},
		{"quarter", []Rect16{{0, 0, 50, 50}}, 0.25},
		{"full", []Rect16{{0, 0, 100, 100}}, 1},
		{"sum of two", []Rect16{{0, 0, 10, 10}, {50, 50, 60, 60}}, 0.02},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Coverage(tc.rects, size)
			if got != tc.want {
				t.Errorf("Coverage = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBoundingRect16(t *testing.T) {
	rects := []Rect16{
		{Left: 10, Top: 20, Right: 30, Bottom: 40},
		{Left: 5, Top: 25, Right: 15, Bottom: 50},
		{Left: 20, Top: 10, Right: 60, Bottom: 30},
	}
	want := Rect16{Left: 5, Top: 10, Right: 60, Bottom: 50}
	if got := BoundingRect16(rects); got != want {
		t.Errorf("BoundingRect16 = %+v, want %+v", got, want)
	}
}

func TestRegionOperations(t *testing.T) {
	region := RegionOf(RectOf(0, 0, 10, 10), RectOf(20, 20, 10, 10), Rect{})

	if len(region) != 2 {
		t.Fatalf("empty rect must be skipped, got %d members", len(region))
	}
	if got := region.BoundingRect(); got != (Rect{Left: 0, Top: 0, Right: 30, Bottom: 30}) {
		t.Errorf("BoundingRect = %+v", got)
	}

	clipped := region.Intersected(RectOf(0, 0, 15, 15))
	if len(clipped) != 1 || clipped[0] != (Rect{Left: 0, Top: 0, Right: 10, Bottom: 10}) {
		t.Errorf("Intersected = %+v", clipped)
	}
}
