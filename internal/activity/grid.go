// Package activity tracks per-tile damage frequency. The video stream uses
// the scores to tell static screen regions from transient ones when picking
// per-rectangle encoding quality.
package activity

import (
	"github.com/westers/krdp/internal/geometry"
)

// TileSize is the edge length of one activity cell in pixels.
const TileSize = 64

// Classification thresholds over cell scores.
const (
	StaticMax        = 2  // score <= StaticMax: region has settled
	TransientMin     = 8  // score >= TransientMin: region is changing
	VeryTransientMin = 16 // score >= VeryTransientMin: region is churning
)

const (
	decayPerFrame = 1
	boostPerHit   = 6
)

// Grid holds one damage counter per 64×64 tile, decaying by one per frame.
// All methods are single-goroutine; the submitter owns the grid.
type Grid struct {
	size  geometry.Size
	cols  int
	rows  int
	cells []uint8
}

// New returns a grid sized for the given frame. A zero size yields an empty
// grid; Resize installs real dimensions later.
func New(size geometry.Size) *Grid {
	g := &Grid{}
	g.Resize(size)
	return g
}

// Resize reallocates the grid for a new frame size, zeroing every cell.
// Historical scores do not survive a resize. No-op when the size is unchanged.
func (g *Grid) Resize(size geometry.Size) {
	if size == g.size && g.cells != nil {
		return
	}

	g.size = size
	g.cols = (size.Width + TileSize - 1) / TileSize
	g.rows = (size.Height + TileSize - 1) / TileSize
	if g.cols < 0 {
		g.cols = 0
	}
	if g.rows < 0 {
		g.rows = 0
	}
	g.cells = make([]uint8, g.cols*g.rows)
}

// Decay ages every cell by one, saturating at zero. Called once per frame
// before scoring.
func (g *Grid) Decay() {
	for i, c := range g.cells {
		if c >= decayPerFrame {
			g.cells[i] = c - decayPerFrame
		} else {
			g.cells[i] = 0
		}
	}
}

// ScoreForRect returns the mean cell score over the tiles the rectangle
// overlaps, using integer division. Returns 0 when the rect misses the grid.
func (g *Grid) ScoreForRect(r geometry.Rect16) int {
	if g.cols == 0 || g.rows == 0 {
		return 0
	}

	firstCol := int(r.Left) / TileSize
	lastCol := (int(r.Right) - 1) / TileSize
	firstRow := int(r.Top) / TileSize
	lastRow := (int(r.Bottom) - 1) / TileSize

	lastCol = min(lastCol, g.cols-1)
	lastRow = min(lastRow, g.rows-1)
	if firstCol > lastCol || firstRow > lastRow {
		return 0
	}

	sum, count := 0, 0
	for row := firstRow; row <= lastRow; row++ {
		for col := firstCol; col <= lastCol; col++ {
			sum += int(g.cells[row*g.cols+col])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// MarkDamage boosts every cell covered by the rectangles, saturating at 255.
// Called after submit with the pre-override damage rects so forced full-frame
// sends do not inflate the grid.
func (g *Grid) MarkDamage(rects []geometry.Rect16) {
	if g.cols == 0 || g.rows == 0 {
		return
	}

	for _, r := range rects {
		firstCol := int(r.Left) / TileSize
		lastCol := min((int(r.Right)-1)/TileSize, g.cols-1)
		firstRow := int(r.Top) / TileSize
		lastRow := min((int(r.Bottom)-1)/TileSize, g.rows-1)

		for row := firstRow; row <= lastRow; row++ {
			for col := firstCol; col <= lastCol; col++ {
				idx := row*g.cols + col
				if g.cells[idx] > 255-boostPerHit {
					g.cells[idx] = 255
				} else {
					g.cells[idx] += boostPerHit
				}
			}
		}
	}
}
