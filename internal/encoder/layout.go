package encoder

import "math"

// Orientation describes how a group's screens are arranged on the canvas.
type Orientation string

const (
	OrientationHorizontal Orientation = "horizontal"
	OrientationVertical   Orientation = "vertical"
	OrientationGrid       Orientation = "grid"
)

// Valid reports whether o is one of the known orientations.
func (o Orientation) Valid() bool {
	switch o {
	case OrientationHorizontal, OrientationVertical, OrientationGrid:
		return true
	}
	return false
}

// Rect is one screen's crop region on the source canvas, in pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Layout is the planned geometry for a group: one crop rectangle per screen
// plus the canvas the rectangles tile.
type Layout struct {
	CanvasWidth  int
	CanvasHeight int
	Rects        []Rect
}

// GridDimensions returns the effective rows and cols for a grid of n screens.
// If rows*cols does not equal n (including the zero-value case), the grid is
// recomputed as cols = ceil(sqrt(n)), rows = ceil(n/cols).
func GridDimensions(n, rows, cols int) (int, int) {
	if rows > 0 && cols > 0 && rows*cols == n {
		return rows, cols
	}
	c := int(math.Ceil(math.Sqrt(float64(n))))
	r := (n + c - 1) / c
	return r, c
}

// Plan computes non-overlapping crop rectangles for screenCount screens.
//
// Horizontal splits the canvas width into screenCount columns; any
// integer-division remainder goes entirely to the last column. Vertical does
// the same on height. Grid tiles row-major cells of width x height each, so
// the canvas grows to cols*width by rows*height.
func Plan(screenCount int, orientation Orientation, width, height, gridRows, gridCols int) Layout {
	if screenCount < 1 {
		screenCount = 1
	}

	switch orientation {
	case OrientationVertical:
		rects := make([]Rect, screenCount)
		cell := height / screenCount
		for i := 0; i < screenCount; i++ {
			h := cell
			if i == screenCount-1 {
				h = height - cell*(screenCount-1)
			}
			rects[i] = Rect{X: 0, Y: i * cell, Width: width, Height: h}
		}
		return Layout{CanvasWidth: width, CanvasHeight: height, Rects: rects}

	case OrientationGrid:
		rows, cols := GridDimensions(screenCount, gridRows, gridCols)
		rects := make([]Rect, screenCount)
		for i := 0; i < screenCount; i++ {
			rects[i] = Rect{
				X:      (i % cols) * width,
				Y:      (i / cols) * height,
				Width:  width,
				Height: height,
			}
		}
		return Layout{CanvasWidth: cols * width, CanvasHeight: rows * height, Rects: rects}

	default: // horizontal
		rects := make([]Rect, screenCount)
		cell := width / screenCount
		for i := 0; i < screenCount; i++ {
			w := cell
			if i == screenCount-1 {
				w = width - cell*(screenCount-1)
			}
			rects[i] = Rect{X: i * cell, Y: 0, Width: w, Height: height}
		}
		return Layout{CanvasWidth: width, CanvasHeight: height, Rects: rects}
	}
}
