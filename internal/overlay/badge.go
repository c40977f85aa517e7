package overlay

import (
	"image"
	"image/color"
	"image/draw"
)

// Marker describes the attempt a frame belongs to.
type Marker struct {
	Success bool
	Attempt int // 1-based
	Total   int // attempt budget
}

var (
	passColor  = color.RGBA{46, 160, 67, 255}
	failColor  = color.RGBA{207, 34, 46, 255}
	trackColor = color.RGBA{40, 40, 40, 200}
)

// BorderWidth is the thickness of the status border in pixels
const BorderWidth = 6

// Annotate returns a copy of frame with a pass/fail border, a status glyph in
// the top-right corner and an attempt progress bar along the bottom edge.
func Annotate(frame image.Image, m Marker) image.Image {
	bounds := frame.Bounds()
	result := image.NewRGBA(bounds)
	draw.Draw(result, bounds, frame, bounds.Min, draw.Src)

	c := failColor
	if m.Success {
		c = passColor
	}

	drawBorder(result, c)
	drawProgress(result, m, c)

	glyphSize := 18
	x := bounds.Max.X - BorderWidth - glyphSize - 8
	y := bounds.Min.Y + BorderWidth + 8
	if m.Success {
		drawCheck(result, x, y, glyphSize, c)
	} else {
		drawCross(result, x, y, glyphSize, c)
	}
	return result
}

// AnnotateAll annotates frames[i] with markers[i]. Frames without a marker
// are copied unchanged.
func AnnotateAll(frames []image.Image, markers []Marker) []image.Image {
	out := make([]image.Image, len(frames))
	for i, frame := range frames {
		if i < len(markers) {
			out[i] = Annotate(frame, markers[i])
		} else {
			out[i] = frame
		}
	}
	return out
}

func drawBorder(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	fillRect(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+BorderWidth), c)
	fillRect(img, image.Rect(b.Min.X, b.Max.Y-BorderWidth, b.Max.X, b.Max.Y), c)
	fillRect(img, image.Rect(b.Min.X, b.Min.Y, b.Min.X+BorderWidth, b.Max.Y), c)
	fillRect(img, image.Rect(b.Max.X-BorderWidth, b.Min.Y, b.Max.X, b.Max.Y), c)
}

// drawProgress fills the share of the attempt budget used so far.
func drawProgress(img *image.RGBA, m Marker, c color.RGBA) {
	if m.Total <= 0 || m.Attempt <= 0 {
		return
	}
	b := img.Bounds()
	top := b.Max.Y - BorderWidth - 4
	track := image.Rect(b.Min.X+BorderWidth, top, b.Max.X-BorderWidth, top+4)
	fillRect(img, track, trackColor)

	attempt := m.Attempt
	if attempt > m.Total {
		attempt = m.Total
	}
	filled := track
	filled.Max.X = track.Min.X + track.Dx()*attempt/m.Total
	fillRect(img, filled, c)
}

func drawCheck(img *image.RGBA, x, y, size int, c color.RGBA) {
	for t := 0; t < 3; t++ {
		drawLine(img, x, y+size/2+t, x+size/3, y+size+t-2, c)
		drawLine(img, x+size/3, y+size+t-2, x+size, y+t, c)
	}
}

func drawCross(img *image.RGBA, x, y, size int, c color.RGBA) {
	for t := 0; t < 3; t++ {
		drawLine(img, x+t, y, x+size+t-2, y+size, c)
		drawLine(img, x+size+t-2, y, x+t, y+size, c)
	}
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(img, r.Intersect(img.Bounds()), &image.Uniform{C: c}, image.Point{}, draw.Over)
}

// drawLine draws a line between two points using Bresenham's algorithm
func drawLine(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	dx := abs(x2 - x1)
	dy := abs(y2 - y1)
	sx := 1
	if x1 > x2 {
		sx = -1
	}
	sy := 1
	if y1 > y2 {
		sy = -1
	}
	err := dx - dy

	for {
		setPixelSafe(img, x1, y1, c)
		if x1 == x2 && y1 == y2 {
			break
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x1 += sx
		}
		if e2 < dx {
			err += dx
			y1 += sy
		}
	}
}

func setPixelSafe(img *image.RGBA, x, y int, c color.RGBA) {
	bounds := img.Bounds()
	if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
		img.Set(x, y, c)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
