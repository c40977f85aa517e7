package gifgen

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"os"
	"sort"

	"github.com/nfnt/resize"
)

// Options configures GIF generation
type Options struct {
	FPS       int
	MaxWidth  uint
	HoldFinal int // extra delay on the last frame, in 100ths of a second
}

// WriteFile encodes frames into a looping GIF at path and returns its size.
func WriteFile(path string, frames []image.Image, opts Options) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := Encode(f, frames, opts); err != nil {
		return 0, err
	}

	// Get file size
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Encode writes frames as a looping GIF. Every frame is scaled to the size of
// the first one, capped at MaxWidth.
func Encode(w io.Writer, frames []image.Image, opts Options) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to encode")
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 1
	}
	// Delay is in 100ths of a second
	delay := 100 / fps
	if delay < 2 {
		delay = 2
	}

	width, height := outputSize(frames[0].Bounds(), opts.MaxWidth)

	g := &gif.GIF{
		Image:     make([]*image.Paletted, len(frames)),
		Delay:     make([]int, len(frames)),
		LoopCount: 0, // Infinite loop
	}

	palette := generatePalette(frames)
	for i, frame := range frames {
		scaled := resize.Resize(width, height, frame, resize.Lanczos3)

		paletted := image.NewPaletted(scaled.Bounds(), palette)
		draw.FloydSteinberg.Draw(paletted, scaled.Bounds(), scaled, image.Point{})

		g.Image[i] = paletted
		g.Delay[i] = delay
	}
	g.Delay[len(frames)-1] += opts.HoldFinal

	return gif.EncodeAll(w, g)
}

// outputSize keeps the aspect ratio of b and never upscales.
func outputSize(b image.Rectangle, maxWidth uint) (uint, uint) {
	width := uint(b.Dx())
	if maxWidth == 0 {
		maxWidth = 800
	}
	if width > maxWidth {
		width = maxWidth
	}
	aspectRatio := float64(b.Dy()) / float64(b.Dx())
	height := uint(float64(width) * aspectRatio)
	if height == 0 {
		height = 1
	}
	return width, height
}

// generatePalette builds a 256-color palette from the most frequent colors
// sampled across all frames, so status overlays on later frames survive.
func generatePalette(frames []image.Image) color.Palette {
	counts := make(map[color.RGBA]int)

	// Sample every 4th pixel for performance
	const step = 4
	for _, img := range frames {
		bounds := img.Bounds()
		for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
			for x := bounds.Min.X; x < bounds.Max.X; x += step {
				r, g, b, _ := img.At(x, y).RGBA()
				counts[color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255}]++
			}
		}
	}

	colors := make([]color.RGBA, 0, len(counts))
	for c := range counts {
		colors = append(colors, c)
	}
	sort.Slice(colors, func(i, j int) bool {
		if counts[colors[i]] != counts[colors[j]] {
			return counts[colors[i]] > counts[colors[j]]
		}
		return packRGB(colors[i]) < packRGB(colors[j])
	})

	palette := make(color.Palette, 0, 256)
	for i := 0; i < len(colors) && len(palette) < 256; i++ {
		palette = append(palette, colors[i])
	}

	// If we don't have enough colors, pad with grayscale
	for len(palette) < 256 {
		gray := uint8(len(palette))
		palette = append(palette, color.RGBA{gray, gray, gray, 255})
	}
	return palette
}

func packRGB(c color.RGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}
