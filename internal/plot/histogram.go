// Package plot renders per-counter photon count histograms as PNG images.
package plot

import (
	"errors"
	"image"
	"image/color"
	"io"
	"sort"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

const (
	// Each bar is drawn at this height before the panel is scaled.
	baseHeight = 64
	margin     = 8
)

var (
	background = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	barColor   = color.NRGBA{R: 31, G: 119, B: 180, A: 255}
	axisColor  = color.NRGBA{R: 60, G: 60, B: 60, A: 255}
)

// Options size each counter panel.
type Options struct {
	PanelWidth  int
	PanelHeight int
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{PanelWidth: 480, PanelHeight: 240}

// Histogram draws one panel per counter, stacked in name order. Bins run from
// zero to the largest observed count.
func Histogram(rabi map[string]map[uint32]int, opts Options) (image.Image, error) {
	if len(rabi) == 0 {
		return nil, errors.New("no counters to plot")
	}
	if opts.PanelWidth <= 0 {
		opts.PanelWidth = DefaultOptions.PanelWidth
	}
	if opts.PanelHeight <= 0 {
		opts.PanelHeight = DefaultOptions.PanelHeight
	}

	names := make([]string, 0, len(rabi))
	for name := range rabi {
		names = append(names, name)
	}
	sort.Strings(names)

	canvas := imaging.New(opts.PanelWidth+2*margin, len(names)*(opts.PanelHeight+margin)+margin, background)
	for i, name := range names {
		panel := renderPanel(rabi[name], opts.PanelWidth, opts.PanelHeight)
		canvas = imaging.Paste(canvas, panel, image.Pt(margin, margin+i*(opts.PanelHeight+margin)))
	}
	return canvas, nil
}

// renderPanel draws one pixel column per bin and scales it to width x height.
func renderPanel(hist map[uint32]int, width, height int) image.Image {
	var maxBin uint32
	maxCount := 0
	for bin, n := range hist {
		if bin > maxBin {
			maxBin = bin
		}
		if n > maxCount {
			maxCount = n
		}
	}
	bins := int(maxBin) + 1
	if bins > width {
		bins = width
	}

	src := image.NewNRGBA(image.Rect(0, 0, bins, baseHeight+1))
	draw.Draw(src, src.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	for bin, n := range hist {
		x := int(bin)
		if x >= bins {
			x = bins - 1
		}
		h := 0
		if maxCount > 0 {
			h = n * baseHeight / maxCount
		}
		for y := baseHeight - h; y < baseHeight; y++ {
			src.SetNRGBA(x, y, barColor)
		}
	}
	for x := 0; x < bins; x++ {
		src.SetNRGBA(x, baseHeight, axisColor)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}
