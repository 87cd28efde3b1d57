package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"github.com/rs/zerolog"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/kikiluvv/slopstudio/internal/clips"
)

// FontBook loads font families on first use and falls back to Go Regular
type FontBook struct {
	mu      sync.Mutex
	paths   map[string]string
	sources map[string]*text.FontSource
	logger  zerolog.Logger
}

// NewFontBook creates a font book over family -> file mappings
func NewFontBook(paths map[string]string, logger zerolog.Logger) *FontBook {
	return &FontBook{
		paths:   paths,
		sources: make(map[string]*text.FontSource),
		logger:  logger,
	}
}

// Face returns family at size points
func (b *FontBook) Face(family string, size float64) (text.Face, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if src, ok := b.sources[family]; ok {
		return src.Face(size), nil
	}

	var (
		src *text.FontSource
		err error
	)
	if path, ok := b.paths[family]; ok {
		src, err = text.NewFontSourceFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load font %s from %s: %w", family, path, err)
		}
	} else {
		if family != "" {
			b.logger.Warn().Str("font", family).Msg("unknown font, using default")
		}
		src, err = text.NewFontSource(goregular.TTF)
		if err != nil {
			return nil, fmt.Errorf("failed to load default font: %w", err)
		}
	}
	b.sources[family] = src
	return src.Face(size), nil
}

// Compositor is a software surface clips render onto, one frame at a time
type Compositor struct {
	dc         *gg.Context
	width      int
	height     int
	background gg.RGBA
	fonts      *FontBook
}

// NewCompositor creates a width x height surface
func NewCompositor(width, height int, background color.Color, fonts *FontBook) *Compositor {
	if background == nil {
		background = color.Black
	}
	return &Compositor{
		dc:         gg.NewContext(width, height),
		width:      width,
		height:     height,
		background: gg.FromColor(background),
		fonts:      fonts,
	}
}

// Size implements clips.Surface
func (c *Compositor) Size() (int, int) { return c.width, c.height }

// Clear fills the surface with the background
func (c *Compositor) Clear() {
	c.dc.ClearWithColor(c.background)
}

// DrawImage implements clips.Surface. Scale and rotation pivot around the
// anchor point of the destination box.
func (c *Compositor) DrawImage(img image.Image, tr clips.Transform) error {
	if img == nil || tr.Opacity <= 0 {
		return nil
	}
	b := img.Bounds()
	w, h := tr.Width, tr.Height
	if w <= 0 || h <= 0 {
		w, h = float64(b.Dx()), float64(b.Dy())
	}
	sx, sy := orOne(tr.ScaleX), orOne(tr.ScaleY)
	ax, ay := tr.AnchorX*w, tr.AnchorY*h

	c.dc.Push()
	defer c.dc.Pop()
	c.dc.Translate(tr.X+ax, tr.Y+ay)
	if tr.Rotation != 0 {
		c.dc.Rotate(tr.Rotation * math.Pi / 180)
	}
	c.dc.Scale(sx, sy)
	c.dc.DrawImageEx(gg.ImageBufFromImage(img), gg.DrawImageOptions{
		X:         -ax,
		Y:         -ay,
		DstWidth:  w,
		DstHeight: h,
		Opacity:   tr.Opacity,
	})
	return nil
}

// DrawText implements clips.Surface. Lines are stacked from the box top and
// aligned inside the box width, or around X when the width is unset.
// Rotation is not applied to text.
func (c *Compositor) DrawText(s string, style clips.TextStyle, tr clips.Transform) error {
	if s == "" || tr.Opacity <= 0 {
		return nil
	}
	scale := orOne(tr.ScaleY)
	face, err := c.fonts.Face(style.Font, style.Size*scale)
	if err != nil {
		return err
	}
	c.dc.SetFont(face)
	c.dc.SetColor(color.NRGBA{
		R: unit8(style.Color.R),
		G: unit8(style.Color.G),
		B: unit8(style.Color.B),
		A: unit8(style.Color.A * tr.Opacity),
	})

	var anchor float64
	switch style.Align {
	case clips.AlignCenter:
		anchor = 0.5
	case clips.AlignRight:
		anchor = 1
	}
	x := tr.X + tr.Width*orOne(tr.ScaleX)*anchor
	y := tr.Y
	for _, line := range strings.Split(s, "\n") {
		_, lh := c.dc.MeasureString(line)
		c.dc.DrawStringAnchored(line, x, y, anchor, 1)
		y += lh
	}
	return nil
}

// Frame returns a copy of the composited pixels
func (c *Compositor) Frame() *image.RGBA {
	img := c.dc.Image()
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}

// Close releases the drawing context
func (c *Compositor) Close() error {
	return c.dc.Close()
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func unit8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
