package clips

import (
	"context"
	"fmt"
	"image"

	"github.com/jinzhu/copier"

	"github.com/kikiluvv/slopstudio/internal/keyframe"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// Transform places a clip's content on a surface. The box is Width x Height
// at (X, Y); scale and rotation pivot around the anchor, given relative to
// the box. A zero Width or Height means the content's natural size.
type Transform struct {
	X, Y             float64
	Width, Height    float64
	ScaleX, ScaleY   float64
	Rotation         float64 // degrees, clockwise
	AnchorX, AnchorY float64
	Opacity          float64 // 0..1
}

// Align is the horizontal text alignment
type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

// TextStyle is how a surface should draw a string
type TextStyle struct {
	Font  string
	Size  float64
	Color keyframe.Color
	Align Align
}

// Surface is the external compositing target
type Surface interface {
	Size() (width, height int)
	DrawImage(img image.Image, tr Transform) error
	DrawText(text string, style TextStyle, tr Transform) error
}

// Renderable clips draw themselves onto a surface once per rendered frame
type Renderable interface {
	Render(s Surface, t timecode.Timestamp) error
	Unrender()
}

// AudioSource clips mix sound into interleaved sample blocks. at is the
// timeline sample index of dst[0].
type AudioSource interface {
	MixAudio(ctx context.Context, dst []float32, at int64, sampleRate, channels int) error
}

// VisualProperties are the animatable properties of every visible clip.
// Keyframe times are relative to the clip start.
type VisualProperties struct {
	Position keyframe.Value[keyframe.Vec2] `json:"position"`
	Size     keyframe.Value[keyframe.Vec2] `json:"size"`
	Scale    keyframe.Value[keyframe.Vec2] `json:"scale"`
	Rotation keyframe.Value[float64]       `json:"rotation"`
	Opacity  keyframe.Value[float64]       `json:"opacity"`
	Anchor   keyframe.Vec2                 `json:"anchor"`
}

// DefaultVisualProperties returns an unscaled, opaque, unrotated placement
// at the origin with natural size
func DefaultVisualProperties() VisualProperties {
	return VisualProperties{
		Position: keyframe.Const(keyframe.Vec2{}),
		Size:     keyframe.Const(keyframe.Vec2{}),
		Scale:    keyframe.Const(keyframe.Vec2{X: 1, Y: 1}),
		Rotation: keyframe.Const(0.0),
		Opacity:  keyframe.Const(100.0),
		Anchor:   keyframe.Vec2{X: 0.5, Y: 0.5},
	}
}

// SetPosition sets the top-left corner in pixels
func (p *VisualProperties) SetPosition(v keyframe.Value[keyframe.Vec2]) {
	p.Position = v
}

// SetSize sets the box size in pixels; zero keeps the natural size
func (p *VisualProperties) SetSize(v keyframe.Value[keyframe.Vec2]) error {
	if err := checkVec(v, "size", 0, -1); err != nil {
		return err
	}
	p.Size = v
	return nil
}

// SetScale sets the scale factors
func (p *VisualProperties) SetScale(v keyframe.Value[keyframe.Vec2]) error {
	if err := checkVec(v, "scale", 0, -1); err != nil {
		return err
	}
	p.Scale = v
	return nil
}

// SetRotation sets the rotation in degrees
func (p *VisualProperties) SetRotation(v keyframe.Value[float64]) {
	p.Rotation = v
}

// SetOpacity sets opacity in percent, 0..100
func (p *VisualProperties) SetOpacity(v keyframe.Value[float64]) error {
	if err := checkScalar(v, "opacity", 0, 100); err != nil {
		return err
	}
	p.Opacity = v
	return nil
}

// SetAnchor sets the pivot relative to the box, each component in 0..1
func (p *VisualProperties) SetAnchor(v keyframe.Vec2) error {
	if v.X < 0 || v.X > 1 || v.Y < 0 || v.Y > 1 {
		return fmt.Errorf("%w: anchor %v outside [0,1]", ErrInvalidProperty, v)
	}
	p.Anchor = v
	return nil
}

// Validate checks every property against its domain
func (p VisualProperties) Validate() error {
	if err := checkVec(p.Size, "size", 0, -1); err != nil {
		return err
	}
	if err := checkVec(p.Scale, "scale", 0, -1); err != nil {
		return err
	}
	if err := checkScalar(p.Opacity, "opacity", 0, 100); err != nil {
		return err
	}
	if p.Anchor.X < 0 || p.Anchor.X > 1 || p.Anchor.Y < 0 || p.Anchor.Y > 1 {
		return fmt.Errorf("%w: anchor %v outside [0,1]", ErrInvalidProperty, p.Anchor)
	}
	return nil
}

// Bake replaces every curve with its value at t
func (p VisualProperties) Bake(t timecode.Timestamp) VisualProperties {
	return VisualProperties{
		Position: p.Position.Bake(t),
		Size:     p.Size.Bake(t),
		Scale:    p.Scale.Bake(t),
		Rotation: p.Rotation.Bake(t),
		Opacity:  p.Opacity.Bake(t),
		Anchor:   p.Anchor,
	}
}

// Transform evaluates the properties at t, relative to the clip start
func (p VisualProperties) Transform(t timecode.Timestamp) Transform {
	pos := p.Position.At(t)
	size := p.Size.At(t)
	scale := p.Scale.At(t)
	opacity := p.Opacity.At(t) / 100
	if opacity < 0 {
		opacity = 0
	} else if opacity > 1 {
		opacity = 1
	}
	return Transform{
		X:        pos.X,
		Y:        pos.Y,
		Width:    size.X,
		Height:   size.Y,
		ScaleX:   scale.X,
		ScaleY:   scale.Y,
		Rotation: p.Rotation.At(t),
		AnchorX:  p.Anchor.X,
		AnchorY:  p.Anchor.Y,
		Opacity:  opacity,
	}
}

// MediaProperties are the animatable properties of every audible clip
type MediaProperties struct {
	Volume keyframe.Value[float64] `json:"volume"`
	Muted  bool                    `json:"muted,omitempty"`
}

// DefaultMediaProperties returns unity gain, unmuted
func DefaultMediaProperties() MediaProperties {
	return MediaProperties{Volume: keyframe.Const(1.0)}
}

// SetVolume sets the linear gain, 0..1
func (p *MediaProperties) SetVolume(v keyframe.Value[float64]) error {
	if err := checkScalar(v, "volume", 0, 1); err != nil {
		return err
	}
	p.Volume = v
	return nil
}

// SetMuted toggles silence
func (p *MediaProperties) SetMuted(muted bool) {
	p.Muted = muted
}

// Validate checks the volume domain
func (p MediaProperties) Validate() error {
	return checkScalar(p.Volume, "volume", 0, 1)
}

// Bake replaces the volume curve with its value at t
func (p MediaProperties) Bake(t timecode.Timestamp) MediaProperties {
	return MediaProperties{Volume: p.Volume.Bake(t), Muted: p.Muted}
}

// Gain returns the effective linear gain at t
func (p MediaProperties) Gain(t timecode.Timestamp) float32 {
	if p.Muted {
		return 0
	}
	return float32(p.Volume.At(t))
}

// TextProperties describe the content of a text or caption clip
type TextProperties struct {
	Text     string                        `json:"text"`
	Font     string                        `json:"font,omitempty"`
	FontSize float64                       `json:"fontSize"`
	Color    keyframe.Value[keyframe.Color] `json:"color"`
	Align    Align                         `json:"align,omitempty"`
}

// DefaultTextProperties returns white, centered 48px text
func DefaultTextProperties() TextProperties {
	return TextProperties{
		FontSize: 48,
		Color:    keyframe.Const(keyframe.Color{R: 1, G: 1, B: 1, A: 1}),
		Align:    AlignCenter,
	}
}

// Validate checks font size and alignment
func (p TextProperties) Validate() error {
	if p.FontSize <= 0 {
		return fmt.Errorf("%w: font size %v", ErrInvalidProperty, p.FontSize)
	}
	switch p.Align {
	case "", AlignLeft, AlignCenter, AlignRight:
	default:
		return fmt.Errorf("%w: align %q", ErrInvalidProperty, p.Align)
	}
	return nil
}

// Bake replaces the color curve with its value at t
func (p TextProperties) Bake(t timecode.Timestamp) TextProperties {
	p.Color = p.Color.Bake(t)
	return p
}

// Style evaluates the text style at t
func (p TextProperties) Style(t timecode.Timestamp) TextStyle {
	align := p.Align
	if align == "" {
		align = AlignCenter
	}
	return TextStyle{Font: p.Font, Size: p.FontSize, Color: p.Color.At(t), Align: align}
}

// Visual is the rendering behaviour shared by visible clips: it evaluates
// the properties and tracks whether the clip is currently drawn
type Visual struct {
	Props    VisualProperties
	rendered bool
}

func newVisual(props VisualProperties) Visual {
	return Visual{Props: props}
}

// drawImage renders img at clip-relative time rel
func (v *Visual) drawImage(s Surface, img image.Image, rel timecode.Timestamp) error {
	if img == nil {
		return nil
	}
	if err := s.DrawImage(img, v.Props.Transform(rel)); err != nil {
		return fmt.Errorf("failed to draw image: %w", err)
	}
	v.rendered = true
	return nil
}

// drawText renders text at clip-relative time rel
func (v *Visual) drawText(s Surface, text string, style TextStyle, rel timecode.Timestamp) error {
	if text == "" {
		return nil
	}
	if err := s.DrawText(text, style, v.Props.Transform(rel)); err != nil {
		return fmt.Errorf("failed to draw text: %w", err)
	}
	v.rendered = true
	return nil
}

// Rendered reports whether the last frame drew this clip
func (v *Visual) Rendered() bool { return v.rendered }

// Unrender marks the clip as no longer drawn
func (v *Visual) Unrender() { v.rendered = false }

func (v Visual) clone() Visual {
	return Visual{Props: deepCopy(v.Props)}
}

// deepCopy clones a property bundle including keyframe storage
func deepCopy[T any](src T) T {
	var dst T
	if err := copier.CopyWithOption(&dst, &src, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds, which T -> T cannot produce
		panic(fmt.Sprintf("clips: deep copy %T: %v", src, err))
	}
	return dst
}

func checkScalar(v keyframe.Value[float64], name string, lo, hi float64) error {
	check := func(x float64) error {
		if x < lo || x > hi {
			return fmt.Errorf("%w: %s %v outside [%v,%v]", ErrInvalidProperty, name, x, lo, hi)
		}
		return nil
	}
	if v.Curve == nil {
		return check(v.Constant)
	}
	for _, p := range v.Curve.Points {
		if err := check(p.Value); err != nil {
			return err
		}
	}
	return nil
}

// checkVec enforces lo <= x,y and, when hi >= lo, x,y <= hi
func checkVec(v keyframe.Value[keyframe.Vec2], name string, lo, hi float64) error {
	check := func(x keyframe.Vec2) error {
		if x.X < lo || x.Y < lo || (hi >= lo && (x.X > hi || x.Y > hi)) {
			return fmt.Errorf("%w: %s %v", ErrInvalidProperty, name, x)
		}
		return nil
	}
	if v.Curve == nil {
		return check(v.Constant)
	}
	for _, p := range v.Curve.Points {
		if err := check(p.Value); err != nil {
			return err
		}
	}
	return nil
}
