package clips

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/keyframe"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

const fps timecode.Rate = 30

type fakeTrack struct {
	removed []Clip
}

func (f *fakeTrack) ID() string { return "track-1" }

func (f *fakeTrack) Remove(ctx context.Context, c Clip) error {
	f.removed = append(f.removed, c)
	c.Detach()
	return nil
}

type drawCall struct {
	img  image.Image
	text string
	tr   Transform
}

type fakeSurface struct {
	calls []drawCall
}

func (s *fakeSurface) Size() (int, int) { return 1920, 1080 }

func (s *fakeSurface) DrawImage(img image.Image, tr Transform) error {
	s.calls = append(s.calls, drawCall{img: img, tr: tr})
	return nil
}

func (s *fakeSurface) DrawText(text string, style TextStyle, tr Transform) error {
	s.calls = append(s.calls, drawCall{text: text, tr: tr})
	return nil
}

func newClient(t *testing.T) (*decode.Client, *decode.Synthetic) {
	t.Helper()
	b := decode.NewSynthetic()
	b.Add("clip.mp4", decode.SyntheticSource{
		Info: decode.Info{
			Duration: 5 * time.Second, FPS: 30, Width: 8, Height: 4,
			HasVideo: true, HasAudio: true, SampleRate: 48000, Channels: 2,
		},
		Color: color.RGBA{R: 10, G: 20, A: 255},
	})
	b.Add("tone.wav", decode.SyntheticSource{
		Info: decode.Info{Duration: 2 * time.Second, HasAudio: true, SampleRate: 48000, Channels: 2},
	})
	c := decode.NewClient(b, decode.WithPrefetch(4))
	t.Cleanup(func() { c.Close() })
	return c, b
}

func newVideo(t *testing.T, client *decode.Client) *VideoClip {
	t.Helper()
	cfg := DefaultVideoConfig()
	cfg.Rate = fps
	c, err := NewVideoClip(Share(NewFileSource("clip.mp4", client)), cfg)
	require.NoError(t, err)
	return c
}

func newText(t *testing.T, text string) *TextClip {
	t.Helper()
	cfg := DefaultTextConfig()
	cfg.Rate = fps
	cfg.Text.Text = text
	c, err := NewTextClip(cfg)
	require.NoError(t, err)
	return c
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newText(t, "hello")
	assert.Equal(t, Idle, c.State())

	require.NoError(t, c.Init(ctx))
	assert.Equal(t, Ready, c.State())

	owner := &fakeTrack{}
	require.NoError(t, c.Attach(owner))
	assert.Equal(t, Attached, c.State())
	assert.Equal(t, owner, c.Track())

	assert.ErrorIs(t, c.Attach(&fakeTrack{}), ErrAttached)

	c.Detach()
	assert.Equal(t, Ready, c.State())
	assert.Nil(t, c.Track())
}

func TestVideoInitProbesDuration(t *testing.T) {
	client, _ := newClient(t)
	c := newVideo(t, client)

	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, int64(150), c.SourceDuration().Frames())
	assert.Equal(t, int64(0), c.Range().Start().Frames())
	assert.Equal(t, int64(150), c.Range().End().Frames())

	assert.ErrorIs(t, c.Subclip(fps.Frames(0), fps.Frames(151)), ErrRange)
	assert.ErrorIs(t, c.Subclip(fps.Frames(20), fps.Frames(10)), ErrRange)
	require.NoError(t, c.Subclip(fps.Frames(10), fps.Frames(100)))
	c.SetOffset(fps.Frames(50))
	assert.Equal(t, int64(60), c.Start().Frames())
	assert.Equal(t, int64(150), c.Stop().Frames())
}

func TestInitFailureMovesToError(t *testing.T) {
	client, _ := newClient(t)
	cfg := DefaultVideoConfig()
	c, err := NewVideoClip(Share(NewFileSource("missing.mp4", client)), cfg)
	require.NoError(t, err)

	err = c.Init(context.Background())
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, Error, c.State())
	assert.ErrorIs(t, c.Attach(&fakeTrack{}), ErrTransition)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultTextConfig()
	cfg.Text.FontSize = 0
	_, err := NewTextClip(cfg)
	assert.ErrorIs(t, err, ErrInvalidProperty)

	vcfg := DefaultImageConfig()
	vcfg.Visual.Opacity = keyframe.Const(150.0)
	_, err = NewImageClip(Share(NewImageSourceFrom("x.png", image.NewRGBA(image.Rect(0, 0, 1, 1)))), vcfg)
	assert.ErrorIs(t, err, ErrInvalidProperty)

	var p VisualProperties
	assert.ErrorIs(t, p.SetAnchor(keyframe.Vec2{X: 2}), ErrInvalidProperty)
	var m MediaProperties
	assert.ErrorIs(t, m.SetVolume(keyframe.Const(-1.0)), ErrInvalidProperty)
}

func TestSplitBakesKeyframes(t *testing.T) {
	c := newText(t, "split me")
	c.SetOffset(fps.Frames(10))
	require.NoError(t, c.Set(fps.Frames(10), fps.Frames(110)))

	curve, err := keyframe.New(keyframe.UnitPercent,
		keyframe.Point[float64]{Frame: 0, Value: 0},
		keyframe.Point[float64]{Frame: 100, Value: 100},
	)
	require.NoError(t, err)
	require.NoError(t, c.Visual().SetOpacity(keyframe.Animate(curve)))

	_, err = c.Split(fps.Frames(10))
	assert.ErrorIs(t, err, ErrRange)
	_, err = c.Split(fps.Frames(110))
	assert.ErrorIs(t, err, ErrRange)

	r, err := c.Split(fps.Frames(40))
	require.NoError(t, err)
	right := r.(*TextClip)

	assert.Equal(t, int64(30), c.Range().End().Frames())
	assert.Equal(t, int64(30), right.Range().Start().Frames())
	assert.Equal(t, int64(40), c.Stop().Frames())
	assert.Equal(t, int64(40), right.Start().Frames())
	assert.Equal(t, int64(110), right.Stop().Frames())
	assert.NotEqual(t, c.ID(), right.ID())

	assert.False(t, c.Visual().Opacity.Animated())
	assert.False(t, right.Visual().Opacity.Animated())
	assert.Equal(t, 30.0, c.Visual().Opacity.Constant)
	assert.Equal(t, 30.0, right.Visual().Opacity.Constant)
	assert.Equal(t, "split me", right.Text().Text)
}

func TestCopyKeepsIDAndSharesSource(t *testing.T) {
	client, _ := newClient(t)
	c := newVideo(t, client)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Attach(&fakeTrack{}))

	curve, err := keyframe.New(keyframe.UnitDegrees,
		keyframe.Point[float64]{Frame: 0, Value: 0},
		keyframe.Point[float64]{Frame: 10, Value: 90},
	)
	require.NoError(t, err)
	c.Visual().SetRotation(keyframe.Animate(curve))

	cp := c.Copy().(*VideoClip)
	assert.Equal(t, c.ID(), cp.ID())
	assert.Equal(t, Idle, cp.State())
	assert.Nil(t, cp.Track())
	assert.Equal(t, c.Range(), cp.Range())
	assert.Same(t, c.Source(), cp.Source())
	assert.Equal(t, 2, c.Source().Refs())

	cp.Visual().Rotation.Curve.Points[1].Value = 45
	assert.Equal(t, 90.0, c.Visual().Rotation.Curve.Points[1].Value)

	require.NoError(t, cp.Source().Release())
	assert.Equal(t, 1, c.Source().Refs())
}

func TestVideoUpdateDecodesTargetFrame(t *testing.T) {
	client, backend := newClient(t)
	c := newVideo(t, client)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))
	c.SetOffset(fps.Frames(100))

	blue := func() uint8 {
		c.mu.Lock()
		defer c.mu.Unlock()
		require.NotNil(t, c.frame)
		return c.frame.Image.Pix[2]
	}

	require.NoError(t, c.Enter(ctx))
	require.NoError(t, c.Update(ctx, fps.Frames(100)))
	assert.Equal(t, uint8(0), blue())

	require.NoError(t, c.Update(ctx, fps.Frames(105)))
	assert.Equal(t, uint8(5), blue())
	assert.Equal(t, int64(1), backend.Opens())

	require.NoError(t, c.Update(ctx, fps.Frames(102)))
	assert.Equal(t, uint8(2), blue())
	assert.Equal(t, int64(2), backend.Opens(), "backward seek restarts the decoder")

	require.NoError(t, c.Update(ctx, fps.Frames(200)))
	assert.Equal(t, uint8(100), blue())
	assert.Equal(t, int64(3), backend.Opens(), "long jump restarts the decoder")

	require.NoError(t, c.Exit(ctx))
	c.mu.Lock()
	assert.Nil(t, c.session)
	assert.Nil(t, c.frame)
	c.mu.Unlock()
	assert.False(t, c.Active())
}

func TestVideoDecodeErrorSurfaces(t *testing.T) {
	b := decode.NewSynthetic()
	b.Add("bad.mp4", decode.SyntheticSource{
		Info:   decode.Info{Duration: time.Second, FPS: 30, HasVideo: true},
		Fail:   errors.New("bitstream error"),
		FailAt: 3,
	})
	client := decode.NewClient(b)
	defer client.Close()

	c, err := NewVideoClip(Share(NewFileSource("bad.mp4", client)), DefaultVideoConfig())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	require.NoError(t, c.Update(ctx, fps.Frames(2)))
	err = c.Update(ctx, fps.Frames(5))
	assert.ErrorIs(t, err, decode.ErrDecode)
}

func TestRenderUsesProperties(t *testing.T) {
	client, _ := newClient(t)
	c := newVideo(t, client)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))
	c.SetOffset(fps.Frames(30))

	pos, err := keyframe.New(keyframe.UnitPixels,
		keyframe.Point[keyframe.Vec2]{Frame: 0, Value: keyframe.Vec2{X: 0, Y: 0}},
		keyframe.Point[keyframe.Vec2]{Frame: 10, Value: keyframe.Vec2{X: 100, Y: 50}},
	)
	require.NoError(t, err)
	c.Visual().SetPosition(keyframe.Animate(pos))
	require.NoError(t, c.Visual().SetOpacity(keyframe.Const(50.0)))

	s := &fakeSurface{}
	require.NoError(t, c.Render(s, fps.Frames(30)))
	assert.Empty(t, s.calls, "nothing decoded yet")

	require.NoError(t, c.Update(ctx, fps.Frames(35)))
	require.NoError(t, c.Render(s, fps.Frames(35)))
	require.Len(t, s.calls, 1)
	assert.Equal(t, 50.0, s.calls[0].tr.X)
	assert.Equal(t, 25.0, s.calls[0].tr.Y)
	assert.Equal(t, 0.5, s.calls[0].tr.Opacity)
	assert.True(t, c.visual.Rendered())

	c.Unrender()
	assert.False(t, c.visual.Rendered())
}

func TestInvalidateEvicts(t *testing.T) {
	client, _ := newClient(t)
	c := newVideo(t, client)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	owner := &fakeTrack{}
	require.NoError(t, c.Attach(owner))
	require.NoError(t, c.Invalidate(ctx))

	assert.Equal(t, Idle, c.State())
	assert.Nil(t, c.Track())
	require.Len(t, owner.removed, 1)
	assert.Equal(t, c.ID(), owner.removed[0].ID())

	assert.ErrorIs(t, c.Invalidate(ctx), ErrTransition)
}

func TestMixAudio(t *testing.T) {
	client, _ := newClient(t)
	cfg := DefaultAudioConfig()
	cfg.Rate = fps
	cfg.Offset = fps.Frames(30)
	c, err := NewAudioClip(Share(NewFileSource("tone.wav", client)), cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	// clip starts at 1s = sample 48000; the block straddles the start
	dst := make([]float32, 2*1024)
	require.NoError(t, c.MixAudio(ctx, dst, 48000-512, 48000, 2))
	for _, v := range dst[:2*512] {
		assert.Zero(t, v)
	}
	nonZero := 0
	for _, v := range dst[2*512:] {
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 0)

	// contiguous blocks continue the same session
	next := make([]float32, 2*1024)
	require.NoError(t, c.MixAudio(ctx, next, 48000+512, 48000, 2))

	c.Media().SetMuted(true)
	silent := make([]float32, 2*1024)
	require.NoError(t, c.MixAudio(ctx, silent, 48000, 48000, 2))
	for _, v := range silent {
		assert.Zero(t, v)
	}
	c.Terminate()
}

func TestJSONRoundTrip(t *testing.T) {
	client, _ := newClient(t)
	c := newVideo(t, client)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Subclip(fps.Frames(15), fps.Frames(90)))
	c.SetOffset(fps.Frames(-5))
	c.SetDisabled(true)

	scale, err := keyframe.New(keyframe.UnitNone,
		keyframe.Point[keyframe.Vec2]{Frame: 0, Value: keyframe.Vec2{X: 1, Y: 1}, Easing: keyframe.EaseInOut},
		keyframe.Point[keyframe.Vec2]{Frame: 30, Value: keyframe.Vec2{X: 2, Y: 2}},
	)
	require.NoError(t, err)
	require.NoError(t, c.Visual().SetScale(keyframe.Animate(scale)))

	data, err := Marshal(c)
	require.NoError(t, err)

	resolve := func(kind Kind, name string) (Source, error) {
		assert.Equal(t, KindVideo, kind)
		return NewFileSource(name, client), nil
	}
	got, err := Unmarshal(data, fps, resolve, c.logger)
	require.NoError(t, err)

	v := got.(*VideoClip)
	assert.Equal(t, c.ID(), v.ID())
	assert.Equal(t, Idle, v.State())
	assert.Equal(t, int64(-5), v.Offset().Frames())
	assert.Equal(t, int64(15), v.Range().Start().Frames())
	assert.Equal(t, int64(90), v.Range().End().Frames())
	assert.True(t, v.Disabled())
	require.True(t, v.Visual().Scale.Animated())
	assert.Equal(t, scale.Points, v.Visual().Scale.Curve.Points)

	caption, err := NewCaptionClip(DefaultTextConfig())
	require.NoError(t, err)
	caption.SetText("subtitle")
	data, err = Marshal(caption)
	require.NoError(t, err)
	back, err := Unmarshal(data, fps, nil, c.logger)
	require.NoError(t, err)
	assert.Equal(t, KindCaption, back.Kind())
	assert.Equal(t, "subtitle", back.(*TextClip).Text().Text)

	_, err = Unmarshal([]byte(`{"type":"hologram"}`), fps, nil, c.logger)
	assert.Error(t, err)
}
