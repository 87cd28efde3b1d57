package track

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

const fps timecode.Rate = 30

func textClip(t *testing.T, kind clips.Kind, start, stop int64) *clips.TextClip {
	t.Helper()
	cfg := clips.DefaultTextConfig()
	cfg.Rate = fps
	cfg.Text.Text = "t"
	var (
		c   *clips.TextClip
		err error
	)
	if kind == clips.KindCaption {
		c, err = clips.NewCaptionClip(cfg)
	} else {
		c, err = clips.NewTextClip(cfg)
	}
	require.NoError(t, err)
	require.NoError(t, c.Set(fps.Frames(start), fps.Frames(stop)))
	return c
}

func windows(list []clips.Clip) [][2]int64 {
	out := make([][2]int64, 0, len(list))
	for _, c := range list {
		out = append(out, [2]int64{c.Start().Frames(), c.Stop().Frames()})
	}
	return out
}

func TestAddKeepsClipsSorted(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText)

	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindText, 100, 200)))
	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindText, 0, 50)))
	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindText, 50, 100)))

	assert.Equal(t, [][2]int64{{0, 50}, {50, 100}, {100, 200}}, windows(tr.Clips()))
	assert.Equal(t, int64(200), tr.Stop())
	for _, c := range tr.Clips() {
		assert.Equal(t, clips.Attached, c.State())
		assert.Equal(t, tr.ID(), c.Track().ID())
	}
}

func TestOverlapRejectedAndTrackUnchanged(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText)
	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindText, 0, 100)))
	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindText, 150, 200)))
	before := windows(tr.Clips())

	bad := textClip(t, clips.KindText, 90, 160)
	err := tr.Add(ctx, bad)
	assert.ErrorIs(t, err, ErrOverlap)
	assert.Equal(t, before, windows(tr.Clips()))
	assert.Nil(t, bad.Track())
	assert.NotEqual(t, clips.Attached, bad.State())

	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindText, 100, 150)), "touching windows do not overlap")
}

func TestCaptionTrackAllowsOverlap(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindCaption)
	assert.Equal(t, AllowOverlap, tr.Policy())

	long := textClip(t, clips.KindCaption, 0, 100)
	a := textClip(t, clips.KindCaption, 10, 20)
	b := textClip(t, clips.KindCaption, 30, 40)
	require.NoError(t, tr.Add(ctx, long))
	require.NoError(t, tr.Add(ctx, a))
	require.NoError(t, tr.Add(ctx, b))

	assert.Equal(t, []clips.Clip{long, b}, tr.At(35))
	assert.Equal(t, []clips.Clip{long, a}, tr.At(10))
	assert.Equal(t, []clips.Clip{long}, tr.At(25))
	assert.Empty(t, tr.At(100))
}

func TestAtOnNonOverlappingTrack(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText)
	first := textClip(t, clips.KindText, 0, 100)
	second := textClip(t, clips.KindText, 100, 200)
	require.NoError(t, tr.Add(ctx, first))
	require.NoError(t, tr.Add(ctx, second))

	assert.Equal(t, []clips.Clip{first}, tr.At(0))
	assert.Equal(t, []clips.Clip{first}, tr.At(99))
	assert.Equal(t, []clips.Clip{second}, tr.At(100))
	assert.Empty(t, tr.At(-1))
	assert.Empty(t, tr.At(200))
}

func TestKindAndMembershipChecks(t *testing.T) {
	ctx := context.Background()
	texts := New(clips.KindText)
	other := New(clips.KindText)
	captions := New(clips.KindCaption)

	c := textClip(t, clips.KindText, 0, 10)
	assert.ErrorIs(t, captions.Add(ctx, c), ErrKind)
	require.NoError(t, texts.Add(ctx, c))
	assert.ErrorIs(t, other.Add(ctx, c), clips.ErrAttached)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText)
	c := textClip(t, clips.KindText, 0, 10)
	require.NoError(t, tr.Add(ctx, c))

	require.NoError(t, tr.Remove(ctx, c))
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, clips.Ready, c.State())
	assert.Nil(t, c.Track())

	require.NoError(t, tr.Remove(ctx, c))
	require.NoError(t, New(clips.KindText).Add(ctx, c), "detached clip can join another track")
}

func TestStackedTrack(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText, WithStacked(true))

	a := textClip(t, clips.KindText, 500, 530)
	b := textClip(t, clips.KindText, 0, 60)
	c := textClip(t, clips.KindText, 0, 10)
	require.NoError(t, tr.Add(ctx, a))
	require.NoError(t, tr.Add(ctx, b))
	require.NoError(t, tr.Add(ctx, c))
	assert.Equal(t, [][2]int64{{0, 30}, {30, 90}, {90, 100}}, windows(tr.Clips()))

	require.NoError(t, tr.Remove(ctx, b))
	assert.Equal(t, [][2]int64{{0, 30}, {30, 40}}, windows(tr.Clips()))
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText)
	a := textClip(t, clips.KindText, 0, 50)
	b := textClip(t, clips.KindText, 100, 150)
	require.NoError(t, tr.Add(ctx, a))
	require.NoError(t, tr.Add(ctx, b))

	assert.ErrorIs(t, tr.Move(ctx, a, fps.Frames(80)), ErrOverlap)
	assert.Equal(t, int64(0), a.Start().Frames())

	require.NoError(t, tr.Move(ctx, a, fps.Frames(200)))
	assert.Equal(t, []clips.Clip{b, a}, tr.Clips())
	assert.Equal(t, []clips.Clip{a}, tr.At(220))

	assert.ErrorIs(t, tr.Move(ctx, textClip(t, clips.KindText, 0, 1), fps.Frames(0)), ErrNotFound)
}

func TestSplitInsertsRightHalf(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText)
	c := textClip(t, clips.KindText, 0, 100)
	require.NoError(t, tr.Add(ctx, c))

	right, err := tr.Split(ctx, c, fps.Frames(40))
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{0, 40}, {40, 100}}, windows(tr.Clips()))
	assert.Equal(t, []clips.Clip{right}, tr.At(40))
	assert.Equal(t, clips.Attached, right.State())
}

// splitsBroken yields a right half whose source cannot be loaded
type splitsBroken struct {
	*clips.TextClip
}

func (s *splitsBroken) Split(at timecode.Timestamp) (clips.Clip, error) {
	right, err := s.TextClip.Split(at)
	if err != nil {
		return nil, err
	}
	return &unloadable{Clip: right}, nil
}

type unloadable struct {
	clips.Clip
}

func (u *unloadable) Init(ctx context.Context) error {
	return errors.New("source gone")
}

func TestSplitFailureRestoresClip(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindText)
	c := &splitsBroken{TextClip: textClip(t, clips.KindText, 0, 100)}
	require.NoError(t, tr.Add(ctx, c))

	_, err := tr.Split(ctx, c, fps.Frames(40))
	require.Error(t, err)

	assert.Equal(t, [][2]int64{{0, 100}}, windows(tr.Clips()))
	assert.Equal(t, []clips.Clip{c}, tr.At(60))
	assert.Equal(t, int64(100), tr.Stop())
	assert.Equal(t, clips.Attached, c.State())
}

func TestInitialSeekOnInsertion(t *testing.T) {
	backend := decode.NewSynthetic()
	backend.Add("a.mp4", decode.SyntheticSource{
		Info: decode.Info{Duration: 2 * time.Second, FPS: 30, Width: 4, Height: 4, HasVideo: true},
	})
	client := decode.NewClient(backend)
	defer client.Close()

	cursor := fps.Frames(10)
	tr := New(clips.KindVideo, WithCursor(func() timecode.Timestamp { return cursor }))

	cfg := clips.DefaultVideoConfig()
	cfg.Rate = fps
	v, err := clips.NewVideoClip(clips.Share(clips.NewFileSource("a.mp4", client)), cfg)
	require.NoError(t, err)

	require.NoError(t, tr.Add(context.Background(), v))
	assert.Equal(t, clips.Attached, v.State())
	assert.Equal(t, int64(1), backend.Opens(), "clip under the cursor starts decoding on insertion")

	v.Terminate()
}

func TestAddPropagatesIOError(t *testing.T) {
	client := decode.NewClient(decode.NewSynthetic())
	defer client.Close()

	tr := New(clips.KindVideo)
	v, err := clips.NewVideoClip(clips.Share(clips.NewFileSource("nope.mp4", client)), clips.DefaultVideoConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Add(context.Background(), v), clips.ErrIO)
	assert.Equal(t, clips.Error, v.State())
	assert.Equal(t, 0, tr.Len())
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := New(clips.KindCaption, WithStacked(true))
	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindCaption, 0, 30)))
	require.NoError(t, tr.Add(ctx, textClip(t, clips.KindCaption, 0, 45)))
	tr.SetDisabled(true)

	data, err := tr.MarshalJSON()
	require.NoError(t, err)

	got, err := Unmarshal(ctx, data, fps, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), got.ID())
	assert.Equal(t, clips.KindCaption, got.Kind())
	assert.True(t, got.Stacked())
	assert.True(t, got.Disabled())
	assert.Equal(t, windows(tr.Clips()), windows(got.Clips()))
	assert.Equal(t, tr.Clips()[1].ID(), got.Clips()[1].ID())
}
