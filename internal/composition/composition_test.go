package composition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/framebuffer"
	"github.com/kikiluvv/slopstudio/internal/timecode"
	"github.com/kikiluvv/slopstudio/internal/track"
)

const fps timecode.Rate = 30

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) take() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.entries
	j.entries = nil
	return out
}

// recorder logs the scheduler callbacks it receives
type recorder struct {
	*clips.TextClip
	j         *journal
	updateErr error
	// enterErr fails the next Enter only
	enterErr error
}

func (r *recorder) Enter(ctx context.Context) error {
	r.j.add("enter %s", r.Name())
	if err := r.enterErr; err != nil {
		r.enterErr = nil
		return err
	}
	return r.TextClip.Enter(ctx)
}

func (r *recorder) Update(ctx context.Context, t timecode.Timestamp) error {
	r.j.add("update %s %d", r.Name(), t.Frames())
	return r.updateErr
}

func (r *recorder) Exit(ctx context.Context) error {
	r.j.add("exit %s", r.Name())
	return r.TextClip.Exit(ctx)
}

func newRecorder(t *testing.T, j *journal, name string, start, stop int64) *recorder {
	t.Helper()
	cfg := clips.DefaultTextConfig()
	cfg.Name = name
	cfg.Rate = fps
	cfg.Text.Text = name
	c, err := clips.NewTextClip(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Set(fps.Frames(start), fps.Frames(stop)))
	return &recorder{TextClip: c, j: j}
}

func names(list []clips.Clip) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.Name())
	}
	return out
}

func TestVideoClipExitsAtStop(t *testing.T) {
	ctx := context.Background()
	backend := decode.NewSynthetic()
	backend.Add("clip.mp4", decode.SyntheticSource{
		Info: decode.Info{Duration: 5 * time.Second, FPS: 30, Width: 4, Height: 4, HasVideo: true},
	})
	client := decode.NewClient(backend)
	defer client.Close()

	cfg := clips.DefaultVideoConfig()
	cfg.Rate = fps
	v, err := clips.NewVideoClip(clips.Share(clips.NewFileSource("clip.mp4", client)), cfg)
	require.NoError(t, err)
	require.NoError(t, v.Init(ctx))
	require.NoError(t, v.Subclip(fps.Frames(0), fps.Frames(150)))

	comp := New(WithFPS(fps))
	_, err = comp.AddClip(ctx, nil, v)
	require.NoError(t, err)
	assert.Equal(t, int64(150), comp.Duration().Frames())

	require.NoError(t, comp.Seek(ctx, 0))
	require.NoError(t, comp.Seek(ctx, 149))
	assert.Equal(t, clips.Attached, v.State())
	assert.True(t, v.Active())
	assert.Equal(t, []clips.Clip{v}, comp.ActiveClips())

	require.NoError(t, comp.Seek(ctx, 150))
	assert.Equal(t, int64(150), v.Stop().Frames())
	assert.False(t, v.Active())
	assert.Empty(t, comp.ActiveClips())
	assert.Equal(t, clips.Attached, v.State())

	v.Terminate()
}

func TestBackToBackClipsExitBeforeEnter(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	tr := comp.CreateTrack(clips.KindText)
	require.NoError(t, tr.Add(ctx, newRecorder(t, j, "a", 0, 100)))
	require.NoError(t, tr.Add(ctx, newRecorder(t, j, "b", 100, 200)))

	require.NoError(t, comp.Seek(ctx, 0))
	assert.Equal(t, []string{"enter a", "update a 0"}, j.take())

	require.NoError(t, comp.Seek(ctx, 99))
	assert.Equal(t, []string{"update a 99"}, j.take())

	require.NoError(t, comp.Seek(ctx, 100))
	assert.Equal(t, []string{"exit a", "enter b", "update b 100"}, j.take())
}

func TestSeekClampsToDuration(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps))
	tr := comp.CreateTrack(clips.KindText)
	require.NoError(t, tr.Add(ctx, newRecorder(t, &journal{}, "a", 0, 200)))

	require.NoError(t, comp.Seek(ctx, 500))
	assert.Equal(t, int64(200), comp.Frame().Frames())
	require.NoError(t, comp.Seek(ctx, -5))
	assert.Equal(t, int64(0), comp.Frame().Frames())

	comp.SetDuration(fps.Frames(50))
	require.NoError(t, comp.Seek(ctx, 120))
	assert.Equal(t, int64(50), comp.Frame().Frames())
}

func TestTracksActiveInLayerOrder(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	bottom := comp.CreateTrack(clips.KindText)
	top := comp.CreateTrack(clips.KindText)
	require.NoError(t, bottom.Add(ctx, newRecorder(t, j, "bottom", 0, 10)))
	require.NoError(t, top.Add(ctx, newRecorder(t, j, "top", 0, 10)))

	assert.Equal(t, []*track.Track{top, bottom}, comp.Tracks())
	require.NoError(t, comp.Seek(ctx, 5))
	assert.Equal(t, []string{"top", "bottom"}, names(comp.ActiveClips()))

	bottom.SetDisabled(true)
	require.NoError(t, comp.Seek(ctx, 6))
	assert.Equal(t, []string{"top"}, names(comp.ActiveClips()))
}

func TestClipErrorsAreIsolated(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	failing := newRecorder(t, j, "bad", 0, 10)
	failing.updateErr = fmt.Errorf("%w: corrupt packet", decode.ErrDecode)
	_, err := comp.AddClip(ctx, nil, failing)
	require.NoError(t, err)
	_, err = comp.AddClip(ctx, nil, newRecorder(t, j, "good", 0, 10))
	require.NoError(t, err)

	require.NoError(t, comp.Seek(ctx, 1))
	assert.Contains(t, j.take(), "update good 1")
}

func TestStallAbortsSeek(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps))
	stalled := newRecorder(t, &journal{}, "stalled", 0, 10)
	stalled.updateErr = framebuffer.ErrTimeout
	_, err := comp.AddClip(ctx, nil, stalled)
	require.NoError(t, err)

	err = comp.Seek(ctx, 1)
	assert.ErrorIs(t, err, framebuffer.ErrTimeout)
}

func TestStalledEnterIsRetried(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	a := newRecorder(t, j, "a", 0, 10)
	a.enterErr = framebuffer.ErrTimeout
	_, err := comp.AddClip(ctx, nil, a)
	require.NoError(t, err)
	j.take()

	err = comp.Seek(ctx, 1)
	assert.ErrorIs(t, err, framebuffer.ErrTimeout)
	assert.Equal(t, []string{"enter a"}, j.take())
	assert.Empty(t, comp.ActiveClips())

	require.NoError(t, comp.Seek(ctx, 2))
	assert.Equal(t, []string{"enter a", "update a 2"}, j.take())
	assert.Equal(t, []string{"a"}, names(comp.ActiveClips()))
}

func TestAbortedSeekKeepsCompletedExits(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	a := newRecorder(t, j, "a", 0, 10)
	b := newRecorder(t, j, "b", 10, 20)
	tr := comp.CreateTrack(clips.KindText)
	require.NoError(t, tr.Add(ctx, a))
	require.NoError(t, tr.Add(ctx, b))

	require.NoError(t, comp.Seek(ctx, 5))
	b.enterErr = framebuffer.ErrTimeout
	j.take()

	assert.ErrorIs(t, comp.Seek(ctx, 12), framebuffer.ErrTimeout)
	assert.Equal(t, []string{"exit a", "enter b"}, j.take())
	assert.Empty(t, comp.ActiveClips())

	require.NoError(t, comp.Seek(ctx, 13))
	assert.Equal(t, []string{"enter b", "update b 13"}, j.take())
}

func TestPauseFromFrameHandler(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps), WithDuration(fps.Seconds(60)))

	returned := make(chan struct{})
	var once sync.Once
	comp.On(EventFrame, func(ev Event) {
		if ev.Frame < 3 {
			return
		}
		once.Do(func() {
			comp.Pause()
			close(returned)
		})
	})

	require.NoError(t, comp.Play(ctx))
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Pause from a frame handler did not return")
	}
	assert.Equal(t, Idle, comp.State())

	frame := comp.Frame().Frames()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, frame, comp.Frame().Frames())

	require.NoError(t, comp.BeginRender())
	comp.EndRender()
}

func TestEventsInRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps), WithDuration(fps.Frames(100)))

	var got []string
	first := comp.On(EventFrame, func(ev Event) { got = append(got, fmt.Sprintf("first %d", ev.Frame)) })
	comp.On(EventFrame, func(ev Event) { got = append(got, fmt.Sprintf("second %d", ev.Frame)) })

	require.NoError(t, comp.Seek(ctx, 10))
	assert.Equal(t, []string{"first 10", "second 10"}, got)

	first.Close()
	first.Close()
	got = nil
	require.NoError(t, comp.Seek(ctx, 11))
	assert.Equal(t, []string{"second 11"}, got)
}

func TestRenderMode(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	_, err := comp.AddClip(ctx, nil, newRecorder(t, j, "a", 0, 10))
	require.NoError(t, err)

	assert.ErrorIs(t, comp.Render(ctx, 0), ErrNotRendering)

	require.NoError(t, comp.BeginRender())
	assert.Equal(t, Rendering, comp.State())
	assert.ErrorIs(t, comp.BeginRender(), ErrBusy)
	assert.ErrorIs(t, comp.Play(ctx), ErrBusy)

	for f := int64(0); f < 3; f++ {
		require.NoError(t, comp.Render(ctx, f))
	}
	assert.Equal(t, []string{"enter a", "update a 0", "update a 1", "update a 2"}, j.take())

	comp.EndRender()
	assert.Equal(t, Idle, comp.State())
	comp.EndRender()
}

func TestPlayRunsToDuration(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps), WithDuration(fps.Frames(10)))

	var mu sync.Mutex
	var kinds []EventKind
	paused := make(chan struct{})
	comp.On(EventPlay, func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	comp.On(EventPause, func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		close(paused)
	})

	require.NoError(t, comp.Play(ctx))
	assert.Equal(t, Playing, comp.State())
	require.NoError(t, comp.Play(ctx), "play while playing is a no-op")

	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not stop at the duration")
	}
	assert.Equal(t, Idle, comp.State())
	assert.Equal(t, int64(10), comp.Frame().Frames())

	mu.Lock()
	assert.Equal(t, []EventKind{EventPlay, EventPause}, kinds)
	mu.Unlock()
}

func TestPauseStopsPlayback(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps), WithDuration(fps.Seconds(60)))

	require.NoError(t, comp.Play(ctx))
	time.Sleep(100 * time.Millisecond)
	comp.Pause()
	assert.Equal(t, Idle, comp.State())

	frame := comp.Frame().Frames()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, frame, comp.Frame().Frames())
	assert.Less(t, frame, int64(1800))

	require.NoError(t, comp.BeginRender(), "render may start after pause")
	comp.EndRender()
}

func TestBeginRenderStopsPlayback(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps), WithDuration(fps.Seconds(60)))
	require.NoError(t, comp.Play(ctx))

	require.NoError(t, comp.BeginRender())
	assert.Equal(t, Rendering, comp.State())
	comp.EndRender()
}

func TestCancelDecodingExitsActiveClips(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	_, err := comp.AddClip(ctx, nil, newRecorder(t, j, "a", 0, 10))
	require.NoError(t, err)
	require.NoError(t, comp.Seek(ctx, 0))
	j.take()

	comp.CancelDecoding()
	assert.Empty(t, comp.ActiveClips())
	assert.Equal(t, []string{"exit a"}, j.take())

	require.NoError(t, comp.Seek(ctx, 1))
	assert.Equal(t, []string{"enter a", "update a 1"}, j.take())
}

func TestRemoveTrackExitsClips(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	comp := New(WithFPS(fps))
	tr, err := comp.AddClip(ctx, nil, newRecorder(t, j, "a", 0, 10))
	require.NoError(t, err)
	require.NoError(t, comp.Seek(ctx, 0))
	j.take()

	require.NoError(t, comp.RemoveTrack(ctx, tr))
	assert.Equal(t, []string{"exit a"}, j.take())
	assert.Empty(t, comp.Tracks())
	assert.ErrorIs(t, comp.RemoveTrack(ctx, tr), track.ErrNotFound)
}

func TestAddClipValidation(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps))

	cfg := clips.DefaultTextConfig()
	cfg.Rate = 25
	other, err := clips.NewTextClip(cfg)
	require.NoError(t, err)
	_, err = comp.AddClip(ctx, nil, other)
	assert.ErrorIs(t, err, ErrRate)

	tr, err := comp.AddClip(ctx, nil, newRecorder(t, &journal{}, "a", 0, 100))
	require.NoError(t, err)
	_, err = comp.AddClip(ctx, tr, newRecorder(t, &journal{}, "b", 50, 150))
	assert.ErrorIs(t, err, track.ErrOverlap)
	assert.Equal(t, 1, tr.Len())
	assert.Len(t, comp.Tracks(), 1)
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	comp := New(WithFPS(fps), WithSize(1280, 720))
	captions := comp.CreateTrack(clips.KindCaption)
	texts := comp.CreateTrack(clips.KindText)

	cfg := clips.DefaultTextConfig()
	cfg.Rate = fps
	cfg.Text.Text = "hello"
	hello, err := clips.NewTextClip(cfg)
	require.NoError(t, err)
	require.NoError(t, texts.Add(ctx, hello))

	caption, err := clips.NewCaptionClip(cfg)
	require.NoError(t, err)
	require.NoError(t, captions.Add(ctx, caption))

	data, err := comp.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(ctx, data, nil)
	require.NoError(t, err)
	assert.Equal(t, fps, got.FPS())
	w, h := got.Size()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
	require.Len(t, got.Tracks(), 2)
	assert.Equal(t, texts.ID(), got.Tracks()[0].ID())
	assert.Equal(t, captions.ID(), got.Tracks()[1].ID())
	assert.Equal(t, hello.ID(), got.Tracks()[0].Clips()[0].ID())
	assert.Equal(t, comp.Duration(), got.Duration())

	require.NoError(t, got.Seek(ctx, 1))
	assert.Len(t, got.ActiveClips(), 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "render", Rendering.String())
	assert.Equal(t, "currentframe", EventFrame.String())
	assert.True(t, errors.Is(fmt.Errorf("wrap: %w", ErrBusy), ErrBusy))
}
