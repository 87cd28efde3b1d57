package main

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/composition"
	"github.com/kikiluvv/slopstudio/internal/config"
	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/mux"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

const fps timecode.Rate = 30

// writeProject saves a one second project with a video clip under a caption
func writeProject(t *testing.T, backend *decode.Synthetic) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	media := filepath.Join(dir, "clip.mp4")
	backend.Add(media, decode.SyntheticSource{
		Info: decode.Info{
			Duration: 2 * time.Second, FPS: 30, Width: 4, Height: 4,
			HasVideo: true, HasAudio: true, SampleRate: 48000, Channels: 2,
		},
		Color: color.RGBA{G: 200, A: 255},
	})
	client := decode.NewClient(backend)
	defer client.Close()

	comp := composition.New(composition.WithFPS(fps), composition.WithSize(8, 8))

	vcfg := clips.DefaultVideoConfig()
	vcfg.Rate = fps
	video, err := clips.NewVideoClip(clips.Share(clips.NewFileSource(media, client)), vcfg)
	require.NoError(t, err)
	require.NoError(t, video.Init(ctx))
	require.NoError(t, video.Subclip(fps.Frames(0), fps.Frames(30)))
	_, err = comp.AddClip(ctx, nil, video)
	require.NoError(t, err)

	tcfg := clips.DefaultTextConfig()
	tcfg.Rate = fps
	tcfg.Text.Text = "hello"
	text, err := clips.NewTextClip(tcfg)
	require.NoError(t, err)
	require.NoError(t, text.Set(fps.Frames(0), fps.Frames(15)))
	_, err = comp.AddClip(ctx, nil, text)
	require.NoError(t, err)

	data, err := comp.Marshal()
	require.NoError(t, err)
	comp.CancelDecoding()

	path := filepath.Join(dir, "project.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestOpenProjectAndDescribe(t *testing.T) {
	backend := decode.NewSynthetic()
	path := writeProject(t, backend)

	p, err := openProject(context.Background(), path, backend, config.Default())
	require.NoError(t, err)
	defer p.Close()

	require.Len(t, p.comp.Tracks(), 2)
	assert.Equal(t, int64(30), p.comp.Duration().Frames())

	var out bytes.Buffer
	require.NoError(t, describe(&out, p.comp))
	assert.Contains(t, out.String(), "8x8 @ 30 fps")
	assert.Contains(t, out.String(), "clip.mp4")
	assert.Contains(t, out.String(), "text")
	assert.Contains(t, out.String(), "00:00:00.500 (15f)")
}

func TestRenderDryRun(t *testing.T) {
	backend := decode.NewSynthetic()
	path := writeProject(t, backend)
	cfg := config.Default()

	p, err := openProject(context.Background(), path, backend, cfg)
	require.NoError(t, err)
	defer p.Close()

	pc, err := pipelineConfig(cfg, float64(p.comp.FPS()), "5f", "00:00.5", false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pc.Start)
	assert.Equal(t, int64(15), pc.End)

	sink := mux.NewMemorySink()
	require.NoError(t, render(context.Background(), p, sink, pc))
	assert.Len(t, sink.Chunks(mux.StreamVideo), 10)
	assert.NotEmpty(t, sink.Chunks(mux.StreamAudio))
	assert.True(t, sink.Closed())
	assert.Equal(t, composition.Idle, p.comp.State())
}

func TestPipelineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Render.Background = "#102030"
	cfg.Fonts["Inter"] = "/fonts/Inter.ttf"

	pc, err := pipelineConfig(cfg, 30, "", "", true)
	require.NoError(t, err)
	assert.False(t, pc.Audio)
	assert.Equal(t, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 255}, pc.Background)
	assert.Equal(t, "/fonts/Inter.ttf", pc.Fonts["Inter"])
	assert.Zero(t, pc.Start)
	assert.Zero(t, pc.End)

	_, err = pipelineConfig(cfg, 30, "later", "", false)
	assert.Error(t, err)
	_, err = pipelineConfig(cfg, 30, "20f", "10f", false)
	assert.Error(t, err, "end before start")
}

func TestResolver(t *testing.T) {
	resolve := resolver("/projects/demo", nil)

	src, err := resolve(clips.KindVideo, "media/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/projects/demo", "media/a.mp4"), src.Name())

	src, err = resolve(clips.KindImage, "/abs/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "/abs/logo.png", src.Name())

	_, err = resolve(clips.KindText, "x")
	assert.Error(t, err)
}

func TestOpenProjectErrors(t *testing.T) {
	backend := decode.NewSynthetic()
	_, err := openProject(context.Background(), filepath.Join(t.TempDir(), "missing.json"), backend, config.Default())
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	_, err = openProject(context.Background(), bad, backend, config.Default())
	assert.Error(t, err)
}
