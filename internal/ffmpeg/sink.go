package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/kikiluvv/slopstudio/internal/mux"
	"github.com/kikiluvv/slopstudio/pkg/util"
)

// MuxSink encodes raw RGBA video chunks through an ffmpeg process fed on
// stdin and spools float32 PCM audio to a temp file. Close muxes both into
// the output file, or into HLS segments plus a playlist when segmenting is
// enabled.
type MuxSink struct {
	exec   *Executor
	logger zerolog.Logger
	output string
	video  mux.VideoFormat
	audio  *mux.AudioFormat
	opts   EncodeOptions

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	encoder   *process
	videoTmp  string
	pcm       *os.File
	frames    int64
	audioSeen bool
	finished  bool
}

// NewMuxSink creates a sink writing to output. audio nil drops the audio
// stream.
func NewMuxSink(e *Executor, output string, video mux.VideoFormat, audio *mux.AudioFormat, opts EncodeOptions) (*MuxSink, error) {
	if output == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if video.Width <= 0 || video.Height <= 0 || video.FPS <= 0 {
		return nil, fmt.Errorf("invalid video format %dx%d@%v", video.Width, video.Height, video.FPS)
	}
	if audio != nil && (audio.SampleRate <= 0 || audio.Channels <= 0) {
		return nil, fmt.Errorf("invalid audio format %d Hz, %d channels", audio.SampleRate, audio.Channels)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MuxSink{
		exec:   e,
		logger: e.logger.With().Str("output", output).Logger(),
		output: output,
		video:  video,
		audio:  audio,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// WriteChunk implements mux.Sink
func (s *MuxSink) WriteChunk(ctx context.Context, c mux.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return mux.ErrClosed
	}

	switch c.Stream {
	case mux.StreamVideo:
		if want := s.video.Width * s.video.Height * 4; len(c.Data) != want {
			return fmt.Errorf("video chunk is %d bytes, expected %d", len(c.Data), want)
		}
		if s.encoder == nil {
			if err := s.startEncoder(); err != nil {
				return err
			}
		}
		if _, err := s.encoder.stdin.Write(c.Data); err != nil {
			return fmt.Errorf("failed to feed encoder: %w", errors.Join(err, s.encoder.wait()))
		}
		s.frames++
	case mux.StreamAudio:
		if s.audio == nil {
			return nil
		}
		if s.pcm == nil {
			f, err := util.TempFile("", "slopstudio-audio-", ".f32")
			if err != nil {
				return fmt.Errorf("failed to create audio spool: %w", err)
			}
			s.pcm = f
		}
		if _, err := s.pcm.Write(c.Data); err != nil {
			return fmt.Errorf("failed to spool audio: %w", err)
		}
		s.audioSeen = true
	default:
		return fmt.Errorf("unknown stream %v", c.Stream)
	}
	return nil
}

// startEncoder launches the video encode pass reading raw frames on stdin
func (s *MuxSink) startEncoder() error {
	tmp, err := util.TempFile("", "slopstudio-video-", ".mkv")
	if err != nil {
		return fmt.Errorf("failed to create video spool: %w", err)
	}
	s.videoTmp = tmp.Name()
	tmp.Close()

	args := append(s.exec.baseArgs("error", true), encodeArgs(s.video, s.opts, s.videoTmp)...)
	p, err := s.exec.start(s.ctx, args, startOptions{pipeStdin: true}, nil)
	if err != nil {
		return err
	}
	s.encoder = p
	s.logger.Debug().
		Int("width", s.video.Width).
		Int("height", s.video.Height).
		Float64("fps", s.video.FPS).
		Str("codec", s.opts.VideoCodec).
		Msg("encoder started")
	return nil
}

// Close implements mux.Sink
func (s *MuxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return mux.ErrClosed
	}
	s.finished = true
	defer s.cleanup()

	if s.encoder == nil {
		return fmt.Errorf("no video frames were written")
	}
	s.encoder.stdin.Close()
	if err := s.encoder.wait(); err != nil {
		return fmt.Errorf("video encode failed: %w", err)
	}

	pcmPath := ""
	if s.pcm != nil {
		pcmPath = s.pcm.Name()
		if err := s.pcm.Close(); err != nil {
			return fmt.Errorf("failed to flush audio spool: %w", err)
		}
	}

	if err := util.EnsureDir(filepath.Dir(s.output)); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	total := time.Duration(float64(s.frames) / s.video.FPS * float64(time.Second))
	target := s.output
	if s.opts.SegmentSeconds > 0 {
		target = segmentPattern(s.output)
	}

	args := muxArgs(s.videoTmp, pcmPath, s.audio, s.opts, target)
	err := s.exec.Run(s.ctx, RunOptions{
		Args: args,
		LogHandler: func(line string) {
			s.logger.Trace().Str("ffmpeg", line).Msg("mux")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to mux %s: %w", s.output, err)
	}

	if s.opts.SegmentSeconds > 0 {
		if err := s.writePlaylist(total); err != nil {
			return err
		}
	}

	s.logger.Info().
		Int64("frames", s.frames).
		Dur("duration", total).
		Bool("audio", s.audioSeen).
		Msg("output written")
	return nil
}

func (s *MuxSink) writePlaylist(total time.Duration) error {
	each := time.Duration(s.opts.SegmentSeconds * float64(time.Second))
	segments := mux.SplitSegments(filepath.Base(segmentPattern(s.output)), total, each)

	f, err := os.Create(s.output)
	if err != nil {
		return fmt.Errorf("failed to create playlist: %w", err)
	}
	defer f.Close()
	return mux.WritePlaylist(f, segments)
}

// Abort implements mux.Sink
func (s *MuxSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.cleanup()
	s.logger.Warn().Int64("frames", s.frames).Msg("output aborted")
}

// cleanup stops every process and removes the spool files
func (s *MuxSink) cleanup() {
	s.cancel()
	if s.encoder != nil {
		s.encoder.stdin.Close()
		s.encoder.kill()
	}
	var files []string
	if s.videoTmp != "" {
		files = append(files, s.videoTmp)
	}
	if s.pcm != nil {
		s.pcm.Close()
		files = append(files, s.pcm.Name())
	}
	util.CleanupFiles(files...)
}

// encodeArgs compiles the encode pass: raw RGBA on stdin into the spool
func encodeArgs(video mux.VideoFormat, opts EncodeOptions, output string) []string {
	out := ffmpeg.KwArgs{
		"c:v":     opts.VideoCodec,
		"crf":     fmt.Sprintf("%d", opts.CRF),
		"preset":  opts.Preset,
		"pix_fmt": opts.PixFmt,
	}
	if opts.SegmentSeconds > 0 {
		// segment cuts need a keyframe at every boundary
		out["force_key_frames"] = fmt.Sprintf("expr:gte(t,n_forced*%s)", formatFloat(opts.SegmentSeconds))
	}
	in := ffmpeg.KwArgs{
		"format":     "rawvideo",
		"pix_fmt":    "rgba",
		"video_size": fmt.Sprintf("%dx%d", video.Width, video.Height),
		"framerate":  formatFloat(video.FPS),
	}
	return ffmpeg.Input("pipe:0", in).Output(output, out).GetArgs()
}

// muxArgs compiles the final pass copying the encoded video and encoding the
// spooled audio
func muxArgs(videoPath, pcmPath string, audio *mux.AudioFormat, opts EncodeOptions, output string) []string {
	streams := []*ffmpeg.Stream{ffmpeg.Input(videoPath)}
	out := ffmpeg.KwArgs{"c:v": "copy"}

	if pcmPath != "" && audio != nil {
		streams = append(streams, ffmpeg.Input(pcmPath, ffmpeg.KwArgs{
			"format": "f32le",
			"ar":     fmt.Sprintf("%d", audio.SampleRate),
			"ac":     fmt.Sprintf("%d", audio.Channels),
		}))
		out["c:a"] = opts.AudioCodec
	}

	switch {
	case opts.SegmentSeconds > 0:
		out["format"] = "segment"
		out["segment_format"] = "mpegts"
		out["segment_time"] = formatFloat(opts.SegmentSeconds)
		out["reset_timestamps"] = "1"
	case strings.EqualFold(filepath.Ext(output), ".mp4"), strings.EqualFold(filepath.Ext(output), ".mov"):
		out["movflags"] = "+faststart"
	}

	return ffmpeg.Output(streams, output, out).GetArgs()
}

// segmentPattern names HLS segments after the playlist: out.m3u8 gives
// out%03d.ts next to it
func segmentPattern(playlist string) string {
	return strings.TrimSuffix(playlist, filepath.Ext(playlist)) + "%03d.ts"
}
