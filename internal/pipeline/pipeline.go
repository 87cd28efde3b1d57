package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/composition"
	"github.com/kikiluvv/slopstudio/internal/framebuffer"
	"github.com/kikiluvv/slopstudio/internal/mux"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// Pipeline exports a composition frame by frame into a mux sink
type Pipeline struct {
	logger zerolog.Logger
	config *Config
	comp   *composition.Composition
	sink   mux.Sink
	fonts  *FontBook
}

// New creates a pipeline for comp writing into sink
func New(logger zerolog.Logger, comp *composition.Composition, sink mux.Sink, cfg *Config) (*Pipeline, error) {
	if comp == nil {
		return nil, fmt.Errorf("composition cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	logger = logger.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		logger: logger,
		config: cfg,
		comp:   comp,
		sink:   sink,
		fonts:  NewFontBook(cfg.Fonts, logger),
	}, nil
}

// Export renders every frame of the configured range, composites the
// visible clips bottom layer first, and muxes video frames interleaved with
// fixed-size audio blocks. On failure or cancellation every clip's decode
// resources are torn down and the sink is aborted. The composition always
// leaves render mode.
func (p *Pipeline) Export(ctx context.Context) error {
	if err := p.comp.BeginRender(); err != nil {
		return err
	}
	defer p.comp.EndRender()

	start, end := p.config.Start, p.config.End
	if end == 0 {
		end = p.comp.Duration().Frames()
	}
	if end <= start {
		return fmt.Errorf("nothing to export: frames [%d, %d)", start, end)
	}
	total := end - start

	width, height := p.comp.Size()
	surface := NewCompositor(width, height, p.config.Background, p.fonts)
	defer surface.Close()

	fps := p.comp.FPS()
	sink := mux.Ordered(p.sink)
	video := NewRawVideoEncoder(fps)

	var (
		audio     *PCMEncoder
		block     []float32
		audioNext int64 // next timeline sample frame
		audioEnd  int64
	)
	if p.config.Audio {
		audio = NewPCMEncoder(p.config.SampleRate, p.config.Channels)
		block = make([]float32, p.config.AudioBlock*p.config.Channels)
		audioNext = samplesAt(start, fps, p.config.SampleRate)
		audioEnd = samplesAt(end, fps, p.config.SampleRate)
	}

	fail := func(err error) error {
		p.comp.CancelDecoding()
		sink.Abort()
		if ctx.Err() != nil {
			p.logger.Warn().Err(err).Msg("export cancelled")
		} else {
			p.logger.Error().Err(err).Msg("export failed")
		}
		return err
	}

	p.logger.Info().
		Int64("start", start).
		Int64("end", end).
		Int("width", width).
		Int("height", height).
		Float64("fps", float64(fps)).
		Msg("starting export")

	for frame := start; frame < end; frame++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := p.comp.Render(ctx, frame); err != nil {
			return fail(fmt.Errorf("failed to render frame %d: %w", frame, err))
		}

		surface.Clear()
		active := p.comp.ActiveClips()
		for i := len(active) - 1; i >= 0; i-- {
			r, ok := active[i].(clips.Renderable)
			if !ok {
				continue
			}
			if err := r.Render(surface, fps.Frames(frame)); err != nil {
				p.logger.Warn().Err(err).Str("clip", active[i].ID()).Int64("frame", frame).Msg("clip render failed")
			}
		}
		if err := sink.WriteChunk(ctx, video.Encode(surface.Frame(), frame-start)); err != nil {
			return fail(fmt.Errorf("failed to mux frame %d: %w", frame, err))
		}

		if audio != nil {
			// audio up to the end of this frame
			until := min(samplesAt(frame+1, fps, p.config.SampleRate), audioEnd)
			for audioNext < until {
				n := min(int64(p.config.AudioBlock), audioEnd-audioNext)
				samples := block[:n*int64(p.config.Channels)]
				if err := p.mixAudio(ctx, samples, audioNext); err != nil {
					return fail(err)
				}
				chunk := audio.Encode(samples, audioNext-samplesAt(start, fps, p.config.SampleRate))
				if err := sink.WriteChunk(ctx, chunk); err != nil {
					return fail(fmt.Errorf("failed to mux audio at sample %d: %w", audioNext, err))
				}
				audioNext += n
			}
		}

		if p.config.Progress != nil {
			p.config.Progress(frame-start+1, total)
		}
	}

	p.comp.CancelDecoding()
	if err := sink.Close(); err != nil {
		return fmt.Errorf("failed to finalize output: %w", err)
	}

	p.logger.Info().Int64("frames", total).Msg("export complete")
	return nil
}

// mixAudio sums every audible clip of every enabled track into dst. Decode
// errors are isolated per clip; stalls and cancellation abort.
func (p *Pipeline) mixAudio(ctx context.Context, dst []float32, at int64) error {
	clear(dst)
	for _, t := range p.comp.Tracks() {
		if t.Disabled() {
			continue
		}
		for _, c := range t.Clips() {
			src, ok := c.(clips.AudioSource)
			if !ok {
				continue
			}
			err := src.MixAudio(ctx, dst, at, p.config.SampleRate, p.config.Channels)
			if err == nil {
				continue
			}
			if errors.Is(err, framebuffer.ErrTimeout) || ctx.Err() != nil {
				return fmt.Errorf("failed to mix audio of clip %s: %w", c.ID(), err)
			}
			p.logger.Warn().Err(err).Str("clip", c.ID()).Int64("sample", at).Msg("clip audio failed")
		}
	}
	return nil
}

// samplesAt converts a frame index to a sample frame index
func samplesAt(frame int64, fps timecode.Rate, sampleRate int) int64 {
	return int64(math.Round(float64(frame) * float64(sampleRate) / float64(fps)))
}
