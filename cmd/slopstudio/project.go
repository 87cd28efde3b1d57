package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/composition"
	"github.com/kikiluvv/slopstudio/internal/config"
	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/mux"
	"github.com/kikiluvv/slopstudio/internal/pipeline"
	"github.com/kikiluvv/slopstudio/internal/timecode"
	"github.com/kikiluvv/slopstudio/pkg/util"
)

// project is a loaded composition and the decode client behind its media
type project struct {
	path   string
	comp   *composition.Composition
	client *decode.Client
}

// openProject loads a composition file. Relative media paths resolve against
// the project's directory.
func openProject(ctx context.Context, path string, backend decode.Backend, cfg *config.Config) (*project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}

	idle, err := cfg.IdleTimeout()
	if err != nil {
		return nil, err
	}
	opts := []decode.Option{decode.WithLogger(log.Logger)}
	if cfg.Decode.Prefetch > 0 {
		opts = append(opts, decode.WithPrefetch(cfg.Decode.Prefetch))
	}
	if idle > 0 {
		opts = append(opts, decode.WithIdleTimeout(idle))
	}
	client := decode.NewClient(backend, opts...)

	comp, err := composition.Unmarshal(ctx, data, resolver(filepath.Dir(path), client), composition.WithLogger(log.Logger))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load project %s: %w", path, err)
	}

	log.Info().
		Str("project", path).
		Int("tracks", len(comp.Tracks())).
		Float64("fps", float64(comp.FPS())).
		Str("duration", util.FormatDuration(comp.Duration().Duration())).
		Msg("project loaded")

	return &project{path: path, comp: comp, client: client}, nil
}

// Close stops every decode session and the decode worker
func (p *project) Close() error {
	p.comp.CancelDecoding()
	return p.client.Close()
}

func resolver(dir string, client *decode.Client) clips.Resolver {
	return func(kind clips.Kind, name string) (clips.Source, error) {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		switch kind {
		case clips.KindVideo, clips.KindAudio:
			return clips.NewFileSource(path, client), nil
		case clips.KindImage:
			return clips.NewImageSource(path), nil
		}
		return nil, fmt.Errorf("%s clips have no media source", kind)
	}
}

// render exports p into sink, logging progress about once per second of
// output
func render(ctx context.Context, p *project, sink mux.Sink, pc *pipeline.Config) error {
	fps := p.comp.FPS()
	every := max(int64(fps), 1)
	started := time.Now()
	pc.Progress = func(done, total int64) {
		if done%every != 0 && done != total {
			return
		}
		log.Info().
			Int64("frame", done).
			Int64("total", total).
			Str("position", util.FormatDuration(fps.Frames(done).Duration())).
			Float64("percent", float64(done)*100/float64(total)).
			Msg("rendering")
	}

	pipe, err := pipeline.New(log.Logger, p.comp, sink, pc)
	if err != nil {
		return err
	}
	if err := pipe.Export(ctx); err != nil {
		return err
	}

	log.Info().
		Str("project", p.path).
		Dur("elapsed", time.Since(started)).
		Msg("render complete")
	return nil
}

// describe prints one row per clip, top track first
func describe(w io.Writer, comp *composition.Composition) error {
	width, height := comp.Size()
	fmt.Fprintf(w, "%dx%d @ %v fps, %s\n\n", width, height, float64(comp.FPS()),
		util.FormatDuration(comp.Duration().Duration()))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACK\tKIND\tCLIP\tSOURCE\tSTART\tSTOP\tSTATE")
	for i, t := range comp.Tracks() {
		kind := string(t.Kind())
		if t.Disabled() {
			kind += " (disabled)"
		}
		if t.Len() == 0 {
			fmt.Fprintf(tw, "%d\t%s\t-\t-\t-\t-\t-\n", i, kind)
			continue
		}
		for _, c := range t.Clips() {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				i, kind, shortID(c.ID()), c.Name(),
				position(c.Start()), position(c.Stop()), c.State())
		}
	}
	return tw.Flush()
}

func position(t timecode.Timestamp) string {
	return fmt.Sprintf("%s (%df)", util.FormatDuration(t.Duration()), t.Frames())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
