package config

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/kikiluvv/slopstudio/pkg/util"
)

type contextKey string

const configKey contextKey = "config"

// Config holds all application configuration
type Config struct {
	Composition CompositionConfig `yaml:"composition" toml:"composition"`
	Render      RenderConfig      `yaml:"render" toml:"render"`
	Decode      DecodeConfig      `yaml:"decode" toml:"decode"`
	FFmpeg      FFmpegConfig      `yaml:"ffmpeg" toml:"ffmpeg"`

	// Fonts maps font family names used by text clips to font files
	Fonts map[string]string `yaml:"fonts" toml:"fonts"`
}

// CompositionConfig is used for compositions created without a project file
type CompositionConfig struct {
	FPS    float64 `yaml:"fps" toml:"fps"`
	Width  int     `yaml:"width" toml:"width"`
	Height int     `yaml:"height" toml:"height"`
}

type RenderConfig struct {
	VideoCodec string `yaml:"video_codec" toml:"video_codec"`
	AudioCodec string `yaml:"audio_codec" toml:"audio_codec"`
	CRF        int    `yaml:"crf" toml:"crf"`
	Preset     string `yaml:"preset" toml:"preset"`
	Audio      bool   `yaml:"audio" toml:"audio"`
	SampleRate int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels   int    `yaml:"channels" toml:"channels"`
	// Background is a #RRGGBB colour behind the lowest layer
	Background string `yaml:"background" toml:"background"`
	// SegmentSeconds > 0 writes HLS segments instead of a single file
	SegmentSeconds float64 `yaml:"segment_seconds" toml:"segment_seconds"`
}

type DecodeConfig struct {
	Prefetch int `yaml:"prefetch" toml:"prefetch"`
	// IdleTimeout aborts a render when no decoded frame arrives in time
	IdleTimeout string `yaml:"idle_timeout" toml:"idle_timeout"`
}

type FFmpegConfig struct {
	BinaryPath string `yaml:"binary_path" toml:"binary_path"`
	ProbePath  string `yaml:"probe_path" toml:"probe_path"`
	Threads    int    `yaml:"threads" toml:"threads"`
}

// Load reads configuration from file or returns defaults. .toml files are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if isTOML(path) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes configuration to file in the format its extension names
func (c *Config) Save(path string) error {
	data, err := c.Encode(isTOML(path))
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Encode renders the config as TOML or YAML
func (c *Config) Encode(asTOML bool) ([]byte, error) {
	if asTOML {
		return toml.Marshal(c)
	}
	return yaml.Marshal(c)
}

// Validate checks values that would otherwise fail deep inside a render
func (c *Config) Validate() error {
	if c.Composition.FPS <= 0 {
		return fmt.Errorf("composition fps must be positive, got %v", c.Composition.FPS)
	}
	if c.Composition.Width <= 0 || c.Composition.Height <= 0 {
		return fmt.Errorf("composition size must be positive, got %dx%d", c.Composition.Width, c.Composition.Height)
	}
	if c.Render.Audio && (c.Render.SampleRate <= 0 || c.Render.Channels <= 0) {
		return fmt.Errorf("invalid audio format %d Hz, %d channels", c.Render.SampleRate, c.Render.Channels)
	}
	if c.Render.SegmentSeconds < 0 {
		return fmt.Errorf("segment_seconds cannot be negative")
	}
	if _, err := c.BackgroundColor(); err != nil {
		return err
	}
	if _, err := c.IdleTimeout(); err != nil {
		return err
	}
	return nil
}

// BackgroundColor parses Render.Background
func (c *Config) BackgroundColor() (color.Color, error) {
	s := strings.TrimPrefix(strings.TrimSpace(c.Render.Background), "#")
	if s == "" {
		return color.Black, nil
	}
	var r, g, b uint8
	if len(s) != 6 {
		return nil, fmt.Errorf("invalid background colour %q", c.Render.Background)
	}
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return nil, fmt.Errorf("invalid background colour %q: %w", c.Render.Background, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// IdleTimeout parses Decode.IdleTimeout. Empty returns zero and the decode
// client keeps its 20s default.
func (c *Config) IdleTimeout() (time.Duration, error) {
	if c.Decode.IdleTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Decode.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid decode idle_timeout: %w", err)
	}
	return d, nil
}

func defaultConfig() *Config {
	return &Config{
		Composition: CompositionConfig{
			FPS:    30,
			Width:  1920,
			Height: 1080,
		},
		Render: RenderConfig{
			VideoCodec: "libx264",
			AudioCodec: "aac",
			CRF:        23,
			Preset:     "medium",
			Audio:      true,
			SampleRate: 48000,
			Channels:   2,
			Background: "#000000",
		},
		Decode: DecodeConfig{
			Prefetch:    8,
			IdleTimeout: "30s",
		},
		FFmpeg: FFmpegConfig{
			BinaryPath: "ffmpeg",
			ProbePath:  "ffprobe",
			Threads:    0,
		},
		Fonts: make(map[string]string),
	}
}

// Default returns the built-in configuration
func Default() *Config {
	return defaultConfig()
}

func findConfigFile() string {
	candidates := []string{
		"./slopstudio.yaml",
		"./slopstudio.yml",
		"./slopstudio.toml",
		filepath.Join(os.Getenv("HOME"), ".slopstudio", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".slopstudio", "config.toml"),
	}

	for _, path := range candidates {
		if util.FileExists(path) {
			return path
		}
	}

	return ""
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
