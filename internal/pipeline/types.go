package pipeline

import (
	"fmt"
	"image/color"
)

// ProgressFunc receives the processed and total number of video frames
// after each frame is muxed
type ProgressFunc func(processed, total int64)

// Config holds export settings
type Config struct {
	// Start and End select the exported frames [Start, End). End zero means
	// the composition duration.
	Start int64
	End   int64

	// Audio is mixed and muxed on its own stream when enabled
	Audio      bool
	SampleRate int
	Channels   int
	// AudioBlock is the number of sample frames per audio chunk
	AudioBlock int

	Background color.Color
	// Fonts maps font family names to font files; unknown families fall back
	// to the built-in face
	Fonts map[string]string

	Progress ProgressFunc
}

// DefaultConfig returns a config exporting the whole composition with
// stereo 48kHz audio
func DefaultConfig() *Config {
	return &Config{
		Audio:      true,
		SampleRate: 48000,
		Channels:   2,
		AudioBlock: 1024,
		Background: color.Black,
	}
}

// Validate checks the config
func (c *Config) Validate() error {
	if c.Start < 0 {
		return fmt.Errorf("start frame %d is negative", c.Start)
	}
	if c.End != 0 && c.End <= c.Start {
		return fmt.Errorf("end frame %d is not after start frame %d", c.End, c.Start)
	}
	if c.Audio {
		if c.SampleRate <= 0 || c.Channels <= 0 || c.AudioBlock <= 0 {
			return fmt.Errorf("invalid audio format: %d Hz, %d channels, %d frame blocks",
				c.SampleRate, c.Channels, c.AudioBlock)
		}
	}
	return nil
}
