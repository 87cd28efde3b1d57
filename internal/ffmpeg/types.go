package ffmpeg

import "io"

// Progress represents ffmpeg progress data
type Progress struct {
	Frame   int
	FPS     float64
	Bitrate string
	Time    string
	Speed   string
}

// ProgressFunc is a callback for progress updates during ffmpeg operations
type ProgressFunc func(*Progress)

// RunOptions configures ffmpeg execution
type RunOptions struct {
	Args []string
	// Stdin feeds the process when set, e.g. raw frames for pipe:0 inputs
	Stdin           io.Reader
	ProgressHandler ProgressFunc
	LogHandler      func(line string)
}

// Default encoding settings
const (
	DefaultCRF        = 23
	DefaultPreset     = "medium"
	DefaultVideoCodec = "libx264"
	DefaultAudioCodec = "aac"
	DefaultPixFmt     = "yuv420p"
)

// EncodeOptions configures the codecs MuxSink encodes with
type EncodeOptions struct {
	VideoCodec string
	AudioCodec string
	CRF        int
	Preset     string
	PixFmt     string
	// SegmentSeconds switches the output to HLS: numbered .ts segments plus
	// a VOD playlist written at Output
	SegmentSeconds float64
}

// DefaultEncodeOptions returns H.264/AAC settings
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{
		VideoCodec: DefaultVideoCodec,
		AudioCodec: DefaultAudioCodec,
		CRF:        DefaultCRF,
		Preset:     DefaultPreset,
		PixFmt:     DefaultPixFmt,
	}
}

func (o EncodeOptions) withDefaults() EncodeOptions {
	d := DefaultEncodeOptions()
	if o.VideoCodec == "" {
		o.VideoCodec = d.VideoCodec
	}
	if o.AudioCodec == "" {
		o.AudioCodec = d.AudioCodec
	}
	if o.CRF <= 0 {
		o.CRF = d.CRF
	}
	if o.Preset == "" {
		o.Preset = d.Preset
	}
	if o.PixFmt == "" {
		o.PixFmt = d.PixFmt
	}
	return o
}
