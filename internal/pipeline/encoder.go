package pipeline

import (
	"encoding/binary"
	"image"
	"math"
	"time"

	"github.com/kikiluvv/slopstudio/internal/mux"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// RawVideoEncoder packs composited frames as tightly packed RGBA. Every raw
// frame is a key chunk; real codecs are left to the sink.
type RawVideoEncoder struct {
	fps timecode.Rate
}

// NewRawVideoEncoder creates an encoder stamping chunks at fps
func NewRawVideoEncoder(fps timecode.Rate) *RawVideoEncoder {
	return &RawVideoEncoder{fps: fps}
}

// Encode packs img as the n-th output frame
func (e *RawVideoEncoder) Encode(img *image.RGBA, n int64) mux.Chunk {
	b := img.Bounds()
	row := b.Dx() * 4
	data := make([]byte, row*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		start := (y+b.Min.Y-img.Rect.Min.Y)*img.Stride + (b.Min.X-img.Rect.Min.X)*4
		copy(data[y*row:(y+1)*row], img.Pix[start:start+row])
	}
	return mux.Chunk{
		Stream:    mux.StreamVideo,
		Type:      mux.Key,
		Data:      data,
		Timestamp: e.fps.Frames(n).Duration(),
		Duration:  e.fps.FrameDuration(),
	}
}

// PCMEncoder packs interleaved float32 samples little-endian
type PCMEncoder struct {
	sampleRate int
	channels   int
}

// NewPCMEncoder creates an encoder for the given format
func NewPCMEncoder(sampleRate, channels int) *PCMEncoder {
	return &PCMEncoder{sampleRate: sampleRate, channels: channels}
}

// Encode packs samples starting at sample frame at. Samples are clipped to
// [-1, 1].
func (e *PCMEncoder) Encode(samples []float32, at int64) mux.Chunk {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	frames := int64(len(samples) / e.channels)
	return mux.Chunk{
		Stream:    mux.StreamAudio,
		Type:      mux.Key,
		Data:      data,
		Timestamp: e.at(at),
		Duration:  e.at(at+frames) - e.at(at),
	}
}

func (e *PCMEncoder) at(frame int64) time.Duration {
	return time.Duration(frame) * time.Second / time.Duration(e.sampleRate)
}
