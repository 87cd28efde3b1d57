package decode

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"time"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

var (
	// ErrDecode wraps every failure reported by the worker
	ErrDecode = errors.New("decode: worker reported failure")
	// ErrClosed is returned after the client or worker has been stopped
	ErrClosed = errors.New("decode: closed")
	// ErrCancelled is returned by a session after Cancel
	ErrCancelled = errors.New("decode: session cancelled")
)

// Media selects which elementary stream a job decodes
type Media int

const (
	MediaVideo Media = iota
	MediaAudio
)

func (m Media) String() string {
	if m == MediaAudio {
		return "audio"
	}
	return "video"
}

// Info describes a probed source
type Info struct {
	Duration   time.Duration `json:"duration"`
	FPS        float64       `json:"fps"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	HasVideo   bool          `json:"hasVideo"`
	HasAudio   bool          `json:"hasAudio"`
	SampleRate int           `json:"sampleRate"`
	Channels   int           `json:"channels"`
}

// Job asks the worker to decode [Start, End) of a source. Times are
// source-local and expressed at the requesting composition's rate. A zero End
// decodes to the end of the source.
type Job struct {
	Source     string
	Media      Media
	Start      timecode.Timestamp
	End        timecode.Timestamp
	FPS        timecode.Rate
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// Frame is one decoded unit: an RGBA picture for video jobs or an interleaved
// block of samples for audio jobs. Timestamp is source-local.
type Frame struct {
	Image     *image.RGBA
	Samples   []float32
	Timestamp timecode.Timestamp

	released atomic.Bool
	release  func()
}

// NewFrame wraps decoded data. release, when set, runs once on Release.
func NewFrame(img *image.RGBA, samples []float32, ts timecode.Timestamp, release func()) *Frame {
	return &Frame{Image: img, Samples: samples, Timestamp: ts, release: release}
}

// Release frees the frame's resources. Safe to call more than once.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.release != nil {
		f.release()
	}
}

// Released reports whether Release has been called
func (f *Frame) Released() bool {
	return f.released.Load()
}

// Backend is the external demux/decode implementation driven by the worker
type Backend interface {
	Probe(ctx context.Context, source string) (Info, error)
	Open(ctx context.Context, job Job) (Stream, error)
}

// Stream yields decoded frames in presentation order and io.EOF at the end
type Stream interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// RequestKind tags messages sent to the worker
type RequestKind int

const (
	RequestProbe RequestKind = iota
	RequestDecode
	RequestPull
	RequestCancel
)

func (k RequestKind) String() string {
	switch k {
	case RequestProbe:
		return "probe"
	case RequestDecode:
		return "decode"
	case RequestPull:
		return "pull"
	case RequestCancel:
		return "cancel"
	}
	return "unknown"
}

// Request is a message to the worker. Payload is a source name for probe, a
// Job for decode, a credit count for pull and nil for cancel.
type Request struct {
	Kind    RequestKind
	ID      uint64
	Payload any
}

// ResponseKind tags messages sent by the worker
type ResponseKind int

const (
	ResponseInfo ResponseKind = iota
	ResponseFrame
	ResponseClose
	ResponseError
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseInfo:
		return "info"
	case ResponseFrame:
		return "frame"
	case ResponseClose:
		return "close"
	case ResponseError:
		return "error"
	}
	return "unknown"
}

// Response echoes the correlation id of the request it answers
type Response struct {
	Kind  ResponseKind
	ID    uint64
	Info  Info
	Frame *Frame
	Err   error
}
