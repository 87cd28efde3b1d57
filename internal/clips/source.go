package clips

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
	"sync/atomic"

	_ "golang.org/x/image/webp"

	"github.com/kikiluvv/slopstudio/internal/decode"
)

// Source is the media handle behind a clip
type Source interface {
	Name() string
	Probe(ctx context.Context) (decode.Info, error)
}

// MediaSource is a Source that streams decoded frames
type MediaSource interface {
	Source
	Decode(ctx context.Context, job decode.Job) (*decode.Session, error)
}

// Resolver rebuilds a Source from its serialized name
type Resolver func(kind Kind, name string) (Source, error)

// Shared reference-counts a Source so clips created by Copy can hold the
// same handle. The handle is closed when the last holder releases it.
type Shared struct {
	Source
	refs atomic.Int32
}

// Share wraps src with one reference held by the caller
func Share(src Source) *Shared {
	s := &Shared{Source: src}
	s.refs.Store(1)
	return s
}

// Retain adds a holder and returns s
func (s *Shared) Retain() *Shared {
	s.refs.Add(1)
	return s
}

// Release drops a holder; the last release closes the source if it can be
// closed
func (s *Shared) Release() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	if c, ok := s.Source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Refs returns the number of holders
func (s *Shared) Refs() int { return int(s.refs.Load()) }

// FileSource is a media file decoded by a decode client
type FileSource struct {
	path   string
	client *decode.Client

	mu   sync.Mutex
	info *decode.Info
}

// NewFileSource creates a source for path served by client
func NewFileSource(path string, client *decode.Client) *FileSource {
	return &FileSource{path: path, client: client}
}

// Name returns the file path
func (f *FileSource) Name() string { return f.path }

// Probe asks the decode worker for metadata once and caches it
func (f *FileSource) Probe(ctx context.Context) (decode.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info != nil {
		return *f.info, nil
	}
	info, err := f.client.Probe(ctx, f.path)
	if err != nil {
		return decode.Info{}, err
	}
	f.info = &info
	return info, nil
}

// Decode starts a streaming session over the file
func (f *FileSource) Decode(ctx context.Context, job decode.Job) (*decode.Session, error) {
	job.Source = f.path
	return f.client.Decode(ctx, job)
}

// ImageSource is a still image file (PNG, JPEG, GIF or WebP)
type ImageSource struct {
	path string

	mu  sync.Mutex
	img image.Image
}

// NewImageSource creates a source for the image at path
func NewImageSource(path string) *ImageSource {
	return &ImageSource{path: path}
}

// NewImageSourceFrom wraps an already decoded image
func NewImageSourceFrom(name string, img image.Image) *ImageSource {
	return &ImageSource{path: name, img: img}
}

// Name returns the file path
func (s *ImageSource) Name() string { return s.path }

// Probe decodes the image and reports its size
func (s *ImageSource) Probe(ctx context.Context) (decode.Info, error) {
	img, err := s.Image()
	if err != nil {
		return decode.Info{}, err
	}
	b := img.Bounds()
	return decode.Info{Width: b.Dx(), Height: b.Dy(), HasVideo: true}, nil
}

// Image returns the decoded image, loading it on first use
func (s *ImageSource) Image() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img != nil {
		return s.img, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", s.path, err)
	}
	s.img = img
	return img, nil
}
