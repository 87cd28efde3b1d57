package mux

import (
	"fmt"
	"io"
	"time"

	"github.com/grafov/m3u8"
)

// Segment is one file of a segmented output
type Segment struct {
	URI      string
	Duration time.Duration
}

// WritePlaylist writes a closed HLS VOD playlist listing segments in order
func WritePlaylist(w io.Writer, segments []Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("playlist needs at least one segment")
	}

	pl, err := m3u8.NewMediaPlaylist(0, uint(len(segments)))
	if err != nil {
		return fmt.Errorf("failed to create playlist: %w", err)
	}
	pl.MediaType = m3u8.VOD

	for _, s := range segments {
		if err := pl.Append(s.URI, s.Duration.Seconds(), ""); err != nil {
			return fmt.Errorf("failed to append segment %s: %w", s.URI, err)
		}
	}
	pl.Close()

	if _, err := pl.Encode().WriteTo(w); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	return nil
}

// SplitSegments divides total into segments of length each, the last one
// holding the remainder. Names come from pattern, a fmt verb for the index.
func SplitSegments(pattern string, total, each time.Duration) []Segment {
	if total <= 0 || each <= 0 {
		return nil
	}
	var out []Segment
	for i, at := 0, time.Duration(0); at < total; i, at = i+1, at+each {
		d := each
		if total-at < each {
			d = total - at
		}
		out = append(out, Segment{URI: fmt.Sprintf(pattern, i), Duration: d})
	}
	return out
}
