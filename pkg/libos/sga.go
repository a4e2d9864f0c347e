package libos

import (
	"github.com/rs/xid"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
)

// MaxSgaSegments bounds the number of segments one scatter-gather array
// may carry.
const MaxSgaSegments = 8

// Sga is a scatter-gather array: a logical buffer expressed as up to
// MaxSgaSegments segments without a contiguous copy.
type Sga struct {
	ID       string
	Segments []buf.Buffer
}

// NewSga assembles an sga from segments. It panics when the segment
// count exceeds MaxSgaSegments; the bound is part of the API contract.
func NewSga(segments ...buf.Buffer) *Sga {
	if len(segments) > MaxSgaSegments {
		panic("libos: sga segment count exceeds MaxSgaSegments")
	}
	return &Sga{ID: xid.New().String(), Segments: segments}
}

// SgaFromBytes wraps b as a single-segment sga.
func SgaFromBytes(b []byte) *Sga {
	return NewSga(buf.FromBytes(b))
}

// Len is the total payload length across segments.
func (s *Sga) Len() int {
	n := 0
	for _, seg := range s.Segments {
		n += seg.Len()
	}
	return n
}

// Flatten concatenates the segments into one buffer. A single-segment
// sga is returned without copying.
func (s *Sga) Flatten() buf.Buffer {
	if len(s.Segments) == 1 {
		return s.Segments[0]
	}
	m := buf.NewMutable(s.Len())
	off := 0
	for _, seg := range s.Segments {
		copy(m.Bytes()[off:], seg.Bytes())
		off += seg.Len()
	}
	return m.Freeze()
}

// CloneSga deep-copies every segment into stack-owned buffers, severing
// sharing with the caller's memory.
func (l *LibOS) CloneSga(s *Sga) *Sga {
	segs := make([]buf.Buffer, len(s.Segments))
	for i, seg := range s.Segments {
		segs[i] = seg.Clone()
	}
	return &Sga{ID: xid.New().String(), Segments: segs}
}

// FreeSga releases the sga's segment references.
func (l *LibOS) FreeSga(s *Sga) {
	s.Segments = nil
}
