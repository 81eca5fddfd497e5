package serial

import (
	"bytes"
	"regexp"
)

// DefaultMaxFrameBytes bounds the carry-over buffer.
const DefaultMaxFrameBytes = 64 * 1024

var (
	framePattern = regexp.MustCompile(`(?s)<\|(.*?)\|>`)
	openMarker   = []byte("<|")
)

// Framer extracts <|...|> frames from a byte stream.
//
// Partial frames are carried across Push calls, so the frames produced do
// not depend on how the stream was chunked. Bytes outside any frame are
// discarded. Not safe for concurrent use.
type Framer struct {
	buf     []byte
	max     int
	dropped uint64
}

// NewFramer returns a Framer whose carry-over buffer never exceeds
// maxBytes. Zero or negative means DefaultMaxFrameBytes.
func NewFramer(maxBytes int) *Framer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &Framer{max: maxBytes}
}

// Push appends data and returns every frame body completed by it.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var frames [][]byte
	consumed := 0
	for _, m := range framePattern.FindAllSubmatchIndex(f.buf, -1) {
		body := make([]byte, m[3]-m[2])
		copy(body, f.buf[m[2]:m[3]])
		frames = append(frames, body)
		f.dropped += uint64(m[0] - consumed)
		consumed = m[1]
	}

	rest := f.buf[consumed:]
	keep := bytes.Index(rest, openMarker)
	switch {
	case keep >= 0:
	case len(rest) > 0 && rest[len(rest)-1] == '<':
		keep = len(rest) - 1
	default:
		keep = len(rest)
	}
	f.dropped += uint64(keep)
	rest = rest[keep:]

	if len(rest) > f.max {
		// Keep the newest open marker; an oversized partial frame is lost.
		cut := bytes.LastIndex(rest, openMarker)
		if cut <= 0 || len(rest)-cut > f.max {
			cut = len(rest)
		}
		f.dropped += uint64(cut)
		rest = rest[cut:]
	}

	f.buf = append(f.buf[:0], rest...)
	return frames
}

// Buffered returns the number of bytes held for an incomplete frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Dropped returns the number of bytes discarded so far.
func (f *Framer) Dropped() uint64 { return f.dropped }

// Reset discards any partial frame, e.g. after the port reconnects.
func (f *Framer) Reset() {
	f.dropped += uint64(len(f.buf))
	f.buf = f.buf[:0]
}

// Encode wraps a frame body in the delimiters.
func Encode(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, '<', '|')
	out = append(out, body...)
	return append(out, '|', '>')
}
