package runner

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder turns PTY bytes into UTF-8 text chunk by chunk. A multi-byte sequence
// split across two reads is held back until the rest arrives; ill-formed bytes
// become U+FFFD.
type Decoder struct {
	t       transform.Transformer
	pending []byte
}

func NewDecoder() *Decoder {
	return &Decoder{t: unicode.UTF8.NewDecoder()}
}

// Decode converts p. With final set, a trailing incomplete sequence is flushed
// as U+FFFD instead of being kept for the next call.
func (d *Decoder) Decode(p []byte, final bool) string {
	src := make([]byte, 0, len(d.pending)+len(p))
	src = append(src, d.pending...)
	src = append(src, p...)
	d.pending = nil

	if len(src) == 0 {
		return ""
	}

	var out strings.Builder
	dst := make([]byte, 3*len(src)+4)
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, final)
		out.Write(dst[:nDst])
		src = src[nSrc:]

		switch err {
		case nil:
			return out.String()
		case transform.ErrShortDst:
			dst = make([]byte, 2*len(dst))
		case transform.ErrShortSrc:
			d.pending = append(d.pending, src...)
			return out.String()
		default:
			return out.String()
		}
	}
}

// Pending reports how many bytes are held back waiting for completion.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Newlines rewrites line endings to CRLF across a stream of chunks.
// A CR at the end of one chunk followed by LF at the start of the next is kept
// as a single pair.
type Newlines struct {
	lastCR bool
}

func (n *Newlines) Normalize(s string) string {
	if !strings.Contains(s, "\n") {
		if s != "" {
			n.lastCR = s[len(s)-1] == '\r'
		}
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + strings.Count(s, "\n"))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\n' && !n.lastCR {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
		n.lastCR = c == '\r'
	}
	return b.String()
}

// NormalizeNewlines converts every lone LF in s to CRLF. Already normalized
// text comes back unchanged.
func NormalizeNewlines(s string) string {
	var n Newlines
	return n.Normalize(s)
}
