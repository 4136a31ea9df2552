package classify

// streaming.go holds the io.Reader wrappers applied to a source before it
// reaches the CSV parser. Each keeps a small fixed buffer, so a
// multi-gigabyte source is read in constant memory:
//
//   - SkipBOM drops a leading UTF-8 byte order mark (Excel exports add one)
//   - SanitizeUTF8 replaces invalid UTF-8 bytes with U+FFFD
//   - CountingReader tracks bytes read for progress reporting
//
// Wrap applies all three in the right order.

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// SkipBOM returns a reader that omits a leading UTF-8 BOM if r starts with one.
func SkipBOM(r io.Reader) io.Reader {
	return &bomReader{br: bufio.NewReader(r)}
}

type bomReader struct {
	br      *bufio.Reader
	checked bool
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		// A short or failing Peek leaves the bytes (or the error) buffered
		// for the Read below.
		if head, err := b.br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = b.br.Discard(len(utf8BOM))
		}
	}
	return b.br.Read(p)
}

// SanitizeUTF8 returns a reader that replaces each invalid UTF-8 byte with
// U+FFFD. A sequence split across reads is held back by the transformer
// until it is complete, whatever the size of the caller's buffer.
func SanitizeUTF8(r io.Reader) io.Reader {
	return transform.NewReader(r, runes.ReplaceIllFormed())
}

// CountingReader tracks the number of bytes read through it. BytesRead and
// Progress are safe to call from other goroutines while reads are running.
type CountingReader struct {
	r     io.Reader
	n     atomic.Int64
	total int64
}

// NewCountingReader wraps r. total is the expected size, or 0 if unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (c *CountingReader) BytesRead() int64 {
	return c.n.Load()
}

// Progress returns read progress as a percentage (0-100), or 0 when the
// total size is unknown.
func (c *CountingReader) Progress() int {
	if c.total <= 0 {
		return 0
	}
	p := int(c.n.Load() * 100 / c.total)
	if p > 100 {
		p = 100
	}
	return p
}

// Wrap counts source bytes, then skips a BOM and sanitizes UTF-8. The
// returned reader feeds the parser; the counter measures the raw source,
// so its Progress compares against the source size.
func Wrap(r io.Reader, total int64) (io.Reader, *CountingReader) {
	counter := NewCountingReader(r, total)
	return SanitizeUTF8(SkipBOM(counter)), counter
}
