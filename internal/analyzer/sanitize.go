package analyzer

import (
	"bufio"
	"io"
	"unicode/utf8"
)

const byteOrderMark = '\uFEFF'

// textReader cleans CSV input on the fly: a leading UTF-8 BOM is dropped and
// every invalid UTF-8 byte becomes '?'. Memory use is bounded by the bufio
// buffer regardless of input size.
type textReader struct {
	src     *bufio.Reader
	started bool
	pending []byte
}

func newTextReader(r io.Reader) *textReader {
	return &textReader{src: bufio.NewReader(r), pending: make([]byte, 0, utf8.UTFMax)}
}

func (t *textReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(t.pending) > 0 {
			c := copy(p[n:], t.pending)
			t.pending = t.pending[c:]
			n += c
			continue
		}

		r, size, err := t.src.ReadRune()
		if err != nil {
			if err == io.EOF && n > 0 {
				return n, nil
			}
			return n, err
		}
		if !t.started {
			t.started = true
			if r == byteOrderMark {
				continue
			}
		}
		if r == utf8.RuneError && size == 1 {
			r = '?'
		}
		if r < utf8.RuneSelf {
			p[n] = byte(r)
			n++
			continue
		}
		t.pending = utf8.AppendRune(t.pending[:0], r)
	}
	return n, nil
}
