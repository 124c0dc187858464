package protocol

import (
	"bytes"
	"iter"
	"strings"
	"unicode/utf8"
)

// Framer splits a connection's inbound byte stream into command lines.
//
// Bytes are accumulated across calls to Feed, so a line may arrive split over
// any number of reads. A chunk that is not valid UTF-8 is dropped as a whole;
// the connection carries on with the next chunk. A multi-byte sequence cut off
// at the end of a chunk is held back and judged together with the next chunk.
//
// A Framer is not safe for concurrent use; each connection owns its own.
type Framer struct {
	buf     []byte // decoded text not yet terminated by '\n'
	pending []byte // incomplete trailing UTF-8 sequence from the last chunk
}

// Feed appends chunk to the framer and returns the complete lines now
// available. Lines are trimmed of surrounding whitespace and blank lines are
// skipped. The sequence is lazy: lines the caller does not consume stay
// buffered and are produced by the next call.
func (f *Framer) Feed(chunk []byte) iter.Seq[string] {
	data := chunk
	if len(f.pending) > 0 {
		data = append(f.pending, chunk...)
		f.pending = nil
	}

	complete, tail := splitIncompleteRune(data)
	if utf8.Valid(complete) {
		f.buf = append(f.buf, complete...)
		if len(tail) > 0 {
			f.pending = append([]byte(nil), tail...)
		}
	}

	return f.lines
}

// Buffered returns the number of bytes held for a line that is not yet complete.
func (f *Framer) Buffered() int {
	return len(f.buf) + len(f.pending)
}

func (f *Framer) lines(yield func(string) bool) {
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimSpace(string(f.buf[:i]))
		f.buf = f.buf[i+1:]
		if len(f.buf) == 0 {
			f.buf = nil
		}
		if line == "" {
			continue
		}
		if !yield(line) {
			return
		}
	}
}

// splitIncompleteRune separates a trailing, not yet complete UTF-8 sequence
// from data. Invalid trailing bytes are left in complete so that validation
// rejects them.
func splitIncompleteRune(data []byte) (complete, tail []byte) {
	limit := len(data) - utf8.UTFMax
	if limit < 0 {
		limit = 0
	}
	for i := len(data) - 1; i >= limit; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if utf8.FullRune(data[i:]) {
			return data, nil
		}
		return data[:i], data[i:]
	}
	return data, nil
}
