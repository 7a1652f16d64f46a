package turnstream

import "bytes"

var frameDelimiter = []byte("\n\n")

// Framer splits a byte stream into blank-line delimited segments. Incomplete
// trailing data is kept until a later Push completes it.
type Framer struct {
	buf []byte
}

// Push appends chunk and returns every segment completed by it, in order.
func (f *Framer) Push(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	f.buf = append(f.buf, chunk...)

	var out []string
	for {
		idx := bytes.Index(f.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		out = append(out, string(f.buf[:idx]))
		f.buf = f.buf[idx+len(frameDelimiter):]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	} else if len(out) > 0 {
		// compact so the backing array does not grow with the stream
		f.buf = append([]byte(nil), f.buf...)
	}
	return out
}

// Buffered reports the number of bytes waiting for a delimiter.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset drops any partial segment.
func (f *Framer) Reset() { f.buf = nil }
