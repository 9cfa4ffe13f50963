package protocol

import (
	"errors"
	"io"
)

// Accumulator buffers response chunks in arrival order. It belongs to a
// single call and is not safe for concurrent use.
type Accumulator struct {
	chunks [][]byte
	size   int64
	limit  int64
	err    error
}

// NewAccumulator creates an accumulator that fails once more than limit
// bytes arrive. A limit of zero disables the check.
func NewAccumulator(limit int64) *Accumulator {
	return &Accumulator{limit: limit}
}

// Write stores a copy of p as the next chunk.
func (a *Accumulator) Write(p []byte) (int, error) {
	if a.err != nil {
		return 0, a.err
	}
	if a.limit > 0 && a.size+int64(len(p)) > a.limit {
		a.fail(ErrBodyTooLarge)
		return 0, a.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	a.chunks = append(a.chunks, chunk)
	a.size += int64(len(p))
	return len(p), nil
}

// ReadFrom drains r through buf, storing each read as one chunk.
func (a *Accumulator) ReadFrom(r io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := a.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			a.fail(err)
			return total, err
		}
	}
}

// Concat joins the buffered chunks into one slice and empties the
// accumulator. The result is never nil. After a failed write Concat returns
// that failure and the partial data is gone.
func (a *Accumulator) Concat() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	out := make([]byte, 0, a.size)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	a.chunks = nil
	a.size = 0
	return out, nil
}

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int64 { return a.size }

// Chunks returns the number of buffered chunks.
func (a *Accumulator) Chunks() int { return len(a.chunks) }

func (a *Accumulator) fail(err error) {
	a.err = err
	a.chunks = nil
	a.size = 0
}
