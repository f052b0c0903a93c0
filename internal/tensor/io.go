package tensor

import (
	"bytes"
	"fmt"
	"io"
)

// ReadFrom reads one tensor in the boundary byte layout from r.
func ReadFrom(r io.Reader) (*Tensor, error) {
	header := make([]byte, HeaderBytes)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading tensor header: %w", err)
	}
	shape, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}

	// The payload buffer grows with the bytes actually read, so a header
	// announcing more data than r holds fails without a large allocation.
	payload := int64(shape.SizeBytes() - HeaderBytes)
	var b bytes.Buffer
	b.Grow(HeaderBytes + int(min(payload, 1<<20)))
	b.Write(header)
	n, err := io.CopyN(&b, r, payload)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading %s tensor payload (%d of %d bytes): %w", shape, n, payload, err)
	}
	return &Tensor{buf: b.Bytes()}, nil
}

// WriteTo writes the tensor's boundary byte layout to w.
func (t *Tensor) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(t.buf)
	return int64(n), err
}
