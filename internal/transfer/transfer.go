// Package transfer moves bytes into caller-owned memory under size checks.
//
// A Region stands for the memory a caller granted for one request. A Slice
// scopes that region to the size the request declared, and its Writer is the
// only way a device may place bytes there.
package transfer

import (
	"errors"
	"fmt"
)

// ErrFault reports a destination that is missing, too small, or out of bounds.
var ErrFault = errors.New("transfer: bad address")

// Region is caller memory granted for one request.
type Region struct {
	buf   []byte
	valid bool
}

// NewRegion grants n bytes of zeroed caller memory.
func NewRegion(n int) Region {
	if n < 0 {
		return Region{}
	}
	return Region{buf: make([]byte, n), valid: true}
}

// NilRegion is a request that carried no destination at all.
func NilRegion() Region {
	return Region{}
}

// Valid reports whether the region points anywhere.
func (r Region) Valid() bool {
	return r.valid
}

// Len is the size of the granted memory.
func (r Region) Len() int {
	return len(r.buf)
}

// Bytes returns the region contents. The caller owns the returned slice.
func (r Region) Bytes() []byte {
	return r.buf
}

// Slice is a region viewed through the size a request declared.
type Slice struct {
	region Region
	size   int
}

func NewSlice(region Region, size uint32) Slice {
	return Slice{region: region, size: int(size)}
}

// Writer returns a cursor positioned at the start of the slice.
func (s Slice) Writer() *Writer {
	return &Writer{slice: s}
}

// Writer copies into a Slice. Each write is all-or-nothing.
type Writer struct {
	slice Slice
	off   int
}

// Len is the number of bytes that may still be written.
func (w *Writer) Len() int {
	limit := w.slice.size
	if l := w.slice.region.Len(); l < limit {
		limit = l
	}
	if w.off >= limit {
		return 0
	}
	return limit - w.off
}

// Written is the number of bytes copied so far.
func (w *Writer) Written() int {
	return w.off
}

// Write copies all of p or nothing.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.slice.region.Valid() {
		return 0, fmt.Errorf("%w: no destination", ErrFault)
	}
	if w.off+len(p) > w.slice.size {
		return 0, fmt.Errorf("%w: write of %d bytes exceeds declared size %d", ErrFault, len(p), w.slice.size-w.off)
	}
	if w.off+len(p) > w.slice.region.Len() {
		return 0, fmt.Errorf("%w: write of %d bytes exceeds region of %d", ErrFault, len(p), w.slice.region.Len()-w.off)
	}
	copy(w.slice.region.buf[w.off:], p)
	w.off += len(p)
	return len(p), nil
}
