package virtio

import (
	"fmt"
	"io"
)

// Memory is guest memory shared with the device, addressed by guest
// physical address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Segment is a physically contiguous range of guest memory.
type Segment struct {
	Addr uint64
	Len  uint32
}

// End returns the address just past the segment.
func (s Segment) End() uint64 { return s.Addr + uint64(s.Len) }

// Buffer is a possibly discontiguous region of guest memory made of one or
// more segments, in order.
type Buffer struct {
	Segments []Segment
}

// Len returns the total size of b in bytes.
func (b Buffer) Len() int {
	var n int
	for _, s := range b.Segments {
		n += int(s.Len)
	}
	return n
}

// Slice returns the leading n bytes of b. The result shares b's segments
// and must not be freed on its own.
func (b Buffer) Slice(n int) Buffer {
	var out Buffer
	for _, s := range b.Segments {
		if n <= 0 {
			break
		}
		if int(s.Len) > n {
			s.Len = uint32(n)
		}
		out.Segments = append(out.Segments, s)
		n -= int(s.Len)
	}
	return out
}

// Allocator hands out DMA-capable guest memory.
type Allocator interface {
	// Alloc returns a buffer of at least size bytes. The buffer may span
	// several discontiguous pages.
	Alloc(size int) (Buffer, error)

	// AllocContiguous returns a single physically contiguous segment of at
	// least size bytes.
	AllocContiguous(size int) (Segment, error)

	// Free returns b to the allocator.
	Free(b Buffer)
}

// CopyIn writes data into b, segment by segment. data must fit in b.
func CopyIn(mem Memory, b Buffer, data []byte) error {
	if len(data) > b.Len() {
		return fmt.Errorf("%d bytes don't fit in a %d byte buffer: %w", len(data), b.Len(), ErrResourceExhausted)
	}
	for _, s := range b.Segments {
		if len(data) == 0 {
			break
		}
		n := int(s.Len)
		if n > len(data) {
			n = len(data)
		}
		if _, err := mem.WriteAt(data[:n], int64(s.Addr)); err != nil {
			return fmt.Errorf("writing guest memory at %#x: %w", s.Addr, err)
		}
		data = data[n:]
	}
	return nil
}

// CopyOut reads the first n bytes of b.
func CopyOut(mem Memory, b Buffer, n int) ([]byte, error) {
	if n > b.Len() {
		return nil, fmt.Errorf("device wrote %d bytes to a %d byte buffer", n, b.Len())
	}
	out := make([]byte, n)
	rest := out
	for _, s := range b.Segments {
		if len(rest) == 0 {
			break
		}
		sz := int(s.Len)
		if sz > len(rest) {
			sz = len(rest)
		}
		if _, err := mem.ReadAt(rest[:sz], int64(s.Addr)); err != nil {
			return nil, fmt.Errorf("reading guest memory at %#x: %w", s.Addr, err)
		}
		rest = rest[sz:]
	}
	return out, nil
}
