package virtio

import (
	"encoding/binary"
	"fmt"
)

// DescFlags are the flags of a split-ring descriptor.
type DescFlags uint16

const (
	DescFlagNext     DescFlags = 1 << 0 // Chain continues via Next
	DescFlagWrite    DescFlags = 1 << 1 // Device writes into the buffer
	DescFlagIndirect DescFlags = 1 << 2 // Buffer holds a table of descriptors
)

// DescriptorSize is the wire size of a Descriptor.
const DescriptorSize = 16

// FeatureIndirectDesc is the feature bit for VIRTIO_RING_F_INDIRECT_DESC.
const FeatureIndirectDesc = 28

// Descriptor describes one fragment of a request. Next is filled in by the
// queue when the chain is placed into the ring, except inside indirect
// tables where it indexes the table itself.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags DescFlags
	Next  uint16
}

// MarshalDescriptor encodes d into b, which must be at least DescriptorSize
// bytes.
func MarshalDescriptor(b []byte, d Descriptor) {
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint32(b[8:], d.Len)
	binary.LittleEndian.PutUint16(b[12:], uint16(d.Flags))
	binary.LittleEndian.PutUint16(b[14:], d.Next)
}

// UnmarshalDescriptor decodes a descriptor from b.
func UnmarshalDescriptor(b []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: DescFlags(binary.LittleEndian.Uint16(b[12:])),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}
}

// Chain is the descriptor list for one request: readable fragments first,
// then writable fragments. An indirect chain is a single descriptor pointing
// at a table it owns.
type Chain struct {
	Descs []Descriptor

	table    Segment
	indirect bool

	// Number of fragments described, inline or via the table.
	fragments int
}

// Indirect reports whether c uses an indirect table.
func (c *Chain) Indirect() bool { return c.indirect }

// Fragments returns the number of fragments c describes.
func (c *Chain) Fragments() int { return c.fragments }

// Free releases the indirect table owned by c, if any.
func (c *Chain) Free(alloc Allocator) {
	if c.indirect {
		alloc.Free(Buffer{Segments: []Segment{c.table}})
		c.indirect = false
	}
}

// BuildChain turns a readable and a writable buffer into a descriptor chain.
// Physically adjacent segments are merged into a single fragment. If the
// fragment count exceeds limit, the fragments are written to an indirect
// table when indirect is true; otherwise ErrResourceExhausted is returned.
func BuildChain(mem Memory, alloc Allocator, readable, writable Buffer, limit int, indirect bool) (*Chain, error) {
	descs := appendFragments(nil, readable, 0)
	descs = appendFragments(descs, writable, DescFlagWrite)
	if len(descs) == 0 {
		return nil, fmt.Errorf("empty request")
	}

	if len(descs) <= limit {
		return &Chain{Descs: descs, fragments: len(descs)}, nil
	}
	if !indirect {
		return nil, fmt.Errorf("%d fragments exceed queue limit %d: %w", len(descs), limit, ErrResourceExhausted)
	}

	// The table is itself limited by the 16-bit Next field.
	if len(descs) > 1<<16 {
		return nil, fmt.Errorf("%d fragments exceed indirect table limit: %w", len(descs), ErrResourceExhausted)
	}

	table, err := alloc.AllocContiguous(len(descs) * DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("allocating indirect table: %w", err)
	}

	raw := make([]byte, len(descs)*DescriptorSize)
	for i, d := range descs {
		if i < len(descs)-1 {
			d.Flags |= DescFlagNext
			d.Next = uint16(i + 1)
		}
		MarshalDescriptor(raw[i*DescriptorSize:], d)
	}
	if _, err := mem.WriteAt(raw, int64(table.Addr)); err != nil {
		alloc.Free(Buffer{Segments: []Segment{table}})
		return nil, fmt.Errorf("writing indirect table: %w", err)
	}

	return &Chain{
		Descs: []Descriptor{{
			Addr:  table.Addr,
			Len:   uint32(len(raw)),
			Flags: DescFlagIndirect,
		}},
		table:     table,
		indirect:  true,
		fragments: len(descs),
	}, nil
}

func appendFragments(descs []Descriptor, b Buffer, flags DescFlags) []Descriptor {
	start := len(descs)
	for _, s := range b.Segments {
		if s.Len == 0 {
			continue
		}
		if n := len(descs); n > start {
			last := &descs[n-1]
			if last.Addr+uint64(last.Len) == s.Addr && uint64(last.Len)+uint64(s.Len) <= 1<<32-1 {
				last.Len += s.Len
				continue
			}
		}
		descs = append(descs, Descriptor{Addr: s.Addr, Len: s.Len, Flags: flags})
	}
	return descs
}
