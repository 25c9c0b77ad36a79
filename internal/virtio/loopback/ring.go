package loopback

import (
	"fmt"

	"github.com/rfratto/viofs/internal/virtio"
)

// Split ring flags.
const (
	availFlagNoInterrupt = 1
	usedElemSize         = 8
)

// ring is the guest memory layout of one split virtqueue:
//
//	desc:  size * 16 bytes
//	avail: flags u16, idx u16, ring [size]u16
//	used:  flags u16, idx u16, ring [size]{id u32, len u32}
type ring struct {
	mem  *Memory
	size uint16

	desc, avail, used virtio.Segment
}

func newRing(mem *Memory, alloc *PageAllocator, size int) (*ring, error) {
	if size <= 0 || size > 1<<15 || size&(size-1) != 0 {
		return nil, fmt.Errorf("queue size %d is not a power of two up to 32768", size)
	}

	r := &ring{mem: mem, size: uint16(size)}

	var err error
	if r.desc, err = alloc.AllocContiguous(size * virtio.DescriptorSize); err != nil {
		return nil, err
	}
	if r.avail, err = alloc.AllocContiguous(4 + 2*size); err != nil {
		return nil, err
	}
	if r.used, err = alloc.AllocContiguous(4 + usedElemSize*size); err != nil {
		return nil, err
	}

	// Pages may be reused from an earlier ring, so start from a clean state.
	for _, s := range []virtio.Segment{r.desc, r.avail, r.used} {
		mem.mustWrite(make([]byte, s.Len), s.Addr)
	}
	return r, nil
}

func (r *ring) readDesc(i uint16) virtio.Descriptor {
	var b [virtio.DescriptorSize]byte
	r.mem.mustRead(b[:], r.desc.Addr+uint64(i)*virtio.DescriptorSize)
	return virtio.UnmarshalDescriptor(b[:])
}

func (r *ring) writeDesc(i uint16, d virtio.Descriptor) {
	var b [virtio.DescriptorSize]byte
	virtio.MarshalDescriptor(b[:], d)
	r.mem.mustWrite(b[:], r.desc.Addr+uint64(i)*virtio.DescriptorSize)
}

func (r *ring) availFlags() uint16       { return r.mem.readU16(r.avail.Addr) }
func (r *ring) setAvailFlags(f uint16)   { r.mem.writeU16(r.avail.Addr, f) }
func (r *ring) availIdx() uint16         { return r.mem.readU16(r.avail.Addr + 2) }
func (r *ring) setAvailIdx(idx uint16)   { r.mem.writeU16(r.avail.Addr+2, idx) }
func (r *ring) usedIdx() uint16          { return r.mem.readU16(r.used.Addr + 2) }
func (r *ring) setUsedIdx(idx uint16)    { r.mem.writeU16(r.used.Addr+2, idx) }
func (r *ring) availAt(slot uint16) uint16 {
	return r.mem.readU16(r.avail.Addr + 4 + 2*uint64(slot%r.size))
}

func (r *ring) setAvailAt(slot uint16, head uint16) {
	r.mem.writeU16(r.avail.Addr+4+2*uint64(slot%r.size), head)
}

func (r *ring) usedAt(slot uint16) (id, written uint32) {
	addr := r.used.Addr + 4 + usedElemSize*uint64(slot%r.size)
	return r.mem.readU32(addr), r.mem.readU32(addr + 4)
}

func (r *ring) setUsedAt(slot uint16, id, written uint32) {
	addr := r.used.Addr + 4 + usedElemSize*uint64(slot%r.size)
	r.mem.writeU32(addr, id)
	r.mem.writeU32(addr+4, written)
}

// driverQueue is the guest side of a ring. It implements virtio.Virtqueue.
type driverQueue struct {
	r      *ring
	notify chan struct{}

	free     []uint16
	tokens   map[uint16]uint64
	lastUsed uint16
	nextIdx  uint16
}

var _ virtio.Virtqueue = (*driverQueue)(nil)

func newDriverQueue(r *ring) *driverQueue {
	q := &driverQueue{
		r:      r,
		notify: make(chan struct{}, 1),
		tokens: make(map[uint16]uint64),
	}
	for i := uint16(0); i < r.size; i++ {
		q.free = append(q.free, i)
	}
	return q
}

func (q *driverQueue) AddBuf(descs []virtio.Descriptor, token uint64) error {
	if len(descs) == 0 {
		return fmt.Errorf("empty descriptor chain")
	}
	if len(descs) > len(q.free) {
		return fmt.Errorf("%d descriptors needed, %d free: %w", len(descs), len(q.free), virtio.ErrQueueFull)
	}

	idx := q.free[:len(descs)]
	q.free = q.free[len(descs):]

	for i, d := range descs {
		d.Flags &^= virtio.DescFlagNext
		d.Next = 0
		if i < len(descs)-1 {
			d.Flags |= virtio.DescFlagNext
			d.Next = idx[i+1]
		}
		q.r.writeDesc(idx[i], d)
	}

	head := idx[0]
	q.tokens[head] = token
	q.r.setAvailAt(q.nextIdx, head)
	q.nextIdx++
	q.r.setAvailIdx(q.nextIdx)
	return nil
}

func (q *driverQueue) Kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *driverQueue) GetBuf() (token uint64, written uint32, ok bool) {
	if q.lastUsed == q.r.usedIdx() {
		return 0, 0, false
	}
	id, written := q.r.usedAt(q.lastUsed)
	q.lastUsed++

	head := uint16(id)
	token, ok = q.tokens[head]
	if !ok {
		panic(fmt.Sprintf("device returned descriptor %d which was never made available", head))
	}
	delete(q.tokens, head)

	// Return the chain's descriptors to the free list.
	for i := head; ; {
		q.free = append(q.free, i)
		d := q.r.readDesc(i)
		if d.Flags&virtio.DescFlagNext == 0 {
			break
		}
		i = d.Next
	}
	return token, written, true
}

func (q *driverQueue) DisableCallback() {
	q.r.setAvailFlags(q.r.availFlags() | availFlagNoInterrupt)
}

func (q *driverQueue) EnableCallback() bool {
	q.r.setAvailFlags(q.r.availFlags() &^ availFlagNoInterrupt)
	return q.lastUsed != q.r.usedIdx()
}

func (q *driverQueue) Size() int { return int(q.r.size) }
