// Package loopback implements an in-process virtio-fs device. Guest memory,
// split rings and the device side all live in the same process, with FUSE
// requests answered by a Handler. It lets the transport and everything above
// it run end-to-end without a hypervisor.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/viofs/internal/virtio"
	"golang.org/x/sync/errgroup"
)

// Handler answers one encoded FUSE request. A nil reply means the request
// gets no reply, as with FORGET. server.Server.Serve is a Handler.
type Handler func(ctx context.Context, req []byte) []byte

// Options configures a Device.
type Options struct {
	Tag              string `yaml:"tag"`
	NumRequestQueues int    `yaml:"request_queues"`
	QueueSize        int    `yaml:"queue_size"`
	Workers          int    `yaml:"workers"`
	Indirect         bool   `yaml:"indirect_descriptors"`
	MemorySize       int    `yaml:"memory_size"`

	// Scatter makes the allocator avoid adjacent pages.
	Scatter bool `yaml:"scatter"`
}

// DefaultOptions holds defaults for Device.
var DefaultOptions = Options{
	Tag:              "viofs",
	NumRequestQueues: 1,
	QueueSize:        128,
	Workers:          4,
	Indirect:         true,
	MemorySize:       64 << 20,
}

// guestBase is the guest physical address of the start of memory.
const guestBase = 0x100000

// Device is a virtio-fs device backed by a Handler. It implements
// virtio.Device. Run must be called for requests to be processed.
type Device struct {
	log     log.Logger
	o       Options
	handler Handler

	mem   *Memory
	alloc *PageAllocator

	queues []*deviceQueue
	jobs   chan job

	intrMut sync.RWMutex
	onIntr  func(queue int)
}

var _ virtio.Device = (*Device)(nil)

// deviceQueue pairs the driver side of a ring with the device's view of it.
type deviceQueue struct {
	index  int
	r      *ring
	driver *driverQueue
	intr   chan struct{}

	// Guards the used ring, which workers complete into concurrently.
	mut       sync.Mutex
	lastAvail uint16
	usedIdx   uint16
}

// job is one chain taken off an avail ring.
type job struct {
	q        *deviceQueue
	head     uint16
	req      []byte
	writable []virtio.Descriptor
}

// New creates a Device. h answers every request.
func New(l log.Logger, h Handler, o Options) (*Device, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if h == nil {
		return nil, fmt.Errorf("handler must be set")
	}
	if len(o.Tag) > virtio.MaxTagLen {
		return nil, fmt.Errorf("tag %q longer than %d bytes", o.Tag, virtio.MaxTagLen)
	}
	if o.NumRequestQueues < 1 {
		return nil, fmt.Errorf("at least one request queue is required")
	}
	if o.Workers < 1 {
		o.Workers = 1
	}

	mem, err := NewMemory(guestBase, o.MemorySize)
	if err != nil {
		return nil, err
	}

	d := &Device{
		log:     log.With(l, "device", o.Tag),
		o:       o,
		handler: h,
		mem:     mem,
		alloc:   NewPageAllocator(mem, o.Scatter),
		jobs:    make(chan job, o.QueueSize),
	}

	for i := 0; i <= o.NumRequestQueues; i++ {
		r, err := newRing(mem, d.alloc, o.QueueSize)
		if err != nil {
			_ = mem.Close()
			return nil, fmt.Errorf("queue %d: %w", i, err)
		}
		d.queues = append(d.queues, &deviceQueue{
			index:  i,
			r:      r,
			driver: newDriverQueue(r),
			intr:   make(chan struct{}, 1),
		})
	}
	return d, nil
}

// Config implements virtio.Device.
func (d *Device) Config() virtio.Config {
	return virtio.Config{Tag: d.o.Tag, NumRequestQueues: uint32(d.o.NumRequestQueues)}
}

// Features implements virtio.Device.
func (d *Device) Features() uint64 {
	if d.o.Indirect {
		return 1 << virtio.FeatureIndirectDesc
	}
	return 0
}

// Queue implements virtio.Device.
func (d *Device) Queue(i int) virtio.Virtqueue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i].driver
}

// Memory implements virtio.Device.
func (d *Device) Memory() virtio.Memory { return d.mem }

// Allocator implements virtio.Device.
func (d *Device) Allocator() virtio.Allocator { return d.alloc }

// PagesInUse returns the number of guest pages currently allocated,
// including those backing the rings.
func (d *Device) PagesInUse() int { return d.alloc.InUse() }

// OnInterrupt implements virtio.Device.
func (d *Device) OnInterrupt(f func(queue int)) {
	d.intrMut.Lock()
	defer d.intrMut.Unlock()
	d.onIntr = f
}

// Run processes requests until ctx is canceled.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, q := range d.queues {
		q := q
		g.Go(func() error { return d.poll(ctx, q) })
		g.Go(func() error { return d.deliver(ctx, q) })
	}
	for i := 0; i < d.o.Workers; i++ {
		g.Go(func() error { return d.work(ctx) })
	}

	level.Debug(d.log).Log("msg", "loopback device running", "queues", len(d.queues), "workers", d.o.Workers)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// poll takes chains off q's avail ring whenever the driver kicks.
func (d *Device) poll(ctx context.Context, q *deviceQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.driver.notify:
		}

		for {
			q.mut.Lock()
			if q.lastAvail == q.r.availIdx() {
				q.mut.Unlock()
				break
			}
			head := q.r.availAt(q.lastAvail)
			q.lastAvail++
			q.mut.Unlock()

			j, err := d.readChain(q, head)
			if err != nil {
				return fmt.Errorf("queue %d: %w", q.index, err)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case d.jobs <- j:
			}
		}
	}
}

// readChain gathers the readable bytes and writable fragments of the chain
// starting at head, following an indirect table if there is one.
func (d *Device) readChain(q *deviceQueue, head uint16) (job, error) {
	j := job{q: q, head: head}

	var descs []virtio.Descriptor
	for i, n := head, 0; ; n++ {
		if n >= int(q.r.size) {
			return j, fmt.Errorf("descriptor chain at %d loops", head)
		}
		desc := q.r.readDesc(i)
		descs = append(descs, desc)
		if desc.Flags&virtio.DescFlagNext == 0 {
			break
		}
		i = desc.Next
	}

	if len(descs) == 1 && descs[0].Flags&virtio.DescFlagIndirect != 0 {
		if !d.o.Indirect {
			return j, fmt.Errorf("indirect descriptor without the feature")
		}
		table := make([]byte, descs[0].Len)
		if _, err := d.mem.ReadAt(table, int64(descs[0].Addr)); err != nil {
			return j, fmt.Errorf("reading indirect table: %w", err)
		}
		descs = descs[:0]
		for off := 0; off+virtio.DescriptorSize <= len(table); off += virtio.DescriptorSize {
			descs = append(descs, virtio.UnmarshalDescriptor(table[off:]))
		}
	}

	for _, desc := range descs {
		if desc.Flags&virtio.DescFlagWrite != 0 {
			j.writable = append(j.writable, desc)
			continue
		}
		if len(j.writable) > 0 {
			return j, fmt.Errorf("readable descriptor after writable in chain %d", head)
		}
		buf := make([]byte, desc.Len)
		if _, err := d.mem.ReadAt(buf, int64(desc.Addr)); err != nil {
			return j, fmt.Errorf("reading request: %w", err)
		}
		j.req = append(j.req, buf...)
	}
	return j, nil
}

// work answers jobs. With several workers, replies complete out of order.
func (d *Device) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-d.jobs:
			reply := d.handler(ctx, j.req)
			written, err := d.writeReply(j.writable, reply)
			if err != nil {
				level.Warn(d.log).Log("msg", "reply truncated", "queue", j.q.index, "err", err)
			}
			d.complete(j.q, j.head, written)
		}
	}
}

func (d *Device) writeReply(writable []virtio.Descriptor, reply []byte) (uint32, error) {
	var written uint32
	for _, desc := range writable {
		if len(reply) == 0 {
			break
		}
		n := int(desc.Len)
		if n > len(reply) {
			n = len(reply)
		}
		if _, err := d.mem.WriteAt(reply[:n], int64(desc.Addr)); err != nil {
			return written, err
		}
		reply = reply[n:]
		written += uint32(n)
	}
	if len(reply) > 0 {
		return written, fmt.Errorf("%d reply bytes don't fit in the response buffer", len(reply))
	}
	return written, nil
}

// complete places head on the used ring and raises an interrupt unless the
// driver suppressed them.
func (d *Device) complete(q *deviceQueue, head uint16, written uint32) {
	q.mut.Lock()
	q.r.setUsedAt(q.usedIdx, uint32(head), written)
	q.usedIdx++
	q.r.setUsedIdx(q.usedIdx)
	suppressed := q.r.availFlags()&availFlagNoInterrupt != 0
	q.mut.Unlock()

	if suppressed {
		return
	}
	select {
	case q.intr <- struct{}{}:
	default:
	}
}

// deliver calls the interrupt handler for q.
func (d *Device) deliver(ctx context.Context, q *deviceQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.intr:
		}

		d.intrMut.RLock()
		f := d.onIntr
		d.intrMut.RUnlock()
		if f != nil {
			f(q.index)
		}
	}
}

// Close releases guest memory. Run must have returned.
func (d *Device) Close() error {
	var errs error
	for _, q := range d.queues {
		if n := len(q.driver.tokens); n > 0 {
			level.Warn(d.log).Log("msg", "closing with chains outstanding", "queue", q.index, "chains", n)
		}
		for _, s := range []virtio.Segment{q.r.desc, q.r.avail, q.r.used} {
			if s.Len == 0 {
				continue
			}
			d.alloc.Free(virtio.Buffer{Segments: []virtio.Segment{s}})
		}
	}
	if d.alloc.InUse() > 0 {
		errs = multierror.Append(errs, fmt.Errorf("%d guest pages still allocated", d.alloc.InUse()))
	}
	if err := d.mem.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("releasing guest memory: %w", err))
	}
	return errs
}
