package virtio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const testPage = 4096

// fakeMem is flat guest memory.
type fakeMem struct {
	mut  sync.Mutex
	data []byte
}

func (m *fakeMem) ReadAt(p []byte, off int64) (int, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return copy(p, m.data[off:]), nil
}

func (m *fakeMem) WriteAt(p []byte, off int64) (int, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return copy(m.data[off:], p), nil
}

// fakeAlloc hands out pages in a scattered order so multi-page buffers are
// never contiguous.
type fakeAlloc struct {
	mut  sync.Mutex
	free []uint64
	used int

	// onAlloc, when set, runs at the start of every Alloc.
	onAlloc func()
}

func newFakeAlloc(pages int) *fakeAlloc {
	a := &fakeAlloc{}
	// Even pages first, then odd ones.
	for i := 0; i < pages; i += 2 {
		a.free = append(a.free, uint64(i*testPage))
	}
	for i := 1; i < pages; i += 2 {
		a.free = append(a.free, uint64(i*testPage))
	}
	return a
}

func (a *fakeAlloc) Alloc(size int) (Buffer, error) {
	if a.onAlloc != nil {
		a.onAlloc()
	}
	a.mut.Lock()
	defer a.mut.Unlock()

	n := (size + testPage - 1) / testPage
	if n == 0 {
		n = 1
	}
	if n > len(a.free) {
		return Buffer{}, errors.New("out of pages")
	}
	var b Buffer
	for i := 0; i < n; i++ {
		b.Segments = append(b.Segments, Segment{Addr: a.free[0], Len: testPage})
		a.free = a.free[1:]
	}
	a.used += n
	return b, nil
}

func (a *fakeAlloc) AllocContiguous(size int) (Segment, error) {
	if size > testPage {
		return Segment{}, errors.New("contiguous allocations limited to one page")
	}
	b, err := a.Alloc(size)
	if err != nil {
		return Segment{}, err
	}
	return b.Segments[0], nil
}

func (a *fakeAlloc) Free(b Buffer) {
	a.mut.Lock()
	defer a.mut.Unlock()
	for _, s := range b.Segments {
		a.free = append(a.free, s.Addr)
		a.used--
	}
}

func (a *fakeAlloc) Used() int {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.used
}

type usedElem struct {
	token   uint64
	written uint32
}

// fakeQueue is a ring whose device side is driven by the test.
type fakeQueue struct {
	mem  Memory
	size int

	mut      sync.Mutex
	avail    map[uint64][]Descriptor
	order    []uint64
	used     []usedElem
	kicks    int
	free     int
	disabled bool
	added    chan uint64
}

func newFakeQueue(mem Memory, size int) *fakeQueue {
	return &fakeQueue{
		mem:   mem,
		size:  size,
		free:  size,
		avail: make(map[uint64][]Descriptor),
		added: make(chan uint64, 1024),
	}
}

func (q *fakeQueue) AddBuf(descs []Descriptor, token uint64) error {
	q.mut.Lock()
	defer q.mut.Unlock()
	if len(descs) > q.free {
		return ErrQueueFull
	}
	q.free -= len(descs)
	q.avail[token] = descs
	q.order = append(q.order, token)
	q.added <- token
	return nil
}

func (q *fakeQueue) Kick() {
	q.mut.Lock()
	defer q.mut.Unlock()
	q.kicks++
}

func (q *fakeQueue) GetBuf() (uint64, uint32, bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if len(q.used) == 0 {
		return 0, 0, false
	}
	e := q.used[0]
	q.used = q.used[1:]
	return e.token, e.written, true
}

func (q *fakeQueue) DisableCallback() {
	q.mut.Lock()
	defer q.mut.Unlock()
	q.disabled = true
}

func (q *fakeQueue) EnableCallback() bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	q.disabled = false
	return len(q.used) > 0
}

func (q *fakeQueue) Size() int { return q.size }

// fragments expands descs, following an indirect table if present.
func (q *fakeQueue) fragments(descs []Descriptor) []Descriptor {
	if len(descs) == 1 && descs[0].Flags&DescFlagIndirect != 0 {
		raw := make([]byte, descs[0].Len)
		_, _ = q.mem.ReadAt(raw, int64(descs[0].Addr))

		var out []Descriptor
		for i := 0; i < len(raw)/DescriptorSize; i++ {
			out = append(out, UnmarshalDescriptor(raw[i*DescriptorSize:]))
		}
		return out
	}
	return descs
}

// readRequest returns the readable bytes of the chain for token.
func (q *fakeQueue) readRequest(token uint64) []byte {
	q.mut.Lock()
	descs := q.avail[token]
	q.mut.Unlock()

	var out []byte
	for _, d := range q.fragments(descs) {
		if d.Flags&DescFlagWrite != 0 {
			continue
		}
		buf := make([]byte, d.Len)
		_, _ = q.mem.ReadAt(buf, int64(d.Addr))
		out = append(out, buf...)
	}
	return out
}

// complete writes reply into the writable part of the chain for token and
// moves it to the used ring.
func (q *fakeQueue) complete(token uint64, reply []byte) {
	q.mut.Lock()
	descs := q.avail[token]
	delete(q.avail, token)
	q.mut.Unlock()

	written := 0
	for _, d := range q.fragments(descs) {
		if d.Flags&DescFlagWrite == 0 || len(reply) == 0 {
			continue
		}
		n := int(d.Len)
		if n > len(reply) {
			n = len(reply)
		}
		_, _ = q.mem.WriteAt(reply[:n], int64(d.Addr))
		reply = reply[n:]
		written += n
	}

	q.mut.Lock()
	defer q.mut.Unlock()
	q.free += len(descs)
	q.used = append(q.used, usedElem{token: token, written: uint32(written)})
}

type fakeDevice struct {
	cfg      Config
	features uint64
	mem      *fakeMem
	alloc    *fakeAlloc
	queues   []*fakeQueue
	onIntr   func(int)
}

func newFakeDevice(requestQueues int, queueSize int, indirect bool) *fakeDevice {
	mem := &fakeMem{data: make([]byte, 256*testPage)}
	d := &fakeDevice{
		cfg:   Config{Tag: "test", NumRequestQueues: uint32(requestQueues)},
		mem:   mem,
		alloc: newFakeAlloc(256),
	}
	if indirect {
		d.features |= 1 << FeatureIndirectDesc
	}
	for i := 0; i <= requestQueues; i++ {
		d.queues = append(d.queues, newFakeQueue(mem, queueSize))
	}
	return d
}

func (d *fakeDevice) Config() Config               { return d.cfg }
func (d *fakeDevice) Features() uint64             { return d.features }
func (d *fakeDevice) Queue(i int) Virtqueue        { return d.queues[i] }
func (d *fakeDevice) Memory() Memory               { return d.mem }
func (d *fakeDevice) Allocator() Allocator         { return d.alloc }
func (d *fakeDevice) OnInterrupt(f func(queue int)) { d.onIntr = f }

func newTestTransport(t *testing.T, dev *fakeDevice) *Transport {
	t.Helper()
	tr, err := New(nil, dev, Options{})
	require.NoError(t, err)
	return tr
}

func TestBuildChain(t *testing.T) {
	mem := &fakeMem{data: make([]byte, 64*testPage)}
	alloc := newFakeAlloc(64)

	readable := Buffer{Segments: []Segment{
		{Addr: 0, Len: testPage},
		{Addr: testPage, Len: testPage}, // adjacent, merged
		{Addr: 8 * testPage, Len: 100},
	}}
	writable := Buffer{Segments: []Segment{
		{Addr: 9 * testPage, Len: testPage},
	}}

	t.Run("inline", func(t *testing.T) {
		c, err := BuildChain(mem, alloc, readable, writable, 8, false)
		require.NoError(t, err)
		require.False(t, c.Indirect())
		require.Equal(t, []Descriptor{
			{Addr: 0, Len: 2 * testPage},
			{Addr: 8 * testPage, Len: 100},
			// Not merged with the readable fragment despite being adjacent.
			{Addr: 9 * testPage, Len: testPage, Flags: DescFlagWrite},
		}, c.Descs)
	})

	t.Run("exhausted", func(t *testing.T) {
		_, err := BuildChain(mem, alloc, readable, writable, 2, false)
		require.ErrorIs(t, err, ErrResourceExhausted)
	})

	t.Run("indirect", func(t *testing.T) {
		c, err := BuildChain(mem, alloc, readable, writable, 2, true)
		require.NoError(t, err)
		require.True(t, c.Indirect())
		require.Equal(t, 3, c.Fragments())
		require.Len(t, c.Descs, 1)
		require.Equal(t, DescFlagIndirect, c.Descs[0].Flags)
		require.Equal(t, uint32(3*DescriptorSize), c.Descs[0].Len)

		raw := make([]byte, c.Descs[0].Len)
		_, _ = mem.ReadAt(raw, int64(c.Descs[0].Addr))
		require.Equal(t, Descriptor{Addr: 0, Len: 2 * testPage, Flags: DescFlagNext, Next: 1}, UnmarshalDescriptor(raw[0:]))
		require.Equal(t, Descriptor{Addr: 8 * testPage, Len: 100, Flags: DescFlagNext, Next: 2}, UnmarshalDescriptor(raw[16:]))
		require.Equal(t, Descriptor{Addr: 9 * testPage, Len: testPage, Flags: DescFlagWrite}, UnmarshalDescriptor(raw[32:]))

		require.Equal(t, 1, alloc.Used())
		c.Free(alloc)
		require.Equal(t, 0, alloc.Used())
	})
}

func TestRegistry_ClaimOnce(t *testing.T) {
	r := NewRegistry()
	for token := uint64(1); token <= 200; token++ {
		r.Insert(&PendingRequest{Token: token})

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := r.Claim(token); ok {
					wins.Inc()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	}
	require.Equal(t, 0, r.Len())
}

func TestTransport_Submit(t *testing.T) {
	dev := newFakeDevice(1, 16, false)
	tr := newTestTransport(t, dev)

	req := []byte("request bytes")
	reply := []byte("reply bytes")

	go func() {
		q := dev.queues[1]
		token := <-q.added
		if string(q.readRequest(token)) == string(req) {
			q.complete(token, reply)
		} else {
			q.complete(token, []byte("bad request"))
		}
		dev.onIntr(1)
	}()

	got, err := tr.Submit(context.Background(), fine.OpLookup, req, 64)
	require.NoError(t, err)
	require.Equal(t, reply, got)

	require.Equal(t, 0, tr.Pending())
	require.Equal(t, 0, dev.alloc.Used())
	require.Equal(t, 1, dev.queues[1].kicks)
}

func TestTransport_Routing(t *testing.T) {
	dev := newFakeDevice(2, 16, false)
	tr := newTestTransport(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	submit := func(op fine.Op) {
		_, err := tr.Submit(ctx, op, []byte("x"), 16)
		require.ErrorIs(t, err, fine.ErrorInterrupted)
	}

	submit(fine.OpForget)
	submit(fine.OpBatchForget)
	submit(fine.OpLookup)
	submit(fine.OpGetattr)
	submit(fine.OpRead)

	require.Len(t, dev.queues[0].order, 2)
	require.Len(t, dev.queues[1].order, 2)
	require.Len(t, dev.queues[2].order, 1)
}

func TestTransport_QueueFull(t *testing.T) {
	dev := newFakeDevice(1, 2, false)
	tr := newTestTransport(t, dev)

	// A large request spans more pages than the queue has descriptors.
	_, err := tr.Submit(context.Background(), fine.OpWrite, make([]byte, 3*testPage), 16)
	require.ErrorIs(t, err, ErrResourceExhausted)

	// Fill the ring, then overflow it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Submit(ctx, fine.OpLookup, []byte("x"), 16)
	require.ErrorIs(t, err, fine.ErrorInterrupted)

	_, err = tr.Submit(context.Background(), fine.OpLookup, []byte("x"), 16)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.Equal(t, 0, tr.Pending())

	// Only the cancelled request's memory is still held by the queue.
	require.Equal(t, 2, dev.alloc.Used())
	token := dev.queues[1].order[0]
	dev.queues[1].complete(token, nil)
	dev.onIntr(1)
	require.Equal(t, 0, dev.alloc.Used())
}

func TestTransport_IndirectSubmit(t *testing.T) {
	dev := newFakeDevice(1, 2, true)
	tr := newTestTransport(t, dev)

	req := make([]byte, 3*testPage)
	for i := range req {
		req[i] = byte(i)
	}

	go func() {
		q := dev.queues[1]
		token := <-q.added
		q.complete(token, q.readRequest(token)[:3*testPage])
		dev.onIntr(1)
	}()

	got, err := tr.Submit(context.Background(), fine.OpWrite, req, 3*testPage)
	require.NoError(t, err)
	require.Equal(t, req, got)
	require.Equal(t, 0, dev.alloc.Used())
}

func TestTransport_CancelCompleteRace(t *testing.T) {
	dev := newFakeDevice(1, 16, false)
	tr := newTestTransport(t, dev)
	q := dev.queues[1]

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())

		type outcome struct {
			data []byte
			err  error
		}
		done := make(chan outcome, 1)
		go func() {
			data, err := tr.Submit(ctx, fine.OpGetattr, []byte("req"), 16)
			done <- outcome{data, err}
		}()

		token := <-q.added
		go cancel()
		go func() {
			q.complete(token, []byte("ok"))
			dev.onIntr(1)
		}()

		res := <-done
		if res.err != nil {
			require.ErrorIs(t, res.err, fine.ErrorInterrupted)
			require.ErrorIs(t, res.err, context.Canceled)
			require.Nil(t, res.data)
		} else {
			require.Equal(t, []byte("ok"), res.data)
		}

		// The device always returns the chain, so nothing may leak either way.
		require.Eventually(t, func() bool {
			return dev.alloc.Used() == 0 && tr.Pending() == 0
		}, time.Second, time.Millisecond)
		cancel()
	}
}

func TestTransport_SubmitRaw(t *testing.T) {
	dev := newFakeDevice(1, 16, false)
	tr := newTestTransport(t, dev)

	_, err := tr.SubmitRaw(context.Background(), []byte("short"), 16)
	require.ErrorIs(t, err, fine.ErrorInvalid)

	req, err := fuse.EncodeRequest(fine.RequestHeader{Op: fine.OpForget, RequestID: 1, Node: 5}, &fine.ForgetRequest{NumLookups: 1})
	require.NoError(t, err)

	go func() {
		q := dev.queues[HiprioQueue]
		token := <-q.added
		q.complete(token, nil)
		dev.onIntr(HiprioQueue)
	}()

	out, err := tr.SubmitRaw(context.Background(), req, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestTransport_Close(t *testing.T) {
	dev := newFakeDevice(1, 16, false)
	tr := newTestTransport(t, dev)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Submit(context.Background(), fine.OpLookup, []byte("x"), 16)
		done <- err
	}()
	<-dev.queues[1].added

	require.NoError(t, tr.Close())
	require.ErrorIs(t, <-done, ErrClosed)
	require.Equal(t, 0, dev.alloc.Used())

	_, err := tr.Submit(context.Background(), fine.OpLookup, []byte("x"), 16)
	require.ErrorIs(t, err, ErrClosed)
}

func TestTransport_Metrics(t *testing.T) {
	dev := newFakeDevice(1, 2, false)
	reg := prometheus.NewRegistry()
	tr, err := New(nil, dev, Options{Registerer: reg})
	require.NoError(t, err)
	q := dev.queues[1]

	value := func(c interface {
		WithLabelValues(...string) prometheus.Counter
	}) float64 {
		return testutil.ToFloat64(c.WithLabelValues("1"))
	}
	inflight := func() float64 {
		return testutil.ToFloat64(tr.metrics.inflight.WithLabelValues("1"))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		token := <-q.added
		q.complete(token, []byte("ok"))
		dev.onIntr(1)
	}()
	_, err = tr.Submit(context.Background(), fine.OpLookup, []byte("x"), 16)
	require.NoError(t, err)
	<-done

	require.Equal(t, float64(1), value(tr.metrics.submitted))
	require.Equal(t, float64(1), value(tr.metrics.completed))
	require.Equal(t, float64(0), inflight())

	// A cancelled request stays in flight until the device hands it back.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Submit(ctx, fine.OpLookup, []byte("x"), 16)
	require.ErrorIs(t, err, fine.ErrorInterrupted)
	require.Equal(t, float64(1), value(tr.metrics.cancelled))
	require.Equal(t, float64(1), inflight())

	// The ring stays full until the cancelled chain comes back.
	_, err = tr.Submit(context.Background(), fine.OpLookup, []byte("x"), 16)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.Equal(t, float64(1), value(tr.metrics.queueFull))

	q.complete(<-q.added, nil)
	dev.onIntr(1)
	require.Equal(t, float64(0), inflight())
	require.Equal(t, float64(1), value(tr.metrics.completed))
	require.Equal(t, float64(2), value(tr.metrics.submitted))
}

func TestTransport_CloseDuringSubmit(t *testing.T) {
	dev := newFakeDevice(1, 16, false)
	tr := newTestTransport(t, dev)

	var once sync.Once
	dev.alloc.onAlloc = func() {
		once.Do(func() { _ = tr.Close() })
	}

	done := make(chan error, 1)
	go func() {
		_, err := tr.Submit(context.Background(), fine.OpGetattr, []byte("x"), 16)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Submit did not return after Close")
	}
	require.Equal(t, 0, tr.Pending())
	require.Equal(t, 0, dev.alloc.Used())
	require.Empty(t, dev.queues[1].order, "nothing may reach the ring after Close")
}

func TestRegistry_InsertAfterClaimAll(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Insert(&PendingRequest{Token: 1}))
	require.Len(t, r.ClaimAll(), 1)

	require.False(t, r.Insert(&PendingRequest{Token: 2}))
	require.Equal(t, 0, r.Len())
}
