package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"go.uber.org/atomic"
)

// HiprioQueue is the index of the high-priority queue.
const HiprioQueue = 0

// Options configures a Transport.
type Options struct {
	// Registerer registers transport metrics. May be nil.
	Registerer prometheus.Registerer
}

// Transport submits FUSE messages to a virtio-fs device and matches
// completions back to callers. Transport implements fine.Transport.
type Transport struct {
	log log.Logger
	dev Device
	cfg Config

	mem      Memory
	alloc    Allocator
	indirect bool

	queues   []*queue
	registry *Registry
	metrics  *metrics

	nextToken atomic.Uint64
	cursor    atomic.Uint32
	closed    atomic.Bool
}

var _ fine.Transport = (*Transport)(nil)

// queue guards one Virtqueue and the chains the device currently owns on it.
type queue struct {
	index int
	label string
	vq    Virtqueue

	mut   sync.Mutex
	owned map[uint64]*ownedChain
}

// ownedChain is the memory behind a chain the device hasn't returned yet.
type ownedChain struct {
	chain   *Chain
	in, out Buffer
}

// New creates a Transport for dev. The device configuration is read once.
// New registers the transport's interrupt handler with dev.
func New(l log.Logger, dev Device, o Options) (*Transport, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	cfg := dev.Config()
	if len(cfg.Tag) > MaxTagLen {
		return nil, fmt.Errorf("device tag %q longer than %d bytes", cfg.Tag, MaxTagLen)
	}
	if cfg.NumRequestQueues == 0 {
		return nil, fmt.Errorf("device has no request queues")
	}

	t := &Transport{
		log:      log.With(l, "tag", cfg.Tag),
		dev:      dev,
		cfg:      cfg,
		mem:      dev.Memory(),
		alloc:    dev.Allocator(),
		indirect: dev.Features()&(1<<FeatureIndirectDesc) != 0,
		registry: NewRegistry(),
		metrics:  newMetrics(o.Registerer),
	}

	for i := 0; i <= int(cfg.NumRequestQueues); i++ {
		vq := dev.Queue(i)
		if vq == nil {
			return nil, fmt.Errorf("device is missing queue %d", i)
		}
		t.queues = append(t.queues, &queue{
			index: i,
			label: strconv.Itoa(i),
			vq:    vq,
			owned: make(map[uint64]*ownedChain),
		})
	}

	dev.OnInterrupt(t.HandleInterrupt)
	level.Debug(t.log).Log("msg", "virtio transport ready", "request_queues", cfg.NumRequestQueues, "indirect", t.indirect)
	return t, nil
}

// Tag returns the tag of the shared directory.
func (t *Transport) Tag() string { return t.cfg.Tag }

// NumRequestQueues returns the number of request queues.
func (t *Transport) NumRequestQueues() int { return int(t.cfg.NumRequestQueues) }

// Pending returns the number of requests waiting for a reply.
func (t *Transport) Pending() int { return t.registry.Len() }

// route picks the queue for op. FORGET and INTERRUPT traffic goes to the
// high-priority queue; everything else is spread over the request queues.
func (t *Transport) route(op fine.Op) *queue {
	switch op {
	case fine.OpForget, fine.OpBatchForget, fine.OpInterrupt:
		return t.queues[HiprioQueue]
	}
	n := uint32(len(t.queues) - 1)
	return t.queues[1+(t.cursor.Inc()-1)%n]
}

// SubmitRaw submits a caller-built FUSE request, routing it by the opcode in
// its header.
func (t *Transport) SubmitRaw(ctx context.Context, req []byte, respSize int) ([]byte, error) {
	if len(req) < fuse.InHeaderSize {
		return nil, fmt.Errorf("request of %d bytes is shorter than the FUSE header: %w", len(req), fine.ErrorInvalid)
	}
	op := fine.Op(binary.LittleEndian.Uint32(req[4:]))
	return t.Submit(ctx, op, req, respSize)
}

// Submit places req on a queue and blocks until the device replies or ctx is
// canceled. The returned slice holds exactly the bytes the device wrote.
//
// If ctx is canceled first, Submit returns an error wrapping both
// fine.ErrorInterrupted and ctx.Err(). The request's memory stays with the
// queue until the device returns it.
func (t *Transport) Submit(ctx context.Context, op fine.Op, req []byte, respSize int) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	q := t.route(op)

	in, err := t.alloc.Alloc(len(req))
	if err != nil {
		return nil, fmt.Errorf("allocating request buffer: %w", err)
	}
	var out Buffer
	if respSize > 0 {
		out, err = t.alloc.Alloc(respSize)
		if err != nil {
			t.alloc.Free(in)
			return nil, fmt.Errorf("allocating response buffer: %w", err)
		}
	}
	release := func(c *Chain) {
		if c != nil {
			c.Free(t.alloc)
		}
		t.alloc.Free(in)
		if len(out.Segments) > 0 {
			t.alloc.Free(out)
		}
	}

	if err := CopyIn(t.mem, in, req); err != nil {
		release(nil)
		return nil, err
	}
	chain, err := BuildChain(t.mem, t.alloc, in.Slice(len(req)), out.Slice(respSize), q.vq.Size(), t.indirect)
	if err != nil {
		release(nil)
		return nil, err
	}

	pr := &PendingRequest{
		Token:  t.nextToken.Inc(),
		Op:     op,
		Queue:  q.index,
		In:     in,
		Out:    out,
		result: make(chan result, 1),
	}
	if !t.registry.Insert(pr) {
		release(chain)
		return nil, ErrClosed
	}

	q.mut.Lock()
	// Close empties q.owned under q.mut after setting closed, so a chain
	// added past this check is always released by Close.
	if t.closed.Load() {
		q.mut.Unlock()
		t.registry.Claim(pr.Token)
		release(chain)
		return nil, ErrClosed
	}
	if err := q.vq.AddBuf(chain.Descs, pr.Token); err != nil {
		q.mut.Unlock()
		t.registry.Claim(pr.Token)
		release(chain)
		t.metrics.queueFull.WithLabelValues(q.label).Inc()
		return nil, fmt.Errorf("queue %d: %v: %w", q.index, err, ErrResourceExhausted)
	}
	q.owned[pr.Token] = &ownedChain{chain: chain, in: in, out: out}
	q.vq.Kick()
	q.mut.Unlock()

	t.metrics.submitted.WithLabelValues(q.label).Inc()
	t.metrics.inflight.WithLabelValues(q.label).Inc()

	select {
	case res := <-pr.result:
		return res.data, res.err
	case <-ctx.Done():
		if _, won := t.registry.Claim(pr.Token); won {
			t.metrics.cancelled.WithLabelValues(q.label).Inc()
			level.Debug(t.log).Log("msg", "request cancelled before completion", "op", op, "token", pr.Token, "queue", q.index)
			return nil, &cancelledError{op: op, cause: ctx.Err()}
		}
		// The completion path already claimed the request; its result is
		// imminent.
		res := <-pr.result
		return res.data, res.err
	}
}

// HandleInterrupt drains the used ring of queue index. It is called from the
// device's interrupt context. Interrupts are disabled while draining and the
// queue is drained again if buffers arrived before they were re-enabled.
func (t *Transport) HandleInterrupt(index int) {
	if index < 0 || index >= len(t.queues) {
		level.Warn(t.log).Log("msg", "interrupt for unknown queue", "queue", index)
		return
	}
	q := t.queues[index]

	for {
		q.mut.Lock()
		q.vq.DisableCallback()
		q.mut.Unlock()

		for {
			token, written, owned, ok := q.reap()
			if !ok {
				break
			}
			t.complete(q, token, written, owned)
		}

		q.mut.Lock()
		pending := q.vq.EnableCallback()
		q.mut.Unlock()
		if !pending {
			return
		}
	}
}

// reap pops one used chain and its ownership record.
func (q *queue) reap() (token uint64, written uint32, owned *ownedChain, ok bool) {
	q.mut.Lock()
	defer q.mut.Unlock()

	token, written, ok = q.vq.GetBuf()
	if !ok {
		return 0, 0, nil, false
	}
	owned = q.owned[token]
	delete(q.owned, token)
	return token, written, owned, true
}

func (t *Transport) complete(q *queue, token uint64, written uint32, owned *ownedChain) {
	if owned == nil {
		level.Warn(t.log).Log("msg", "device returned unknown token", "token", token, "queue", q.index)
		return
	}
	t.metrics.inflight.WithLabelValues(q.label).Dec()

	defer func() {
		owned.chain.Free(t.alloc)
		t.alloc.Free(owned.in)
		if len(owned.out.Segments) > 0 {
			t.alloc.Free(owned.out)
		}
	}()

	pr, won := t.registry.Claim(token)
	if !won {
		// The caller gave up on this request.
		return
	}

	var res result
	res.data, res.err = CopyOut(t.mem, owned.out, int(written))
	if res.err != nil {
		res.err = fmt.Errorf("%v: %w", res.err, fuse.ErrProtocol)
	}
	pr.result <- res
	t.metrics.completed.WithLabelValues(q.label).Inc()
}

// Close fails every pending request with ErrClosed and releases memory for
// chains the device still owns. The device must be stopped first.
func (t *Transport) Close() error {
	if !t.closed.CAS(false, true) {
		return nil
	}

	for _, pr := range t.registry.ClaimAll() {
		pr.result <- result{err: ErrClosed}
	}

	for _, q := range t.queues {
		q.mut.Lock()
		for token, owned := range q.owned {
			owned.chain.Free(t.alloc)
			t.alloc.Free(owned.in)
			if len(owned.out.Segments) > 0 {
				t.alloc.Free(owned.out)
			}
			delete(q.owned, token)
		}
		t.metrics.inflight.WithLabelValues(q.label).Set(0)
		q.mut.Unlock()
	}
	return nil
}

// cancelledError is returned for requests abandoned by their caller. It
// matches fine.ErrorInterrupted and unwraps to the context error.
type cancelledError struct {
	op    fine.Op
	cause error
}

func (e *cancelledError) Error() string {
	return fmt.Sprintf("%s request cancelled: %v", e.op, e.cause)
}

func (e *cancelledError) Is(target error) bool { return target == fine.ErrorInterrupted }
func (e *cancelledError) Unwrap() error        { return e.cause }
