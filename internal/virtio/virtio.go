// Package virtio carries encoded FUSE messages over the queues of a
// virtio-fs device. Queue 0 is the high-priority queue; request queues
// follow it.
package virtio

import "errors"

var (
	// ErrResourceExhausted is returned when a request can't be placed on a
	// queue: the queue is full, or the request has more fragments than the
	// queue accepts and indirect descriptors are unavailable. The transport
	// never keeps ownership of a request that failed this way.
	ErrResourceExhausted = errors.New("virtio: resource exhausted")

	// ErrQueueFull is returned by Virtqueue.AddBuf when there are not
	// enough free descriptors.
	ErrQueueFull = errors.New("virtio: queue full")

	// ErrClosed is returned for requests submitted to or pending on a closed
	// transport.
	ErrClosed = errors.New("virtio: transport closed")
)

// Virtqueue is the driver side of a single device queue. Implementations
// need not be safe for concurrent use; Transport serializes access per
// queue.
type Virtqueue interface {
	// AddBuf places a descriptor chain in the ring. token is returned by
	// GetBuf once the device is done with the chain. ErrQueueFull is
	// returned when the ring has no room.
	AddBuf(descs []Descriptor, token uint64) error

	// Kick notifies the device of new buffers.
	Kick()

	// GetBuf reaps one used chain, returning its token and the number of
	// bytes the device wrote. ok is false when nothing is pending.
	GetBuf() (token uint64, written uint32, ok bool)

	// DisableCallback suppresses interrupts for used buffers.
	DisableCallback()

	// EnableCallback re-enables interrupts and reports whether used buffers
	// arrived in the meantime, in which case the caller must drain again.
	EnableCallback() (pending bool)

	// Size is the number of descriptors in the ring.
	Size() int
}

// Config is the virtio-fs device configuration.
type Config struct {
	// Tag names the shared directory. At most 36 bytes.
	Tag string

	// NumRequestQueues is the number of request queues, not counting the
	// high-priority queue.
	NumRequestQueues uint32
}

// MaxTagLen is the size of the tag field in the device configuration.
const MaxTagLen = 36

// Device is a virtio-fs device as seen by the driver.
type Device interface {
	Config() Config

	// Features returns the negotiated feature bits.
	Features() uint64

	// Queue returns queue i. Queue 0 is the high-priority queue.
	Queue(i int) Virtqueue

	Memory() Memory
	Allocator() Allocator

	// OnInterrupt registers the function called, from the device's
	// interrupt context, when queue has used buffers.
	OnInterrupt(func(queue int))
}
