package virtio

import (
	"sync"

	"github.com/rfratto/viofs/internal/fine"
)

// PendingRequest is an in-flight request. It is created at submission and
// claimed exactly once, either by its completion or by its cancellation.
type PendingRequest struct {
	Token uint64
	Op    fine.Op
	Queue int

	// In holds the request, Out receives the reply. Both belong to the
	// queue until the device returns the chain.
	In, Out Buffer

	result chan result
}

type result struct {
	data []byte
	err  error
}

// Registry tracks in-flight requests by token. Claim is the single point
// where completion and cancellation race; exactly one caller wins.
type Registry struct {
	mut     sync.Mutex
	pending map[uint64]*PendingRequest
	closed  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint64]*PendingRequest)}
}

// Insert adds pr to the registry. An existing entry with the same token is
// replaced. Insert returns false without adding pr once ClaimAll has run.
func (r *Registry) Insert(pr *PendingRequest) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return false
	}
	r.pending[pr.Token] = pr
	return true
}

// Claim removes and returns the request for token. ok is false if another
// caller already claimed it.
func (r *Registry) Claim(token uint64) (pr *PendingRequest, ok bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	pr, ok = r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	return pr, ok
}

// ClaimAll removes and returns every pending request. Later calls to Insert
// are refused.
func (r *Registry) ClaimAll() []*PendingRequest {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.closed = true

	all := make([]*PendingRequest, 0, len(r.pending))
	for token, pr := range r.pending {
		all = append(all, pr)
		delete(r.pending, token)
	}
	return all
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.pending)
}
