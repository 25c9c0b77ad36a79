package cache

import (
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/viofs/internal/fine"
)

// Handles allocates handle IDs for open instances on the host side. Released
// IDs are reused before new ones are minted.
type Handles struct {
	log log.Logger

	mut     sync.RWMutex
	handles map[fine.Handle]io.Closer
	avail   []fine.Handle
	next    fine.Handle
}

// NewHandles creates an empty handle table.
func NewHandles(l log.Logger) *Handles {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Handles{
		log:     l,
		handles: make(map[fine.Handle]io.Closer),
	}
}

// Add stores h and returns its ID. fine.ErrorNoMemory is returned if the ID
// space is exhausted until some handles are released.
func (hs *Handles) Add(h io.Closer) (fine.Handle, error) {
	hs.mut.Lock()
	defer hs.mut.Unlock()

	var id fine.Handle
	if n := len(hs.avail); n > 0 {
		id = hs.avail[n-1]
		hs.avail = hs.avail[:n-1]
	} else {
		hs.next++
		id = hs.next

		// NoHandle is reserved for the guest's "not open" sentinel.
		if id == 0 || id == fine.NoHandle {
			hs.next--
			return 0, fine.ErrorNoMemory
		}
	}

	hs.handles[id] = h
	return id, nil
}

// Get returns the handle for id.
func (hs *Handles) Get(id fine.Handle) (io.Closer, error) {
	hs.mut.RLock()
	defer hs.mut.RUnlock()

	h, ok := hs.handles[id]
	if !ok {
		return nil, fine.ErrorBadHandle
	}
	return h, nil
}

// Release removes id from the table and closes its handle.
func (hs *Handles) Release(id fine.Handle) error {
	var h io.Closer

	// Close outside of the lock.
	defer func() {
		if h == nil {
			return
		}
		if err := h.Close(); err != nil {
			level.Error(hs.log).Log("msg", "error when closing released handle", "id", id, "err", err)
		}
	}()

	hs.mut.Lock()
	defer hs.mut.Unlock()

	h, ok := hs.handles[id]
	if !ok {
		return fine.ErrorBadHandle
	}
	delete(hs.handles, id)
	hs.avail = append(hs.avail, id)
	return nil
}

// Len returns the number of open handles.
func (hs *Handles) Len() int {
	hs.mut.RLock()
	defer hs.mut.RUnlock()
	return len(hs.handles)
}
