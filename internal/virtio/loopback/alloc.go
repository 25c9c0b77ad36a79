package loopback

import (
	"fmt"
	"sync"

	"github.com/rfratto/viofs/internal/virtio"
)

// PageSize is the allocation granularity of PageAllocator.
const PageSize = 4096

// PageAllocator hands out pages of a Memory. When scatter is set, buffers
// are built from non-adjacent pages where possible, which exercises
// fragment handling in the descriptor builder.
type PageAllocator struct {
	mut     sync.Mutex
	base    uint64
	used    []bool
	inUse   int
	scatter bool
}

var _ virtio.Allocator = (*PageAllocator)(nil)

// NewPageAllocator creates an allocator over all of mem.
func NewPageAllocator(mem *Memory, scatter bool) *PageAllocator {
	return &PageAllocator{
		base:    mem.Base(),
		used:    make([]bool, mem.Size()/PageSize),
		scatter: scatter,
	}
}

func pagesFor(size int) int {
	if size <= 0 {
		return 1
	}
	return (size + PageSize - 1) / PageSize
}

// Alloc implements virtio.Allocator.
func (a *PageAllocator) Alloc(size int) (virtio.Buffer, error) {
	a.mut.Lock()
	defer a.mut.Unlock()

	n := pagesFor(size)
	if n > len(a.used)-a.inUse {
		return virtio.Buffer{}, fmt.Errorf("%d pages requested, %d free: %w", n, len(a.used)-a.inUse, virtio.ErrResourceExhausted)
	}

	var (
		b     virtio.Buffer
		pages = make([]int, 0, n)
	)
	if a.scatter {
		// Even pages first, then odd ones, so consecutive picks are rarely
		// adjacent.
		for pass := 0; pass < 2 && len(pages) < n; pass++ {
			for i := pass; i < len(a.used) && len(pages) < n; i += 2 {
				if !a.used[i] {
					pages = append(pages, i)
				}
			}
		}
	} else {
		for i := 0; i < len(a.used) && len(pages) < n; i++ {
			if !a.used[i] {
				pages = append(pages, i)
			}
		}
	}

	for _, p := range pages {
		a.used[p] = true
		b.Segments = append(b.Segments, virtio.Segment{Addr: a.addr(p), Len: PageSize})
	}
	a.inUse += n
	return b, nil
}

// AllocContiguous implements virtio.Allocator using first fit.
func (a *PageAllocator) AllocContiguous(size int) (virtio.Segment, error) {
	a.mut.Lock()
	defer a.mut.Unlock()

	n := pagesFor(size)
	run := 0
	for i := range a.used {
		if a.used[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for p := start; p <= i; p++ {
				a.used[p] = true
			}
			a.inUse += n
			return virtio.Segment{Addr: a.addr(start), Len: uint32(n * PageSize)}, nil
		}
	}
	return virtio.Segment{}, fmt.Errorf("no run of %d free pages: %w", n, virtio.ErrResourceExhausted)
}

// Free implements virtio.Allocator.
func (a *PageAllocator) Free(b virtio.Buffer) {
	a.mut.Lock()
	defer a.mut.Unlock()

	for _, s := range b.Segments {
		first := int((s.Addr - a.base) / PageSize)
		for p := first; p < first+pagesFor(int(s.Len)); p++ {
			if !a.used[p] {
				panic(fmt.Sprintf("double free of page %#x", a.addr(p)))
			}
			a.used[p] = false
			a.inUse--
		}
	}
}

// InUse returns the number of allocated pages.
func (a *PageAllocator) InUse() int {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.inUse
}

func (a *PageAllocator) addr(page int) uint64 { return a.base + uint64(page)*PageSize }
