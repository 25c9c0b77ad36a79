package memfs

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
)

type fileHandle struct {
	node  fine.Node
	flags fine.FileFlags
}

func (*fileHandle) Close() error { return nil }

type dirEntry struct {
	name string
	node fine.Node
}

// dirHandle holds a snapshot of a directory taken at OPENDIR. Offsets handed
// to the guest are indexes into entries plus one.
type dirHandle struct {
	node    fine.Node
	entries []dirEntry
}

func (*dirHandle) Close() error { return nil }

func (fs *FS) fileHandle(id fine.Handle) (*fileHandle, error) {
	h, err := fs.handles.Get(id)
	if err != nil {
		return nil, err
	}
	fh, ok := h.(*fileHandle)
	if !ok {
		return nil, fmt.Errorf("handle %d is a directory: %w", id, fine.ErrorBadHandle)
	}
	return fh, nil
}

func (fs *FS) dirHandle(id fine.Handle) (*dirHandle, error) {
	h, err := fs.handles.Get(id)
	if err != nil {
		return nil, err
	}
	dh, ok := h.(*dirHandle)
	if !ok {
		return nil, fmt.Errorf("handle %d is not a directory: %w", id, fine.ErrorBadHandle)
	}
	return dh, nil
}

func (fs *FS) Open(_ context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest) (*fine.OpenedResponse, error) {
	if err := fs.injected(fine.OpOpen); err != nil {
		return nil, err
	}
	fs.mut.Lock()
	defer fs.mut.Unlock()

	n, err := fs.node(hdr.Node)
	if err != nil {
		return nil, err
	}
	switch {
	case n.mode.IsDir():
		return nil, fine.ErrorIsDirectory
	case n.mode&os.ModeSymlink != 0:
		return nil, fine.ErrorLoop
	}

	if req.Flags&fine.OpenTruncate != 0 && req.Flags&fine.OpenAccessMode != fine.OpenReadOnly {
		n.data = n.data[:0]
		n.mtime = time.Now()
	}

	h, err := fs.handles.Add(&fileHandle{node: n.id, flags: req.Flags})
	if err != nil {
		return nil, err
	}
	return &fine.OpenedResponse{Handle: h}, nil
}

func (fs *FS) Read(_ context.Context, _ *fine.RequestHeader, req *fine.ReadRequest) (*fine.ReadResponse, error) {
	fh, err := fs.fileHandle(req.Handle)
	if err != nil {
		return nil, err
	}
	if fh.flags&fine.OpenAccessMode == fine.OpenWriteOnly {
		return nil, fine.ErrorBadHandle
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	n, err := fs.node(fh.node)
	if err != nil {
		return nil, err
	}
	n.atime = time.Now()

	if req.Offset >= uint64(len(n.data)) {
		return &fine.ReadResponse{Data: []byte{}}, nil
	}
	end := req.Offset + uint64(req.Size)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	return &fine.ReadResponse{Data: append([]byte(nil), n.data[req.Offset:end]...)}, nil
}

func (fs *FS) Write(_ context.Context, _ *fine.RequestHeader, req *fine.WriteRequest) (*fine.WriteResponse, error) {
	fh, err := fs.fileHandle(req.Handle)
	if err != nil {
		return nil, err
	}
	if fh.flags&fine.OpenAccessMode == fine.OpenReadOnly {
		return nil, fine.ErrorBadHandle
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	n, err := fs.node(fh.node)
	if err != nil {
		return nil, err
	}

	off := req.Offset
	if fh.flags&fine.OpenAppend != 0 {
		off = uint64(len(n.data))
	}
	if end := off + uint64(len(req.Data)); end > uint64(len(n.data)) {
		n.data = resize(n.data, end)
	}
	copy(n.data[off:], req.Data)

	now := time.Now()
	n.mtime, n.ctime = now, now
	return &fine.WriteResponse{Written: uint32(len(req.Data))}, nil
}

func (fs *FS) Flush(_ context.Context, _ *fine.RequestHeader, req *fine.FlushRequest) error {
	_, err := fs.fileHandle(req.Handle)
	return err
}

func (fs *FS) Fsync(_ context.Context, _ *fine.RequestHeader, req *fine.FsyncRequest) error {
	_, err := fs.fileHandle(req.Handle)
	return err
}

func (fs *FS) Release(_ context.Context, _ *fine.RequestHeader, req *fine.ReleaseRequest) error {
	if _, err := fs.fileHandle(req.Handle); err != nil {
		return err
	}
	return fs.handles.Release(req.Handle)
}

func (fs *FS) Fallocate(_ context.Context, _ *fine.RequestHeader, req *fine.FallocateRequest) error {
	if err := fs.injected(fine.OpFallocate); err != nil {
		return err
	}
	fh, err := fs.fileHandle(req.Handle)
	if err != nil {
		return err
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	n, err := fs.node(fh.node)
	if err != nil {
		return err
	}

	end := req.Offset + req.Length
	switch req.Mode {
	case 0:
		if end > uint64(len(n.data)) {
			n.data = resize(n.data, end)
		}
	case fine.FallocateKeepSize:
		// Nothing is preallocated in memory; the size stays as-is.
	case fine.FallocateKeepSize | fine.FallocatePunchHole:
		if req.Offset < uint64(len(n.data)) {
			if end > uint64(len(n.data)) {
				end = uint64(len(n.data))
			}
			for i := req.Offset; i < end; i++ {
				n.data[i] = 0
			}
		}
	default:
		return fine.ErrorNotSupported
	}

	n.ctime = time.Now()
	return nil
}

func (fs *FS) Opendir(_ context.Context, hdr *fine.RequestHeader, _ *fine.OpenRequest) (*fine.OpenedResponse, error) {
	if err := fs.injected(fine.OpOpendir); err != nil {
		return nil, err
	}
	fs.mut.RLock()
	dir, err := fs.dirNode(hdr.Node)
	if err != nil {
		fs.mut.RUnlock()
		return nil, err
	}

	entries := make([]dirEntry, 0, len(dir.children)+2)
	entries = append(entries, dirEntry{name: ".", node: dir.id}, dirEntry{name: "..", node: dir.parent})
	for name, id := range dir.children {
		entries = append(entries, dirEntry{name: name, node: id})
	}
	fs.mut.RUnlock()

	sort.Slice(entries[2:], func(i, j int) bool { return entries[2+i].name < entries[2+j].name })

	h, err := fs.handles.Add(&dirHandle{node: hdr.Node, entries: entries})
	if err != nil {
		return nil, err
	}
	return &fine.OpenedResponse{Handle: h}, nil
}

func (fs *FS) Readdirplus(_ context.Context, _ *fine.RequestHeader, req *fine.ReadRequest) (*fine.ReaddirplusResponse, error) {
	dh, err := fs.dirHandle(req.Handle)
	if err != nil {
		return nil, err
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	var (
		resp fine.ReaddirplusResponse
		used int
	)
	for i := int(req.Offset); i < len(dh.entries); i++ {
		ent := dh.entries[i]
		n, ok := fs.nodes[ent.node]
		if !ok {
			// Removed after the snapshot was taken.
			continue
		}

		size := fuse.DirentPlusSize(len(ent.name))
		if used+size > int(req.Size) {
			break
		}
		used += size

		out := fine.DirPlusEntry{
			DirEntry: fine.DirEntry{
				Inode:  uint64(n.id),
				Offset: uint64(i + 1),
				Type:   fine.EntryTypeOf(n.mode),
				Name:   ent.name,
			},
		}
		// The guest doesn't take references for the dot entries, so they
		// are sent without a node.
		if ent.name != "." && ent.name != ".." {
			out.Entry = fs.entry(n)
		} else {
			out.Entry.Attrib = fs.attrib(n)
		}
		resp.Entries = append(resp.Entries, out)
	}
	return &resp, nil
}

func (fs *FS) Fsyncdir(_ context.Context, _ *fine.RequestHeader, req *fine.FsyncRequest) error {
	_, err := fs.dirHandle(req.Handle)
	return err
}

func (fs *FS) Releasedir(_ context.Context, _ *fine.RequestHeader, req *fine.ReleaseRequest) error {
	if _, err := fs.dirHandle(req.Handle); err != nil {
		return err
	}
	return fs.handles.Release(req.Handle)
}
