package client

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-kit/log/level"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
)

// Lookup finds name in parent. A successful lookup takes a reference on the
// returned node.
func (s *Session) Lookup(ctx context.Context, parent fine.Node, name string) (fine.Entry, error) {
	resp, err := call[*fine.EntryResponse](ctx, s, &fine.RequestHeader{Op: fine.OpLookup, Node: parent}, &fine.LookupRequest{Name: name})
	if err != nil {
		return fine.Entry{}, err
	}
	s.lookups.Inc(resp.Entry.Node)
	return resp.Entry, nil
}

// Getattr returns the attributes of node. If fh is not fine.NoHandle, the
// host reads them through the open handle.
func (s *Session) Getattr(ctx context.Context, node fine.Node, fh fine.Handle) (fine.Attrib, error) {
	req := &fine.GetattrRequest{}
	if fh != fine.NoHandle {
		req.Flags = fine.GetAttribFlagHandle
		req.Handle = fh
	}
	resp, err := call[*fine.AttrResponse](ctx, s, &fine.RequestHeader{Op: fine.OpGetattr, Node: node}, req)
	if err != nil {
		return fine.Attrib{}, err
	}
	return resp.Attrib, nil
}

// Setattr updates the attributes of node selected by req.UpdateMask and
// returns the resulting attributes.
func (s *Session) Setattr(ctx context.Context, node fine.Node, req *fine.SetattrRequest) (fine.Attrib, error) {
	resp, err := call[*fine.AttrResponse](ctx, s, &fine.RequestHeader{Op: fine.OpSetattr, Node: node}, req)
	if err != nil {
		return fine.Attrib{}, err
	}
	return resp.Attrib, nil
}

// Statfs returns the capacity of the host filesystem.
func (s *Session) Statfs(ctx context.Context) (fine.Statfs, error) {
	resp, err := call[*fine.StatfsResponse](ctx, s, &fine.RequestHeader{Op: fine.OpStatfs, Node: fine.RootNode}, nil)
	if err != nil {
		return fine.Statfs{}, err
	}
	return resp.Statfs, nil
}

// ownerHeader builds a header carrying the session owner's credentials.
func (s *Session) ownerHeader(op fine.Op, node fine.Node) *fine.RequestHeader {
	return &fine.RequestHeader{Op: op, Node: node, UID: s.o.UID, GID: s.o.GID}
}

// Create creates and opens name in parent. The reply counts as the first
// reference on the new node.
func (s *Session) Create(ctx context.Context, parent fine.Node, name string, flags fine.FileFlags, mode os.FileMode) (*fine.CreateResponse, error) {
	resp, err := call[*fine.CreateResponse](ctx, s, s.ownerHeader(fine.OpCreate, parent), &fine.CreateRequest{
		Flags: flags | fine.OpenCreate,
		Mode:  mode,
		Name:  name,
	})
	if err != nil {
		return nil, err
	}
	s.lookups.Inc(resp.Entry.Node)
	return resp, nil
}

// Mkdir creates directory name in parent.
func (s *Session) Mkdir(ctx context.Context, parent fine.Node, name string, mode os.FileMode) (fine.Entry, error) {
	resp, err := call[*fine.EntryResponse](ctx, s, s.ownerHeader(fine.OpMkdir, parent), &fine.MkdirRequest{
		Mode: mode | os.ModeDir,
		Name: name,
	})
	if err != nil {
		return fine.Entry{}, err
	}
	s.lookups.Inc(resp.Entry.Node)
	return resp.Entry, nil
}

// Symlink creates name in parent pointing at target.
func (s *Session) Symlink(ctx context.Context, parent fine.Node, name, target string) (fine.Entry, error) {
	if len(target) > fuse.MaxLinkLen {
		return fine.Entry{}, fmt.Errorf("symlink target of %d bytes: %w", len(target), fine.ErrorNameTooLong)
	}
	resp, err := call[*fine.EntryResponse](ctx, s, s.ownerHeader(fine.OpSymlink, parent), &fine.SymlinkRequest{
		Name:   name,
		Target: target,
	})
	if err != nil {
		return fine.Entry{}, err
	}
	s.lookups.Inc(resp.Entry.Node)
	return resp.Entry, nil
}

// Readlink returns the target of the symlink node.
func (s *Session) Readlink(ctx context.Context, node fine.Node) (string, error) {
	resp, err := call[*fine.ReadlinkResponse](ctx, s, &fine.RequestHeader{Op: fine.OpReadlink, Node: node}, nil)
	if err != nil {
		return "", err
	}
	return string(resp.Contents), nil
}

// Open opens the file node.
func (s *Session) Open(ctx context.Context, node fine.Node, flags fine.FileFlags) (fine.Handle, error) {
	resp, err := call[*fine.OpenedResponse](ctx, s, &fine.RequestHeader{Op: fine.OpOpen, Node: node}, &fine.OpenRequest{Flags: flags})
	if err != nil {
		return fine.NoHandle, err
	}
	return resp.Handle, nil
}

// Opendir opens the directory node for enumeration.
func (s *Session) Opendir(ctx context.Context, node fine.Node) (fine.Handle, error) {
	resp, err := call[*fine.OpenedResponse](ctx, s, &fine.RequestHeader{Op: fine.OpOpendir, Node: node}, &fine.OpenRequest{Flags: fine.OpenDirectory})
	if err != nil {
		return fine.NoHandle, err
	}
	return resp.Handle, nil
}

// Read reads up to size bytes at offset, split into requests of at most
// MaxWrite bytes. Reading stops at the first short reply.
func (s *Session) Read(ctx context.Context, node fine.Node, fh fine.Handle, offset uint64, size int) ([]byte, error) {
	chunk := int(s.MaxWrite())
	if chunk == 0 && size > 0 {
		return nil, ErrNotInitialized
	}
	out := make([]byte, 0, size)

	for len(out) < size {
		want := size - len(out)
		if want > chunk {
			want = chunk
		}
		resp, err := call[*fine.ReadResponse](ctx, s, &fine.RequestHeader{Op: fine.OpRead, Node: node}, &fine.ReadRequest{
			Handle: fh,
			Offset: offset + uint64(len(out)),
			Size:   uint32(want),
		})
		if err != nil {
			return out, err
		}
		if len(resp.Data) > want {
			return out, fmt.Errorf("host returned %d bytes for a %d byte read: %w", len(resp.Data), want, fuse.ErrProtocol)
		}
		out = append(out, resp.Data...)
		if len(resp.Data) < want {
			break
		}
	}
	return out, nil
}

// Write writes data at offset, split into requests of at most MaxWrite
// bytes. Each request starts where the host's accepted count left off. A
// request accepting zero bytes fails the write with an I/O error.
func (s *Session) Write(ctx context.Context, node fine.Node, fh fine.Handle, offset uint64, data []byte) (uint64, error) {
	chunk := int(s.MaxWrite())
	if chunk == 0 && len(data) > 0 {
		return 0, ErrNotInitialized
	}
	var written uint64

	for int(written) < len(data) {
		rest := data[written:]
		if len(rest) > chunk {
			rest = rest[:chunk]
		}
		resp, err := call[*fine.WriteResponse](ctx, s, &fine.RequestHeader{Op: fine.OpWrite, Node: node}, &fine.WriteRequest{
			Handle: fh,
			Offset: offset + written,
			Data:   rest,
		})
		if err != nil {
			return written, err
		}
		switch {
		case resp.Written == 0:
			return written, fmt.Errorf("host accepted 0 of %d bytes at offset %d: %w", len(rest), offset+written, fine.ErrorIO)
		case int(resp.Written) > len(rest):
			return written, fmt.Errorf("host accepted %d of %d bytes: %w", resp.Written, len(rest), fuse.ErrProtocol)
		}
		written += uint64(resp.Written)
	}
	return written, nil
}

// ReadDirPlus reads directory entries with their attributes, starting after
// the entry whose cookie is offset. Entries other than "." and ".." with a
// node ID take a reference on that node.
func (s *Session) ReadDirPlus(ctx context.Context, node fine.Node, fh fine.Handle, offset uint64, size uint32) ([]fine.DirPlusEntry, error) {
	if size == 0 {
		size = s.MaxWrite()
	}
	resp, err := call[*fine.ReaddirplusResponse](ctx, s, &fine.RequestHeader{Op: fine.OpReaddirplus, Node: node}, &fine.ReadRequest{
		Handle: fh,
		Offset: offset,
		Size:   size,
	})
	if err != nil {
		return nil, err
	}
	for _, ent := range resp.Entries {
		if IsDotEntry(ent.DirEntry.Name) || ent.Entry.Node == 0 {
			continue
		}
		s.lookups.Inc(ent.Entry.Node)
	}
	return resp.Entries, nil
}

// IsDotEntry reports whether name is "." or "..".
func IsDotEntry(name string) bool { return name == "." || name == ".." }

// Flush flushes the open handle fh.
func (s *Session) Flush(ctx context.Context, node fine.Node, fh fine.Handle) error {
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpFlush, Node: node}, &fine.FlushRequest{Handle: fh})
	return err
}

// Fsync commits the contents of fh to stable storage.
func (s *Session) Fsync(ctx context.Context, node fine.Node, fh fine.Handle, dataOnly bool) error {
	return s.sync(ctx, fine.OpFsync, node, fh, dataOnly)
}

// Fsyncdir commits the directory fh to stable storage.
func (s *Session) Fsyncdir(ctx context.Context, node fine.Node, fh fine.Handle) error {
	return s.sync(ctx, fine.OpFsyncdir, node, fh, false)
}

func (s *Session) sync(ctx context.Context, op fine.Op, node fine.Node, fh fine.Handle, dataOnly bool) error {
	req := &fine.FsyncRequest{Handle: fh}
	if dataOnly {
		req.Flags = fine.SyncDataOnly
	}
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: op, Node: node}, req)
	return err
}

// Release closes the file handle fh.
func (s *Session) Release(ctx context.Context, node fine.Node, fh fine.Handle, flags fine.FileFlags) error {
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpRelease, Node: node}, &fine.ReleaseRequest{Handle: fh, FileFlags: flags})
	return err
}

// Releasedir closes the directory handle fh.
func (s *Session) Releasedir(ctx context.Context, node fine.Node, fh fine.Handle) error {
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpReleasedir, Node: node}, &fine.ReleaseRequest{Handle: fh})
	return err
}

// Fallocate reserves or deallocates space in fh.
func (s *Session) Fallocate(ctx context.Context, node fine.Node, fh fine.Handle, offset, length uint64, mode fine.FallocateMode) error {
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpFallocate, Node: node}, &fine.FallocateRequest{
		Handle: fh,
		Offset: offset,
		Length: length,
		Mode:   mode,
	})
	return err
}

// Unlink removes the file name from parent.
func (s *Session) Unlink(ctx context.Context, parent fine.Node, name string) error {
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpUnlink, Node: parent}, &fine.UnlinkRequest{Name: name})
	return err
}

// Rmdir removes the empty directory name from parent.
func (s *Session) Rmdir(ctx context.Context, parent fine.Node, name string) error {
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpRmdir, Node: parent}, &fine.RmdirRequest{Name: name})
	return err
}

// Rename moves oldName in oldParent to newName in newParent using RENAME2.
// Hosts without RENAME2 support answer EINVAL or ENOSYS; the rename is then
// retried exactly once as a plain RENAME, which always replaces.
func (s *Session) Rename(ctx context.Context, oldParent fine.Node, oldName string, newParent fine.Node, newName string, flags fine.RenameFlags) error {
	req := &fine.RenameRequest{
		NewDir:  newParent,
		Flags:   flags,
		OldName: oldName,
		NewName: newName,
	}
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpRename2, Node: oldParent}, req)
	if err == nil || !(errors.Is(err, fine.ErrorInvalid) || errors.Is(err, fine.ErrorUnimplemented)) {
		return err
	}

	level.Debug(s.log).Log("msg", "RENAME2 rejected, falling back to RENAME", "err", err)
	fallback := &fine.RenameRequest{
		NewDir:  newParent,
		OldName: oldName,
		NewName: newName,
	}
	_, err = s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpRename, Node: oldParent}, fallback)
	return err
}

// Forget drops every reference the session holds on node with a single
// FORGET. It is a no-op if node isn't referenced.
//
// ctx is only checked before the count is taken. A cancelled FORGET would
// still reach the host, so once taken the count is either delivered or, if
// sending fails, restored for a later FORGET or BATCH_FORGET.
func (s *Session) Forget(ctx context.Context, node fine.Node) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("forget node %d: %v: %w", node, err, fine.ErrorInterrupted)
	}
	count, ok := s.lookups.Pop(node)
	if !ok {
		return nil
	}

	_, err := s.roundTrip(context.Background(), &fine.RequestHeader{Op: fine.OpForget, Node: node}, &fine.ForgetRequest{NumLookups: count})
	if err != nil {
		if rerr := s.lookups.Restore(node, count); rerr != nil {
			level.Warn(s.log).Log("msg", "failed to restore lookup count", "node", node, "count", count, "err", rerr)
		}
		return fmt.Errorf("forget node %d: %w", node, err)
	}
	return nil
}

// ForgetAll drops every reference the session holds with a single
// BATCH_FORGET. Counts are restored if the request can't be sent.
func (s *Session) ForgetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("forget all: %v: %w", err, fine.ErrorInterrupted)
	}
	items := s.lookups.PopAll()
	if len(items) == 0 {
		return nil
	}
	level.Debug(s.log).Log("msg", "forgetting cached nodes", "count", len(items))

	_, err := s.roundTrip(context.Background(), &fine.RequestHeader{Op: fine.OpBatchForget}, &fine.BatchForgetRequest{Items: items})
	if err != nil {
		for _, it := range items {
			_ = s.lookups.Restore(it.Node, it.NumLookups)
		}
		return fmt.Errorf("batch forget of %d nodes: %w", len(items), err)
	}
	return nil
}
