package server

import (
	"context"
	"fmt"

	"github.com/rfratto/viofs/internal/fine"
)

// body casts req to the body type expected for hdr.Op.
func body[T fine.Request](hdr *fine.RequestHeader, req fine.Request) (T, error) {
	typed, ok := req.(T)
	if !ok {
		return typed, fmt.Errorf("missing request body for %s: %w", hdr.Op, fine.ErrorInvalid)
	}
	return typed, nil
}

// handlerInvoker converts h into an Invoker.
func handlerInvoker(h Handler) fine.Invoker {
	return func(ctx context.Context, header *fine.RequestHeader, req fine.Request) (resp fine.Response, err error) {
		// Each case assigns resp only on success so a nil typed pointer is
		// never wrapped in a non-nil interface.
		switch header.Op {
		case fine.OpLookup:
			var r *fine.LookupRequest
			if r, err = body[*fine.LookupRequest](header, req); err == nil {
				resp, err = wrap(h.Lookup(ctx, header, r))
			}

		case fine.OpForget:
			var r *fine.ForgetRequest
			if r, err = body[*fine.ForgetRequest](header, req); err == nil {
				h.Forget(ctx, header, r)
			}

		case fine.OpBatchForget:
			var r *fine.BatchForgetRequest
			if r, err = body[*fine.BatchForgetRequest](header, req); err == nil {
				h.BatchForget(ctx, header, r)
			}

		case fine.OpGetattr:
			var r *fine.GetattrRequest
			if r, err = body[*fine.GetattrRequest](header, req); err == nil {
				resp, err = wrap(h.Getattr(ctx, header, r))
			}

		case fine.OpSetattr:
			var r *fine.SetattrRequest
			if r, err = body[*fine.SetattrRequest](header, req); err == nil {
				resp, err = wrap(h.Setattr(ctx, header, r))
			}

		case fine.OpStatfs:
			resp, err = wrap(h.Statfs(ctx, header))

		case fine.OpReadlink:
			resp, err = wrap(h.Readlink(ctx, header))

		case fine.OpSymlink:
			var r *fine.SymlinkRequest
			if r, err = body[*fine.SymlinkRequest](header, req); err == nil {
				resp, err = wrap(h.Symlink(ctx, header, r))
			}

		case fine.OpMkdir:
			var r *fine.MkdirRequest
			if r, err = body[*fine.MkdirRequest](header, req); err == nil {
				resp, err = wrap(h.Mkdir(ctx, header, r))
			}

		case fine.OpCreate:
			var r *fine.CreateRequest
			if r, err = body[*fine.CreateRequest](header, req); err == nil {
				resp, err = wrap(h.Create(ctx, header, r))
			}

		case fine.OpUnlink:
			var r *fine.UnlinkRequest
			if r, err = body[*fine.UnlinkRequest](header, req); err == nil {
				err = h.Unlink(ctx, header, r)
			}

		case fine.OpRmdir:
			var r *fine.RmdirRequest
			if r, err = body[*fine.RmdirRequest](header, req); err == nil {
				err = h.Rmdir(ctx, header, r)
			}

		case fine.OpRename, fine.OpRename2:
			var r *fine.RenameRequest
			if r, err = body[*fine.RenameRequest](header, req); err == nil {
				err = h.Rename(ctx, header, r)
			}

		case fine.OpOpen:
			var r *fine.OpenRequest
			if r, err = body[*fine.OpenRequest](header, req); err == nil {
				resp, err = wrap(h.Open(ctx, header, r))
			}

		case fine.OpRead:
			var r *fine.ReadRequest
			if r, err = body[*fine.ReadRequest](header, req); err == nil {
				resp, err = wrap(h.Read(ctx, header, r))
			}

		case fine.OpWrite:
			var r *fine.WriteRequest
			if r, err = body[*fine.WriteRequest](header, req); err == nil {
				resp, err = wrap(h.Write(ctx, header, r))
			}

		case fine.OpFlush:
			var r *fine.FlushRequest
			if r, err = body[*fine.FlushRequest](header, req); err == nil {
				err = h.Flush(ctx, header, r)
			}

		case fine.OpFsync:
			var r *fine.FsyncRequest
			if r, err = body[*fine.FsyncRequest](header, req); err == nil {
				err = h.Fsync(ctx, header, r)
			}

		case fine.OpRelease:
			var r *fine.ReleaseRequest
			if r, err = body[*fine.ReleaseRequest](header, req); err == nil {
				err = h.Release(ctx, header, r)
			}

		case fine.OpFallocate:
			var r *fine.FallocateRequest
			if r, err = body[*fine.FallocateRequest](header, req); err == nil {
				err = h.Fallocate(ctx, header, r)
			}

		case fine.OpOpendir:
			var r *fine.OpenRequest
			if r, err = body[*fine.OpenRequest](header, req); err == nil {
				resp, err = wrap(h.Opendir(ctx, header, r))
			}

		case fine.OpReaddirplus:
			var r *fine.ReadRequest
			if r, err = body[*fine.ReadRequest](header, req); err == nil {
				resp, err = wrap(h.Readdirplus(ctx, header, r))
			}

		case fine.OpFsyncdir:
			var r *fine.FsyncRequest
			if r, err = body[*fine.FsyncRequest](header, req); err == nil {
				err = h.Fsyncdir(ctx, header, r)
			}

		case fine.OpReleasedir:
			var r *fine.ReleaseRequest
			if r, err = body[*fine.ReleaseRequest](header, req); err == nil {
				err = h.Releasedir(ctx, header, r)
			}

		default:
			err = fmt.Errorf("unexpected opcode %q: %w", header.Op, fine.ErrorUnimplemented)
		}

		return resp, err
	}
}

// wrap converts a typed handler result into a fine.Response, mapping a nil
// pointer to a nil interface.
func wrap[T interface {
	comparable
	fine.Response
}](resp T, err error) (fine.Response, error) {
	var zero T
	if err != nil || resp == zero {
		return nil, err
	}
	return resp, nil
}
