package memfs

import (
	"context"
	"testing"

	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"github.com/stretchr/testify/require"
)

func hdr(op fine.Op, node fine.Node) *fine.RequestHeader {
	return &fine.RequestHeader{Op: op, Node: node}
}

func TestFS_LookupCounting(t *testing.T) {
	ctx := context.Background()
	fs := New(nil, Options{})
	require.NoError(t, fs.WriteFile("a/b/file", []byte("hello"), 0o644))

	resp, err := fs.Lookup(ctx, hdr(fine.OpLookup, fine.RootNode), &fine.LookupRequest{Name: "a"})
	require.NoError(t, err)
	a := resp.Entry.Node

	_, err = fs.Lookup(ctx, hdr(fine.OpLookup, fine.RootNode), &fine.LookupRequest{Name: "a"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), fs.Lookups(a))

	fs.Forget(ctx, hdr(fine.OpForget, a), &fine.ForgetRequest{NumLookups: 2})
	require.Equal(t, uint64(0), fs.Lookups(a))

	_, err = fs.Lookup(ctx, hdr(fine.OpLookup, a), &fine.LookupRequest{Name: "missing"})
	require.ErrorIs(t, err, fine.ErrorNotExist)
}

func TestFS_UnlinkedNodeLivesUntilForget(t *testing.T) {
	ctx := context.Background()
	fs := New(nil, Options{})
	require.NoError(t, fs.WriteFile("f", []byte("data"), 0o644))

	resp, err := fs.Lookup(ctx, hdr(fine.OpLookup, fine.RootNode), &fine.LookupRequest{Name: "f"})
	require.NoError(t, err)
	node := resp.Entry.Node

	require.NoError(t, fs.Unlink(ctx, hdr(fine.OpUnlink, fine.RootNode), &fine.UnlinkRequest{Name: "f"}))

	// Still reachable by node ID while the guest holds a reference.
	_, err = fs.Getattr(ctx, hdr(fine.OpGetattr, node), &fine.GetattrRequest{})
	require.NoError(t, err)

	fs.BatchForget(ctx, hdr(fine.OpBatchForget, 0), &fine.BatchForgetRequest{Items: []fine.BatchForgetItem{{Node: node, NumLookups: 1}}})
	_, err = fs.Getattr(ctx, hdr(fine.OpGetattr, node), &fine.GetattrRequest{})
	require.ErrorIs(t, err, fine.ErrorStale)
}

func TestFS_Rename(t *testing.T) {
	ctx := context.Background()

	t.Run("no replace", func(t *testing.T) {
		fs := New(nil, Options{})
		require.NoError(t, fs.WriteFile("a", nil, 0o644))
		require.NoError(t, fs.WriteFile("b", nil, 0o644))

		err := fs.Rename(ctx, hdr(fine.OpRename2, fine.RootNode), &fine.RenameRequest{NewDir: fine.RootNode, Flags: fine.RenameNoReplace, OldName: "a", NewName: "b"})
		require.ErrorIs(t, err, fine.ErrorExists)

		err = fs.Rename(ctx, hdr(fine.OpRename2, fine.RootNode), &fine.RenameRequest{NewDir: fine.RootNode, OldName: "a", NewName: "b"})
		require.NoError(t, err)
		_, err = fs.NodeID("a")
		require.ErrorIs(t, err, fine.ErrorNotExist)
	})

	t.Run("reject rename2", func(t *testing.T) {
		fs := New(nil, Options{RejectRename2: true})
		require.NoError(t, fs.WriteFile("a", nil, 0o644))

		err := fs.Rename(ctx, hdr(fine.OpRename2, fine.RootNode), &fine.RenameRequest{NewDir: fine.RootNode, OldName: "a", NewName: "c"})
		require.ErrorIs(t, err, fine.ErrorInvalid)

		err = fs.Rename(ctx, hdr(fine.OpRename, fine.RootNode), &fine.RenameRequest{NewDir: fine.RootNode, OldName: "a", NewName: "c"})
		require.NoError(t, err)
	})

	t.Run("into own subtree", func(t *testing.T) {
		fs := New(nil, Options{})
		require.NoError(t, fs.MkdirAll("d/sub", 0o755))
		sub, err := fs.NodeID("d/sub")
		require.NoError(t, err)

		err = fs.Rename(ctx, hdr(fine.OpRename, fine.RootNode), &fine.RenameRequest{NewDir: sub, OldName: "d", NewName: "x"})
		require.ErrorIs(t, err, fine.ErrorInvalid)
	})
}

func TestFS_Readdirplus(t *testing.T) {
	ctx := context.Background()
	fs := New(nil, Options{})
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, fs.WriteFile(name, nil, 0o644))
	}

	opened, err := fs.Opendir(ctx, hdr(fine.OpOpendir, fine.RootNode), &fine.OpenRequest{})
	require.NoError(t, err)

	// Room for exactly two entries per page.
	page := uint32(fuse.DirentPlusSize(2) * 2)

	var (
		names  []string
		offset uint64
	)
	for {
		resp, err := fs.Readdirplus(ctx, hdr(fine.OpReaddirplus, fine.RootNode), &fine.ReadRequest{Handle: opened.Handle, Offset: offset, Size: page})
		require.NoError(t, err)
		if len(resp.Entries) == 0 {
			break
		}
		require.LessOrEqual(t, len(resp.Entries), 2)
		for _, ent := range resp.Entries {
			names = append(names, ent.DirEntry.Name)
			offset = ent.DirEntry.Offset
		}
	}
	require.Equal(t, []string{".", "..", "a", "b", "c"}, names)

	// Only the real entries took a reference.
	require.Equal(t, uint64(3), fs.TotalLookups())
	require.Equal(t, uint64(0), fs.Lookups(fine.RootNode))

	require.NoError(t, fs.Releasedir(ctx, hdr(fine.OpReleasedir, fine.RootNode), &fine.ReleaseRequest{Handle: opened.Handle}))
	require.Equal(t, 0, fs.OpenHandles())
}

func TestFS_ReadWriteFallocate(t *testing.T) {
	ctx := context.Background()
	fs := New(nil, Options{})

	created, err := fs.Create(ctx, &fine.RequestHeader{Op: fine.OpCreate, Node: fine.RootNode, UID: 10, GID: 20}, &fine.CreateRequest{
		Flags: fine.OpenReadWrite | fine.OpenCreate,
		Mode:  0o666,
		Umask: 0o022,
		Name:  "f",
	})
	require.NoError(t, err)
	require.Equal(t, uint32(10), created.Entry.Attrib.UID)
	require.Equal(t, uint32(0o644), uint32(created.Entry.Attrib.Mode))
	node := created.Entry.Node

	w, err := fs.Write(ctx, hdr(fine.OpWrite, node), &fine.WriteRequest{Handle: created.Handle, Offset: 2, Data: []byte("xyz")})
	require.NoError(t, err)
	require.Equal(t, uint32(3), w.Written)

	r, err := fs.Read(ctx, hdr(fine.OpRead, node), &fine.ReadRequest{Handle: created.Handle, Size: 100})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 'x', 'y', 'z'}, r.Data)

	r, err = fs.Read(ctx, hdr(fine.OpRead, node), &fine.ReadRequest{Handle: created.Handle, Offset: 5, Size: 100})
	require.NoError(t, err)
	require.Empty(t, r.Data)

	require.NoError(t, fs.Fallocate(ctx, hdr(fine.OpFallocate, node), &fine.FallocateRequest{Handle: created.Handle, Length: 4096, Mode: fine.FallocateKeepSize}))
	attr, err := fs.Getattr(ctx, hdr(fine.OpGetattr, node), &fine.GetattrRequest{})
	require.NoError(t, err)
	require.Equal(t, uint64(5), attr.Attrib.Size)

	require.NoError(t, fs.Fallocate(ctx, hdr(fine.OpFallocate, node), &fine.FallocateRequest{Handle: created.Handle, Length: 4096}))
	attr, err = fs.Getattr(ctx, hdr(fine.OpGetattr, node), &fine.GetattrRequest{})
	require.NoError(t, err)
	require.Equal(t, uint64(4096), attr.Attrib.Size)

	_, err = fs.Setattr(ctx, hdr(fine.OpSetattr, node), &fine.SetattrRequest{UpdateMask: fine.AttribMaskSize | fine.AttribMaskFileHandle, Handle: created.Handle})
	require.NoError(t, err)
	data, err := fs.ReadFile("f")
	require.NoError(t, err)
	require.Empty(t, data)

	require.NoError(t, fs.Release(ctx, hdr(fine.OpRelease, node), &fine.ReleaseRequest{Handle: created.Handle}))
	require.ErrorIs(t, fs.Release(ctx, hdr(fine.OpRelease, node), &fine.ReleaseRequest{Handle: created.Handle}), fine.ErrorBadHandle)
}

func TestFS_Rmdir(t *testing.T) {
	ctx := context.Background()
	fs := New(nil, Options{})
	require.NoError(t, fs.WriteFile("d/f", nil, 0o644))

	err := fs.Rmdir(ctx, hdr(fine.OpRmdir, fine.RootNode), &fine.RmdirRequest{Name: "d"})
	require.ErrorIs(t, err, fine.ErrorNotEmpty)

	d, err := fs.NodeID("d")
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, hdr(fine.OpUnlink, d), &fine.UnlinkRequest{Name: "f"}))
	require.NoError(t, fs.Rmdir(ctx, hdr(fine.OpRmdir, fine.RootNode), &fine.RmdirRequest{Name: "d"}))
}

func TestFS_Fail(t *testing.T) {
	ctx := context.Background()
	fs := New(nil, Options{Fail: map[fine.Op]fine.Error{
		fine.OpOpendir:   fine.ErrorUnauthorized,
		fine.OpFallocate: fine.ErrorNoSpace,
	}})
	require.NoError(t, fs.WriteFile("f", nil, 0o644))
	f, err := fs.NodeID("f")
	require.NoError(t, err)

	_, err = fs.Opendir(ctx, hdr(fine.OpOpendir, fine.RootNode), &fine.OpenRequest{})
	require.ErrorIs(t, err, fine.ErrorUnauthorized)

	opened, err := fs.Open(ctx, hdr(fine.OpOpen, f), &fine.OpenRequest{Flags: fine.OpenReadWrite})
	require.NoError(t, err)
	err = fs.Fallocate(ctx, hdr(fine.OpFallocate, f), &fine.FallocateRequest{Handle: opened.Handle, Length: 10})
	require.ErrorIs(t, err, fine.ErrorNoSpace)
	require.Equal(t, 1, fs.OpenHandles())
}
