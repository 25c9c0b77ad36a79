package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/client"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"github.com/rfratto/viofs/internal/fine/memfs"
	"github.com/rfratto/viofs/internal/fine/server"
	"github.com/rfratto/viofs/internal/virtio"
	"github.com/rfratto/viofs/internal/virtio/loopback"
	"github.com/stretchr/testify/require"
)

const guestSID = "S-1-5-21-1-2-3-1001"

type testEnv struct {
	fs   *FileSystem
	host *memfs.FS
}

// newTestEnv mounts a FileSystem over the loopback device serving an
// in-memory host. mw runs on the host side.
func newTestEnv(t *testing.T, mo memfs.Options, mw ...fine.Middleware) *testEnv {
	t.Helper()

	mo.UID, mo.GID = 1000, 1000
	host := memfs.New(nil, mo)
	srv, err := server.New(nil, server.Options{Handler: host, Middleware: mw})
	require.NoError(t, err)

	lo := loopback.DefaultOptions
	lo.MemorySize = 8 << 20
	dev, err := loopback.New(nil, srv.Serve, lo)
	require.NoError(t, err)

	tr, err := virtio.New(nil, dev, virtio.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()

	sess, err := client.New(nil, tr, client.Options{UID: 1000, GID: 1000})
	require.NoError(t, err)
	fs, err := New(nil, sess, Options{Guest: Identity{SID: guestSID, UID: 1000, GID: 1000}})
	require.NoError(t, err)
	require.NoError(t, fs.Mount(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, fs.Unmount(context.Background()))
		require.NoError(t, tr.Close())
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, dev.Close())
	})
	return &testEnv{fs: fs, host: host}
}

func requireStatus(t *testing.T, expect Status, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, expect, StatusFromError(err), "unexpected status for %v", err)
}

func TestFileSystem_CreateWriteRead(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.MkdirAll("dir", 0o755))

	fc, info, err := env.fs.Create(ctx, `\dir\file.txt`, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "dir/file.txt", fc.Path)
	require.Equal(t, FileAttributeArchive, info.FileAttributes)
	require.Equal(t, uint64(0), info.FileSize)

	n, info, err := env.fs.Write(ctx, fc, []byte("hello world"), 0, WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(11), n)
	require.Equal(t, uint64(11), info.FileSize)

	data, err := env.fs.Read(ctx, fc, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	data, err = env.fs.Read(ctx, fc, 6, 3)
	require.NoError(t, err)
	require.Equal(t, "wor", string(data))

	_, err = env.fs.Read(ctx, fc, 11, 10)
	requireStatus(t, StatusEndOfFile, err)
	_, err = env.fs.Read(ctx, fc, 500, 10)
	requireStatus(t, StatusEndOfFile, err)

	node := fc.Node
	require.NotZero(t, env.host.Lookups(node))
	require.NoError(t, env.fs.Close(ctx, fc))
	require.Zero(t, env.host.Lookups(node), "created node must be forgotten on close")
	require.Zero(t, env.host.OpenHandles())

	contents, err := env.host.ReadFile("dir/file.txt")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(contents))
}

func TestFileSystem_ReadEmptyFileAtStart(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()

	fc, _, err := env.fs.Create(ctx, `\empty`, CreateOptions{})
	require.NoError(t, err)
	defer env.fs.Close(ctx, fc)

	data, err := env.fs.Read(ctx, fc, 0, 10)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestFileSystem_CreateCollision(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("exists", []byte("x"), 0o644))
	node, err := env.host.NodeID("exists")
	require.NoError(t, err)

	_, _, err = env.fs.Create(ctx, `\exists`, CreateOptions{})
	requireStatus(t, StatusObjectNameCollision, err)
	require.Zero(t, env.host.Lookups(node), "reference taken by the walk must be dropped")

	_, _, err = env.fs.Create(ctx, `\missing\file`, CreateOptions{})
	requireStatus(t, StatusObjectNameNotFound, err)
}

func TestFileSystem_CreateUnwindsOnFailure(t *testing.T) {
	ctx := context.Background()

	requireNothingHeld := func(t *testing.T, env *testEnv, name string) {
		t.Helper()
		_, err := env.host.NodeID(name)
		require.ErrorIs(t, err, fine.ErrorNotExist)
		require.Equal(t, uint64(0), env.host.TotalLookups())
		require.Equal(t, 0, env.host.OpenHandles())
		require.Equal(t, 0, env.fs.s.Lookups().Len())
	}

	t.Run("opendir fails", func(t *testing.T) {
		env := newTestEnv(t, memfs.Options{Fail: map[fine.Op]fine.Error{fine.OpOpendir: fine.ErrorUnauthorized}})

		_, _, err := env.fs.Create(ctx, `\d`, CreateOptions{Directory: true})
		requireStatus(t, StatusAccessDenied, err)
		requireNothingHeld(t, env, "d")
	})

	t.Run("fallocate fails", func(t *testing.T) {
		env := newTestEnv(t, memfs.Options{Fail: map[fine.Op]fine.Error{fine.OpFallocate: fine.ErrorNoSpace}})

		_, _, err := env.fs.Create(ctx, `\f`, CreateOptions{AllocationSize: 1 << 20})
		requireStatus(t, StatusDiskFull, err)
		requireNothingHeld(t, env, "f")
	})
}

func TestFileSystem_CreateDirectory(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()

	fc, info, err := env.fs.Create(ctx, `\sub`, CreateOptions{Directory: true, Attributes: FileAttributeReadonly})
	require.NoError(t, err)
	require.True(t, fc.IsDir)
	require.Equal(t, FileAttributeDirectory|FileAttributeReadonly, info.FileAttributes)
	require.NoError(t, env.fs.Close(ctx, fc))

	_, err = env.host.NodeID("sub")
	require.NoError(t, err)
}

func TestFileSystem_WriteModes(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("log", []byte("0123456789"), 0o644))

	fc, _, err := env.fs.Open(ctx, `\log`, OpenOptions{Write: true})
	require.NoError(t, err)
	defer env.fs.Close(ctx, fc)

	n, info, err := env.fs.Write(ctx, fc, []byte("abc"), 0, WriteOptions{ToEndOfFile: true})
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	require.Equal(t, uint64(13), info.FileSize)

	// Constrained writes never extend the file.
	n, info, err = env.fs.Write(ctx, fc, []byte("XYZW"), 11, WriteOptions{ConstrainedIO: true})
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
	require.Equal(t, uint64(13), info.FileSize)

	n, _, err = env.fs.Write(ctx, fc, []byte("past"), 20, WriteOptions{ConstrainedIO: true})
	require.NoError(t, err)
	require.Zero(t, n)

	contents, err := env.host.ReadFile("log")
	require.NoError(t, err)
	require.Equal(t, "0123456789aXY", string(contents))
}

func TestFileSystem_OverwriteAndSize(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("f", []byte("some contents"), 0o644))

	fc, info, err := env.fs.Open(ctx, `\f`, OpenOptions{Write: true})
	require.NoError(t, err)
	defer env.fs.Close(ctx, fc)
	require.Equal(t, uint64(13), info.FileSize)

	info, err = env.fs.Overwrite(ctx, fc, FileAttributeArchive, false, 4096)
	require.NoError(t, err)
	require.Zero(t, info.FileSize)

	info, err = env.fs.SetFileSize(ctx, fc, 100, false)
	require.NoError(t, err)
	require.Equal(t, uint64(100), info.FileSize)

	// Allocation never changes the end of file.
	info, err = env.fs.SetFileSize(ctx, fc, 1<<20, true)
	require.NoError(t, err)
	require.Equal(t, uint64(100), info.FileSize)
	info, err = env.fs.SetFileSize(ctx, fc, 10, true)
	require.NoError(t, err)
	require.Equal(t, uint64(100), info.FileSize)
}

func TestFileSystem_SetBasicInfo(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("f", nil, 0o644))

	fc, _, err := env.fs.Open(ctx, `\f`, OpenOptions{Write: true})
	require.NoError(t, err)
	defer env.fs.Close(ctx, fc)

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 600, time.UTC)
	info, err := env.fs.SetBasicInfo(ctx, fc, FileAttributeReadonly, 0, 0, Filetime(mtime), 0)
	require.NoError(t, err)
	require.Equal(t, FileAttributeReadonly|FileAttributeArchive, info.FileAttributes)
	require.Equal(t, Filetime(mtime), info.LastWriteTime)

	info, err = env.fs.SetBasicInfo(ctx, fc, FileAttributeArchive, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, FileAttributeArchive, info.FileAttributes)

	// Nothing to change.
	info, err = env.fs.SetBasicInfo(ctx, fc, InvalidFileAttributes, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, Filetime(mtime), info.LastWriteTime)
}

func TestFileSystem_Rename(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("a", []byte("A"), 0o644))
	require.NoError(t, env.host.WriteFile("b", []byte("B"), 0o644))
	require.NoError(t, env.host.MkdirAll("dir", 0o755))

	err := env.fs.Rename(ctx, nil, `\a`, `\b`, false)
	requireStatus(t, StatusObjectNameCollision, err)

	require.NoError(t, env.fs.Rename(ctx, nil, `\a`, `\b`, true))
	contents, err := env.host.ReadFile("b")
	require.NoError(t, err)
	require.Equal(t, "A", string(contents))
	_, err = env.host.ReadFile("a")
	require.Error(t, err)

	fc, _, err := env.fs.Open(ctx, `\b`, OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, env.fs.Rename(ctx, fc, `\b`, `\dir\c`, false))
	require.Equal(t, "dir/c", fc.Path)
	require.NoError(t, env.fs.Close(ctx, fc))

	contents, err = env.host.ReadFile("dir/c")
	require.NoError(t, err)
	require.Equal(t, "A", string(contents))
}

func TestFileSystem_RenameWithoutRename2(t *testing.T) {
	env := newTestEnv(t, memfs.Options{RejectRename2: true})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("a", []byte("A"), 0o644))
	require.NoError(t, env.host.WriteFile("b", []byte("B"), 0o644))

	// Plain RENAME always replaces, so the collision must be caught first.
	err := env.fs.Rename(ctx, nil, `\a`, `\b`, false)
	requireStatus(t, StatusObjectNameCollision, err)
	contents, err := env.host.ReadFile("b")
	require.NoError(t, err)
	require.Equal(t, "B", string(contents))

	require.NoError(t, env.fs.Rename(ctx, nil, `\a`, `\c`, false))
	contents, err = env.host.ReadFile("c")
	require.NoError(t, err)
	require.Equal(t, "A", string(contents))
}

func TestFileSystem_CanDelete(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("full/child", []byte("x"), 0o644))
	require.NoError(t, env.host.MkdirAll("empty", 0o755))
	child, err := env.host.NodeID("full/child")
	require.NoError(t, err)

	full, _, err := env.fs.Open(ctx, `\full`, OpenOptions{})
	require.NoError(t, err)
	defer env.fs.Close(ctx, full)

	requireStatus(t, StatusDirectoryNotEmpty, env.fs.CanDelete(ctx, full))
	require.Zero(t, env.host.Lookups(child), "enumeration references must be forgotten")
	require.Equal(t, 1, env.host.OpenHandles(), "enumeration handle must be released")

	empty, _, err := env.fs.Open(ctx, `\empty`, OpenOptions{})
	require.NoError(t, err)
	defer env.fs.Close(ctx, empty)
	require.NoError(t, env.fs.CanDelete(ctx, empty))
}

func TestFileSystem_DeleteOnCleanup(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("dir/doomed", []byte("x"), 0o644))

	fc, _, err := env.fs.Open(ctx, `\dir\doomed`, OpenOptions{})
	require.NoError(t, err)
	node := fc.Node

	require.NoError(t, env.fs.CanDelete(ctx, fc))
	require.NoError(t, env.fs.Cleanup(ctx, fc, true))
	require.NoError(t, env.fs.Close(ctx, fc))

	_, err = env.host.ReadFile("dir/doomed")
	require.Error(t, err)
	require.Zero(t, env.host.Lookups(node))
}

func TestFileSystem_ReadDirectory(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "long.txt"} {
		require.NoError(t, env.host.WriteFile(name, []byte(name), 0o644))
	}
	require.NoError(t, env.host.MkdirAll("d1/inner", 0o755))

	root, _, err := env.fs.Open(ctx, `\`, OpenOptions{})
	require.NoError(t, err)
	defer env.fs.Close(ctx, root)
	require.True(t, root.IsDir)

	names := func(ents []DirInfo) []string {
		var out []string
		for _, ent := range ents {
			out = append(out, ent.Name)
		}
		return out
	}

	ents, err := env.fs.ReadDirectory(ctx, root, "*", "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d1", "long.txt"}, names(ents))
	require.Equal(t, FileAttributeDirectory, ents[3].Info.FileAttributes)
	require.Equal(t, uint64(8), ents[4].Info.FileSize)

	ents, err = env.fs.ReadDirectory(ctx, root, "*", "b")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d1", "long.txt"}, names(ents))

	ents, err = env.fs.ReadDirectory(ctx, root, "?", "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, names(ents))

	ents, err = env.fs.ReadDirectory(ctx, root, "*.TXT", "")
	require.NoError(t, err)
	require.Equal(t, []string{"long.txt"}, names(ents))

	sub, _, err := env.fs.Open(ctx, `\d1`, OpenOptions{})
	require.NoError(t, err)
	defer env.fs.Close(ctx, sub)
	ents, err = env.fs.ReadDirectory(ctx, sub, "", "")
	require.NoError(t, err)
	require.Equal(t, []string{".", "..", "inner"}, names(ents))

	info, err := env.fs.GetDirInfoByName(ctx, sub, "inner")
	require.NoError(t, err)
	require.Equal(t, FileAttributeDirectory, info.Info.FileAttributes)

	_, err = env.fs.GetDirInfoByName(ctx, sub, "nope")
	requireStatus(t, StatusObjectNameNotFound, err)
}

func TestFileSystem_ReadDirectoryStuckCookie(t *testing.T) {
	// The host ignores the requested cookie and always restarts the listing.
	restart := fine.FuncMiddleware(func(ctx context.Context, hdr *fine.RequestHeader, req fine.Request, i fine.Invoker) (fine.Response, error) {
		if rr, ok := req.(*fine.ReadRequest); ok && hdr.Op == fine.OpReaddirplus {
			rr.Offset = 0
		}
		return i(ctx, hdr, req)
	})
	env := newTestEnv(t, memfs.Options{}, restart)
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("d/a", nil, 0o644))
	require.NoError(t, env.host.WriteFile("d/b", nil, 0o644))

	fc, _, err := env.fs.Open(ctx, `\d`, OpenOptions{})
	require.NoError(t, err)

	_, err = env.fs.ReadDirectory(ctx, fc, "*", "")
	requireStatus(t, StatusIoDeviceError, err)
	require.ErrorIs(t, err, fuse.ErrProtocol)
	require.NoError(t, env.fs.Close(ctx, fc))
}

func TestFileSystem_Security(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("f", nil, 0o640))

	fc, _, err := env.fs.Open(ctx, `\f`, OpenOptions{Write: true})
	require.NoError(t, err)
	defer env.fs.Close(ctx, fc)

	sddl, err := env.fs.GetSecurity(ctx, fc)
	require.NoError(t, err)
	expect := "O:" + guestSID + "G:S-1-22-2-1000D:P(A;;FRFW;;;" + guestSID + ")(A;;FR;;;S-1-22-2-1000)"
	require.Equal(t, expect, sddl)

	attrs, byName, err := env.fs.GetSecurityByName(ctx, `\f`)
	require.NoError(t, err)
	require.Equal(t, expect, byName)
	require.Equal(t, FileAttributeArchive, attrs)

	update := "O:" + guestSID + "G:S-1-22-2-1000D:P(A;;FRFWFX;;;" + guestSID + ")(A;;FRFX;;;WD)"
	require.NoError(t, env.fs.SetSecurity(ctx, fc, update))

	sddl, err = env.fs.GetSecurity(ctx, fc)
	require.NoError(t, err)
	require.Equal(t, update, sddl)
}

func TestFileSystem_CreateWithSecurityDescriptor(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()

	sd := "O:" + guestSID + "G:S-1-22-2-1000D:P(A;;FA;;;" + guestSID + ")"
	fc, info, err := env.fs.Create(ctx, `\private`, CreateOptions{SecurityDescriptor: sd})
	require.NoError(t, err)
	defer env.fs.Close(ctx, fc)
	require.Equal(t, FileAttributeArchive, info.FileAttributes)

	sddl, err := env.fs.GetSecurity(ctx, fc)
	require.NoError(t, err)
	require.Equal(t, "O:"+guestSID+"G:S-1-22-2-1000D:P(A;;FRFWFX;;;"+guestSID+")", sddl)
}

func TestFileSystem_ReparsePoints(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	require.NoError(t, env.host.WriteFile("target/file", []byte("through the link"), 0o644))

	fc, _, err := env.fs.Create(ctx, `\link`, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, env.fs.SetReparsePoint(ctx, fc, `target\file`))
	require.Equal(t, fine.NoHandle, fc.Handle)
	require.NoError(t, env.fs.Close(ctx, fc))

	target, err := env.fs.GetReparsePoint(ctx, `\link`)
	require.NoError(t, err)
	require.Equal(t, `target\file`, target)

	_, err = env.fs.GetReparsePoint(ctx, `\target\file`)
	requireStatus(t, StatusNotAReparsePoint, err)

	link, info, err := env.fs.Open(ctx, `\link`, OpenOptions{OpenReparsePoint: true})
	require.NoError(t, err)
	require.Equal(t, FileAttributeReparsePoint, info.FileAttributes&FileAttributeReparsePoint)
	require.Equal(t, ReparseTagSymlink, info.ReparseTag)
	require.NoError(t, env.fs.Close(ctx, link))

	followed, _, err := env.fs.Open(ctx, `\link`, OpenOptions{})
	require.NoError(t, err)
	defer env.fs.Close(ctx, followed)
	data, err := env.fs.Read(ctx, followed, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "through the link", string(data))
}

func TestFileSystem_SymlinkLoop(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	require.NoError(t, env.host.AddSymlink("loop", "loop"))

	_, _, err := env.fs.Open(context.Background(), `\loop`, OpenOptions{})
	requireStatus(t, StatusStoppedOnSymlink, err)
}

func TestFileSystem_VolumeInfo(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})

	vi, err := env.fs.GetVolumeInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1<<30), vi.TotalSize)
	require.Equal(t, uint32(255), vi.MaxComponentLength)
	require.Equal(t, "viofs", vi.VolumeLabel)
	require.Equal(t, "viofs", env.fs.VolumeLabel())
}

func TestFileSystem_UnmountForgetsEverything(t *testing.T) {
	env := newTestEnv(t, memfs.Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, env.host.WriteFile(fmt.Sprintf("d/f%d", i), nil, 0o644))
	}

	dir, _, err := env.fs.Open(ctx, `\d`, OpenOptions{})
	require.NoError(t, err)
	_, err = env.fs.ReadDirectory(ctx, dir, "", "")
	require.NoError(t, err)
	require.NoError(t, env.fs.Close(ctx, dir))
	require.NotZero(t, env.host.TotalLookups())

	require.NoError(t, env.fs.Unmount(ctx))
	require.Zero(t, env.host.TotalLookups())
}

func TestStatusFromError(t *testing.T) {
	tt := []struct {
		err    error
		expect Status
	}{
		{nil, StatusSuccess},
		{fine.ErrorUnauthorized, StatusAccessDenied},
		{fine.ErrorNotPermitted, StatusAccessDenied},
		{fine.ErrorNotExist, StatusObjectNameNotFound},
		{fine.ErrorIO, StatusIoDeviceError},
		{fine.ErrorBadHandle, StatusInvalidHandle},
		{fine.ErrorNoMemory, StatusInsufficientResources},
		{fine.ErrorExists, StatusObjectNameCollision},
		{fine.ErrorInvalid, StatusInvalidParameter},
		{fine.ErrorNameTooLong, StatusNameTooLong},
		{fine.ErrorUnimplemented, StatusNotImplemented},
		{fine.ErrorNotSupported, StatusNotSupported},
		{fine.ErrorNotEmpty, StatusDirectoryNotEmpty},
		{fine.ErrorLoop, StatusStoppedOnSymlink},
		{fine.ErrorNoSpace, StatusDiskFull},
		{fine.ErrorBadCrossLink, StatusUnsuccessful},
		{fmt.Errorf("lookup %q: %w", "x", fine.ErrorNotExist), StatusObjectNameNotFound},
		{fmt.Errorf("waiting: %w", context.Canceled), StatusCancelled},
		{fmt.Errorf("submit: %w", virtio.ErrResourceExhausted), StatusInsufficientResources},
		{fmt.Errorf("decode: %w", fuse.ErrProtocol), StatusIoDeviceError},
		{StatusEndOfFile, StatusEndOfFile},
		{multierror.Append(nil, StatusDirectoryNotEmpty, fine.ErrorIO), StatusDirectoryNotEmpty},
		{errors.New("something else"), StatusUnsuccessful},
	}

	for _, tc := range tt {
		require.Equal(t, tc.expect, StatusFromError(tc.err), "error: %v", tc.err)
	}
}

func TestFiletime(t *testing.T) {
	require.Equal(t, uint64(116444736000000000), Filetime(time.Unix(0, 0)))
	require.Zero(t, Filetime(time.Time{}))
	require.True(t, TimeFromFiletime(0).IsZero())

	ts := time.Date(2021, 6, 7, 8, 9, 10, 123456700, time.UTC)
	require.True(t, ts.Equal(TimeFromFiletime(Filetime(ts))))
}

func TestFileAttributes(t *testing.T) {
	tt := []struct {
		mode   os.FileMode
		expect uint32
	}{
		{0o644, FileAttributeArchive},
		{0o444, FileAttributeArchive | FileAttributeReadonly},
		{os.ModeDir | 0o755, FileAttributeDirectory},
		{os.ModeDir | 0o555, FileAttributeDirectory | FileAttributeReadonly},
		{os.ModeSymlink | 0o777, FileAttributeReparsePoint},
		{os.ModeNamedPipe | 0o644, FileAttributeNormal},
	}
	for _, tc := range tt {
		require.Equal(t, tc.expect, FileAttributes(tc.mode), "mode %s", tc.mode)
	}
}

func TestHostPath(t *testing.T) {
	require.Equal(t, "", HostPath(`\`))
	require.Equal(t, "a/b/c", HostPath(`\a\b\c`))
	require.Equal(t, "a/b", HostPath(`a\b`))

	dir, name := splitParent("a/b/c")
	require.Equal(t, "a/b", dir)
	require.Equal(t, "c", name)
	dir, name = splitParent("top")
	require.Equal(t, "", dir)
	require.Equal(t, "top", name)
}

func TestWildcardMatch(t *testing.T) {
	tt := []struct {
		pattern, name string
		expect        bool
	}{
		{"*", "anything", true},
		{"*.txt", "notes.txt", true},
		{"*.txt", "notes.md", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"[x]", "[x]", true},
	}
	for _, tc := range tt {
		require.Equal(t, tc.expect, wildcardMatch(tc.pattern, tc.name), "%q against %q", tc.pattern, tc.name)
	}
}
