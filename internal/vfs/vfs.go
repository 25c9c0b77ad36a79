// Package vfs adapts a FUSE session to the calls made by a guest filesystem
// driver. Guest paths use backslashes, results are reported as guest status
// codes, and host modes are presented as file attributes and security
// descriptors.
package vfs

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/client"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"go.uber.org/atomic"
)

// Options configures a FileSystem.
type Options struct {
	// Label is reported as the volume label.
	Label string

	// Guest identifies the guest user. Objects owned by the host owner are
	// presented as owned by Guest.
	Guest Identity

	// Mapper translates permissions. If nil, a ModeMapper over Guest and the
	// host owner found at mount is used.
	Mapper PermissionMapper

	// FileMode and DirMode are used for new objects created without a
	// security descriptor.
	FileMode, DirMode os.FileMode
}

// DefaultOptions holds defaults for FileSystem.
var DefaultOptions = Options{
	Label:    "viofs",
	FileMode: 0o644,
	DirMode:  0o755,
}

// FileSystem implements guest filesystem operations over a client.Session.
type FileSystem struct {
	log log.Logger
	s   *client.Session
	o   Options

	mapper  PermissionMapper
	modes   *ModeMapper // Set when using the default mapper.
	mounted atomic.Bool
}

// FileContext is the guest's open instance of a file or directory.
type FileContext struct {
	Node   fine.Node
	Handle fine.Handle
	IsDir  bool

	// Path is the host path, relative to the root.
	Path string

	flags   fine.FileFlags
	created bool
	deleted bool

	mut sync.Mutex
	dir *btree.BTreeG[DirInfo] // Buffered enumeration, keyed by name.
}

// VolumeInfo describes the mounted volume.
type VolumeInfo struct {
	TotalSize          uint64
	FreeSize           uint64
	MaxComponentLength uint32
	VolumeLabel        string
}

// New creates a FileSystem. Call Mount before issuing any other operation.
func New(l log.Logger, s *client.Session, o Options) (*FileSystem, error) {
	if s == nil {
		return nil, fmt.Errorf("session must be set")
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.Label == "" {
		o.Label = DefaultOptions.Label
	}
	if o.FileMode == 0 {
		o.FileMode = DefaultOptions.FileMode
	}
	if o.DirMode == 0 {
		o.DirMode = DefaultOptions.DirMode
	}

	fs := &FileSystem{log: l, s: s, o: o, mapper: o.Mapper}
	if fs.mapper == nil {
		fs.modes = &ModeMapper{Guest: o.Guest}
		fs.mapper = fs.modes
	}
	return fs, nil
}

// Mount performs the INIT handshake and records the owner of the host root.
func (fs *FileSystem) Mount(ctx context.Context) error {
	if err := fs.s.Init(ctx); err != nil {
		return err
	}
	root, err := fs.s.Getattr(ctx, fine.RootNode, fine.NoHandle)
	if err != nil {
		return fmt.Errorf("reading root attributes: %w", err)
	}
	if fs.modes != nil {
		fs.modes.Host = Identity{UID: root.UID, GID: root.GID}
	}
	fs.mounted.Store(true)

	level.Info(fs.log).Log("msg", "mounted volume", "label", fs.o.Label, "host_uid", root.UID, "host_gid", root.GID)
	return nil
}

// Unmount forgets every cached node and ends the session.
func (fs *FileSystem) Unmount(ctx context.Context) error {
	if !fs.mounted.CAS(true, false) {
		return nil
	}

	var result *multierror.Error
	if err := fs.s.ForgetAll(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("forgetting nodes: %w", err))
	}
	if err := fs.s.Destroy(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("destroying session: %w", err))
	}
	return result.ErrorOrNil()
}

// VolumeLabel returns the label of the volume.
func (fs *FileSystem) VolumeLabel() string { return fs.o.Label }

// GetVolumeInfo reports the capacity of the host filesystem.
func (fs *FileSystem) GetVolumeInfo(ctx context.Context) (VolumeInfo, error) {
	st, err := fs.s.Statfs(ctx)
	if err != nil {
		return VolumeInfo{}, err
	}
	unit := uint64(st.FragmentSize)
	if unit == 0 {
		unit = uint64(st.BlockSize)
	}
	return VolumeInfo{
		TotalSize:          st.Blocks * unit,
		FreeSize:           st.BlocksAvailable * unit,
		MaxComponentLength: st.NameLength,
		VolumeLabel:        fs.o.Label,
	}, nil
}

// HostPath converts a guest path to a host path relative to the root.
func HostPath(p string) string {
	return strings.TrimLeft(strings.ReplaceAll(p, `\`, "/"), "/")
}

// splitParent splits a host path into its directory and final component.
func splitParent(p string) (dir, name string) {
	p = strings.TrimRight(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

// background is used for cleanup requests that must be sent even after the
// caller's context is done.
func background() context.Context { return context.Background() }

// unwind runs cleanup steps after a failure. err is returned as-is unless a
// step also fails, in which case err leads a multierror.
func (fs *FileSystem) unwind(err error, steps ...func() error) error {
	result := multierror.Append(nil, err)
	failed := false
	for _, step := range steps {
		if serr := step(); serr != nil {
			level.Warn(fs.log).Log("msg", "cleanup after failure did not complete", "cause", err, "err", serr)
			result = multierror.Append(result, serr)
			failed = true
		}
	}
	if !failed {
		return err
	}
	return result
}

// dropRef forgets node if the session holds exactly one reference to it.
// Nodes with other references stay cached until unmount.
func (fs *FileSystem) dropRef(node fine.Node) func() error {
	return func() error {
		if fs.s.Lookups().Count(node) != 1 {
			return nil
		}
		return fs.s.Forget(background(), node)
	}
}

func (fs *FileSystem) forget(node fine.Node) func() error {
	return func() error { return fs.s.Forget(background(), node) }
}

func (fs *FileSystem) releaseHandle(fc *FileContext) func() error {
	return func() error {
		if fc.Handle == fine.NoHandle {
			return nil
		}
		fh := fc.Handle
		fc.Handle = fine.NoHandle
		if fc.IsDir {
			return fs.s.Releasedir(background(), fc.Node, fh)
		}
		return fs.s.Release(background(), fc.Node, fh, fc.flags)
	}
}

// attrHandle returns the handle attribute requests should go through.
func attrHandle(fc *FileContext) fine.Handle {
	if fc.IsDir {
		return fine.NoHandle
	}
	return fc.Handle
}

// CreateOptions controls Create.
type CreateOptions struct {
	Directory          bool
	Attributes         uint32
	SecurityDescriptor string
	AllocationSize     uint64
}

// Create creates and opens a new file or directory at path. An existing
// object fails with StatusObjectNameCollision.
func (fs *FileSystem) Create(ctx context.Context, path string, co CreateOptions) (*FileContext, FileInfo, error) {
	hp := HostPath(path)
	res, err := fs.s.Resolve(ctx, hp, client.ResolveOptions{AllowMissingLast: true})
	switch {
	case err != nil:
		return nil, FileInfo{}, err
	case res.IsRoot():
		return nil, FileInfo{}, StatusObjectNameCollision
	case res.Node != 0:
		return nil, FileInfo{}, fs.unwind(StatusObjectNameCollision, fs.dropRef(res.Node))
	}

	mode, err := fs.createMode(co)
	if err != nil {
		return nil, FileInfo{}, err
	}

	if co.Directory {
		ent, err := fs.s.Mkdir(ctx, res.Parent, res.Name, mode)
		if err != nil {
			return nil, FileInfo{}, err
		}
		fc := &FileContext{Node: ent.Node, IsDir: true, Path: hp, created: true}
		if fc.Handle, err = fs.s.Opendir(ctx, ent.Node); err != nil {
			fc.Handle = fine.NoHandle
			return nil, FileInfo{}, fs.unwind(err,
				func() error { return fs.s.Rmdir(background(), res.Parent, res.Name) },
				fs.forget(ent.Node),
			)
		}
		return fc, fileInfo(ent.Attrib), nil
	}

	resp, err := fs.s.Create(ctx, res.Parent, res.Name, fine.OpenReadWrite|fine.OpenExclusive, mode)
	if err != nil {
		return nil, FileInfo{}, err
	}
	fc := &FileContext{
		Node:    resp.Entry.Node,
		Handle:  resp.Handle,
		Path:    hp,
		flags:   fine.OpenReadWrite,
		created: true,
	}
	attr := resp.Entry.Attrib

	if co.AllocationSize > 0 {
		err := fs.s.Fallocate(ctx, fc.Node, fc.Handle, 0, co.AllocationSize, fine.FallocateKeepSize)
		if err == nil {
			attr, err = fs.s.Getattr(ctx, fc.Node, fc.Handle)
		}
		if err != nil {
			return nil, FileInfo{}, fs.unwind(err,
				fs.releaseHandle(fc),
				func() error { return fs.s.Unlink(background(), res.Parent, res.Name) },
				fs.forget(fc.Node),
			)
		}
	}

	level.Debug(fs.log).Log("msg", "created", "path", hp, "node", fc.Node, "dir", co.Directory)
	return fc, fileInfo(attr), nil
}

func (fs *FileSystem) createMode(co CreateOptions) (os.FileMode, error) {
	mode := fs.o.FileMode
	if co.Directory {
		mode = fs.o.DirMode
	}
	if co.SecurityDescriptor != "" {
		var err error
		if mode, err = fs.mapper.Mode(co.SecurityDescriptor, mode); err != nil {
			return 0, err
		}
	}
	if co.Attributes != InvalidFileAttributes && co.Attributes&FileAttributeReadonly != 0 {
		mode &^= 0o222
	}
	return mode, nil
}

// OpenOptions controls Open.
type OpenOptions struct {
	// Write opens files for reading and writing.
	Write bool

	// OpenReparsePoint opens a final symlink itself instead of its target.
	OpenReparsePoint bool
}

// Open opens an existing file or directory. A symlink opened with
// OpenReparsePoint has no host handle.
func (fs *FileSystem) Open(ctx context.Context, path string, oo OpenOptions) (*FileContext, FileInfo, error) {
	hp := HostPath(path)
	res, err := fs.s.Resolve(ctx, hp, client.ResolveOptions{FollowLast: !oo.OpenReparsePoint})
	if err != nil {
		return nil, FileInfo{}, err
	}

	attr := res.Attrib
	if res.IsRoot() {
		if attr, err = fs.s.Getattr(ctx, fine.RootNode, fine.NoHandle); err != nil {
			return nil, FileInfo{}, err
		}
	}

	fc := &FileContext{Node: res.Node, Handle: fine.NoHandle, IsDir: attr.Mode.IsDir(), Path: hp}
	switch {
	case attr.Mode&os.ModeSymlink != 0:
	case fc.IsDir:
		fc.Handle, err = fs.s.Opendir(ctx, fc.Node)
	default:
		fc.flags = fine.OpenReadOnly
		if oo.Write {
			fc.flags = fine.OpenReadWrite
		}
		fc.Handle, err = fs.s.Open(ctx, fc.Node, fc.flags)
	}
	if err != nil {
		return nil, FileInfo{}, fs.unwind(err, fs.dropRef(fc.Node))
	}
	return fc, fileInfo(attr), nil
}

// Overwrite truncates an open file. When replace is set, attributes replace
// the current attributes; otherwise they are added to them.
func (fs *FileSystem) Overwrite(ctx context.Context, fc *FileContext, attributes uint32, replace bool, allocationSize uint64) (FileInfo, error) {
	if fc.IsDir {
		return FileInfo{}, StatusFileIsADirectory
	}

	attr, err := fs.s.Setattr(ctx, fc.Node, &fine.SetattrRequest{
		UpdateMask: fine.AttribMaskSize | fine.AttribMaskFileHandle,
		Handle:     fc.Handle,
		Size:       0,
	})
	if err != nil {
		return FileInfo{}, err
	}

	if attributes != InvalidFileAttributes {
		readonly := attributes&FileAttributeReadonly != 0
		if replace || readonly {
			if attr, err = fs.setReadonly(ctx, fc, attr, readonly); err != nil {
				return FileInfo{}, err
			}
		}
	}

	if allocationSize > 0 {
		if err := fs.s.Fallocate(ctx, fc.Node, fc.Handle, 0, allocationSize, fine.FallocateKeepSize); err != nil {
			return FileInfo{}, err
		}
		if attr, err = fs.s.Getattr(ctx, fc.Node, fc.Handle); err != nil {
			return FileInfo{}, err
		}
	}
	return fileInfo(attr), nil
}

// setReadonly clears or restores write permission for the readonly
// attribute.
func (fs *FileSystem) setReadonly(ctx context.Context, fc *FileContext, attr fine.Attrib, readonly bool) (fine.Attrib, error) {
	mode := attr.Mode
	switch {
	case readonly:
		mode &^= 0o222
	case mode&0o200 == 0:
		mode |= 0o200
	}
	if mode == attr.Mode {
		return attr, nil
	}

	req := &fine.SetattrRequest{UpdateMask: fine.AttribMaskMode, Mode: mode}
	if fh := attrHandle(fc); fh != fine.NoHandle {
		req.UpdateMask |= fine.AttribMaskFileHandle
		req.Handle = fh
	}
	return fs.s.Setattr(ctx, fc.Node, req)
}

// Cleanup runs when the guest's last handle to fc is closed. If remove is
// set, the object is removed from its parent.
func (fs *FileSystem) Cleanup(ctx context.Context, fc *FileContext, remove bool) error {
	if !remove || fc.deleted {
		return nil
	}

	dir, name := splitParent(fc.Path)
	if name == "" {
		return StatusAccessDenied
	}
	parent, err := fs.s.Resolve(ctx, dir, client.ResolveOptions{FollowLast: true})
	if err != nil {
		return err
	}

	if fc.IsDir {
		err = fs.s.Rmdir(ctx, parent.Node, name)
	} else {
		err = fs.s.Unlink(ctx, parent.Node, name)
	}
	if err != nil {
		return err
	}
	fc.deleted = true

	level.Debug(fs.log).Log("msg", "removed", "path", fc.Path, "node", fc.Node)
	return nil
}

// Close releases fc. Created and removed objects are forgotten.
func (fs *FileSystem) Close(ctx context.Context, fc *FileContext) error {
	var result *multierror.Error

	if fc.Handle != fine.NoHandle && !fc.IsDir {
		if err := fs.s.Flush(ctx, fc.Node, fc.Handle); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush: %w", err))
		}
	}
	if err := fs.releaseHandle(fc)(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release: %w", err))
	}
	if fc.created || fc.deleted {
		if err := fs.s.Forget(ctx, fc.Node); err != nil {
			result = multierror.Append(result, fmt.Errorf("forget: %w", err))
		}
	}

	fc.mut.Lock()
	fc.dir = nil
	fc.mut.Unlock()
	return result.ErrorOrNil()
}

// Read reads up to length bytes at offset. Reading nothing past the start
// of the file fails with StatusEndOfFile.
func (fs *FileSystem) Read(ctx context.Context, fc *FileContext, offset uint64, length int) ([]byte, error) {
	switch {
	case fc.IsDir:
		return nil, StatusFileIsADirectory
	case fc.Handle == fine.NoHandle:
		return nil, StatusInvalidHandle
	case length == 0:
		return []byte{}, nil
	}

	data, err := fs.s.Read(ctx, fc.Node, fc.Handle, offset, length)
	if err != nil {
		return data, err
	}
	if len(data) == 0 && offset != 0 {
		return data, StatusEndOfFile
	}
	return data, nil
}

// WriteOptions controls Write.
type WriteOptions struct {
	// ToEndOfFile appends data, ignoring the offset.
	ToEndOfFile bool

	// ConstrainedIO never extends the file; data beyond the current size is
	// dropped.
	ConstrainedIO bool
}

// Write writes data at offset and returns the number of bytes written along
// with the updated file info.
func (fs *FileSystem) Write(ctx context.Context, fc *FileContext, data []byte, offset uint64, wo WriteOptions) (uint64, FileInfo, error) {
	switch {
	case fc.IsDir:
		return 0, FileInfo{}, StatusFileIsADirectory
	case fc.Handle == fine.NoHandle:
		return 0, FileInfo{}, StatusInvalidHandle
	}

	if wo.ToEndOfFile || wo.ConstrainedIO {
		attr, err := fs.s.Getattr(ctx, fc.Node, fc.Handle)
		if err != nil {
			return 0, FileInfo{}, err
		}
		if wo.ToEndOfFile {
			if wo.ConstrainedIO {
				return 0, fileInfo(attr), nil
			}
			offset = attr.Size
		} else {
			if offset >= attr.Size {
				return 0, fileInfo(attr), nil
			}
			if rest := attr.Size - offset; uint64(len(data)) > rest {
				data = data[:rest]
			}
		}
	}

	written, err := fs.s.Write(ctx, fc.Node, fc.Handle, offset, data)
	if err != nil {
		return written, FileInfo{}, err
	}
	attr, err := fs.s.Getattr(ctx, fc.Node, fc.Handle)
	if err != nil {
		return written, FileInfo{}, err
	}
	return written, fileInfo(attr), nil
}

// Flush commits fc to stable storage. A nil fc flushes the volume, which is
// a no-op.
func (fs *FileSystem) Flush(ctx context.Context, fc *FileContext) (FileInfo, error) {
	if fc == nil {
		return FileInfo{}, nil
	}

	if fc.Handle != fine.NoHandle {
		var err error
		if fc.IsDir {
			err = fs.s.Fsyncdir(ctx, fc.Node, fc.Handle)
		} else {
			err = fs.s.Fsync(ctx, fc.Node, fc.Handle, false)
		}
		if err != nil {
			return FileInfo{}, err
		}
	}
	return fs.GetFileInfo(ctx, fc)
}

// GetFileInfo returns the current attributes of fc.
func (fs *FileSystem) GetFileInfo(ctx context.Context, fc *FileContext) (FileInfo, error) {
	attr, err := fs.s.Getattr(ctx, fc.Node, attrHandle(fc))
	if err != nil {
		return FileInfo{}, err
	}
	return fileInfo(attr), nil
}

// SetBasicInfo updates attributes and times. Attributes of 0 or
// InvalidFileAttributes and times of 0 are left unchanged. FUSE has no
// creation time, so creationTime is ignored.
func (fs *FileSystem) SetBasicInfo(ctx context.Context, fc *FileContext, attributes uint32, creationTime, lastAccessTime, lastWriteTime, changeTime uint64) (FileInfo, error) {
	req := &fine.SetattrRequest{}
	if fh := attrHandle(fc); fh != fine.NoHandle {
		req.UpdateMask |= fine.AttribMaskFileHandle
		req.Handle = fh
	}
	if lastAccessTime != 0 {
		req.UpdateMask |= fine.AttribMaskLastAccess
		req.LastAccess = TimeFromFiletime(lastAccessTime)
	}
	if lastWriteTime != 0 {
		req.UpdateMask |= fine.AttribMaskLastModify
		req.LastModify = TimeFromFiletime(lastWriteTime)
	}
	if changeTime != 0 {
		req.UpdateMask |= fine.AttribMaskLastChange
		req.LastChange = TimeFromFiletime(changeTime)
	}

	if attributes != 0 && attributes != InvalidFileAttributes {
		attr, err := fs.s.Getattr(ctx, fc.Node, attrHandle(fc))
		if err != nil {
			return FileInfo{}, err
		}
		mode := attr.Mode
		if attributes&FileAttributeReadonly != 0 {
			mode &^= 0o222
		} else if mode&0o200 == 0 {
			mode |= 0o200
		}
		if mode != attr.Mode {
			req.UpdateMask |= fine.AttribMaskMode
			req.Mode = mode
		}
	}

	if req.UpdateMask&^fine.AttribMaskFileHandle == 0 {
		return fs.GetFileInfo(ctx, fc)
	}
	attr, err := fs.s.Setattr(ctx, fc.Node, req)
	if err != nil {
		return FileInfo{}, err
	}
	return fileInfo(attr), nil
}

// SetFileSize changes the end of file, or with allocation set, reserves
// space without changing the size. A smaller allocation is a no-op.
func (fs *FileSystem) SetFileSize(ctx context.Context, fc *FileContext, size uint64, allocation bool) (FileInfo, error) {
	if fc.IsDir {
		return FileInfo{}, StatusFileIsADirectory
	}

	if allocation {
		attr, err := fs.s.Getattr(ctx, fc.Node, fc.Handle)
		if err != nil {
			return FileInfo{}, err
		}
		if size <= fileInfo(attr).AllocationSize {
			return fileInfo(attr), nil
		}
		if err := fs.s.Fallocate(ctx, fc.Node, fc.Handle, 0, size, fine.FallocateKeepSize); err != nil {
			return FileInfo{}, err
		}
		return fs.GetFileInfo(ctx, fc)
	}

	req := &fine.SetattrRequest{UpdateMask: fine.AttribMaskSize, Size: size}
	if fc.Handle != fine.NoHandle {
		req.UpdateMask |= fine.AttribMaskFileHandle
		req.Handle = fc.Handle
	}
	attr, err := fs.s.Setattr(ctx, fc.Node, req)
	if err != nil {
		return FileInfo{}, err
	}
	return fileInfo(attr), nil
}

// CanDelete reports whether fc may be removed. Directories must be empty.
func (fs *FileSystem) CanDelete(ctx context.Context, fc *FileContext) error {
	if !fc.IsDir {
		return nil
	}

	fh, err := fs.s.Opendir(ctx, fc.Node)
	if err != nil {
		return err
	}
	entries, readErr := fs.s.ReadDirPlus(ctx, fc.Node, fh, 0, 0)

	steps := []func() error{
		func() error { return fs.s.Releasedir(background(), fc.Node, fh) },
	}
	empty := true
	for _, ent := range entries {
		if client.IsDotEntry(ent.DirEntry.Name) {
			continue
		}
		empty = false
		if ent.Entry.Node != 0 {
			steps = append(steps, fs.dropRef(ent.Entry.Node))
		}
	}

	if readErr != nil {
		return fs.unwind(readErr, steps...)
	}
	if !empty {
		return fs.unwind(StatusDirectoryNotEmpty, steps...)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves path to newPath. Without replace, an existing destination
// fails with StatusObjectNameCollision.
func (fs *FileSystem) Rename(ctx context.Context, fc *FileContext, path, newPath string, replace bool) error {
	oldDir, oldName := splitParent(HostPath(path))
	if oldName == "" {
		return StatusAccessDenied
	}
	src, err := fs.s.Resolve(ctx, oldDir, client.ResolveOptions{FollowLast: true})
	if err != nil {
		return err
	}

	dst, err := fs.s.Resolve(ctx, HostPath(newPath), client.ResolveOptions{AllowMissingLast: true})
	switch {
	case err != nil:
		return err
	case dst.IsRoot():
		return StatusAccessDenied
	case dst.Node != 0 && !replace:
		return fs.unwind(StatusObjectNameCollision, fs.dropRef(dst.Node))
	}

	var flags fine.RenameFlags
	if !replace {
		flags = fine.RenameNoReplace
	}
	if err := fs.s.Rename(ctx, src.Node, oldName, dst.Parent, dst.Name, flags); err != nil {
		if dst.Node != 0 {
			return fs.unwind(err, fs.dropRef(dst.Node))
		}
		return err
	}

	// The replaced object no longer has a name.
	if dst.Node != 0 && (fc == nil || dst.Node != fc.Node) {
		if err := fs.s.Forget(ctx, dst.Node); err != nil {
			level.Warn(fs.log).Log("msg", "failed to forget replaced node", "node", dst.Node, "err", err)
		}
	}
	if fc != nil {
		fc.Path = HostPath(newPath)
	}

	level.Debug(fs.log).Log("msg", "renamed", "from", path, "to", newPath, "replace", replace)
	return nil
}

// GetSecurity returns the security descriptor of fc.
func (fs *FileSystem) GetSecurity(ctx context.Context, fc *FileContext) (string, error) {
	attr, err := fs.s.Getattr(ctx, fc.Node, attrHandle(fc))
	if err != nil {
		return "", err
	}
	return fs.mapper.Descriptor(attr)
}

// GetSecurityByName returns the attributes and security descriptor of the
// object at path without opening it.
func (fs *FileSystem) GetSecurityByName(ctx context.Context, path string) (uint32, string, error) {
	res, err := fs.s.Resolve(ctx, HostPath(path), client.ResolveOptions{})
	if err != nil {
		return 0, "", err
	}
	attr := res.Attrib
	if res.IsRoot() {
		if attr, err = fs.s.Getattr(ctx, fine.RootNode, fine.NoHandle); err != nil {
			return 0, "", err
		}
	}
	sddl, err := fs.mapper.Descriptor(attr)
	if err != nil {
		return 0, "", err
	}
	return FileAttributes(attr.Mode), sddl, nil
}

// SetSecurity applies the permissions in sddl to fc.
func (fs *FileSystem) SetSecurity(ctx context.Context, fc *FileContext, sddl string) error {
	attr, err := fs.s.Getattr(ctx, fc.Node, attrHandle(fc))
	if err != nil {
		return err
	}
	mode, err := fs.mapper.Mode(sddl, attr.Mode)
	if err != nil {
		return err
	}
	if mode == attr.Mode {
		return nil
	}

	req := &fine.SetattrRequest{UpdateMask: fine.AttribMaskMode, Mode: mode}
	if fh := attrHandle(fc); fh != fine.NoHandle {
		req.UpdateMask |= fine.AttribMaskFileHandle
		req.Handle = fh
	}
	_, err = fs.s.Setattr(ctx, fc.Node, req)
	return err
}

// ReadDirectory returns the entries of fc after marker that match pattern,
// in name order. An empty marker restarts the enumeration and refreshes the
// buffered entries. Patterns support "*" and "?" and match without regard to
// case.
func (fs *FileSystem) ReadDirectory(ctx context.Context, fc *FileContext, pattern, marker string) ([]DirInfo, error) {
	if !fc.IsDir {
		return nil, StatusNotADirectory
	}
	if fc.Handle == fine.NoHandle {
		return nil, StatusInvalidHandle
	}

	fc.mut.Lock()
	defer fc.mut.Unlock()

	if marker == "" || fc.dir == nil {
		if err := fs.fillDir(ctx, fc); err != nil {
			return nil, err
		}
	}

	var out []DirInfo
	visit := func(di DirInfo) bool {
		if di.Name != marker && matchPattern(pattern, di.Name) {
			out = append(out, di)
		}
		return true
	}
	if marker == "" {
		fc.dir.Ascend(visit)
	} else {
		fc.dir.AscendGreaterOrEqual(DirInfo{Name: marker}, visit)
	}
	return out, nil
}

// fillDir reads every entry of fc into its buffer. fc.mut must be held.
func (fs *FileSystem) fillDir(ctx context.Context, fc *FileContext) error {
	tree := btree.NewG(16, func(a, b DirInfo) bool { return a.Name < b.Name })
	root := fc.Node == fine.RootNode

	var cookie uint64
	for {
		entries, err := fs.s.ReadDirPlus(ctx, fc.Node, fc.Handle, cookie, 0)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		if last := entries[len(entries)-1].DirEntry.Offset; last == cookie {
			return fmt.Errorf("directory cookie stuck at %d: %w", cookie, fuse.ErrProtocol)
		}
		for _, ent := range entries {
			cookie = ent.DirEntry.Offset
			if root && client.IsDotEntry(ent.DirEntry.Name) {
				continue
			}
			tree.ReplaceOrInsert(DirInfo{Name: ent.DirEntry.Name, Info: fileInfo(ent.Entry.Attrib)})
		}
	}

	fc.dir = tree
	return nil
}

// GetDirInfoByName looks up a single entry of the directory fc.
func (fs *FileSystem) GetDirInfoByName(ctx context.Context, fc *FileContext, name string) (DirInfo, error) {
	if !fc.IsDir {
		return DirInfo{}, StatusNotADirectory
	}
	ent, err := fs.s.Lookup(ctx, fc.Node, name)
	if err != nil {
		return DirInfo{}, err
	}
	return DirInfo{Name: name, Info: fileInfo(ent.Attrib)}, nil
}

// GetReparsePoint returns the target of the symlink at path, using guest
// separators.
func (fs *FileSystem) GetReparsePoint(ctx context.Context, path string) (string, error) {
	res, err := fs.s.Resolve(ctx, HostPath(path), client.ResolveOptions{})
	if err != nil {
		return "", err
	}
	if res.Attrib.Mode&os.ModeSymlink == 0 {
		return "", StatusNotAReparsePoint
	}
	target, err := fs.s.Readlink(ctx, res.Node)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(target, "/", `\`), nil
}

// SetReparsePoint turns the placeholder fc into a symlink pointing at
// target. The placeholder is removed and replaced by the link, and fc is
// left referring to the link without a host handle.
func (fs *FileSystem) SetReparsePoint(ctx context.Context, fc *FileContext, target string) error {
	dir, name := splitParent(fc.Path)
	if name == "" {
		return StatusAccessDenied
	}
	if target == "" {
		return StatusInvalidParameter
	}
	parent, err := fs.s.Resolve(ctx, dir, client.ResolveOptions{FollowLast: true})
	if err != nil {
		return err
	}

	if err := fs.releaseHandle(fc)(); err != nil {
		return err
	}
	if fc.IsDir {
		err = fs.s.Rmdir(ctx, parent.Node, name)
	} else {
		err = fs.s.Unlink(ctx, parent.Node, name)
	}
	if err != nil {
		return err
	}
	if err := fs.s.Forget(ctx, fc.Node); err != nil {
		level.Warn(fs.log).Log("msg", "failed to forget placeholder", "node", fc.Node, "err", err)
	}

	ent, err := fs.s.Symlink(ctx, parent.Node, name, strings.ReplaceAll(target, `\`, "/"))
	if err != nil {
		fc.deleted = true
		return err
	}

	fc.Node = ent.Node
	fc.IsDir = false
	fc.created = true
	fc.deleted = false
	level.Debug(fs.log).Log("msg", "created symlink", "path", fc.Path, "target", target)
	return nil
}

// matchPattern matches name against a guest wildcard pattern.
func matchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return wildcardMatch(strings.ToLower(pattern), strings.ToLower(name))
}

// wildcardMatch reports whether s matches p, where "*" matches any run of
// characters and "?" matches exactly one.
func wildcardMatch(p, s string) bool {
	pr, sr := []rune(p), []rune(s)
	var (
		pi, si    int
		star      = -1
		starMatch int
	)
	for si < len(sr) {
		switch {
		case pi < len(pr) && (pr[pi] == '?' || pr[pi] == sr[si]):
			pi++
			si++
		case pi < len(pr) && pr[pi] == '*':
			star = pi
			starMatch = si
			pi++
		case star >= 0:
			pi = star + 1
			starMatch++
			si = starMatch
		default:
			return false
		}
	}
	for pi < len(pr) && pr[pi] == '*' {
		pi++
	}
	return pi == len(pr)
}
