// Package memfs implements an in-memory host filesystem that answers FUSE
// requests through server.Handler. It tracks the nlookup count the guest
// holds for every node so tests can verify FORGET accounting.
package memfs

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/cache"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"github.com/rfratto/viofs/internal/fine/server"
)

// Options configures an FS.
type Options struct {
	// UID and GID own the root directory and seeded files.
	UID, GID uint32

	// Capacity is the size in bytes reported by STATFS.
	Capacity uint64

	// BlockSize is the block size reported in attributes and STATFS.
	BlockSize uint32

	// TTL is used for entry and attribute cache validity.
	TTL time.Duration

	// RejectRename2 makes every RENAME2 fail with EINVAL, mimicking hosts
	// without renameat2 support.
	RejectRename2 bool

	// Fail makes requests of the listed opcodes fail with the mapped error.
	// It is honoured by OPEN, OPENDIR and FALLOCATE.
	Fail map[fine.Op]fine.Error
}

// DefaultOptions holds defaults for FS.
var DefaultOptions = Options{
	Capacity:  1 << 30,
	BlockSize: 4096,
	TTL:       time.Second,
}

// injected returns the failure configured for op, if any.
func (fs *FS) injected(op fine.Op) error {
	if e, ok := fs.o.Fail[op]; ok {
		return e
	}
	return nil
}

// maxName is the longest name accepted for a single path component.
const maxName = 255

type inode struct {
	id       fine.Node
	parent   fine.Node
	mode     os.FileMode
	uid, gid uint32
	nlink    uint32

	data     []byte
	target   string
	children map[string]fine.Node

	atime, mtime, ctime time.Time
}

// FS is an in-memory filesystem. The zero value is not usable; call New.
type FS struct {
	log log.Logger
	o   Options

	mut     sync.RWMutex
	nodes   map[fine.Node]*inode
	lookups map[fine.Node]uint64
	next    fine.Node

	handles *cache.Handles
}

var _ server.Handler = (*FS)(nil)

// New creates an empty filesystem holding only the root directory.
func New(l log.Logger, o Options) *FS {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.Capacity == 0 {
		o.Capacity = DefaultOptions.Capacity
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultOptions.BlockSize
	}
	if o.TTL == 0 {
		o.TTL = DefaultOptions.TTL
	}

	now := time.Now()
	fs := &FS{
		log:     l,
		o:       o,
		nodes:   make(map[fine.Node]*inode),
		lookups: make(map[fine.Node]uint64),
		next:    fine.RootNode,
		handles: cache.NewHandles(l),
	}
	fs.nodes[fine.RootNode] = &inode{
		id:       fine.RootNode,
		parent:   fine.RootNode,
		mode:     os.ModeDir | 0o755,
		uid:      o.UID,
		gid:      o.GID,
		nlink:    2,
		children: make(map[string]fine.Node),
		atime:    now,
		mtime:    now,
		ctime:    now,
	}
	return fs
}

// Lookups returns the nlookup count the guest currently holds for node.
func (fs *FS) Lookups(node fine.Node) uint64 {
	fs.mut.RLock()
	defer fs.mut.RUnlock()
	return fs.lookups[node]
}

// TotalLookups returns the sum of nlookup counts across every node.
func (fs *FS) TotalLookups() uint64 {
	fs.mut.RLock()
	defer fs.mut.RUnlock()

	var total uint64
	for _, n := range fs.lookups {
		total += n
	}
	return total
}

// OpenHandles returns the number of handles the guest has not released.
func (fs *FS) OpenHandles() int { return fs.handles.Len() }

// NodeID returns the node for a slash-separated path relative to the root,
// without following symlinks.
func (fs *FS) NodeID(p string) (fine.Node, error) {
	fs.mut.RLock()
	defer fs.mut.RUnlock()

	n, err := fs.walk(p)
	if err != nil {
		return 0, err
	}
	return n.id, nil
}

// ReadFile returns a copy of the contents of the file at p.
func (fs *FS) ReadFile(p string) ([]byte, error) {
	fs.mut.RLock()
	defer fs.mut.RUnlock()

	n, err := fs.walk(p)
	if err != nil {
		return nil, err
	}
	if n.mode.IsDir() {
		return nil, fine.ErrorIsDirectory
	}
	return append([]byte(nil), n.data...), nil
}

// WriteFile seeds a regular file at p, creating parent directories as
// needed. An existing file is replaced.
func (fs *FS) WriteFile(p string, data []byte, perm os.FileMode) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	n, err := fs.seed(p, perm.Perm())
	if err != nil {
		return err
	}
	n.data = append([]byte(nil), data...)
	return nil
}

// MkdirAll seeds a directory at p along with any missing parents.
func (fs *FS) MkdirAll(p string, perm os.FileMode) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	_, err := fs.seed(p, os.ModeDir|perm.Perm())
	return err
}

// AddSymlink seeds a symbolic link at p pointing to target.
func (fs *FS) AddSymlink(p, target string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	n, err := fs.seed(p, os.ModeSymlink|0o777)
	if err != nil {
		return err
	}
	n.target = target
	return nil
}

// seed creates p with mode, creating parent directories. mut must be held.
func (fs *FS) seed(p string, mode os.FileMode) (*inode, error) {
	dir := fs.nodes[fine.RootNode]
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, fmt.Errorf("cannot replace root: %w", fine.ErrorInvalid)
	}

	for _, name := range parts[:len(parts)-1] {
		id, ok := dir.children[name]
		if !ok {
			child := fs.newInode(dir, name, os.ModeDir|0o755, fs.o.UID, fs.o.GID)
			dir = child
			continue
		}
		dir = fs.nodes[id]
		if !dir.mode.IsDir() {
			return nil, fmt.Errorf("%s: %w", name, fine.ErrorNotDirectory)
		}
	}

	name := parts[len(parts)-1]
	if id, ok := dir.children[name]; ok {
		existing := fs.nodes[id]
		if existing.mode.IsDir() && mode.IsDir() {
			return existing, nil
		}
		fs.dropLink(dir, name)
	}
	return fs.newInode(dir, name, mode, fs.o.UID, fs.o.GID), nil
}

// walk resolves p without following symlinks. mut must be held.
func (fs *FS) walk(p string) (*inode, error) {
	n := fs.nodes[fine.RootNode]
	for _, name := range splitPath(p) {
		if !n.mode.IsDir() {
			return nil, fmt.Errorf("%s: %w", name, fine.ErrorNotDirectory)
		}
		id, ok := n.children[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, fine.ErrorNotExist)
		}
		n = fs.nodes[id]
	}
	return n, nil
}

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// newInode allocates a node and links it into dir. mut must be held.
func (fs *FS) newInode(dir *inode, name string, mode os.FileMode, uid, gid uint32) *inode {
	fs.next++
	now := time.Now()
	n := &inode{
		id:     fs.next,
		parent: dir.id,
		mode:   mode,
		uid:    uid,
		gid:    gid,
		nlink:  1,
		atime:  now,
		mtime:  now,
		ctime:  now,
	}
	if mode.IsDir() {
		n.nlink = 2
		n.children = make(map[string]fine.Node)
		dir.nlink++
	}
	fs.nodes[n.id] = n
	dir.children[name] = n.id
	dir.mtime, dir.ctime = now, now
	return n
}

// dropLink removes name from dir. The node itself is freed once the guest
// holds no more lookups for it. mut must be held.
func (fs *FS) dropLink(dir *inode, name string) {
	id, ok := dir.children[name]
	if !ok {
		return
	}
	delete(dir.children, name)
	now := time.Now()
	dir.mtime, dir.ctime = now, now

	n := fs.nodes[id]
	if n.mode.IsDir() {
		dir.nlink--
		n.nlink = 0
	} else if n.nlink > 0 {
		n.nlink--
	}
	n.ctime = now
	fs.maybeFree(n)
}

func (fs *FS) maybeFree(n *inode) {
	if n.id == fine.RootNode || n.nlink > 0 || fs.lookups[n.id] > 0 {
		return
	}
	delete(fs.nodes, n.id)
}

func (fs *FS) attrib(n *inode) fine.Attrib {
	size := uint64(len(n.data))
	if n.mode&os.ModeSymlink != 0 {
		size = uint64(len(n.target))
	}
	return fine.Attrib{
		Inode:      uint64(n.id),
		Size:       size,
		Blocks:     (size + 511) / 512,
		LastAccess: n.atime,
		LastModify: n.mtime,
		LastChange: n.ctime,
		Mode:       n.mode,
		HardLinks:  n.nlink,
		UID:        n.uid,
		GID:        n.gid,
		BlockSize:  fs.o.BlockSize,
	}
}

// entry builds the reply for a node handed to the guest, counting a new
// lookup reference. mut must be held.
func (fs *FS) entry(n *inode) fine.Entry {
	fs.lookups[n.id]++
	return fine.Entry{
		Node:      n.id,
		EntryTTL:  fs.o.TTL,
		AttribTTL: fs.o.TTL,
		Attrib:    fs.attrib(n),
	}
}

// node returns the node for id. mut must be held.
func (fs *FS) node(id fine.Node) (*inode, error) {
	n, ok := fs.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, fine.ErrorStale)
	}
	return n, nil
}

// dirNode returns the directory for id. mut must be held.
func (fs *FS) dirNode(id fine.Node) (*inode, error) {
	n, err := fs.node(id)
	if err != nil {
		return nil, err
	}
	if !n.mode.IsDir() {
		return nil, fmt.Errorf("node %d: %w", id, fine.ErrorNotDirectory)
	}
	return n, nil
}

func checkName(name string) error {
	switch {
	case name == "" || name == "." || name == ".." || strings.Contains(name, "/"):
		return fmt.Errorf("bad name %q: %w", name, fine.ErrorInvalid)
	case len(name) > maxName:
		return fine.ErrorNameTooLong
	}
	return nil
}

func (fs *FS) Init(context.Context) error {
	level.Debug(fs.log).Log("msg", "memfs session started")
	return nil
}

func (fs *FS) Close() error {
	level.Debug(fs.log).Log("msg", "memfs session destroyed", "open_handles", fs.handles.Len())
	return nil
}

func (fs *FS) Lookup(_ context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest) (*fine.EntryResponse, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	dir, err := fs.dirNode(hdr.Node)
	if err != nil {
		return nil, err
	}
	if len(req.Name) > maxName {
		return nil, fine.ErrorNameTooLong
	}

	var n *inode
	switch req.Name {
	case ".":
		n = dir
	case "..":
		n = fs.nodes[dir.parent]
	default:
		id, ok := dir.children[req.Name]
		if !ok {
			return nil, fine.ErrorNotExist
		}
		n = fs.nodes[id]
	}
	return &fine.EntryResponse{Entry: fs.entry(n)}, nil
}

func (fs *FS) Forget(_ context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest) {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	fs.forget(hdr.Node, req.NumLookups)
}

func (fs *FS) BatchForget(_ context.Context, _ *fine.RequestHeader, req *fine.BatchForgetRequest) {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	for _, item := range req.Items {
		fs.forget(item.Node, item.NumLookups)
	}
}

// forget drops count lookups from node. mut must be held.
func (fs *FS) forget(node fine.Node, count uint64) {
	have := fs.lookups[node]
	if count > have {
		level.Warn(fs.log).Log("msg", "guest forgot more lookups than it held", "node", node, "have", have, "forget", count)
		count = have
	}
	if have-count == 0 {
		delete(fs.lookups, node)
	} else {
		fs.lookups[node] = have - count
	}
	if n, ok := fs.nodes[node]; ok {
		fs.maybeFree(n)
	}
}

func (fs *FS) Getattr(_ context.Context, hdr *fine.RequestHeader, _ *fine.GetattrRequest) (*fine.AttrResponse, error) {
	fs.mut.RLock()
	defer fs.mut.RUnlock()

	n, err := fs.node(hdr.Node)
	if err != nil {
		return nil, err
	}
	return &fine.AttrResponse{TTL: fs.o.TTL, Attrib: fs.attrib(n)}, nil
}

func (fs *FS) Setattr(_ context.Context, hdr *fine.RequestHeader, req *fine.SetattrRequest) (*fine.AttrResponse, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	n, err := fs.node(hdr.Node)
	if err != nil {
		return nil, err
	}
	if req.UpdateMask&fine.AttribMaskFileHandle != 0 {
		if _, err := fs.fileHandle(req.Handle); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	mask := req.UpdateMask
	if mask&fine.AttribMaskSize != 0 {
		if n.mode.IsDir() {
			return nil, fine.ErrorIsDirectory
		}
		n.data = resize(n.data, req.Size)
		n.mtime = now
	}
	if mask&fine.AttribMaskMode != 0 {
		n.mode = n.mode&os.ModeType | req.Mode&^os.ModeType
	}
	if mask&fine.AttribMaskUID != 0 {
		n.uid = req.UID
	}
	if mask&fine.AttribMaskGID != 0 {
		n.gid = req.GID
	}
	switch {
	case mask&fine.AttribMaskLastAccessNow != 0:
		n.atime = now
	case mask&fine.AttribMaskLastAccess != 0:
		n.atime = req.LastAccess
	}
	switch {
	case mask&fine.AttribMaskLastModifyNow != 0:
		n.mtime = now
	case mask&fine.AttribMaskLastModify != 0:
		n.mtime = req.LastModify
	}
	if mask&fine.AttribMaskLastChange != 0 {
		n.ctime = req.LastChange
	} else {
		n.ctime = now
	}

	return &fine.AttrResponse{TTL: fs.o.TTL, Attrib: fs.attrib(n)}, nil
}

func resize(data []byte, size uint64) []byte {
	if size <= uint64(len(data)) {
		return data[:size]
	}
	return append(data, make([]byte, size-uint64(len(data)))...)
}

func (fs *FS) Statfs(context.Context, *fine.RequestHeader) (*fine.StatfsResponse, error) {
	fs.mut.RLock()
	defer fs.mut.RUnlock()

	var used uint64
	for _, n := range fs.nodes {
		used += uint64(len(n.data))
	}

	bs := uint64(fs.o.BlockSize)
	total := fs.o.Capacity / bs
	usedBlocks := (used + bs - 1) / bs
	free := uint64(0)
	if usedBlocks < total {
		free = total - usedBlocks
	}
	return &fine.StatfsResponse{Statfs: fine.Statfs{
		Blocks:          total,
		BlocksFree:      free,
		BlocksAvailable: free,
		Files:           uint64(len(fs.nodes)) + 1<<20,
		FilesFree:       1 << 20,
		BlockSize:       fs.o.BlockSize,
		NameLength:      maxName,
		FragmentSize:    fs.o.BlockSize,
	}}, nil
}

func (fs *FS) Readlink(_ context.Context, hdr *fine.RequestHeader) (*fine.ReadlinkResponse, error) {
	fs.mut.RLock()
	defer fs.mut.RUnlock()

	n, err := fs.node(hdr.Node)
	if err != nil {
		return nil, err
	}
	if n.mode&os.ModeSymlink == 0 {
		return nil, fine.ErrorInvalid
	}
	return &fine.ReadlinkResponse{Contents: []byte(n.target)}, nil
}

func (fs *FS) Symlink(_ context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest) (*fine.EntryResponse, error) {
	if err := checkName(req.Name); err != nil {
		return nil, err
	}
	if len(req.Target) == 0 || len(req.Target) > fuse.MaxLinkLen {
		return nil, fine.ErrorInvalid
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	dir, err := fs.dirNode(hdr.Node)
	if err != nil {
		return nil, err
	}
	if _, exists := dir.children[req.Name]; exists {
		return nil, fine.ErrorExists
	}
	n := fs.newInode(dir, req.Name, os.ModeSymlink|0o777, hdr.UID, hdr.GID)
	n.target = req.Target
	return &fine.EntryResponse{Entry: fs.entry(n)}, nil
}

func (fs *FS) Mkdir(_ context.Context, hdr *fine.RequestHeader, req *fine.MkdirRequest) (*fine.EntryResponse, error) {
	if err := checkName(req.Name); err != nil {
		return nil, err
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	dir, err := fs.dirNode(hdr.Node)
	if err != nil {
		return nil, err
	}
	if _, exists := dir.children[req.Name]; exists {
		return nil, fine.ErrorExists
	}
	mode := os.ModeDir | req.Mode.Perm()&^req.Umask
	n := fs.newInode(dir, req.Name, mode, hdr.UID, hdr.GID)
	return &fine.EntryResponse{Entry: fs.entry(n)}, nil
}

func (fs *FS) Create(_ context.Context, hdr *fine.RequestHeader, req *fine.CreateRequest) (*fine.CreateResponse, error) {
	if err := checkName(req.Name); err != nil {
		return nil, err
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	dir, err := fs.dirNode(hdr.Node)
	if err != nil {
		return nil, err
	}

	var n *inode
	if id, exists := dir.children[req.Name]; exists {
		if req.Flags&fine.OpenExclusive != 0 {
			return nil, fine.ErrorExists
		}
		n = fs.nodes[id]
		if n.mode.IsDir() {
			return nil, fine.ErrorIsDirectory
		}
		if req.Flags&fine.OpenTruncate != 0 {
			n.data = n.data[:0]
		}
	} else {
		n = fs.newInode(dir, req.Name, req.Mode.Perm()&^req.Umask, hdr.UID, hdr.GID)
	}

	h, err := fs.handles.Add(&fileHandle{node: n.id, flags: req.Flags})
	if err != nil {
		return nil, err
	}
	return &fine.CreateResponse{Handle: h, Entry: fs.entry(n)}, nil
}

func (fs *FS) Unlink(_ context.Context, hdr *fine.RequestHeader, req *fine.UnlinkRequest) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	dir, err := fs.dirNode(hdr.Node)
	if err != nil {
		return err
	}
	id, ok := dir.children[req.Name]
	if !ok {
		return fine.ErrorNotExist
	}
	if fs.nodes[id].mode.IsDir() {
		return fine.ErrorIsDirectory
	}
	fs.dropLink(dir, req.Name)
	return nil
}

func (fs *FS) Rmdir(_ context.Context, hdr *fine.RequestHeader, req *fine.RmdirRequest) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	dir, err := fs.dirNode(hdr.Node)
	if err != nil {
		return err
	}
	id, ok := dir.children[req.Name]
	if !ok {
		return fine.ErrorNotExist
	}
	n := fs.nodes[id]
	switch {
	case !n.mode.IsDir():
		return fine.ErrorNotDirectory
	case len(n.children) > 0:
		return fine.ErrorNotEmpty
	}
	fs.dropLink(dir, req.Name)
	return nil
}

func (fs *FS) Rename(_ context.Context, hdr *fine.RequestHeader, req *fine.RenameRequest) error {
	if hdr.Op == fine.OpRename2 {
		if fs.o.RejectRename2 {
			return fine.ErrorInvalid
		}
		if req.Flags&^fine.RenameNoReplace != 0 {
			return fine.ErrorInvalid
		}
	}
	if err := checkName(req.NewName); err != nil {
		return err
	}

	fs.mut.Lock()
	defer fs.mut.Unlock()

	oldDir, err := fs.dirNode(hdr.Node)
	if err != nil {
		return err
	}
	newDir, err := fs.dirNode(req.NewDir)
	if err != nil {
		return err
	}

	srcID, ok := oldDir.children[req.OldName]
	if !ok {
		return fine.ErrorNotExist
	}
	src := fs.nodes[srcID]

	// A directory can't be moved beneath itself.
	if src.mode.IsDir() {
		for cur := newDir; ; cur = fs.nodes[cur.parent] {
			if cur.id == src.id {
				return fine.ErrorInvalid
			}
			if cur.id == fine.RootNode {
				break
			}
		}
	}

	if dstID, exists := newDir.children[req.NewName]; exists {
		if dstID == srcID {
			return nil
		}
		if req.Flags&fine.RenameNoReplace != 0 {
			return fine.ErrorExists
		}
		dst := fs.nodes[dstID]
		switch {
		case src.mode.IsDir() && !dst.mode.IsDir():
			return fine.ErrorNotDirectory
		case !src.mode.IsDir() && dst.mode.IsDir():
			return fine.ErrorIsDirectory
		case dst.mode.IsDir() && len(dst.children) > 0:
			return fine.ErrorNotEmpty
		}
		fs.dropLink(newDir, req.NewName)
	}

	delete(oldDir.children, req.OldName)
	newDir.children[req.NewName] = srcID
	if src.mode.IsDir() && oldDir != newDir {
		oldDir.nlink--
		newDir.nlink++
	}
	src.parent = newDir.id

	now := time.Now()
	oldDir.mtime, oldDir.ctime = now, now
	newDir.mtime, newDir.ctime = now, now
	src.ctime = now
	return nil
}
