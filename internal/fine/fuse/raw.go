package fuse

import "github.com/rfratto/viofs/internal/fine"

// Raw FUSE types from Linux. These must match Linux's definitions verbatim,
// including padding fields, as they are encoded field-by-field in
// little-endian order.
//
// `_` fields are used for padding.

type rawInHeader struct {
	Len    uint32
	Opcode fine.Op
	Unique uint64
	NodeID uint64
	UID    uint32
	GID    uint32
	PID    uint32
	_      uint32
}

type rawOutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

type rawAttr struct {
	Inode     uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	ATimeNsec uint32
	MTimeNsec uint32
	CTimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	RDev      uint32
	BlockSize uint32
	_         uint32
}

type rawEntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           rawAttr
}

type rawForgetIn struct {
	NLookup uint64
}

type rawForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

type rawBatchForgetIn struct {
	Count uint32
	_     uint32
}

type rawGetattrIn struct {
	GetattrFlags uint32
	_            uint32
	Fh           uint64
}

type rawAttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	_             uint32
	Attr          rawAttr
}

type rawStatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
	Frsize  uint32
	_       uint32
	_       [6]uint32
}

type rawMkdirIn struct {
	Mode  uint32
	Umask uint32
}

type rawRenameIn struct {
	Newdir uint64
}

type rawRename2In struct {
	Newdir uint64
	Flags  uint32
	_      uint32
}

type rawSetattrIn struct {
	Valid     uint32
	_         uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	_         uint32
	UID       uint32
	GID       uint32
	_         uint32
}

type rawOpenIn struct {
	Flags uint32
	_     uint32
}

type rawCreateIn struct {
	Flags uint32
	Mode  uint32
	Umask uint32
	_     uint32
}

type rawOpenOut struct {
	Fh        uint64
	OpenFlags uint32
	_         uint32
}

type rawReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type rawFlushIn struct {
	Fh        uint64
	_         uint32
	_         uint32
	LockOwner uint64
}

type rawReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	_         uint32
}

type rawWriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	_          uint32
}

type rawWriteOut struct {
	Size uint32
	_    uint32
}

type rawFsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	_          uint32
}

type rawFallocateIn struct {
	Fh     uint64
	Offset uint64
	Length uint64
	Mode   uint32
	_      uint32
}

type rawInitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type rawInitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	MapAlignment        uint16
	_                   [8]uint32
}

type rawInterruptIn struct {
	Unique uint64
}

// rawDirent is followed by NameLen bytes of name (no NUL) and padding up to
// the next 8-byte boundary.
type rawDirent struct {
	Ino     uint64
	Offset  uint64 // Cookie to resume after this entry.
	NameLen uint32
	Type    uint32
}

// Sizes of the fixed layouts above.
const (
	InHeaderSize  = 40
	OutHeaderSize = 16

	entryOutSize  = 128
	attrOutSize   = 104
	statfsOutSize = 80
	openOutSize   = 16
	initOutSize   = 64
	writeOutSize  = 8
	direntSize    = 24

	// MaxNameLen is the longest directory entry name accepted from the host.
	MaxNameLen = 1024

	// MaxLinkLen bounds a READLINK reply.
	MaxLinkLen = 4096
)
