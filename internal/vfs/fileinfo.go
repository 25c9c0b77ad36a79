package vfs

import (
	"os"
	"time"

	"github.com/rfratto/viofs/internal/fine"
)

// File attributes reported to the guest.
const (
	FileAttributeReadonly     uint32 = 0x00000001
	FileAttributeDirectory    uint32 = 0x00000010
	FileAttributeArchive      uint32 = 0x00000020
	FileAttributeNormal       uint32 = 0x00000080
	FileAttributeReparsePoint uint32 = 0x00000400

	// InvalidFileAttributes leaves attributes unchanged in SetBasicInfo.
	InvalidFileAttributes uint32 = 0xFFFFFFFF
)

// ReparseTagSymlink marks a reparse point as a symbolic link.
const ReparseTagSymlink uint32 = 0xA000000C

// FileInfo describes a file to the guest.
type FileInfo struct {
	FileAttributes uint32
	ReparseTag     uint32
	AllocationSize uint64
	FileSize       uint64
	CreationTime   uint64
	LastAccessTime uint64
	LastWriteTime  uint64
	ChangeTime     uint64
	IndexNumber    uint64
	HardLinks      uint32
}

// DirInfo is a single entry returned by ReadDirectory.
type DirInfo struct {
	Name string
	Info FileInfo
}

// filetimeEpoch is the unix epoch in 100ns intervals since 1601-01-01.
const filetimeEpoch = 116444736000000000

// Filetime converts t to a FILETIME. The zero time converts to 0.
func Filetime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix()*10_000_000+int64(t.Nanosecond())/100) + filetimeEpoch
}

// TimeFromFiletime converts a FILETIME to a time. 0 converts to the zero
// time.
func TimeFromFiletime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	since := int64(ft) - filetimeEpoch
	return time.Unix(since/10_000_000, (since%10_000_000)*100)
}

// FileAttributes computes guest attributes for a host mode.
func FileAttributes(m os.FileMode) uint32 {
	var attrs uint32
	switch {
	case m&os.ModeDir != 0:
		attrs |= FileAttributeDirectory
	case m&os.ModeSymlink != 0:
		attrs |= FileAttributeReparsePoint
	}
	if m&0o200 == 0 {
		attrs |= FileAttributeReadonly
	}
	if m.IsRegular() {
		attrs |= FileAttributeArchive
	}
	if attrs == 0 {
		attrs = FileAttributeNormal
	}
	return attrs
}

// fileInfo translates host attributes. FUSE has no birth time, so the change
// time doubles as the creation time.
func fileInfo(a fine.Attrib) FileInfo {
	fi := FileInfo{
		FileAttributes: FileAttributes(a.Mode),
		AllocationSize: a.Blocks * 512,
		FileSize:       a.Size,
		CreationTime:   Filetime(a.LastChange),
		LastAccessTime: Filetime(a.LastAccess),
		LastWriteTime:  Filetime(a.LastModify),
		ChangeTime:     Filetime(a.LastChange),
		IndexNumber:    a.Inode,
		HardLinks:      a.HardLinks,
	}
	if a.Mode&os.ModeSymlink != 0 {
		fi.ReparseTag = ReparseTagSymlink
	}
	if fi.AllocationSize < fi.FileSize {
		fi.AllocationSize = fi.FileSize
	}
	return fi
}
