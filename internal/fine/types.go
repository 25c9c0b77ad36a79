package fine

import (
	"fmt"
	"os"
	"time"
)

var (
	// MinVersion supported by the package. Hosts that negotiate an earlier
	// minor version may work but are not tested.
	MinVersion = Version{Major: 7, Minor: 31}

	// RootNode represents the root filesystem. It always has inode ID 1.
	RootNode Node = Node(1)
)

// NoHandle marks a FileContext that has no open host handle.
const NoHandle = Handle(^uint64(0))

// Version of the protocol.
type Version struct{ Major, Minor uint32 }

// String implements fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ID types. FUSE has a collection of handles that are used during the lifetime
// of a connection.
type (
	// Node is an ID representing a file. 0 is never a valid reference. 1 will
	// always refer to the root filesystem of the host, and is always assumed
	// to exist by both sides of the peer connection.
	Node uint64

	// Handle is a specific handle for a Node. Handles must have unique IDs for
	// the lifetime of the handle. Handle IDs may be reassigned to other Nodes
	// once the handle is released.
	Handle uint64

	// LockOwner is an opaque ID that references an owner of a file lock.
	LockOwner uint64
)

// Common data types. Common data types represent entities in a filesystem and
// are communicated over the protocol as part of messages.
type (
	// RequestHeader is present in every request.
	RequestHeader struct {
		Op        Op     // Op representing the request.
		RequestID uint64 // Response must match this value.
		Node      Node   // Node the request is for.
		UID       uint32 // UID of requesting user.
		GID       uint32 // GID of requesting user.
		PID       uint32 // PID of requesting user.
	}

	// ResponseHeader is present in every response. Op is not part of the wire
	// format; decoders fill it in from the request it answers.
	ResponseHeader struct {
		Op        Op
		RequestID uint64
		Error     Error
	}

	// Entry is a description of a file.
	Entry struct {
		Node       Node          // Node ID.
		Generation uint64        // Generation of Node.
		EntryTTL   time.Duration // Cache validility of this Node.
		AttribTTL  time.Duration // Cache validility of this Node's attributes.
		Attrib     Attrib        // Attributes for the Node.
	}

	// Attrib are the set of attributes for a Node.
	Attrib struct {
		Inode      uint64      // Real inode number.
		Size       uint64      // Size in bytes.
		Blocks     uint64      // Size in blocks (512-byte units).
		LastAccess time.Time   // Last time file was accessed.
		LastModify time.Time   // Last time contents were modified
		LastChange time.Time   // Last time inode was updated.
		Mode       os.FileMode // File permissions.
		HardLinks  uint32      // Number of hard links to the file (usually 1)
		UID        uint32      // Owner UID
		GID        uint32      // Owner GID
		DeviceID   uint32      // Device ID (if special file)
		BlockSize  uint32      // Block size for filesystem i/O
	}

	// DirEntry is a directory entry returned during ReadDir.
	DirEntry struct {
		Inode  uint64
		Offset uint64 // Opaque cookie to resume enumeration after this entry.
		Type   EntryType
		Name   string
	}

	// DirPlusEntry is returned as part of a ReadDirPlus operation.
	DirPlusEntry struct {
		Entry    Entry
		DirEntry DirEntry
	}

	// Statfs describes the capacity of the host filesystem.
	Statfs struct {
		Blocks          uint64 // Total data blocks.
		BlocksFree      uint64 // Free blocks.
		BlocksAvailable uint64 // Free blocks available to unprivileged users.
		Files           uint64 // Total inodes.
		FilesFree       uint64 // Free inodes.
		BlockSize       uint32
		NameLength      uint32 // Maximum length of a file name.
		FragmentSize    uint32
	}

	BatchForgetItem struct {
		Node       Node
		NumLookups uint64
	}
)

// EntryType specifies the type of a file in a directory.
type EntryType uint32

const (
	EntryUnknown    EntryType = 0x0 // Entry type isn't known
	EntryPipe       EntryType = 0x1 // Entry is a named FIFO pipe
	EntryCharacter  EntryType = 0x2 // Entry is a character device
	EntryDirectory  EntryType = 0x4 // Entry is another directory
	EntryBlock      EntryType = 0x6 // Entry is a block device
	EntryRegular    EntryType = 0x8 // Entry is a regular file
	EntryLink       EntryType = 0xa // Entry is a symbolic link
	EntryUnixSocket EntryType = 0xc // Entry is a UNIX domain socket
)

// EntryTypeOf returns the directory entry type for a file mode.
func EntryTypeOf(m os.FileMode) EntryType {
	switch {
	case m&os.ModeDir != 0:
		return EntryDirectory
	case m&os.ModeSymlink != 0:
		return EntryLink
	case m&os.ModeNamedPipe != 0:
		return EntryPipe
	case m&os.ModeSocket != 0:
		return EntryUnixSocket
	case m&os.ModeCharDevice != 0:
		return EntryCharacter
	case m&os.ModeDevice != 0:
		return EntryBlock
	case m&os.ModeType == 0:
		return EntryRegular
	}
	return EntryUnknown
}

// Flag types. Every flag type here is a bitmask of options.
type (
	// GetAttribFlags is a bitmask of flags for GetAttribRequest.
	GetAttribFlags uint32
	// AttribMask is used when setting file attributes to mark which fields from
	// the request can be used.
	AttribMask uint32
	// Flags used for interacting with a node.
	FileFlags uint32
	// Flags returned for an opened file.
	OpenedFlags uint32
	// ReleaseFlags customize a release.
	ReleaseFlags uint32
	// SyncFlags controls a file sync.
	SyncFlags uint32
	// Flags used during an init.
	InitFlags uint32
	// RenameFlags is used during an extended rename to control its behavior.
	RenameFlags uint32
	// FallocateMode controls a fallocate request.
	FallocateMode uint32
)

// Monolith of available flag options.
const (
	// GetAttribFlagHandle request attributes for a handle instead of the node.
	GetAttribFlagHandle GetAttribFlags = (1 << 0)

	AttribMaskMode          AttribMask = 1 << 0  // The Mode field can be used
	AttribMaskUID           AttribMask = 1 << 1  // The UID field can be used
	AttribMaskGID           AttribMask = 1 << 2  // The GID field can be used
	AttribMaskSize          AttribMask = 1 << 3  // The Size field can be used
	AttribMaskLastAccess    AttribMask = 1 << 4  // The LastAccess field can be used
	AttribMaskLastModify    AttribMask = 1 << 5  // The LastModify field can be used
	AttribMaskFileHandle    AttribMask = 1 << 6  // The FileHandle field can be used
	AttribMaskLastAccessNow AttribMask = 1 << 7  // Update LastAccess to the current time
	AttribMaskLastModifyNow AttribMask = 1 << 8  // Update LastModify to the current time
	AttribMaskLockOwner     AttribMask = 1 << 9  // The LockOwner field can be used
	AttribMaskLastChange    AttribMask = 1 << 10 // The LastChange field can be used

	OpenReadOnly   FileFlags = 0x0 // Open the file for reading.
	OpenWriteOnly  FileFlags = 0x1 // Open the file for writing.
	OpenReadWrite  FileFlags = 0x2 // Open the file for reading and writing.
	OpenAccessMode FileFlags = 0x3 // Open the file to get access mode bits.

	OpenCreate    FileFlags = 0x40    // Create the file if it doesn't exist.
	OpenExclusive FileFlags = 0x80    // Fail if the file already exists.
	OpenTruncate  FileFlags = 0x200   // Truncate file contents before opening for writing
	OpenAppend    FileFlags = 0x400   // Open with the file seeked to the end.
	OpenDirectory FileFlags = 0x10000 // Open the file as a directory.

	OpenedDirectIO    OpenedFlags = 1 << 0 // Page cache should be bypassed when writing
	OpenedKeepCache   OpenedFlags = 1 << 1 // Existing page cache should be kept intact
	OpenedNonSeekable OpenedFlags = 1 << 2 // File does not support seeking
	OpenedCacheDir    OpenedFlags = 1 << 3 // Allow caching directory

	ReleaseFlush ReleaseFlags = 1 << 0 // Flush the file after releasing

	SyncDataOnly SyncFlags = 1 << 0 // Only sync data, not file metadata

	InitAsyncRead      InitFlags = 1 << 0  // Use asynchronous read requests
	InitAtomicTruncate InitFlags = 1 << 3  // OpenTruncate is handled in the filesystem
	InitBigWrites      InitFlags = 1 << 5  // Filesystem can handle writes larger than 4K
	InitDoReadDirPlus  InitFlags = 1 << 13 // Host supports ReadDirPlus
	InitParallelDirOps InitFlags = 1 << 18 // Allow parallel operations on directories
	InitMaxPages       InitFlags = 1 << 22 // Set max pages on the init response

	RenameNoReplace RenameFlags = 1 << 0 // Don't overwrite NewName if it already exists
	RenameExchange  RenameFlags = 1 << 1 // Atomically exchange the old and new file

	FallocateKeepSize  FallocateMode = 0x01 // Don't change the file size
	FallocatePunchHole FallocateMode = 0x02 // Deallocate the range
)
