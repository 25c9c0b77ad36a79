package fine

import (
	"os"
	"time"
)

// Protocol types. Each type here is used as part of the request or response
// for a specific operation. Several opcodes share a body type (e.g., OpOpen
// and OpOpendir both send an OpenRequest).
type (
	InitRequest struct {
		LatestVersion Version   // LatestVersion supported by the guest
		MaxReadahead  uint32    // Length of data that can be prefetched
		Flags         InitFlags // Flags for the init
	}
	InitResponse struct {
		EarliestVersion     Version   // Version chosen by the host
		MaxReadahead        uint32    // Length of data that can be prefetched
		Flags               InitFlags // Response init flags
		MaxBackground       uint16
		CongestionThreshold uint16
		MaxWrite            uint32
		TimeGran            uint32
		MaxPages            uint16
		MapAlignment        uint16
	}

	LookupRequest struct {
		Name string
	}
	EntryResponse struct {
		Entry Entry
	}

	ForgetRequest struct {
		NumLookups uint64
	}

	BatchForgetRequest struct {
		Items []BatchForgetItem
	}

	GetattrRequest struct {
		Flags  GetAttribFlags
		Handle Handle
	}
	SetattrRequest struct {
		UpdateMask AttribMask  // Mask indicating which fields to use for the update.
		Handle     Handle      // Handle to set attributes for.
		Size       uint64      // File size.
		LockOwner  LockOwner   // Owner of a lock.
		LastAccess time.Time   // Last time file was accessed.
		LastModify time.Time   // Last time file was modified.
		LastChange time.Time   // Last time file was updated.
		Mode       os.FileMode // File permissions.
		UID        uint32      // Owner UID
		GID        uint32      // Owner GID
	}
	AttrResponse struct {
		TTL    time.Duration // Cache validility of the attributes.
		Attrib Attrib        // Attribute data
	}

	StatfsResponse struct {
		Statfs Statfs
	}

	ReadlinkResponse struct {
		Contents []byte // Target of the link.
	}

	SymlinkRequest struct {
		Name   string // Entry being created
		Target string // Path the link points at
	}

	MkdirRequest struct {
		Mode  os.FileMode
		Umask os.FileMode
		Name  string
	}

	UnlinkRequest struct {
		Name string
	}

	RmdirRequest struct {
		Name string
	}

	// RenameRequest is used by both OpRename and OpRename2. Flags are only
	// sent for OpRename2.
	RenameRequest struct {
		NewDir           Node
		Flags            RenameFlags
		OldName, NewName string
	}

	OpenRequest struct {
		Flags FileFlags
	}
	OpenedResponse struct {
		Handle      Handle
		OpenedFlags OpenedFlags
	}

	// ReadRequest is used by OpRead and OpReaddirplus. For directories, Offset
	// is the opaque cookie of the last entry seen.
	ReadRequest struct {
		Handle    Handle
		Offset    uint64
		Size      uint32
		LockOwner LockOwner
		FileFlags FileFlags
	}
	ReadResponse struct {
		Data []byte
	}

	ReaddirplusResponse struct {
		Entries []DirPlusEntry
	}

	WriteRequest struct {
		Handle    Handle    // Handle to write to
		Offset    uint64    // Offset in the handle to write
		Data      []byte    // Data to write
		LockOwner LockOwner // Owner of the write lock, if one exists.
		FileFlags FileFlags // Flags the handle was opened with
	}
	WriteResponse struct {
		Written uint32 // Written bytes
	}

	ReleaseRequest struct {
		Handle    Handle
		Flags     ReleaseFlags
		FileFlags FileFlags
		LockOwner LockOwner
	}

	FsyncRequest struct {
		Handle Handle
		Flags  SyncFlags
	}

	FlushRequest struct {
		Handle    Handle
		LockOwner LockOwner
	}

	CreateRequest struct {
		Flags FileFlags   // Flags for creation
		Mode  os.FileMode // File mode
		Umask os.FileMode // Umask for file
		Name  string      // Name of file to create
	}
	CreateResponse struct {
		Handle      Handle      // Handle to newly created node
		OpenedFlags OpenedFlags // Flags used for the create
		Entry       Entry       // Created node entry
	}

	FallocateRequest struct {
		Handle Handle
		Offset uint64
		Length uint64
		Mode   FallocateMode
	}

	// InterruptRequest interrupts an ongoing request.
	InterruptRequest struct {
		RequestID uint64 // Request to interrupt
	}
)

func (*InitRequest) fineRequest()          {}
func (*InitResponse) fineResponse()        {}
func (*LookupRequest) fineRequest()        {}
func (*EntryResponse) fineResponse()       {}
func (*ForgetRequest) fineRequest()        {}
func (*BatchForgetRequest) fineRequest()   {}
func (*GetattrRequest) fineRequest()       {}
func (*SetattrRequest) fineRequest()       {}
func (*AttrResponse) fineResponse()        {}
func (*StatfsResponse) fineResponse()      {}
func (*ReadlinkResponse) fineResponse()    {}
func (*SymlinkRequest) fineRequest()       {}
func (*MkdirRequest) fineRequest()         {}
func (*UnlinkRequest) fineRequest()        {}
func (*RmdirRequest) fineRequest()         {}
func (*RenameRequest) fineRequest()        {}
func (*OpenRequest) fineRequest()          {}
func (*OpenedResponse) fineResponse()      {}
func (*ReadRequest) fineRequest()          {}
func (*ReadResponse) fineResponse()        {}
func (*ReaddirplusResponse) fineResponse() {}
func (*WriteRequest) fineRequest()         {}
func (*WriteResponse) fineResponse()       {}
func (*ReleaseRequest) fineRequest()       {}
func (*FsyncRequest) fineRequest()         {}
func (*FlushRequest) fineRequest()         {}
func (*CreateRequest) fineRequest()        {}
func (*CreateResponse) fineResponse()      {}
func (*FallocateRequest) fineRequest()     {}
func (*InterruptRequest) fineRequest()     {}
