package fine

import "strconv"

// Op is a FUSE opcode.
type Op uint32

// Opcodes used by the client. Values match the Linux FUSE ABI.
const (
	OpLookup      Op = 1
	OpForget      Op = 2
	OpGetattr     Op = 3
	OpSetattr     Op = 4
	OpReadlink    Op = 5
	OpSymlink     Op = 6
	OpMkdir       Op = 9
	OpUnlink      Op = 10
	OpRmdir       Op = 11
	OpRename      Op = 12
	OpOpen        Op = 14
	OpRead        Op = 15
	OpWrite       Op = 16
	OpStatfs      Op = 17
	OpRelease     Op = 18
	OpFsync       Op = 20
	OpFlush       Op = 25
	OpInit        Op = 26
	OpOpendir     Op = 27
	OpReaddir     Op = 28
	OpReleasedir  Op = 29
	OpFsyncdir    Op = 30
	OpCreate      Op = 35
	OpInterrupt   Op = 36
	OpDestroy     Op = 38
	OpBatchForget Op = 42
	OpFallocate   Op = 43
	OpReaddirplus Op = 44
	OpRename2     Op = 45
)

var opNames = map[Op]string{
	OpLookup:      "LOOKUP",
	OpForget:      "FORGET",
	OpGetattr:     "GETATTR",
	OpSetattr:     "SETATTR",
	OpReadlink:    "READLINK",
	OpSymlink:     "SYMLINK",
	OpMkdir:       "MKDIR",
	OpUnlink:      "UNLINK",
	OpRmdir:       "RMDIR",
	OpRename:      "RENAME",
	OpOpen:        "OPEN",
	OpRead:        "READ",
	OpWrite:       "WRITE",
	OpStatfs:      "STATFS",
	OpRelease:     "RELEASE",
	OpFsync:       "FSYNC",
	OpFlush:       "FLUSH",
	OpInit:        "INIT",
	OpOpendir:     "OPENDIR",
	OpReaddir:     "READDIR",
	OpReleasedir:  "RELEASEDIR",
	OpFsyncdir:    "FSYNCDIR",
	OpCreate:      "CREATE",
	OpInterrupt:   "INTERRUPT",
	OpDestroy:     "DESTROY",
	OpBatchForget: "BATCH_FORGET",
	OpFallocate:   "FALLOCATE",
	OpReaddirplus: "READDIRPLUS",
	OpRename2:     "RENAME2",
}

// String implements fmt.Stringer.
func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "OP_" + strconv.Itoa(int(op))
}

// NoReply reports whether the host never answers op.
func (op Op) NoReply() bool {
	return op == OpForget || op == OpBatchForget
}
