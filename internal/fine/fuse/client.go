package fuse

import (
	"fmt"

	"github.com/rfratto/viofs/internal/fine"
)

// EncodeRequest builds the wire form of a request sent from the guest to the
// host. The length field of the header is computed from the encoded body.
func EncodeRequest(hdr fine.RequestHeader, req fine.Request) (data []byte, err error) {
	defer recoverIncomplete(&err)

	var aw argWriter
	aw.Struct(&rawInHeader{
		Opcode: hdr.Op,
		Unique: hdr.RequestID,
		NodeID: uint64(hdr.Node),
		UID:    hdr.UID,
		GID:    hdr.GID,
		PID:    hdr.PID,
	})

	// Each case writes the arguments following the header in the order FUSE
	// expects them. Do not re-order them.
	switch hdr.Op {
	case fine.OpReadlink, fine.OpStatfs, fine.OpDestroy:
		// No body.

	case fine.OpInit:
		req, _ := req.(*fine.InitRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawInitIn{
			Major:        req.LatestVersion.Major,
			Minor:        req.LatestVersion.Minor,
			MaxReadahead: req.MaxReadahead,
			Flags:        uint32(req.Flags),
		})

	case fine.OpLookup:
		req, _ := req.(*fine.LookupRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.String(req.Name)

	case fine.OpForget:
		req, _ := req.(*fine.ForgetRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawForgetIn{NLookup: req.NumLookups})

	case fine.OpBatchForget:
		req, _ := req.(*fine.BatchForgetRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawBatchForgetIn{Count: uint32(len(req.Items))})
		for _, item := range req.Items {
			aw.Struct(&rawForgetOne{NodeID: uint64(item.Node), Nlookup: item.NumLookups})
		}

	case fine.OpGetattr:
		req, _ := req.(*fine.GetattrRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawGetattrIn{GetattrFlags: uint32(req.Flags), Fh: uint64(req.Handle)})

	case fine.OpSetattr:
		req, _ := req.(*fine.SetattrRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawSetattrIn{
			Valid:     uint32(req.UpdateMask),
			Fh:        uint64(req.Handle),
			Size:      req.Size,
			LockOwner: uint64(req.LockOwner),
			Atime:     toUnix(req.LastAccess),
			Mtime:     toUnix(req.LastModify),
			Ctime:     toUnix(req.LastChange),
			AtimeNsec: toUnixNsOffset(req.LastAccess),
			MtimeNsec: toUnixNsOffset(req.LastModify),
			CtimeNsec: toUnixNsOffset(req.LastChange),
			Mode:      toLinuxMode(req.Mode),
			UID:       req.UID,
			GID:       req.GID,
		})

	case fine.OpSymlink:
		req, _ := req.(*fine.SymlinkRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.String(req.Name)
		aw.String(req.Target)

	case fine.OpMkdir:
		req, _ := req.(*fine.MkdirRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawMkdirIn{Mode: toPermBits(req.Mode), Umask: toPermBits(req.Umask)})
		aw.String(req.Name)

	case fine.OpUnlink:
		req, _ := req.(*fine.UnlinkRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.String(req.Name)

	case fine.OpRmdir:
		req, _ := req.(*fine.RmdirRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.String(req.Name)

	case fine.OpRename:
		req, _ := req.(*fine.RenameRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawRenameIn{Newdir: uint64(req.NewDir)})
		aw.String(req.OldName)
		aw.String(req.NewName)

	case fine.OpRename2:
		req, _ := req.(*fine.RenameRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawRename2In{Newdir: uint64(req.NewDir), Flags: uint32(req.Flags)})
		aw.String(req.OldName)
		aw.String(req.NewName)

	case fine.OpOpen, fine.OpOpendir:
		req, _ := req.(*fine.OpenRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawOpenIn{Flags: uint32(req.Flags)})

	case fine.OpRead, fine.OpReaddir, fine.OpReaddirplus:
		req, _ := req.(*fine.ReadRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawReadIn{
			Fh:        uint64(req.Handle),
			Offset:    req.Offset,
			Size:      req.Size,
			LockOwner: uint64(req.LockOwner),
			Flags:     uint32(req.FileFlags),
		})

	case fine.OpWrite:
		req, _ := req.(*fine.WriteRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawWriteIn{
			Fh:        uint64(req.Handle),
			Offset:    req.Offset,
			Size:      uint32(len(req.Data)),
			LockOwner: uint64(req.LockOwner),
			Flags:     uint32(req.FileFlags),
		})
		aw.Bytes(req.Data)

	case fine.OpRelease, fine.OpReleasedir:
		req, _ := req.(*fine.ReleaseRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawReleaseIn{
			Fh:           uint64(req.Handle),
			Flags:        uint32(req.FileFlags),
			ReleaseFlags: uint32(req.Flags),
			LockOwner:    uint64(req.LockOwner),
		})

	case fine.OpFsync, fine.OpFsyncdir:
		req, _ := req.(*fine.FsyncRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawFsyncIn{Fh: uint64(req.Handle), FsyncFlags: uint32(req.Flags)})

	case fine.OpFlush:
		req, _ := req.(*fine.FlushRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawFlushIn{Fh: uint64(req.Handle), LockOwner: uint64(req.LockOwner)})

	case fine.OpCreate:
		req, _ := req.(*fine.CreateRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawCreateIn{
			Flags: uint32(req.Flags),
			Mode:  toLinuxMode(req.Mode),
			Umask: toPermBits(req.Umask),
		})
		aw.String(req.Name)

	case fine.OpFallocate:
		req, _ := req.(*fine.FallocateRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawFallocateIn{
			Fh:     uint64(req.Handle),
			Offset: req.Offset,
			Length: req.Length,
			Mode:   uint32(req.Mode),
		})

	case fine.OpInterrupt:
		req, _ := req.(*fine.InterruptRequest)
		if req == nil {
			return nil, missingBody(hdr.Op)
		}
		aw.Struct(&rawInterruptIn{Unique: req.RequestID})

	default:
		return nil, fmt.Errorf("cannot encode opcode %s: %w", hdr.Op, fine.ErrorUnimplemented)
	}

	return aw.Finish(), nil
}

// ResponseSize returns the number of bytes the host may write in reply to
// req. Opcodes without a reply return 0.
func ResponseSize(op fine.Op, req fine.Request) int {
	switch op {
	case fine.OpForget, fine.OpBatchForget:
		return 0
	case fine.OpInit:
		return OutHeaderSize + initOutSize
	case fine.OpLookup, fine.OpMkdir, fine.OpSymlink:
		return OutHeaderSize + entryOutSize
	case fine.OpGetattr, fine.OpSetattr:
		return OutHeaderSize + attrOutSize
	case fine.OpStatfs:
		return OutHeaderSize + statfsOutSize
	case fine.OpCreate:
		return OutHeaderSize + entryOutSize + openOutSize
	case fine.OpOpen, fine.OpOpendir:
		return OutHeaderSize + openOutSize
	case fine.OpWrite:
		return OutHeaderSize + writeOutSize
	case fine.OpReadlink:
		return OutHeaderSize + MaxLinkLen
	case fine.OpRead, fine.OpReaddir, fine.OpReaddirplus:
		if req, ok := req.(*fine.ReadRequest); ok && req != nil {
			return OutHeaderSize + int(req.Size)
		}
		return OutHeaderSize
	default:
		return OutHeaderSize
	}
}

// DecodeResponse parses a reply from the host to a request of type op. The
// header length must match len(data) exactly.
//
// If the host returned an error, the error is placed in the returned header
// and the Response is nil.
func DecodeResponse(op fine.Op, data []byte) (hdr fine.ResponseHeader, resp fine.Response, err error) {
	defer recoverIncomplete(&err)

	ar := argReader{data: data}

	var rawHdr rawOutHeader
	ar.Struct(&rawHdr)
	if rawHdr.Len != uint32(len(data)) {
		return hdr, nil, fmt.Errorf("fuse: header length %d doesn't match message %d: %w", rawHdr.Len, len(data), ErrProtocol)
	}
	hdr = fine.ResponseHeader{
		Op:        op,
		RequestID: rawHdr.Unique,
		Error:     fine.Error(rawHdr.Error),
	}
	if rawHdr.Error > 0 {
		return hdr, nil, fmt.Errorf("fuse: positive error %d in reply to %s: %w", rawHdr.Error, op, ErrProtocol)
	}
	if hdr.Error != 0 {
		if ar.Len() != 0 {
			return hdr, nil, fmt.Errorf("fuse: error reply to %s carries %d body bytes: %w", op, ar.Len(), ErrProtocol)
		}
		return hdr, nil, nil
	}

	switch op {
	case fine.OpInit:
		var out rawInitOut
		ar.Struct(&out)
		resp = &fine.InitResponse{
			EarliestVersion:     fine.Version{Major: out.Major, Minor: out.Minor},
			MaxReadahead:        out.MaxReadahead,
			Flags:               fine.InitFlags(out.Flags),
			MaxBackground:       out.MaxBackground,
			CongestionThreshold: out.CongestionThreshold,
			MaxWrite:            out.MaxWrite,
			TimeGran:            out.TimeGran,
			MaxPages:            out.MaxPages,
			MapAlignment:        out.MapAlignment,
		}

	case fine.OpLookup, fine.OpMkdir, fine.OpSymlink:
		var out rawEntryOut
		ar.Struct(&out)
		resp = &fine.EntryResponse{Entry: fromRawEntryOut(out)}

	case fine.OpGetattr, fine.OpSetattr:
		var out rawAttrOut
		ar.Struct(&out)
		resp = &fine.AttrResponse{
			TTL:    fromFrags(out.AttrValid, out.AttrValidNsec),
			Attrib: fromRawAttr(out.Attr),
		}

	case fine.OpStatfs:
		var out rawStatfsOut
		ar.Struct(&out)
		resp = &fine.StatfsResponse{Statfs: fine.Statfs{
			Blocks:          out.Blocks,
			BlocksFree:      out.Bfree,
			BlocksAvailable: out.Bavail,
			Files:           out.Files,
			FilesFree:       out.Ffree,
			BlockSize:       out.Bsize,
			NameLength:      out.NameLen,
			FragmentSize:    out.Frsize,
		}}

	case fine.OpCreate:
		var (
			ent  rawEntryOut
			open rawOpenOut
		)
		ar.Struct(&ent)
		ar.Struct(&open)
		resp = &fine.CreateResponse{
			Handle:      fine.Handle(open.Fh),
			OpenedFlags: fine.OpenedFlags(open.OpenFlags),
			Entry:       fromRawEntryOut(ent),
		}

	case fine.OpOpen, fine.OpOpendir:
		var out rawOpenOut
		ar.Struct(&out)
		resp = &fine.OpenedResponse{
			Handle:      fine.Handle(out.Fh),
			OpenedFlags: fine.OpenedFlags(out.OpenFlags),
		}

	case fine.OpWrite:
		var out rawWriteOut
		ar.Struct(&out)
		resp = &fine.WriteResponse{Written: out.Size}

	case fine.OpRead:
		resp = &fine.ReadResponse{Data: ar.Rest()}

	case fine.OpReadlink:
		resp = &fine.ReadlinkResponse{Contents: ar.Rest()}

	case fine.OpReaddirplus:
		resp = &fine.ReaddirplusResponse{Entries: readDirentPlus(&ar)}

	default:
		// Remaining opcodes reply with a bare header.
	}

	if ar.Len() != 0 {
		return hdr, nil, fmt.Errorf("fuse: %d trailing bytes in reply to %s: %w", ar.Len(), op, ErrProtocol)
	}
	return hdr, resp, nil
}

// readDirentPlus consumes every entry left in ar.
func readDirentPlus(ar *argReader) []fine.DirPlusEntry {
	var ents []fine.DirPlusEntry
	for ar.Len() > 0 {
		var (
			ent rawEntryOut
			de  rawDirent
		)
		ar.Struct(&ent)
		ar.Struct(&de)
		if de.NameLen > MaxNameLen {
			panic(fmt.Errorf("fuse: dirent name length %d exceeds %d: %w", de.NameLen, MaxNameLen, ErrProtocol))
		}
		name := ar.Bytes(int(de.NameLen))

		rawSize := uint64(entryOutSize + direntSize + de.NameLen)
		ar.Skip(int(align64(rawSize) - rawSize))

		ents = append(ents, fine.DirPlusEntry{
			Entry: fromRawEntryOut(ent),
			DirEntry: fine.DirEntry{
				Inode:  de.Ino,
				Offset: de.Offset,
				Type:   fine.EntryType(de.Type),
				Name:   string(name),
			},
		})
	}
	return ents
}
