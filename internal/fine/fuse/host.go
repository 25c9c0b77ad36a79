package fuse

import (
	"fmt"

	"github.com/rfratto/viofs/internal/fine"
)

// DecodeRequest parses a request as received by the host. Opcodes without a
// body return a nil Request.
func DecodeRequest(data []byte) (hdr fine.RequestHeader, req fine.Request, err error) {
	defer recoverIncomplete(&err)

	ar := argReader{data: data}

	var rawHdr rawInHeader
	ar.Struct(&rawHdr)
	hdr = fine.RequestHeader{
		Op:        rawHdr.Opcode,
		RequestID: rawHdr.Unique,
		Node:      fine.Node(rawHdr.NodeID),
		UID:       rawHdr.UID,
		GID:       rawHdr.GID,
		PID:       rawHdr.PID,
	}
	if rawHdr.Len != uint32(len(data)) {
		return hdr, nil, fmt.Errorf("fuse: header length %d doesn't match message %d: %w", rawHdr.Len, len(data), ErrProtocol)
	}

	// A variable group is declared at the top of each case to describe the
	// arguments following the header, in the order FUSE sends them.
	switch rawHdr.Opcode {
	case fine.OpReadlink, fine.OpStatfs, fine.OpDestroy:
		req = nil

	case fine.OpInit:
		var (
			in rawInitIn
		)
		ar.Struct(&in)
		req = &fine.InitRequest{
			LatestVersion: fine.Version{Major: in.Major, Minor: in.Minor},
			MaxReadahead:  in.MaxReadahead,
			Flags:         fine.InitFlags(in.Flags),
		}

	case fine.OpLookup:
		var (
			name = ar.String()
		)
		req = &fine.LookupRequest{Name: name}

	case fine.OpForget:
		var (
			in rawForgetIn
		)
		ar.Struct(&in)
		req = &fine.ForgetRequest{NumLookups: in.NLookup}

	case fine.OpBatchForget:
		var (
			in    rawBatchForgetIn
			items []fine.BatchForgetItem
		)
		ar.Struct(&in)
		for i := 0; i < int(in.Count); i++ {
			var item rawForgetOne
			ar.Struct(&item)
			items = append(items, fine.BatchForgetItem{
				Node:       fine.Node(item.NodeID),
				NumLookups: item.Nlookup,
			})
		}
		req = &fine.BatchForgetRequest{Items: items}

	case fine.OpGetattr:
		var (
			in rawGetattrIn
		)
		ar.Struct(&in)
		req = &fine.GetattrRequest{
			Flags:  fine.GetAttribFlags(in.GetattrFlags),
			Handle: fine.Handle(in.Fh),
		}

	case fine.OpSetattr:
		var (
			in rawSetattrIn
		)
		ar.Struct(&in)
		req = &fine.SetattrRequest{
			UpdateMask: fine.AttribMask(in.Valid),
			Handle:     fine.Handle(in.Fh),
			Size:       in.Size,
			LockOwner:  fine.LockOwner(in.LockOwner),
			LastAccess: fromUnix(in.Atime, in.AtimeNsec),
			LastModify: fromUnix(in.Mtime, in.MtimeNsec),
			LastChange: fromUnix(in.Ctime, in.CtimeNsec),
			Mode:       toNativeMode(in.Mode),
			UID:        in.UID,
			GID:        in.GID,
		}

	case fine.OpSymlink:
		var (
			name   = ar.String()
			target = ar.String()
		)
		req = &fine.SymlinkRequest{Name: name, Target: target}

	case fine.OpMkdir:
		var (
			in   rawMkdirIn
			name string
		)
		ar.Struct(&in)
		name = ar.String()
		req = &fine.MkdirRequest{
			Mode:  toNativeMode(in.Mode | sIFDIR),
			Umask: toNativeMode(in.Umask | sIFREG).Perm(),
			Name:  name,
		}

	case fine.OpUnlink:
		var (
			name = ar.String()
		)
		req = &fine.UnlinkRequest{Name: name}

	case fine.OpRmdir:
		var (
			name = ar.String()
		)
		req = &fine.RmdirRequest{Name: name}

	case fine.OpRename:
		var (
			in               rawRenameIn
			oldName, newName string
		)
		ar.Struct(&in)
		oldName, newName = ar.String(), ar.String()
		req = &fine.RenameRequest{
			NewDir:  fine.Node(in.Newdir),
			OldName: oldName,
			NewName: newName,
		}

	case fine.OpRename2:
		var (
			in               rawRename2In
			oldName, newName string
		)
		ar.Struct(&in)
		oldName, newName = ar.String(), ar.String()
		req = &fine.RenameRequest{
			NewDir:  fine.Node(in.Newdir),
			Flags:   fine.RenameFlags(in.Flags),
			OldName: oldName,
			NewName: newName,
		}

	case fine.OpOpen, fine.OpOpendir:
		var (
			in rawOpenIn
		)
		ar.Struct(&in)
		req = &fine.OpenRequest{Flags: fine.FileFlags(in.Flags)}

	case fine.OpRead, fine.OpReaddir, fine.OpReaddirplus:
		var (
			in rawReadIn
		)
		ar.Struct(&in)
		req = &fine.ReadRequest{
			Handle:    fine.Handle(in.Fh),
			Offset:    in.Offset,
			Size:      in.Size,
			LockOwner: fine.LockOwner(in.LockOwner),
			FileFlags: fine.FileFlags(in.Flags),
		}

	case fine.OpWrite:
		var (
			in   rawWriteIn
			data []byte
		)
		ar.Struct(&in)
		data = ar.Bytes(int(in.Size))
		req = &fine.WriteRequest{
			Handle:    fine.Handle(in.Fh),
			Offset:    in.Offset,
			LockOwner: fine.LockOwner(in.LockOwner),
			FileFlags: fine.FileFlags(in.Flags),
			Data:      data,
		}

	case fine.OpRelease, fine.OpReleasedir:
		var (
			in rawReleaseIn
		)
		ar.Struct(&in)
		req = &fine.ReleaseRequest{
			Handle:    fine.Handle(in.Fh),
			Flags:     fine.ReleaseFlags(in.ReleaseFlags),
			FileFlags: fine.FileFlags(in.Flags),
			LockOwner: fine.LockOwner(in.LockOwner),
		}

	case fine.OpFsync, fine.OpFsyncdir:
		var (
			in rawFsyncIn
		)
		ar.Struct(&in)
		req = &fine.FsyncRequest{
			Handle: fine.Handle(in.Fh),
			Flags:  fine.SyncFlags(in.FsyncFlags),
		}

	case fine.OpFlush:
		var (
			in rawFlushIn
		)
		ar.Struct(&in)
		req = &fine.FlushRequest{
			Handle:    fine.Handle(in.Fh),
			LockOwner: fine.LockOwner(in.LockOwner),
		}

	case fine.OpCreate:
		var (
			in   rawCreateIn
			name string
		)
		ar.Struct(&in)
		name = ar.String()
		req = &fine.CreateRequest{
			Flags: fine.FileFlags(in.Flags),
			Mode:  toNativeMode(in.Mode),
			Umask: toNativeMode(in.Umask | sIFREG).Perm(),
			Name:  name,
		}

	case fine.OpFallocate:
		var (
			in rawFallocateIn
		)
		ar.Struct(&in)
		req = &fine.FallocateRequest{
			Handle: fine.Handle(in.Fh),
			Offset: in.Offset,
			Length: in.Length,
			Mode:   fine.FallocateMode(in.Mode),
		}

	case fine.OpInterrupt:
		var (
			in rawInterruptIn
		)
		ar.Struct(&in)
		req = &fine.InterruptRequest{RequestID: in.Unique}

	default:
		// The receiver must respond with fine.ErrorUnimplemented.
		return hdr, nil, nil
	}

	if ar.Len() != 0 {
		return hdr, nil, fmt.Errorf("fuse: %d trailing bytes in %s request: %w", ar.Len(), hdr.Op, ErrProtocol)
	}
	return hdr, req, nil
}

// EncodeResponse builds the wire form of a reply sent by the host. If h
// carries an error or resp is nil, only the header is written.
func EncodeResponse(h fine.ResponseHeader, resp fine.Response) (data []byte, err error) {
	defer recoverIncomplete(&err)

	var aw argWriter
	aw.Struct(&rawOutHeader{Error: int32(h.Error), Unique: h.RequestID})
	if h.Error != 0 || resp == nil {
		return aw.Finish(), nil
	}

	switch resp := resp.(type) {
	case *fine.InitResponse:
		aw.Struct(&rawInitOut{
			Major:               resp.EarliestVersion.Major,
			Minor:               resp.EarliestVersion.Minor,
			MaxReadahead:        resp.MaxReadahead,
			Flags:               uint32(resp.Flags),
			MaxBackground:       resp.MaxBackground,
			CongestionThreshold: resp.CongestionThreshold,
			MaxWrite:            resp.MaxWrite,
			TimeGran:            resp.TimeGran,
			MaxPages:            resp.MaxPages,
			MapAlignment:        resp.MapAlignment,
		})

	case *fine.EntryResponse:
		out := toRawEntryOut(resp.Entry)
		aw.Struct(&out)

	case *fine.AttrResponse:
		aw.Struct(&rawAttrOut{
			AttrValid:     toSecondFrag(resp.TTL),
			AttrValidNsec: toNanosecondFrag(resp.TTL),
			Attr:          toRawAttr(resp.Attrib),
		})

	case *fine.StatfsResponse:
		st := resp.Statfs
		aw.Struct(&rawStatfsOut{
			Blocks:  st.Blocks,
			Bfree:   st.BlocksFree,
			Bavail:  st.BlocksAvailable,
			Files:   st.Files,
			Ffree:   st.FilesFree,
			Bsize:   st.BlockSize,
			NameLen: st.NameLength,
			Frsize:  st.FragmentSize,
		})

	case *fine.ReadlinkResponse:
		aw.Bytes(resp.Contents)

	case *fine.OpenedResponse:
		aw.Struct(&rawOpenOut{Fh: uint64(resp.Handle), OpenFlags: uint32(resp.OpenedFlags)})

	case *fine.ReadResponse:
		aw.Bytes(resp.Data)

	case *fine.WriteResponse:
		aw.Struct(&rawWriteOut{Size: resp.Written})

	case *fine.CreateResponse:
		ent := toRawEntryOut(resp.Entry)
		aw.Struct(&ent)
		aw.Struct(&rawOpenOut{Fh: uint64(resp.Handle), OpenFlags: uint32(resp.OpenedFlags)})

	case *fine.ReaddirplusResponse:
		// Each entry is (entry_out, dirent, name) padded so the next entry
		// starts on a 64-bit boundary.
		for _, ent := range resp.Entries {
			nameBytes := []byte(ent.DirEntry.Name)

			out := toRawEntryOut(ent.Entry)
			aw.Struct(&out)
			aw.Struct(&rawDirent{
				Ino:     ent.DirEntry.Inode,
				Offset:  ent.DirEntry.Offset,
				NameLen: uint32(len(nameBytes)),
				Type:    uint32(ent.DirEntry.Type),
			})
			aw.Bytes(nameBytes)

			rawSize := uint64(entryOutSize + direntSize + len(nameBytes))
			aw.Pad(int(align64(rawSize) - rawSize))
		}

	default:
		return nil, fmt.Errorf("unknown response type %T", resp)
	}

	return aw.Finish(), nil
}
