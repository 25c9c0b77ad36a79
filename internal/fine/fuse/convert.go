package fuse

import "github.com/rfratto/viofs/internal/fine"

func toRawEntryOut(in fine.Entry) rawEntryOut {
	return rawEntryOut{
		NodeID:         uint64(in.Node),
		Generation:     in.Generation,
		EntryValid:     toSecondFrag(in.EntryTTL),
		AttrValid:      toSecondFrag(in.AttribTTL),
		EntryValidNsec: toNanosecondFrag(in.EntryTTL),
		AttrValidNsec:  toNanosecondFrag(in.AttribTTL),
		Attr:           toRawAttr(in.Attrib),
	}
}

func fromRawEntryOut(in rawEntryOut) fine.Entry {
	return fine.Entry{
		Node:       fine.Node(in.NodeID),
		Generation: in.Generation,
		EntryTTL:   fromFrags(in.EntryValid, in.EntryValidNsec),
		AttribTTL:  fromFrags(in.AttrValid, in.AttrValidNsec),
		Attrib:     fromRawAttr(in.Attr),
	}
}

func toRawAttr(in fine.Attrib) rawAttr {
	return rawAttr{
		Inode:     in.Inode,
		Size:      in.Size,
		Blocks:    in.Blocks,
		Atime:     toUnix(in.LastAccess),
		Mtime:     toUnix(in.LastModify),
		Ctime:     toUnix(in.LastChange),
		ATimeNsec: toUnixNsOffset(in.LastAccess),
		MTimeNsec: toUnixNsOffset(in.LastModify),
		CTimeNsec: toUnixNsOffset(in.LastChange),
		Mode:      toLinuxMode(in.Mode),
		Nlink:     in.HardLinks,
		UID:       in.UID,
		GID:       in.GID,
		RDev:      in.DeviceID,
		BlockSize: in.BlockSize,
	}
}

func fromRawAttr(in rawAttr) fine.Attrib {
	return fine.Attrib{
		Inode:      in.Inode,
		Size:       in.Size,
		Blocks:     in.Blocks,
		LastAccess: fromUnix(in.Atime, in.ATimeNsec),
		LastModify: fromUnix(in.Mtime, in.MTimeNsec),
		LastChange: fromUnix(in.Ctime, in.CTimeNsec),
		Mode:       toNativeMode(in.Mode),
		HardLinks:  in.Nlink,
		UID:        in.UID,
		GID:        in.GID,
		DeviceID:   in.RDev,
		BlockSize:  in.BlockSize,
	}
}

// DirentPlusSize returns the encoded size of a READDIRPLUS entry with a name
// of nameLen bytes, including padding.
func DirentPlusSize(nameLen int) int {
	return int(align64(uint64(entryOutSize + direntSize + nameLen)))
}
