package fuse

import (
	"os"
	"time"
)

// Linux mode bits. These are defined locally since the guest may not be a
// unix system.
const (
	sIFMT   = 0o170000
	sIFSOCK = 0o140000
	sIFLNK  = 0o120000
	sIFREG  = 0o100000
	sIFBLK  = 0o060000
	sIFDIR  = 0o040000
	sIFCHR  = 0o020000
	sIFIFO  = 0o010000
	sISUID  = 0o4000
	sISGID  = 0o2000
	sISVTX  = 0o1000
)

func toLinuxMode(in os.FileMode) uint32 {
	var out uint32
	out = uint32(in) & 0o777
	switch {
	case in&os.ModeType == 0:
		out |= sIFREG
	case in&os.ModeDir != 0:
		out |= sIFDIR
	case in&os.ModeDevice != 0 && in&os.ModeCharDevice != 0:
		out |= sIFCHR
	case in&os.ModeDevice != 0:
		out |= sIFBLK
	case in&os.ModeNamedPipe != 0:
		out |= sIFIFO
	case in&os.ModeSymlink != 0:
		out |= sIFLNK
	case in&os.ModeSocket != 0:
		out |= sIFSOCK
	}
	if in&os.ModeSetuid != 0 {
		out |= sISUID
	}
	if in&os.ModeSetgid != 0 {
		out |= sISGID
	}
	if in&os.ModeSticky != 0 {
		out |= sISVTX
	}
	return out
}

// toPermBits keeps only the permission bits of in, for mkdir/create where the
// file type is implied by the opcode.
func toPermBits(in os.FileMode) uint32 {
	return toLinuxMode(in) &^ sIFMT
}

func toNativeMode(in uint32) os.FileMode {
	out := os.FileMode(in & 0o777)
	switch in & sIFMT {
	case sIFBLK:
		out |= os.ModeDevice
	case sIFCHR:
		out |= os.ModeDevice | os.ModeCharDevice
	case sIFDIR:
		out |= os.ModeDir
	case sIFIFO:
		out |= os.ModeNamedPipe
	case sIFLNK:
		out |= os.ModeSymlink
	case sIFREG:
		// nothing to do
	case sIFSOCK:
		out |= os.ModeSocket
	case 0:
		out |= os.ModeIrregular
	}
	if in&sISGID != 0 {
		out |= os.ModeSetgid
	}
	if in&sISUID != 0 {
		out |= os.ModeSetuid
	}
	if in&sISVTX != 0 {
		out |= os.ModeSticky
	}
	return out
}

func toSecondFrag(d time.Duration) uint64 {
	return uint64(d / time.Second)
}

func toNanosecondFrag(d time.Duration) uint32 {
	rem := d - d.Truncate(time.Second)
	return uint32(rem.Nanoseconds())
}

func fromFrags(sec uint64, nsec uint32) time.Duration {
	return time.Duration(sec)*time.Second + time.Duration(nsec)
}

func toUnix(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func toUnixNsOffset(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Nanosecond())
}

// fromUnix is the inverse of toUnix/toUnixNsOffset. The epoch maps back to
// the zero time.
func fromUnix(sec uint64, nsec uint32) time.Time {
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(nsec))
}
