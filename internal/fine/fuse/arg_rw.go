package fuse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rfratto/viofs/internal/fine"
)

// ErrProtocol is returned for messages which violate the wire format, such
// as a length mismatch or a truncated body.
var ErrProtocol = errors.New("fuse: protocol violation")

var errIncomplete = fmt.Errorf("incomplete message: %w", ErrProtocol)

// recoverIncomplete converts a panic from argReader or argWriter into an
// error. Any other panic is rethrown.
func recoverIncomplete(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if rerr, ok := r.(error); ok && errors.Is(rerr, ErrProtocol) {
		*err = rerr
		return
	}
	panic(r)
}

func missingBody(op fine.Op) error {
	return fmt.Errorf("missing request body for %s: %w", op, fine.ErrorInvalid)
}

// argReader allows popping individual FUSE arguments off of the data slice.
// Any method that fails will panic with errIncomplete, allowing for recovery.
type argReader struct {
	data []byte
	off  int
}

// Struct decodes a fixed-size little-endian layout into v, which must be a
// pointer to a raw type.
func (ar *argReader) Struct(v interface{}) {
	n := binary.Size(v)
	if n < 0 || len(ar.data)-ar.off < n {
		panic(errIncomplete)
	}
	if err := binary.Read(bytes.NewReader(ar.data[ar.off:ar.off+n]), binary.LittleEndian, v); err != nil {
		panic(fmt.Errorf("%v: %w", err, errIncomplete))
	}
	ar.off += n
}

// String pops a NUL-terminated string from the arg reader.
func (ar *argReader) String() string {
	buf := ar.data[ar.off:]
	nul := bytes.IndexByte(buf, 0)
	if len(buf) == 0 || nul == -1 {
		panic(errIncomplete)
	}

	res := buf[:nul]
	ar.off += len(res) + 1 // Add one to consume NUL byte
	return string(res)
}

// Bytes pops n bytes from the arg reader.
func (ar *argReader) Bytes(n int) []byte {
	buf := ar.data[ar.off:]
	if n < 0 || len(buf) < n {
		panic(errIncomplete)
	}
	res := make([]byte, n)
	copy(res, buf)
	ar.off += n
	return res
}

// Skip discards up to n bytes.
func (ar *argReader) Skip(n int) {
	if rem := len(ar.data) - ar.off; n > rem {
		n = rem
	}
	ar.off += n
}

// Rest pops all remaining bytes.
func (ar *argReader) Rest() []byte {
	return ar.Bytes(ar.Len())
}

// Len returns the number of unread bytes.
func (ar *argReader) Len() int { return len(ar.data) - ar.off }

// argWriter allows queueing individual FUSE arguments onto a data slice. The
// first argument written must be a header whose first field is the message
// length; Finish patches it.
type argWriter struct {
	buf bytes.Buffer
}

// Struct writes v in its little-endian layout.
func (aw *argWriter) Struct(v interface{}) {
	if err := binary.Write(&aw.buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Errorf("%v: %w", err, errIncomplete))
	}
}

// String writes s as a NUL-terminated C string.
func (aw *argWriter) String(s string) {
	aw.buf.WriteString(s)
	aw.buf.WriteByte(0)
}

// Bytes writes b.
func (aw *argWriter) Bytes(b []byte) {
	aw.buf.Write(b)
}

// Pad writes n zero bytes.
func (aw *argWriter) Pad(n int) {
	for i := 0; i < n; i++ {
		aw.buf.WriteByte(0)
	}
}

// Finish completes the argWriter, returning the final set of data. The final
// length of data will automatically be written into the header.
func (aw *argWriter) Finish() []byte {
	out := aw.buf.Bytes()
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}
