package loopback

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Memory is a flat region of guest memory starting at a base guest physical
// address. It is safe for concurrent use; the driver and device sides of
// every ring go through the same lock.
type Memory struct {
	mut  sync.RWMutex
	base uint64
	data []byte

	release func() error
}

// NewMemory maps size bytes of guest memory at base.
func NewMemory(base uint64, size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid memory size %d", size)
	}
	data, release, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of guest memory: %w", size, err)
	}
	return &Memory{base: base, data: data, release: release}, nil
}

// Base returns the first guest physical address of m.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the size of m in bytes.
func (m *Memory) Size() int { return len(m.data) }

func (m *Memory) slice(addr uint64, n int) ([]byte, error) {
	if m.data == nil {
		return nil, fmt.Errorf("guest memory released")
	}
	if addr < m.base || addr-m.base+uint64(n) > uint64(len(m.data)) {
		return nil, fmt.Errorf("guest address range %#x+%d out of bounds", addr, n)
	}
	off := addr - m.base
	return m.data[off : off+uint64(n)], nil
}

// ReadAt implements io.ReaderAt. off is a guest physical address.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mut.RLock()
	defer m.mut.RUnlock()

	src, err := m.slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements io.WriterAt. off is a guest physical address.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	dst, err := m.slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

func (m *Memory) readU16(addr uint64) uint16 {
	var b [2]byte
	m.mustRead(b[:], addr)
	return binary.LittleEndian.Uint16(b[:])
}

func (m *Memory) writeU16(addr uint64, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	m.mustWrite(b[:], addr)
}

func (m *Memory) readU32(addr uint64) uint32 {
	var b [4]byte
	m.mustRead(b[:], addr)
	return binary.LittleEndian.Uint32(b[:])
}

func (m *Memory) writeU32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.mustWrite(b[:], addr)
}

// Ring structures are allocated from m itself, so an out of bounds access
// to one of them is a programming error.
func (m *Memory) mustRead(p []byte, addr uint64) {
	if _, err := m.ReadAt(p, int64(addr)); err != nil {
		panic(err)
	}
}

func (m *Memory) mustWrite(p []byte, addr uint64) {
	if _, err := m.WriteAt(p, int64(addr)); err != nil {
		panic(err)
	}
}

// Close releases the memory. m must not be used afterwards.
func (m *Memory) Close() error {
	m.mut.Lock()
	defer m.mut.Unlock()

	if m.data == nil {
		return nil
	}
	m.data = nil
	return m.release()
}
