//go:build linux || darwin || freebsd

package loopback

import "golang.org/x/sys/unix"

// mapMemory backs guest memory with an anonymous mapping so it's page
// aligned and never moved.
func mapMemory(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
