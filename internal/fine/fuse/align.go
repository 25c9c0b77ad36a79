package fuse

// align64 rounds numBytes up to the next multiple of 8. Directory entries
// must start on 64-bit boundaries.
func align64(numBytes uint64) uint64 {
	const size64 = 8
	return (numBytes + size64 - 1) &^ (size64 - 1)
}
