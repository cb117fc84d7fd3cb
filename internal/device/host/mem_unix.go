//go:build unix

package host

import "golang.org/x/sys/unix"

// allocDevice reserves size bytes of anonymous, page-aligned memory that
// stands in for device global memory.
func allocDevice(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeDevice(mem []byte) error {
	return unix.Munmap(mem)
}
