//go:build linux

package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// mapArena returns page-aligned anonymous memory outside the Go heap, locked
// in RAM when RLIMIT_MEMLOCK allows it.
func mapArena(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	if err := unix.Mlock(mem); err != nil {
		log.Warn().Err(err).Int("bytes", size).Msg("mlock of buffer arena failed; raise RLIMIT_MEMLOCK")
	}
	return mem, nil
}

func unmapArena(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
