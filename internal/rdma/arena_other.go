//go:build !linux

package rdma

func mapArena(size int) ([]byte, error) { return make([]byte, size), nil }

func unmapArena([]byte) error { return nil }
