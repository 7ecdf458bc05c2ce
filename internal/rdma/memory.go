package rdma

import (
	"encoding/binary"
	"fmt"
)

// RemoteRegionSize is the encoded size of a RemoteRegion.
const RemoteRegionSize = 16

// RemoteRegion is what a peer needs to read or write a registered region:
// its address, length and remote key.
type RemoteRegion struct {
	Addr   uint64
	Length uint32
	RKey   uint32
}

func (r RemoteRegion) check(offset uint64, length int) error {
	if length < 0 || offset+uint64(length) > uint64(r.Length) {
		return fmt.Errorf("%w: offset %d length %d in region of %d bytes", ErrOutOfRange, offset, length, r.Length)
	}
	return nil
}

// MarshalBinary encodes the region as addr(8) | length(4) | rkey(4), little
// endian.
func (r RemoteRegion) MarshalBinary() ([]byte, error) {
	b := make([]byte, RemoteRegionSize)
	binary.LittleEndian.PutUint64(b[0:], r.Addr)
	binary.LittleEndian.PutUint32(b[8:], r.Length)
	binary.LittleEndian.PutUint32(b[12:], r.RKey)
	return b, nil
}

// UnmarshalBinary decodes a descriptor produced by MarshalBinary.
func (r *RemoteRegion) UnmarshalBinary(b []byte) error {
	if len(b) < RemoteRegionSize {
		return fmt.Errorf("remote region descriptor too short: %d bytes", len(b))
	}
	r.Addr = binary.LittleEndian.Uint64(b[0:])
	r.Length = binary.LittleEndian.Uint32(b[8:])
	r.RKey = binary.LittleEndian.Uint32(b[12:])
	return nil
}

// MemoryRegion is application memory registered with a device's protection
// domain.
type MemoryRegion struct {
	dev    *DeviceContext
	buf    []byte
	info   MRInfo
	mapped bool
}

// Bytes returns the registered memory.
func (m *MemoryRegion) Bytes() []byte { return m.buf }

// LKey is the local key for scatter/gather entries into the region.
func (m *MemoryRegion) LKey() uint32 { return m.info.LKey }

// Remote describes the region for a peer.
func (m *MemoryRegion) Remote() RemoteRegion {
	return RemoteRegion{Addr: m.info.Addr, Length: uint32(len(m.buf)), RKey: m.info.RKey}
}

// Close deregisters the region, and unmaps it when the device allocated it.
func (m *MemoryRegion) Close() error {
	if !m.dev.forgetRegion(m) {
		return nil
	}
	if err := m.dev.backend.DeregMR(m.info.Handle); err != nil {
		return fmt.Errorf("deregister memory region: %w", err)
	}
	if m.mapped {
		return unmapArena(m.buf)
	}
	return nil
}
