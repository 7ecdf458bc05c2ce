package rdma

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// InvalidBufferID never identifies a pooled buffer.
const InvalidBufferID uint16 = 0xFFFF

// MaxBuffersPerPool is bounded by the 16-bit buffer id in work request ids.
const MaxBuffersPerPool = int(InvalidBufferID)

// Buffer is one fixed-size slot of a BufferManager's registered arena.
type Buffer struct {
	ID   uint16
	Data []byte
	Addr uint64
	LKey uint32

	owned atomic.Bool
}

// SGE describes the first length bytes of the buffer.
func (b *Buffer) SGE(length int) SGE {
	return SGE{Addr: b.Addr, Length: uint32(length), LKey: b.LKey}
}

// BufferManager hands out fixed-size buffers carved from a single memory
// registration. Acquire and Release are lock-free and safe from any goroutine.
type BufferManager struct {
	name    string
	backend Backend
	arena   []byte
	mr      MRInfo
	size    int
	buffers []Buffer
	free    *freeList
	inUse   atomic.Int64
	hook    MetricHook
}

// NewBufferManager maps count*size bytes, registers them once with pd and
// splits the region into count buffers.
func NewBufferManager(name string, backend Backend, pd PDHandle, count, size int, access AccessFlag, hook MetricHook) (*BufferManager, error) {
	if count <= 0 || count > MaxBuffersPerPool {
		return nil, fmt.Errorf("buffer count %d out of range [1, %d]", count, MaxBuffersPerPool)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	if hook == nil {
		hook = NopMetricHook{}
	}

	arena, err := mapArena(count * size)
	if err != nil {
		return nil, fmt.Errorf("allocate %s buffer arena: %w", name, err)
	}
	mr, err := backend.RegMR(pd, arena, access)
	if err != nil {
		_ = unmapArena(arena)
		return nil, fmt.Errorf("register %s buffer arena: %w", name, err)
	}

	m := &BufferManager{
		name:    name,
		backend: backend,
		arena:   arena,
		mr:      mr,
		size:    size,
		buffers: make([]Buffer, count),
		free:    newFreeList(count),
		hook:    hook,
	}
	for i := range m.buffers {
		off := i * size
		b := &m.buffers[i]
		b.ID = uint16(i)
		b.Data = arena[off : off+size : off+size]
		b.Addr = mr.Addr + uint64(off)
		b.LKey = mr.LKey
		m.free.push(uint16(i))
	}

	log.Debug().
		Str("pool", name).
		Int("count", count).
		Int("size", size).
		Uint32("lkey", mr.LKey).
		Msg("Buffer pool registered")
	return m, nil
}

// checkLength rejects lengths that are negative or exceed capacity.
func checkLength(length, capacity int) error {
	if length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrOutOfRange, length)
	}
	if length > capacity {
		return fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, length, capacity)
	}
	return nil
}

// Acquire takes a free buffer able to hold length bytes.
func (m *BufferManager) Acquire(length int) (*Buffer, error) {
	if err := checkLength(length, m.size); err != nil {
		return nil, err
	}
	id, ok := m.free.pop()
	if !ok {
		m.hook.BufferExhausted(m.name)
		return nil, ErrBufferExhausted
	}
	b := &m.buffers[id]
	b.owned.Store(true)
	m.inUse.Add(1)
	return b, nil
}

// Release returns b to the pool. Releasing a buffer that is not acquired is
// reported and ignored.
func (m *BufferManager) Release(b *Buffer) error {
	if b == nil || int(b.ID) >= len(m.buffers) || &m.buffers[b.ID] != b {
		return ErrInvalidHandle
	}
	return m.ReleaseID(b.ID)
}

// ReleaseID returns the buffer with the given id to the pool.
func (m *BufferManager) ReleaseID(id uint16) error {
	if int(id) >= len(m.buffers) {
		return fmt.Errorf("%w: buffer id %d", ErrInvalidHandle, id)
	}
	b := &m.buffers[id]
	if !b.owned.CompareAndSwap(true, false) {
		log.Error().Str("pool", m.name).Uint16("buffer_id", id).Msg("Release of buffer that is not acquired")
		return ErrBufferNotOwned
	}
	m.inUse.Add(-1)
	m.free.push(id)
	return nil
}

// Buffer resolves a buffer id. The second result is false for ids outside
// the pool.
func (m *BufferManager) Buffer(id uint16) (*Buffer, bool) {
	if int(id) >= len(m.buffers) {
		return nil, false
	}
	return &m.buffers[id], true
}

// Name labels the pool in logs and metrics.
func (m *BufferManager) Name() string { return m.name }

// BufferSize is the capacity of every buffer.
func (m *BufferManager) BufferSize() int { return m.size }
func (m *BufferManager) Count() int      { return len(m.buffers) }

// InUse counts acquired buffers.
func (m *BufferManager) InUse() int { return int(m.inUse.Load()) }

// Region describes the registration covering the arena.
func (m *BufferManager) Region() MRInfo { return m.mr }
func (m *BufferManager) Available() int { return len(m.buffers) - m.InUse() }

// Close deregisters the arena and unmaps it. Buffers must not be used after.
func (m *BufferManager) Close() error {
	if err := m.backend.DeregMR(m.mr.Handle); err != nil {
		return fmt.Errorf("deregister %s buffer arena: %w", m.name, err)
	}
	if err := unmapArena(m.arena); err != nil {
		return fmt.Errorf("unmap %s buffer arena: %w", m.name, err)
	}
	m.arena = nil
	return nil
}
