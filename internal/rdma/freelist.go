package rdma

import "sync/atomic"

const cacheLinePad = 64

// freeList is a bounded multi-producer multi-consumer queue of buffer ids
// using per-slot sequence numbers (Vyukov).
type freeList struct {
	head  atomic.Uint64
	_     [cacheLinePad]byte
	tail  atomic.Uint64
	_     [cacheLinePad]byte
	mask  uint64
	slots []freeSlot
}

type freeSlot struct {
	seq atomic.Uint64
	id  uint16
}

func newFreeList(capacity int) *freeList {
	size := 2
	for size < capacity {
		size <<= 1
	}
	l := &freeList{
		mask:  uint64(size - 1),
		slots: make([]freeSlot, size),
	}
	for i := range l.slots {
		l.slots[i].seq.Store(uint64(i))
	}
	return l
}

func (l *freeList) push(id uint16) bool {
	for {
		tail := l.tail.Load()
		s := &l.slots[tail&l.mask]
		switch dif := int64(s.seq.Load()) - int64(tail); {
		case dif == 0:
			if l.tail.CompareAndSwap(tail, tail+1) {
				s.id = id
				s.seq.Store(tail + 1)
				return true
			}
		case dif < 0:
			return false
		}
	}
}

func (l *freeList) pop() (uint16, bool) {
	for {
		head := l.head.Load()
		s := &l.slots[head&l.mask]
		switch dif := int64(s.seq.Load()) - int64(head+1); {
		case dif == 0:
			if l.head.CompareAndSwap(head, head+1) {
				id := s.id
				s.seq.Store(head + l.mask + 1)
				return id, true
			}
		case dif < 0:
			return 0, false
		}
	}
}
