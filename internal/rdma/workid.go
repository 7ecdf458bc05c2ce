package rdma

import "fmt"

// WorkType is the kind of operation a work request id belongs to.
type WorkType uint16

const (
	WorkUnknown WorkType = iota
	WorkReceive
	WorkSend
	WorkRead
	WorkWrite
)

func (t WorkType) String() string {
	switch t {
	case WorkReceive:
		return "receive"
	case WorkSend:
		return "send"
	case WorkRead:
		return "read"
	case WorkWrite:
		return "write"
	default:
		return "unknown"
	}
}

// WorkID is the decoded form of a 64-bit work request id:
//
//	bits 63..32  user id
//	bits 31..16  buffer id
//	bits 15..0   work type
type WorkID struct {
	UserID   uint32
	BufferID uint16
	Type     WorkType
}

// Encode packs the id into its wire form.
func (w WorkID) Encode() uint64 {
	return uint64(w.UserID)<<32 | uint64(w.BufferID)<<16 | uint64(w.Type)
}

func (w WorkID) String() string {
	return fmt.Sprintf("%s(user=%d buffer=%d)", w.Type, w.UserID, w.BufferID)
}

// DecodeWorkID unpacks a work request id. Unrecognized type values decode as
// WorkUnknown with the other fields preserved.
func DecodeWorkID(v uint64) WorkID {
	t := WorkType(v & 0xFFFF)
	if t > WorkWrite {
		t = WorkUnknown
	}
	return WorkID{
		UserID:   uint32(v >> 32),
		BufferID: uint16(v >> 16),
		Type:     t,
	}
}
