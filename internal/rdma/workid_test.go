package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkIDRoundTrip(t *testing.T) {
	cases := []WorkID{
		{UserID: 0, BufferID: 0, Type: WorkReceive},
		{UserID: 42, BufferID: 7, Type: WorkSend},
		{UserID: 0xFFFFFFFF, BufferID: 0xFFFE, Type: WorkRead},
		{UserID: 1, BufferID: InvalidBufferID, Type: WorkWrite},
	}
	for _, want := range cases {
		got := DecodeWorkID(want.Encode())
		assert.Equal(t, want, got)
	}
}

func TestWorkIDLayout(t *testing.T) {
	v := WorkID{UserID: 0x01020304, BufferID: 0x0506, Type: WorkSend}.Encode()
	assert.Equal(t, uint64(0x0102030405060002), v)
}

func TestWorkIDUnknownType(t *testing.T) {
	wid := DecodeWorkID(uint64(9)<<32 | uint64(3)<<16 | 0x77)
	assert.Equal(t, WorkUnknown, wid.Type)
	assert.Equal(t, uint32(9), wid.UserID)
	assert.Equal(t, uint16(3), wid.BufferID)

	assert.Equal(t, WorkUnknown, DecodeWorkID(0).Type)
	assert.Equal(t, "unknown", WorkUnknown.String())
}
