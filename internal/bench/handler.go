// Package bench holds the request handlers served by rdmarpc-server and the
// load generator driven by rdmarpc-client.
package bench

import (
	"github.com/yuuki/rdmarpc/internal/fiber"
	"github.com/yuuki/rdmarpc/internal/rpc"
)

// Request types understood by Handler.
const (
	TypeEcho    uint32 = 1 // replies with the request payload
	TypeDiscard uint32 = 2 // replies with an empty payload
	TypeYield   uint32 = 3 // yields payload[0] times, then echoes
)

// ErrorCodeUnknownType is returned for request types Handler does not serve.
const ErrorCodeUnknownType uint64 = 2

// Handler serves the bench request types.
func Handler(f *fiber.Fiber, req rpc.Request) (uint32, []byte, error) {
	switch req.Type {
	case TypeEcho:
		return req.Type, req.Payload, nil
	case TypeDiscard:
		return req.Type, nil, nil
	case TypeYield:
		if len(req.Payload) > 0 {
			for i := 0; i < int(req.Payload[0]); i++ {
				if err := f.Yield(); err != nil {
					return 0, nil, err
				}
			}
		}
		return req.Type, req.Payload, nil
	default:
		return 0, nil, &rpc.RemoteError{Code: ErrorCodeUnknownType}
	}
}
