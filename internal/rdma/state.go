package rdma

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Socket.
type State int32

const (
	StateOpen State = iota
	StateListening
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDraining
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateListening:
		return "LISTENING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDraining:
		return "DRAINING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrConnectFailed matches every ConnectError.
var ErrConnectFailed = errors.New("connection attempt failed")

// ConnectError reports a connection manager event that ended a connection
// attempt.
type ConnectError struct {
	Event  CMEventType
	Status int
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect failed: %v", e.Err)
	}
	return fmt.Sprintf("connect failed: %s (status %d)", e.Event, e.Status)
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

func (e *ConnectError) Unwrap() error { return e.Err }
