package rdma

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Opaque handles returned by a Backend. Their values are only meaningful to
// the backend that produced them.
type (
	ContextHandle uintptr
	PDHandle      uintptr
	CQHandle      uintptr
	SRQHandle     uintptr
	MRHandle      uintptr
	ChannelHandle uintptr
	CMID          uintptr
)

// AccessFlag mirrors enum ibv_access_flags.
type AccessFlag int

const (
	AccessLocalWrite AccessFlag = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
)

// WCStatus mirrors enum ibv_wc_status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocalRDDViolErr
	WCRemoteInvalidRDReqErr
	WCRemoteAbortErr
	WCInvalidEECNErr
	WCInvalidEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:               "success",
	WCLocalLenErr:           "local length error",
	WCLocalQPOpErr:          "local QP operation error",
	WCLocalEECOpErr:         "local EE context operation error",
	WCLocalProtErr:          "local protection error",
	WCWRFlushErr:            "work request flushed",
	WCMWBindErr:             "memory window bind error",
	WCBadRespErr:            "bad response",
	WCLocalAccessErr:        "local access error",
	WCRemoteInvalidReqErr:   "remote invalid request",
	WCRemoteAccessErr:       "remote access error",
	WCRemoteOpErr:           "remote operation error",
	WCRetryExcErr:           "transport retry counter exceeded",
	WCRNRRetryExcErr:        "RNR retry counter exceeded",
	WCLocalRDDViolErr:       "local RDD violation",
	WCRemoteInvalidRDReqErr: "remote invalid RD request",
	WCRemoteAbortErr:        "remote aborted",
	WCInvalidEECNErr:        "invalid EE context number",
	WCInvalidEECStateErr:    "invalid EE context state",
	WCFatalErr:              "fatal error",
	WCRespTimeoutErr:        "response timeout",
	WCGeneralErr:            "general error",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// WCOpcode mirrors enum ibv_wc_opcode for the opcodes this package issues.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpRecv
	WCOpRecvRDMAWithImm
)

// WorkCompletion is the backend-neutral form of struct ibv_wc.
type WorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	HasImm    bool
	QPN       uint32
}

// SendOpcode mirrors enum ibv_wr_opcode.
type SendOpcode int

const (
	OpSend SendOpcode = iota
	OpRDMAWrite
	OpRDMAWriteWithImm
	OpRDMARead
)

// SGE is a scatter/gather element.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWR is a send, RDMA read or RDMA write work request.
type SendWR struct {
	WRID       uint64
	Opcode     SendOpcode
	SGList     []SGE
	Signaled   bool
	RemoteAddr uint64
	RKey       uint32
	ImmData    uint32
}

// RecvWR is a receive posted to a shared receive queue.
type RecvWR struct {
	WRID   uint64
	SGList []SGE
}

// QPCap sizes a reliable-connected queue pair.
type QPCap struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
}

// MRInfo describes a registered memory region.
type MRInfo struct {
	Handle MRHandle
	Addr   uint64
	Length int
	LKey   uint32
	RKey   uint32
}

// CMEventType mirrors enum rdma_cm_event_type.
type CMEventType int

const (
	CMEventAddrResolved CMEventType = iota
	CMEventAddrError
	CMEventRouteResolved
	CMEventRouteError
	CMEventConnectRequest
	CMEventConnectResponse
	CMEventConnectError
	CMEventUnreachable
	CMEventRejected
	CMEventEstablished
	CMEventDisconnected
	CMEventDeviceRemoval
	CMEventMulticastJoin
	CMEventMulticastError
	CMEventAddrChange
	CMEventTimewaitExit
)

var cmEventNames = [...]string{
	"ADDR_RESOLVED", "ADDR_ERROR", "ROUTE_RESOLVED", "ROUTE_ERROR",
	"CONNECT_REQUEST", "CONNECT_RESPONSE", "CONNECT_ERROR", "UNREACHABLE",
	"REJECTED", "ESTABLISHED", "DISCONNECTED", "DEVICE_REMOVAL",
	"MULTICAST_JOIN", "MULTICAST_ERROR", "ADDR_CHANGE", "TIMEWAIT_EXIT",
}

func (t CMEventType) String() string {
	if t >= 0 && int(t) < len(cmEventNames) {
		return cmEventNames[t]
	}
	return fmt.Sprintf("CM_EVENT(%d)", int(t))
}

// CMEvent is a copy of struct rdma_cm_event. The backend acknowledges the
// native event before returning it, so PrivateData is owned by the caller.
type CMEvent struct {
	Type        CMEventType
	ID          CMID
	ListenID    CMID
	Status      int
	PrivateData []byte
}

// DeviceInfo describes one RDMA device.
type DeviceInfo struct {
	Name        string
	GUID        uint64
	VendorID    uint32
	PhysPortCnt int
	FWVersion   string
}

// Backend is the verbs and connection-manager surface the runtime is built
// on. Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	Init() error
	Close() error

	GetDeviceList() ([]DeviceInfo, error)
	OpenDevice(name string) (ContextHandle, error)
	CloseDevice(ctx ContextHandle) error

	AllocPD(ctx ContextHandle) (PDHandle, error)
	DeallocPD(pd PDHandle) error
	RegMR(pd PDHandle, buf []byte, access AccessFlag) (MRInfo, error)
	DeregMR(mr MRHandle) error

	CreateCQ(ctx ContextHandle, depth int) (CQHandle, error)
	DestroyCQ(cq CQHandle) error
	PollCQ(cq CQHandle, wc []WorkCompletion) (int, error)
	// CQWakeFD returns a descriptor that becomes readable when an armed CQ
	// receives a completion, or -1 when the backend has none.
	CQWakeFD(cq CQHandle) int
	ReqNotifyCQ(cq CQHandle) error
	AckCQEvents(cq CQHandle) error

	CreateSRQ(pd PDHandle, maxWR, maxSGE int) (SRQHandle, error)
	DestroySRQ(srq SRQHandle) error
	PostSRQRecv(srq SRQHandle, wr *RecvWR) error

	CreateEventChannel() (ChannelHandle, error)
	DestroyEventChannel(ch ChannelHandle) error
	EventChannelFD(ch ChannelHandle) int
	// GetCMEvent never blocks. ok is false when no event is pending.
	GetCMEvent(ch ChannelHandle) (ev CMEvent, ok bool, err error)

	CreateID(ch ChannelHandle) (CMID, error)
	DestroyID(id CMID) error
	BindAddr(id CMID, endpoint string) error
	Listen(id CMID, backlog int) error
	ResolveAddr(id CMID, endpoint string, timeout time.Duration) error
	ResolveRoute(id CMID, timeout time.Duration) error
	CreateQP(id CMID, pd PDHandle, cq CQHandle, srq SRQHandle, cap QPCap) (uint32, error)
	DestroyQP(id CMID) error
	Connect(id CMID, privateData []byte) error
	Accept(id CMID, privateData []byte) error
	Reject(id CMID, privateData []byte) error
	Disconnect(id CMID) error
	PostSend(id CMID, wr *SendWR) error
}

var (
	ErrTransport        = errors.New("rdma transport error")
	ErrBackendNotFound  = errors.New("rdma backend not registered")
	ErrDeviceNotFound   = errors.New("rdma device not found")
	ErrInvalidHandle    = errors.New("invalid rdma handle")
	ErrAddressInUse     = errors.New("address already in use")
	ErrBufferExhausted  = errors.New("buffer pool exhausted")
	ErrBufferTooLarge   = errors.New("requested length exceeds buffer size")
	ErrBufferNotOwned   = errors.New("buffer is not acquired")
	ErrOutOfRange       = errors.New("access outside registered region")
	ErrNotConnected     = errors.New("socket is not connected")
	ErrInvalidState     = errors.New("invalid socket state for operation")
	ErrProcessorStopped = errors.New("event processor stopped")
	ErrDeviceClosed     = errors.New("device context closed")
	ErrResourceBusy     = errors.New("rdma resource still in use")
)

// WCError reports a failed work completion.
type WCError struct {
	Status    WCStatus
	VendorErr uint32
	Work      WorkType
}

func (e *WCError) Error() string {
	return fmt.Sprintf("%s completion failed: %s (vendor error 0x%x)", e.Work, e.Status, e.VendorErr)
}

func (e *WCError) Is(target error) bool { return target == ErrTransport }

func wcError(wc *WorkCompletion, work WorkType) error {
	if wc.Status == WCSuccess {
		return nil
	}
	return &WCError{Status: wc.Status, VendorErr: wc.VendorErr, Work: work}
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]func() Backend)
)

// RegisterBackend makes a backend available by name. It panics when called
// twice with the same name.
func RegisterBackend(name string, factory func() Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("rdma: RegisterBackend called twice for " + name)
	}
	backends[name] = factory
}

// NewBackend instantiates a registered backend.
func NewBackend(name string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrBackendNotFound, name, Backends())
	}
	return factory(), nil
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
