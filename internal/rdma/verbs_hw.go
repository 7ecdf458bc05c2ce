//go:build rdma_hw

package rdma

// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <fcntl.h>
// #include <netdb.h>
// #include <arpa/inet.h>
// #include <infiniband/verbs.h>
// #include <rdma/rdma_cma.h>
//
// static int set_nonblock(int fd) {
//     int flags = fcntl(fd, F_GETFL);
//     if (flags < 0) {
//         return -1;
//     }
//     return fcntl(fd, F_SETFL, flags | O_NONBLOCK);
// }
//
// // Helper function to post a send-queue WR without Go pointers
// int post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode,
//               uint64_t addr, uint32_t length, uint32_t lkey, int signaled,
//               uint64_t remote_addr, uint32_t rkey, uint32_t imm) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = opcode;
//     if (signaled) {
//         wr.send_flags = IBV_SEND_SIGNALED;
//     }
//     wr.wr.rdma.remote_addr = remote_addr;
//     wr.wr.rdma.rkey = rkey;
//     wr.imm_data = htonl(imm);
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// // Helper function to post a receive WR to a shared receive queue
// int post_srq_recv(struct ibv_srq *srq, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//
//     return ibv_post_srq_recv(srq, &wr, &bad_wr);
// }
//
// struct ibv_srq *create_srq(struct ibv_pd *pd, uint32_t max_wr, uint32_t max_sge) {
//     struct ibv_srq_init_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.attr.max_wr = max_wr;
//     attr.attr.max_sge = max_sge;
//     return ibv_create_srq(pd, &attr);
// }
//
// int create_rc_qp(struct rdma_cm_id *id, struct ibv_pd *pd, struct ibv_cq *cq, struct ibv_srq *srq,
//                  uint32_t max_send_wr, uint32_t max_send_sge) {
//     struct ibv_qp_init_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.send_cq = cq;
//     attr.recv_cq = cq;
//     attr.srq = srq;
//     attr.qp_type = IBV_QPT_RC;
//     attr.cap.max_send_wr = max_send_wr;
//     attr.cap.max_send_sge = max_send_sge;
//     attr.sq_sig_all = 0;
//     return rdma_create_qp(id, pd, &attr);
// }
//
// uint32_t id_qp_num(struct rdma_cm_id *id) {
//     return id->qp ? id->qp->qp_num : 0;
// }
//
// int resolve_endpoint(struct rdma_cm_id *id, const char *host, const char *port, int timeout_ms, int passive) {
//     struct addrinfo hints;
//     struct addrinfo *res = NULL;
//     int ret;
//
//     memset(&hints, 0, sizeof(hints));
//     hints.ai_family = AF_UNSPEC;
//     hints.ai_socktype = SOCK_STREAM;
//     if (passive) {
//         hints.ai_flags = AI_PASSIVE;
//     }
//     if (getaddrinfo(host, port, &hints, &res) != 0 || res == NULL) {
//         errno = EHOSTUNREACH;
//         return -1;
//     }
//     if (passive) {
//         ret = rdma_bind_addr(id, res->ai_addr);
//     } else {
//         ret = rdma_resolve_addr(id, NULL, res->ai_addr, timeout_ms);
//     }
//     freeaddrinfo(res);
//     return ret;
// }
//
// int connect_id(struct rdma_cm_id *id, const void *data, uint8_t len, int accept) {
//     struct rdma_conn_param param;
//     memset(&param, 0, sizeof(param));
//     param.private_data = data;
//     param.private_data_len = len;
//     param.responder_resources = 1;
//     param.initiator_depth = 1;
//     param.retry_count = 7;
//     param.rnr_retry_count = 7;
//     if (accept) {
//         return rdma_accept(id, &param);
//     }
//     return rdma_connect(id, &param);
// }
//
// const void *event_private_data(struct rdma_cm_event *ev) {
//     return ev->param.conn.private_data;
// }
//
// uint8_t event_private_data_len(struct rdma_cm_event *ev) {
//     return ev->param.conn.private_data_len;
// }
//
// uint32_t wc_imm_data(struct ibv_wc *wc) {
//     return ntohl(wc->imm_data);
// }
import "C"
import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
)

func init() {
	RegisterBackend("verbs", func() Backend { return NewVerbsBackend() })
}

const maxPrivateData = 56

// VerbsBackend drives real RDMA hardware through libibverbs and librdmacm.
type VerbsBackend struct {
	mu      sync.Mutex
	devices **C.struct_ibv_context
	ndev    int
	objects map[uintptr]unsafe.Pointer
	cqs     map[CQHandle]*hwCQ
}

type hwCQ struct {
	cq      *C.struct_ibv_cq
	channel *C.struct_ibv_comp_channel
	wc      *C.struct_ibv_wc
	size    int
}

// NewVerbsBackend returns a backend over libibverbs and librdmacm. Init
// must be called before use.
func NewVerbsBackend() *VerbsBackend {
	return &VerbsBackend{
		objects: make(map[uintptr]unsafe.Pointer),
		cqs:     make(map[CQHandle]*hwCQ),
	}
}

func (b *VerbsBackend) Name() string { return "verbs" }

// Init loads the device list.
func (b *VerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n C.int
	list, err := C.rdma_get_devices(&n)
	if list == nil {
		return fmt.Errorf("rdma_get_devices: %w", err)
	}
	if n == 0 {
		C.rdma_free_devices(list)
		return ErrDeviceNotFound
	}
	b.devices = list
	b.ndev = int(n)
	return nil
}

// Close frees the device list. Opened devices are not closed.
func (b *VerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.devices != nil {
		C.rdma_free_devices(b.devices)
		b.devices = nil
	}
	return nil
}

func (b *VerbsBackend) contexts() []*C.struct_ibv_context {
	return unsafe.Slice(b.devices, b.ndev)
}

func (b *VerbsBackend) put(p unsafe.Pointer) uintptr {
	h := uintptr(p)
	b.mu.Lock()
	b.objects[h] = p
	b.mu.Unlock()
	return h
}

func (b *VerbsBackend) get(h uintptr) (unsafe.Pointer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.objects[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return p, nil
}

func (b *VerbsBackend) drop(h uintptr) {
	b.mu.Lock()
	delete(b.objects, h)
	b.mu.Unlock()
}

func (b *VerbsBackend) cmID(h CMID) (*C.struct_rdma_cm_id, error) {
	p, err := b.get(uintptr(h))
	if err != nil {
		return nil, err
	}
	return (*C.struct_rdma_cm_id)(p), nil
}

func (b *VerbsBackend) GetDeviceList() ([]DeviceInfo, error) {
	if b.devices == nil {
		return nil, fmt.Errorf("verbs backend not initialized")
	}
	var out []DeviceInfo
	for _, ctx := range b.contexts() {
		info := DeviceInfo{
			Name: C.GoString(C.ibv_get_device_name(ctx.device)),
			GUID: uint64(C.ibv_get_device_guid(ctx.device)),
		}
		var attr C.struct_ibv_device_attr
		if C.ibv_query_device(ctx, &attr) == 0 {
			info.VendorID = uint32(attr.vendor_id)
			info.PhysPortCnt = int(attr.phys_port_cnt)
			info.FWVersion = C.GoString(&attr.fw_ver[0])
		}
		out = append(out, info)
	}
	return out, nil
}

func (b *VerbsBackend) OpenDevice(name string) (ContextHandle, error) {
	for _, ctx := range b.contexts() {
		if C.GoString(C.ibv_get_device_name(ctx.device)) == name {
			log.Debug().Str("device", name).Msg("Using verbs context from rdma_cm")
			return ContextHandle(b.put(unsafe.Pointer(ctx))), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

// CloseDevice forgets the handle. Contexts obtained from rdma_get_devices are
// released by Close.
func (b *VerbsBackend) CloseDevice(h ContextHandle) error {
	if _, err := b.get(uintptr(h)); err != nil {
		return err
	}
	b.drop(uintptr(h))
	return nil
}

func (b *VerbsBackend) AllocPD(h ContextHandle) (PDHandle, error) {
	p, err := b.get(uintptr(h))
	if err != nil {
		return 0, err
	}
	pd, errno := C.ibv_alloc_pd((*C.struct_ibv_context)(p))
	if pd == nil {
		return 0, fmt.Errorf("ibv_alloc_pd: %w", errno)
	}
	return PDHandle(b.put(unsafe.Pointer(pd))), nil
}

func (b *VerbsBackend) DeallocPD(h PDHandle) error {
	p, err := b.get(uintptr(h))
	if err != nil {
		return err
	}
	if ret := C.ibv_dealloc_pd((*C.struct_ibv_pd)(p)); ret != 0 {
		return fmt.Errorf("ibv_dealloc_pd: %w", syscall.Errno(ret))
	}
	b.drop(uintptr(h))
	return nil
}

func (b *VerbsBackend) RegMR(h PDHandle, buf []byte, access AccessFlag) (MRInfo, error) {
	p, err := b.get(uintptr(h))
	if err != nil {
		return MRInfo{}, err
	}
	var flags C.int
	if access&AccessLocalWrite != 0 {
		flags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if access&AccessRemoteWrite != 0 {
		flags |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if access&AccessRemoteRead != 0 {
		flags |= C.IBV_ACCESS_REMOTE_READ
	}
	if access&AccessRemoteAtomic != 0 {
		flags |= C.IBV_ACCESS_REMOTE_ATOMIC
	}
	// buf lives outside the Go heap or is never moved by the collector.
	mr, errno := C.ibv_reg_mr((*C.struct_ibv_pd)(p), unsafe.Pointer(&buf[0]), C.size_t(len(buf)), flags)
	if mr == nil {
		return MRInfo{}, fmt.Errorf("ibv_reg_mr: %w", errno)
	}
	return MRInfo{
		Handle: MRHandle(b.put(unsafe.Pointer(mr))),
		Addr:   uint64(uintptr(mr.addr)),
		Length: len(buf),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, nil
}

func (b *VerbsBackend) DeregMR(h MRHandle) error {
	p, err := b.get(uintptr(h))
	if err != nil {
		return err
	}
	if ret := C.ibv_dereg_mr((*C.struct_ibv_mr)(p)); ret != 0 {
		return fmt.Errorf("ibv_dereg_mr: %w", syscall.Errno(ret))
	}
	b.drop(uintptr(h))
	return nil
}

// CreateCQ creates a CQ with its own nonblocking completion channel.
func (b *VerbsBackend) CreateCQ(h ContextHandle, depth int) (CQHandle, error) {
	p, err := b.get(uintptr(h))
	if err != nil {
		return 0, err
	}
	ctx := (*C.struct_ibv_context)(p)
	channel, errno := C.ibv_create_comp_channel(ctx)
	if channel == nil {
		return 0, fmt.Errorf("ibv_create_comp_channel: %w", errno)
	}
	if ret, errno := C.set_nonblock(channel.fd); ret != 0 {
		C.ibv_destroy_comp_channel(channel)
		return 0, fmt.Errorf("set completion channel nonblocking: %w", errno)
	}
	cq, errno := C.ibv_create_cq(ctx, C.int(depth), nil, channel, 0)
	if cq == nil {
		C.ibv_destroy_comp_channel(channel)
		return 0, fmt.Errorf("ibv_create_cq: %w", errno)
	}
	const batch = 64
	wc := (*C.struct_ibv_wc)(C.calloc(batch, C.size_t(unsafe.Sizeof(C.struct_ibv_wc{}))))
	handle := CQHandle(b.put(unsafe.Pointer(cq)))
	b.mu.Lock()
	b.cqs[handle] = &hwCQ{cq: cq, channel: channel, wc: wc, size: batch}
	b.mu.Unlock()
	return handle, nil
}

func (b *VerbsBackend) cq(h CQHandle) (*hwCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cq, ok := b.cqs[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return cq, nil
}

// DestroyCQ destroys the CQ and then its completion channel. It fails with
// EBUSY while a queue pair still uses the CQ.
func (b *VerbsBackend) DestroyCQ(h CQHandle) error {
	cq, err := b.cq(h)
	if err != nil {
		return err
	}
	if ret := C.ibv_destroy_cq(cq.cq); ret != 0 {
		return fmt.Errorf("ibv_destroy_cq: %w", syscall.Errno(ret))
	}
	if ret := C.ibv_destroy_comp_channel(cq.channel); ret != 0 {
		return fmt.Errorf("ibv_destroy_comp_channel: %w", syscall.Errno(ret))
	}
	C.free(unsafe.Pointer(cq.wc))
	b.mu.Lock()
	delete(b.cqs, h)
	b.mu.Unlock()
	b.drop(uintptr(h))
	return nil
}

// PollCQ polls at most the CQ's work completion scratch size at a time.
func (b *VerbsBackend) PollCQ(h CQHandle, out []WorkCompletion) (int, error) {
	cq, err := b.cq(h)
	if err != nil {
		return -1, err
	}
	n := len(out)
	if n > cq.size {
		n = cq.size
	}
	ret := int(C.ibv_poll_cq(cq.cq, C.int(n), cq.wc))
	if ret < 0 {
		return ret, fmt.Errorf("ibv_poll_cq returned %d", ret)
	}
	wcs := unsafe.Slice(cq.wc, ret)
	for i := range wcs {
		wc := &wcs[i]
		out[i] = WorkCompletion{
			WRID:      uint64(wc.wr_id),
			Status:    WCStatus(wc.status),
			Opcode:    wcOpcodeFromC(wc.opcode),
			VendorErr: uint32(wc.vendor_err),
			ByteLen:   uint32(wc.byte_len),
			QPN:       uint32(wc.qp_num),
		}
		if wc.wc_flags&C.IBV_WC_WITH_IMM != 0 {
			out[i].HasImm = true
			out[i].ImmData = uint32(C.wc_imm_data(wc))
		}
	}
	return ret, nil
}

func wcOpcodeFromC(op C.enum_ibv_wc_opcode) WCOpcode {
	switch op {
	case C.IBV_WC_RDMA_WRITE:
		return WCOpRDMAWrite
	case C.IBV_WC_RDMA_READ:
		return WCOpRDMARead
	case C.IBV_WC_RECV:
		return WCOpRecv
	case C.IBV_WC_RECV_RDMA_WITH_IMM:
		return WCOpRecvRDMAWithImm
	default:
		return WCOpSend
	}
}

// CQWakeFD returns the completion channel descriptor.
func (b *VerbsBackend) CQWakeFD(h CQHandle) int {
	cq, err := b.cq(h)
	if err != nil {
		return -1
	}
	return int(cq.channel.fd)
}

func (b *VerbsBackend) ReqNotifyCQ(h CQHandle) error {
	cq, err := b.cq(h)
	if err != nil {
		return err
	}
	if ret := C.ibv_req_notify_cq(cq.cq, 0); ret != 0 {
		return fmt.Errorf("ibv_req_notify_cq: %w", syscall.Errno(ret))
	}
	return nil
}

// AckCQEvents consumes every pending event on the nonblocking completion
// channel.
func (b *VerbsBackend) AckCQEvents(h CQHandle) error {
	cq, err := b.cq(h)
	if err != nil {
		return err
	}
	var n C.uint
	for {
		var evCQ *C.struct_ibv_cq
		var evCtx unsafe.Pointer
		if C.ibv_get_cq_event(cq.channel, &evCQ, &evCtx) != 0 {
			break
		}
		n++
	}
	if n > 0 {
		C.ibv_ack_cq_events(cq.cq, n)
	}
	return nil
}

func (b *VerbsBackend) CreateSRQ(h PDHandle, maxWR, maxSGE int) (SRQHandle, error) {
	p, err := b.get(uintptr(h))
	if err != nil {
		return 0, err
	}
	srq, errno := C.create_srq((*C.struct_ibv_pd)(p), C.uint32_t(maxWR), C.uint32_t(maxSGE))
	if srq == nil {
		return 0, fmt.Errorf("ibv_create_srq: %w", errno)
	}
	return SRQHandle(b.put(unsafe.Pointer(srq))), nil
}

func (b *VerbsBackend) DestroySRQ(h SRQHandle) error {
	p, err := b.get(uintptr(h))
	if err != nil {
		return err
	}
	if ret := C.ibv_destroy_srq((*C.struct_ibv_srq)(p)); ret != 0 {
		return fmt.Errorf("ibv_destroy_srq: %w", syscall.Errno(ret))
	}
	b.drop(uintptr(h))
	return nil
}

func (b *VerbsBackend) PostSRQRecv(h SRQHandle, wr *RecvWR) error {
	if len(wr.SGList) != 1 {
		return fmt.Errorf("post srq recv: exactly one SGE supported, got %d", len(wr.SGList))
	}
	p, err := b.get(uintptr(h))
	if err != nil {
		return err
	}
	sge := wr.SGList[0]
	if ret := C.post_srq_recv((*C.struct_ibv_srq)(p), C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey)); ret != 0 {
		return fmt.Errorf("ibv_post_srq_recv: %w", syscall.Errno(ret))
	}
	return nil
}

func (b *VerbsBackend) CreateEventChannel() (ChannelHandle, error) {
	ch, errno := C.rdma_create_event_channel()
	if ch == nil {
		return 0, fmt.Errorf("rdma_create_event_channel: %w", errno)
	}
	if ret, errno := C.set_nonblock(ch.fd); ret != 0 {
		C.rdma_destroy_event_channel(ch)
		return 0, fmt.Errorf("set event channel nonblocking: %w", errno)
	}
	return ChannelHandle(b.put(unsafe.Pointer(ch))), nil
}

func (b *VerbsBackend) DestroyEventChannel(h ChannelHandle) error {
	p, err := b.get(uintptr(h))
	if err != nil {
		return err
	}
	C.rdma_destroy_event_channel((*C.struct_rdma_event_channel)(p))
	b.drop(uintptr(h))
	return nil
}

func (b *VerbsBackend) EventChannelFD(h ChannelHandle) int {
	p, err := b.get(uintptr(h))
	if err != nil {
		return -1
	}
	return int((*C.struct_rdma_event_channel)(p).fd)
}

// GetCMEvent returns false when the channel has no event ready. The event
// is copied and acknowledged before returning.
func (b *VerbsBackend) GetCMEvent(h ChannelHandle) (CMEvent, bool, error) {
	p, err := b.get(uintptr(h))
	if err != nil {
		return CMEvent{}, false, err
	}
	var ev *C.struct_rdma_cm_event
	if ret, errno := C.rdma_get_cm_event((*C.struct_rdma_event_channel)(p), &ev); ret != 0 {
		if errors.Is(errno, syscall.EAGAIN) {
			return CMEvent{}, false, nil
		}
		return CMEvent{}, false, fmt.Errorf("rdma_get_cm_event: %w", errno)
	}
	out := CMEvent{
		Type:   CMEventType(ev.event),
		ID:     CMID(uintptr(unsafe.Pointer(ev.id))),
		Status: int(ev.status),
	}
	if ev.listen_id != nil {
		out.ListenID = CMID(uintptr(unsafe.Pointer(ev.listen_id)))
	}
	if n := C.event_private_data_len(ev); n > 0 && C.event_private_data(ev) != nil {
		out.PrivateData = C.GoBytes(C.event_private_data(ev), C.int(n))
	}
	if out.Type == CMEventConnectRequest {
		b.put(unsafe.Pointer(ev.id))
	}
	C.rdma_ack_cm_event(ev)
	return out, true, nil
}

func (b *VerbsBackend) CreateID(h ChannelHandle) (CMID, error) {
	p, err := b.get(uintptr(h))
	if err != nil {
		return 0, err
	}
	var id *C.struct_rdma_cm_id
	if ret, errno := C.rdma_create_id((*C.struct_rdma_event_channel)(p), &id, nil, C.RDMA_PS_TCP); ret != 0 {
		return 0, fmt.Errorf("rdma_create_id: %w", errno)
	}
	return CMID(b.put(unsafe.Pointer(id))), nil
}

func (b *VerbsBackend) DestroyID(h CMID) error {
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	if ret, errno := C.rdma_destroy_id(id); ret != 0 {
		return fmt.Errorf("rdma_destroy_id: %w", errno)
	}
	b.drop(uintptr(h))
	return nil
}

func (b *VerbsBackend) endpoint(h CMID, endpoint string, timeout time.Duration, passive bool) error {
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	chost := C.CString(host)
	defer C.free(unsafe.Pointer(chost))
	cport := C.CString(port)
	defer C.free(unsafe.Pointer(cport))
	var p C.int
	if passive {
		p = 1
	}
	if ret, errno := C.resolve_endpoint(id, chost, cport, C.int(timeout/time.Millisecond), p); ret != 0 {
		return fmt.Errorf("resolve %s: %w", endpoint, errno)
	}
	return nil
}

func (b *VerbsBackend) BindAddr(h CMID, endpoint string) error {
	return b.endpoint(h, endpoint, 0, true)
}

func (b *VerbsBackend) Listen(h CMID, backlog int) error {
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	if ret, errno := C.rdma_listen(id, C.int(backlog)); ret != 0 {
		if errors.Is(errno, syscall.EADDRINUSE) {
			return ErrAddressInUse
		}
		return fmt.Errorf("rdma_listen: %w", errno)
	}
	return nil
}

func (b *VerbsBackend) ResolveAddr(h CMID, endpoint string, timeout time.Duration) error {
	return b.endpoint(h, endpoint, timeout, false)
}

func (b *VerbsBackend) ResolveRoute(h CMID, timeout time.Duration) error {
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	if ret, errno := C.rdma_resolve_route(id, C.int(timeout/time.Millisecond)); ret != 0 {
		return fmt.Errorf("rdma_resolve_route: %w", errno)
	}
	return nil
}

func (b *VerbsBackend) CreateQP(h CMID, pdh PDHandle, cqh CQHandle, srqh SRQHandle, cap QPCap) (uint32, error) {
	id, err := b.cmID(h)
	if err != nil {
		return 0, err
	}
	pd, err := b.get(uintptr(pdh))
	if err != nil {
		return 0, err
	}
	cq, err := b.cq(cqh)
	if err != nil {
		return 0, err
	}
	srq, err := b.get(uintptr(srqh))
	if err != nil {
		return 0, err
	}
	if ret, errno := C.create_rc_qp(id, (*C.struct_ibv_pd)(pd), cq.cq, (*C.struct_ibv_srq)(srq), C.uint32_t(cap.MaxSendWR), C.uint32_t(cap.MaxSendSGE)); ret != 0 {
		return 0, fmt.Errorf("rdma_create_qp: %w", errno)
	}
	qpn := uint32(C.id_qp_num(id))
	log.Debug().Uint32("qpn", qpn).Msg("RC queue pair created")
	return qpn, nil
}

func (b *VerbsBackend) DestroyQP(h CMID) error {
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	C.rdma_destroy_qp(id)
	return nil
}

func (b *VerbsBackend) exchange(h CMID, privateData []byte, accept bool) error {
	if len(privateData) > maxPrivateData {
		return fmt.Errorf("private data of %d bytes exceeds %d", len(privateData), maxPrivateData)
	}
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	var data unsafe.Pointer
	if len(privateData) > 0 {
		data = C.CBytes(privateData)
		defer C.free(data)
	}
	var a C.int
	if accept {
		a = 1
	}
	if ret, errno := C.connect_id(id, data, C.uint8_t(len(privateData)), a); ret != 0 {
		return fmt.Errorf("rdma connect/accept: %w", errno)
	}
	return nil
}

func (b *VerbsBackend) Connect(h CMID, privateData []byte) error {
	return b.exchange(h, privateData, false)
}

func (b *VerbsBackend) Accept(h CMID, privateData []byte) error {
	return b.exchange(h, privateData, true)
}

func (b *VerbsBackend) Reject(h CMID, privateData []byte) error {
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	var data unsafe.Pointer
	if len(privateData) > 0 {
		data = C.CBytes(privateData)
		defer C.free(data)
	}
	if ret, errno := C.rdma_reject(id, data, C.uint8_t(len(privateData))); ret != 0 {
		return fmt.Errorf("rdma_reject: %w", errno)
	}
	return nil
}

func (b *VerbsBackend) Disconnect(h CMID) error {
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	if ret, errno := C.rdma_disconnect(id); ret != 0 {
		return fmt.Errorf("rdma_disconnect: %w", errno)
	}
	return nil
}

// PostSend supports exactly one scatter/gather entry per request.
func (b *VerbsBackend) PostSend(h CMID, wr *SendWR) error {
	if len(wr.SGList) != 1 {
		return fmt.Errorf("post send: exactly one SGE supported, got %d", len(wr.SGList))
	}
	id, err := b.cmID(h)
	if err != nil {
		return err
	}
	var op C.int
	switch wr.Opcode {
	case OpSend:
		op = C.IBV_WR_SEND
	case OpRDMAWrite:
		op = C.IBV_WR_RDMA_WRITE
	case OpRDMAWriteWithImm:
		op = C.IBV_WR_RDMA_WRITE_WITH_IMM
	case OpRDMARead:
		op = C.IBV_WR_RDMA_READ
	default:
		return fmt.Errorf("post send: unsupported opcode %d", wr.Opcode)
	}
	var signaled C.int
	if wr.Signaled {
		signaled = 1
	}
	sge := wr.SGList[0]
	if ret := C.post_send(id.qp, C.uint64_t(wr.WRID), op,
		C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey), signaled,
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey), C.uint32_t(wr.ImmData)); ret != 0 {
		return fmt.Errorf("ibv_post_send: %w", syscall.Errno(ret))
	}
	return nil
}
