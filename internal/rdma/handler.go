package rdma

// Handler receives the events of one connection. Every method is invoked on
// the goroutine of the socket's completion context, never concurrently.
type Handler interface {
	// OnConnected fires exactly once per connection attempt. err is nil when
	// the connection was established; privateData is what the peer supplied
	// with its accept or reject.
	OnConnected(privateData []byte, err error)
	// OnReceive hands over a receive buffer for the duration of the call.
	// The buffer is reposted once the call returns.
	OnReceive(buf *Buffer, length int, err error)
	// OnSend reports completion of a signaled send. The send buffer has
	// already been returned to the pool.
	OnSend(userID uint32, err error)
	OnRead(userID uint32, bufferID uint16, err error)
	OnWrite(userID uint32, bufferID uint16, err error)
	OnImmediate(value uint32)
	// OnDisconnect fires when teardown begins, locally or remotely initiated.
	OnDisconnect()
	// OnDisconnected fires after every pending completion has been
	// delivered. No further callbacks follow.
	OnDisconnected()
}

// ConnectRequestHandler is implemented by handlers of listening sockets.
// OnConnectRequest runs on the device's connection manager goroutine; the
// request socket must be accepted, rejected or closed.
type ConnectRequestHandler interface {
	OnConnectRequest(req *Socket, privateData []byte)
}

// BaseHandler implements Handler with no-ops for embedding.
type BaseHandler struct{}

func (BaseHandler) OnConnected([]byte, error)     {}
func (BaseHandler) OnReceive(*Buffer, int, error) {}
func (BaseHandler) OnSend(uint32, error)          {}
func (BaseHandler) OnRead(uint32, uint16, error)  {}
func (BaseHandler) OnWrite(uint32, uint16, error) {}
func (BaseHandler) OnImmediate(uint32)            {}
func (BaseHandler) OnDisconnect()                 {}
func (BaseHandler) OnDisconnected()               {}
