package rpc

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmarpc/internal/rdma"
)

// DefaultBatchCount is the number of messages after which a batch is sent
// without waiting for the end of the poll round.
const DefaultBatchCount = 32

// BatchStats counts what a connection has put on the wire.
type BatchStats struct {
	Messages uint64
	Batches  uint64
}

// batcher packs outgoing messages into send buffers. It is only used on the
// socket's completion context goroutine.
type batcher struct {
	sock     *rdma.Socket
	maxCount int

	buf    *rdma.Buffer
	w      BatchWriter
	queued bool
	sendID uint32
	stats  BatchStats

	// fail is called when a batch cannot be posted.
	fail func(error)
}

func newBatcher(sock *rdma.Socket, maxCount int, fail func(error)) *batcher {
	if maxCount <= 0 {
		maxCount = DefaultBatchCount
	}
	return &batcher{sock: sock, maxCount: maxCount, fail: fail}
}

// enqueue adds a message to the current batch. The batch is sent when it
// reaches maxCount messages, when the next message would overflow it, or
// once the tasks already queued on the completion context have run.
func (b *batcher) enqueue(id uint64, typ uint32, payload []byte) error {
	limit := b.sock.Device().SendBuffers().BufferSize()
	if FrameSize(len(payload)) > limit {
		return fmt.Errorf("%w: %d byte payload, %d byte buffers", ErrMessageTooLarge, len(payload), limit)
	}
	if b.buf != nil && !b.w.Fits(len(payload)) {
		b.flush()
	}
	if b.buf == nil {
		buf, err := b.sock.AcquireSendBuffer(limit)
		if err != nil {
			return err
		}
		b.buf = buf
		b.w.Reset(buf.Data)
	}
	if err := b.w.Append(id, typ, payload); err != nil {
		return err
	}
	b.stats.Messages++
	if b.w.Count() >= b.maxCount {
		b.flush()
		return nil
	}
	if !b.queued {
		if err := b.sock.CompletionContext().Post(b.flushIdle); err != nil {
			b.flush()
			return nil
		}
		b.queued = true
	}
	return nil
}

func (b *batcher) flushIdle() {
	b.queued = false
	b.flush()
}

// flush posts the current batch.
func (b *batcher) flush() {
	if b.buf == nil {
		return
	}
	buf, n := b.buf, b.w.Len()
	b.buf = nil
	b.w.Reset(nil)
	b.sendID++
	if err := b.sock.Send(buf, n, b.sendID); err != nil {
		_ = b.sock.ReleaseSendBuffer(buf)
		if !errors.Is(err, rdma.ErrNotConnected) {
			log.Error().Err(err).Uint32("qpn", b.sock.QPN()).Msg("Failed to post message batch")
		}
		b.fail(err)
		return
	}
	b.stats.Batches++
	log.Trace().Uint32("qpn", b.sock.QPN()).Int("bytes", n).Msg("Posted message batch")
}

// discard drops the batch being built.
func (b *batcher) discard() {
	if b.buf == nil {
		return
	}
	_ = b.sock.ReleaseSendBuffer(b.buf)
	b.buf = nil
	b.w.Reset(nil)
}
