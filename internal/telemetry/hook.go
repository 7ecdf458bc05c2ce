// Package telemetry exports runtime events of the RDMA layer as Prometheus
// and OpenTelemetry metrics.
package telemetry

import (
	"strconv"

	"github.com/yuuki/rdmarpc/internal/rdma"
)

// Multi fans every event out to hooks.
func Multi(hooks ...rdma.MetricHook) rdma.MetricHook {
	return multiHook(hooks)
}

type multiHook []rdma.MetricHook

func (m multiHook) CompletionsPolled(cc, n int) {
	for _, h := range m {
		h.CompletionsPolled(cc, n)
	}
}

func (m multiHook) CompletionFailed(work rdma.WorkType, status rdma.WCStatus) {
	for _, h := range m {
		h.CompletionFailed(work, status)
	}
}

func (m multiHook) OrphanCompletion(work rdma.WorkType) {
	for _, h := range m {
		h.OrphanCompletion(work)
	}
}

func (m multiHook) BufferExhausted(pool string) {
	for _, h := range m {
		h.BufferExhausted(pool)
	}
}

func (m multiHook) ConnectionStateChanged(state rdma.State) {
	for _, h := range m {
		h.ConnectionStateChanged(state)
	}
}

func (m multiHook) SocketFreed() {
	for _, h := range m {
		h.SocketFreed()
	}
}

func ccLabel(cc int) string { return strconv.Itoa(cc) }
