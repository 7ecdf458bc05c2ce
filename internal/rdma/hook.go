package rdma

// MetricHook receives runtime events for export. Calls are made from
// completion and connection-manager goroutines and must not block.
type MetricHook interface {
	CompletionsPolled(cc int, n int)
	CompletionFailed(work WorkType, status WCStatus)
	OrphanCompletion(work WorkType)
	BufferExhausted(pool string)
	ConnectionStateChanged(state State)
	SocketFreed()
}

// NopMetricHook discards every event.
type NopMetricHook struct{}

func (NopMetricHook) CompletionsPolled(int, int)          {}
func (NopMetricHook) CompletionFailed(WorkType, WCStatus) {}
func (NopMetricHook) OrphanCompletion(WorkType)           {}
func (NopMetricHook) BufferExhausted(string)              {}
func (NopMetricHook) ConnectionStateChanged(State)        {}
func (NopMetricHook) SocketFreed()                        {}
