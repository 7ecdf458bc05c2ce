package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuuki/rdmarpc/internal/rdma"
)

// PrometheusOptions configures NewPrometheusHook.
type PrometheusOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	ConstLabels prometheus.Labels
}

var _ rdma.MetricHook = (*PrometheusHook)(nil)

// PrometheusHook implements rdma.MetricHook with Prometheus counters.
type PrometheusHook struct {
	completions      *prometheus.CounterVec
	failures         *prometheus.CounterVec
	orphans          *prometheus.CounterVec
	bufferExhausted  *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	socketsFreed     prometheus.Counter
}

const (
	labelCC     = "cc"
	labelWork   = "work"
	labelStatus = "status"
	labelPool   = "pool"
	labelState  = "state"
)

// NewPrometheusHook registers the runtime's collectors with
// opts.Registerer, or the default registerer when it is nil.
func NewPrometheusHook(opts PrometheusOptions) (*PrometheusHook, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if opts.Namespace == "" {
		opts.Namespace = "rdmarpc"
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, labels)
	}

	p := &PrometheusHook{
		completions:      counterVec("completions_total", "Work completions polled from completion queues", labelCC),
		failures:         counterVec("completion_failures_total", "Work completions with an error status", labelWork, labelStatus),
		orphans:          counterVec("orphan_completions_total", "Work completions for queue pairs no longer registered", labelWork),
		bufferExhausted:  counterVec("buffer_exhausted_total", "Buffer acquisitions that found the pool empty", labelPool),
		stateTransitions: counterVec("connection_state_transitions_total", "Connection state transitions by target state", labelState),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{&p.completions, &p.failures, &p.orphans, &p.bufferExhausted, &p.stateTransitions} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}

	freed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "sockets_freed_total",
		Help:        "Sockets whose native resources were released",
		ConstLabels: opts.ConstLabels,
	})
	if err := reg.Register(freed); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(prometheus.Counter)
		if !ok {
			return nil, err
		}
		freed = existing
	}
	p.socketsFreed = freed
	return p, nil
}

// CompletionsPolled implements rdma.MetricHook.
func (p *PrometheusHook) CompletionsPolled(cc, n int) {
	p.completions.WithLabelValues(ccLabel(cc)).Add(float64(n))
}

func (p *PrometheusHook) CompletionFailed(work rdma.WorkType, status rdma.WCStatus) {
	p.failures.WithLabelValues(work.String(), status.String()).Inc()
}

func (p *PrometheusHook) OrphanCompletion(work rdma.WorkType) {
	p.orphans.WithLabelValues(work.String()).Inc()
}

func (p *PrometheusHook) BufferExhausted(pool string) {
	p.bufferExhausted.WithLabelValues(pool).Inc()
}

func (p *PrometheusHook) ConnectionStateChanged(state rdma.State) {
	p.stateTransitions.WithLabelValues(state.String()).Inc()
}

func (p *PrometheusHook) SocketFreed() { p.socketsFreed.Inc() }

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}
