package bench

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rdmarpc/internal/fiber"
	"github.com/yuuki/rdmarpc/internal/rdma"
	"github.com/yuuki/rdmarpc/internal/rpc"
)

// Call modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Runtime provides the device and per-context fiber pools a load run uses.
type Runtime interface {
	Device() *rdma.DeviceContext
	Pool(cc *rdma.CompletionContext) *fiber.Pool
}

// LoadConfig describes one load run.
type LoadConfig struct {
	Endpoint    string
	Connections int
	PayloadSize int
	Type        uint32
	Mode        string

	// Requests is the total across all connections.
	Requests int

	// Rate caps requests per second across all connections. Zero means
	// unlimited.
	Rate int

	// Window caps outstanding requests per connection.
	Window int

	Options    rpc.Options
	Registerer prometheus.Registerer
}

func (c *LoadConfig) validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint must be set"))
	}
	if c.Connections <= 0 {
		errs = append(errs, errors.New("connections must be positive"))
	}
	if c.Requests < 0 {
		errs = append(errs, errors.New("requests must not be negative"))
	}
	if c.Rate < 0 {
		errs = append(errs, errors.New("rate must not be negative"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	if c.PayloadSize < 0 {
		errs = append(errs, errors.New("payload size must not be negative"))
	}
	if c.Mode != ModeSync && c.Mode != ModeAsync {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeSync, ModeAsync, c.Mode))
	}
	return errors.Join(errs...)
}

// Report summarizes a load run.
type Report struct {
	Requests int
	Errors   int
	Elapsed  time.Duration
	Min      time.Duration
	Mean     time.Duration
	P50      time.Duration
	P99      time.Duration
	Max      time.Duration
	Batches  uint64
	Messages uint64
}

// Throughput is the completed request rate.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

// connStats is only touched on the connection's completion context.
type connStats struct {
	latencies []time.Duration
	errors    int
	firstErr  error
	batches   rpc.BatchStats
}

// RunLoad opens cfg.Connections clients to cfg.Endpoint and issues
// cfg.Requests calls, stopping early when ctx is cancelled.
func RunLoad(ctx context.Context, rt Runtime, cfg LoadConfig) (Report, error) {
	if err := cfg.validate(); err != nil {
		return Report{}, err
	}
	if cfg.Type == 0 {
		cfg.Type = TypeEcho
	}

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "rdmarpc",
		Subsystem:   "client",
		Name:        "call_duration_seconds",
		Help:        "Round trip time of client calls",
		Buckets:     prometheus.ExponentialBuckets(1e-6, 2, 24),
		ConstLabels: prometheus.Labels{"mode": cfg.Mode},
	})
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(latency); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return Report{}, err
			}
			latency = are.ExistingCollector.(prometheus.Histogram)
		}
	}

	var limiter ratelimit.Limiter
	if cfg.Rate > 0 {
		limiter = ratelimit.New(cfg.Rate)
	} else {
		limiter = ratelimit.NewUnlimited()
	}

	stats := make([]*connStats, cfg.Connections)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Connections; i++ {
		share := cfg.Requests / cfg.Connections
		if i < cfg.Requests%cfg.Connections {
			share++
		}
		st := &connStats{latencies: make([]time.Duration, 0, share)}
		stats[i] = st
		lc := &loadConn{rt: rt, cfg: &cfg, limiter: limiter, latency: latency, stats: st, index: i}
		g.Go(func() error { return lc.run(gctx, share) })
	}
	err := g.Wait()
	elapsed := time.Since(start)

	return summarize(stats, elapsed), err
}

func summarize(stats []*connStats, elapsed time.Duration) Report {
	rep := Report{Elapsed: elapsed}
	var all []time.Duration
	for _, st := range stats {
		all = append(all, st.latencies...)
		rep.Errors += st.errors
		rep.Batches += st.batches.Batches
		rep.Messages += st.batches.Messages
	}
	rep.Requests = len(all)
	if len(all) == 0 {
		return rep
	}
	slices.Sort(all)
	var sum time.Duration
	for _, d := range all {
		sum += d
	}
	rep.Min = all[0]
	rep.Max = all[len(all)-1]
	rep.Mean = sum / time.Duration(len(all))
	rep.P50 = percentile(all, 0.50)
	rep.P99 = percentile(all, 0.99)
	return rep
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

type loadConn struct {
	rt      Runtime
	cfg     *LoadConfig
	limiter ratelimit.Limiter
	latency prometheus.Histogram
	stats   *connStats
	index   int

	client *rpc.Client
	pool   *fiber.Pool
}

func (lc *loadConn) run(ctx context.Context, requests int) error {
	lc.client = rpc.NewClient(lc.rt.Device(), nil, lc.cfg.Options)
	lc.pool = lc.rt.Pool(lc.client.CompletionContext())
	defer func() {
		if err := lc.client.Close(); err != nil {
			log.Debug().Err(err).Int("conn", lc.index).Msg("Close client")
		}
	}()

	if err := lc.connect(ctx); err != nil {
		return fmt.Errorf("connection %d: %w", lc.index, err)
	}

	payload := make([]byte, lc.cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	window := make(chan struct{}, lc.cfg.Window)
	var wg sync.WaitGroup
	var issueErr error
	for i := 0; i < requests; i++ {
		if ctx.Err() != nil {
			break
		}
		lc.limiter.Take()
		select {
		case window <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		done := func(start time.Time, err error) {
			lc.record(start, err)
			<-window
			wg.Done()
		}
		if err := lc.client.Post(func() { lc.issue(payload, done) }); err != nil {
			wg.Done()
			issueErr = err
			break
		}
	}
	wg.Wait()

	statsDone := make(chan struct{})
	if err := lc.client.Post(func() {
		lc.stats.batches = lc.client.Stats()
		close(statsDone)
	}); err == nil {
		<-statsDone
	}

	if issueErr != nil {
		return issueErr
	}
	return lc.stats.firstErr
}

func (lc *loadConn) connect(ctx context.Context) error {
	done := make(chan error, 1)
	err := lc.client.Post(func() {
		err := lc.pool.Go(func(f *fiber.Fiber) {
			_, err := lc.client.Connect(f, lc.cfg.Endpoint, nil)
			done <- err
		})
		if err != nil {
			done <- err
		}
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// issue runs on the client's completion context.
func (lc *loadConn) issue(payload []byte, done func(time.Time, error)) {
	start := time.Now()
	if lc.cfg.Mode == ModeAsync {
		err := lc.client.CallAsync(lc.cfg.Type, payload, func(_ rpc.Response, err error) {
			done(start, err)
		})
		if err != nil {
			done(start, err)
		}
		return
	}
	err := lc.pool.Go(func(f *fiber.Fiber) {
		_, err := lc.client.Call(f, lc.cfg.Type, payload)
		done(start, err)
	})
	if err != nil {
		done(start, err)
	}
}

// record runs on the client's completion context.
func (lc *loadConn) record(start time.Time, err error) {
	if err != nil {
		lc.stats.errors++
		if lc.stats.firstErr == nil {
			lc.stats.firstErr = err
		}
		return
	}
	d := time.Since(start)
	lc.stats.latencies = append(lc.stats.latencies, d)
	lc.latency.Observe(d.Seconds())
}
