// Package node owns the process-wide runtime: the verbs backend, the device
// context, fiber pools and the metrics exporters.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rdmarpc/internal/config"
	"github.com/yuuki/rdmarpc/internal/fiber"
	"github.com/yuuki/rdmarpc/internal/rdma"
	"github.com/yuuki/rdmarpc/internal/telemetry"
)

// Node is the root object of a server or client process.
type Node struct {
	cfg     *config.Config
	service string

	backend  rdma.Backend
	dev      *rdma.DeviceContext
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider
	metrics  *http.Server
	metricsL net.Listener

	mu    sync.Mutex
	pools map[*rdma.CompletionContext]*fiber.Pool

	closeOnce sync.Once
	closeErr  error
}

// New opens the configured device and starts its processors. service names
// the process in exported metrics.
func New(ctx context.Context, cfg *config.Config, service string) (*Node, error) {
	initLogging(cfg.LogLevel)

	n := &Node{
		cfg:      cfg,
		service:  service,
		registry: prometheus.NewRegistry(),
		pools:    make(map[*rdma.CompletionContext]*fiber.Pool),
	}
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hooks := []rdma.MetricHook{}
	prom, err := telemetry.NewPrometheusHook(telemetry.PrometheusOptions{
		Registerer:  n.registry,
		ConstLabels: prometheus.Labels{"node": cfg.NodeID, "service": service},
	})
	if err != nil {
		return nil, fmt.Errorf("register prometheus metrics: %w", err)
	}
	hooks = append(hooks, prom)

	if cfg.OTLPEndpoint != "" {
		provider, err := telemetry.NewMeterProvider(ctx, service, cfg.NodeID, cfg.OTLPEndpoint, cfg.MetricExportInterval)
		if err != nil {
			log.Warn().Err(err).Str("collector_addr", cfg.OTLPEndpoint).Msg("Failed to initialize OpenTelemetry metrics, continuing without them")
		} else {
			hook, err := telemetry.NewOTelHook(provider.Meter(telemetry.MeterName))
			if err != nil {
				_ = provider.Shutdown(ctx)
				return nil, err
			}
			n.provider = provider
			hooks = append(hooks, hook)
			log.Info().Str("collector_addr", cfg.OTLPEndpoint).Msg("OpenTelemetry metrics initialized")
		}
	}

	backend, err := rdma.NewBackend(cfg.Backend)
	if err != nil {
		n.shutdownMetrics()
		return nil, err
	}
	if err := backend.Init(); err != nil {
		n.shutdownMetrics()
		return nil, fmt.Errorf("initialize %s backend: %w", cfg.Backend, err)
	}
	n.backend = backend

	dev, err := rdma.OpenDevice(backend, cfg.Device, cfg.Limits, rdma.WithMetricHook(telemetry.Multi(hooks...)))
	if err != nil {
		_ = backend.Close()
		n.shutdownMetrics()
		return nil, err
	}
	n.dev = dev
	dev.Start()

	log.Info().
		Str("node_id", cfg.NodeID).
		Str("service", service).
		Str("backend", backend.Name()).
		Str("device", dev.Name()).
		Msg("Node started")
	return n, nil
}

// Config returns the configuration the node was started with.
func (n *Node) Config() *config.Config { return n.cfg }

// Device returns the opened RDMA device.
func (n *Node) Device() *rdma.DeviceContext { return n.dev }

// Registry holds the node's Prometheus collectors.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// MeterProvider is nil unless OpenTelemetry export is enabled.
func (n *Node) MeterProvider() *sdkmetric.MeterProvider { return n.provider }

// Pool returns the fiber pool of cc, creating it on first use.
func (n *Node) Pool(cc *rdma.CompletionContext) *fiber.Pool {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pools[cc]
	if !ok {
		p = fiber.NewPool(cc, n.cfg.FiberCache)
		n.pools[cc] = p
	}
	return p
}

// RunContext serves metrics and runs main until it returns or ctx is
// cancelled, then closes the node.
func (n *Node) RunContext(ctx context.Context, main func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	if n.cfg.MetricsAddr != "" {
		l, err := net.Listen("tcp", n.cfg.MetricsAddr)
		if err != nil {
			_ = n.Close()
			return fmt.Errorf("listen for metrics on %s: %w", n.cfg.MetricsAddr, err)
		}
		n.metricsL = l
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
		n.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		log.Info().Str("addr", l.Addr().String()).Msg("Serving Prometheus metrics")

		g.Go(func() error {
			if err := n.metrics.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return n.metrics.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := main(gctx)
		if err == nil {
			// main finished; release the metrics goroutines.
			err = errDone
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, errDone) {
		err = nil
	}
	return errors.Join(err, n.Close())
}

var errDone = errors.New("done")

// MetricsAddr returns the bound metrics address once RunContext serves it.
func (n *Node) MetricsAddr() string {
	if n.metricsL == nil {
		return ""
	}
	return n.metricsL.Addr().String()
}

// Run is RunContext with a context cancelled by SIGINT or SIGTERM. A second
// signal exits immediately.
func (n *Node) Run(main func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
		cancel()
		if _, ok := <-sigCh; ok {
			log.Warn().Msg("Received second signal, forcing immediate exit...")
			os.Exit(1)
		}
	}()

	return n.RunContext(ctx, main)
}

// Close releases fiber pools, the device, the backend and the exporters.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		n.mu.Lock()
		pools := n.pools
		n.pools = make(map[*rdma.CompletionContext]*fiber.Pool)
		n.mu.Unlock()
		for _, p := range pools {
			if err := p.Close(); err != nil {
				log.Warn().Err(err).Msg("Fiber pool closed with suspended fibers")
			}
		}
		if n.dev != nil {
			errs = append(errs, n.dev.Close())
		}
		if n.backend != nil {
			errs = append(errs, n.backend.Close())
		}
		n.shutdownMetrics()
		n.closeErr = errors.Join(errs...)
		log.Info().Str("service", n.service).Msg("Node stopped")
	})
	return n.closeErr
}

func (n *Node) shutdownMetrics() {
	if n.provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := n.provider.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown metrics properly")
	}
	n.provider = nil
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
