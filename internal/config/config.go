package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuuki/rdmarpc/internal/rdma"
)

// EnvPrefix prefixes environment overrides, e.g. RDMARPC_BUFFER_SIZE.
const EnvPrefix = "RDMARPC"

// Config holds the settings shared by the server and client binaries.
type Config struct {
	NodeID      string
	LogLevel    string
	Backend     string
	Device      string
	ListenAddr  string
	ConnectAddr string

	MetricsAddr          string
	OTLPEndpoint         string
	MetricExportInterval time.Duration

	Limits     rdma.Limits
	FiberCache int
	BatchCount int
}

// SetupFlags registers the command line flags understood by Load.
func SetupFlags(flagSet *pflag.FlagSet) {
	l := rdma.DefaultLimits()

	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "rdmarpc.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")

	flagSet.String("node-id", "", "Node identifier (random UUID when empty)")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.String("backend", "sim", "Verbs backend (sim, verbs)")
	flagSet.String("device", "", "RDMA device name (first device when empty)")
	flagSet.String("listen-addr", "0.0.0.0:7471", "Endpoint the server listens on")
	flagSet.String("connect-addr", "127.0.0.1:7471", "Endpoint the client connects to")
	flagSet.String("metrics-addr", "", "Address serving Prometheus metrics (disabled when empty)")
	flagSet.String("otlp-endpoint", "", "OTLP metrics collector URL, http(s):// or grpc:// (disabled when empty)")
	flagSet.Duration("metric-export-interval", 10*time.Second, "Interval between OTLP metric exports")

	flagSet.Int("recv-buffers", l.RecvBuffers, "Number of receive buffers")
	flagSet.Int("send-buffers", l.SendBuffers, "Number of send buffers")
	flagSet.Int("buffer-size", l.BufferSize, "Size of each send and receive buffer in bytes")
	flagSet.Int("send-queue-depth", l.SendQueueDepth, "Send queue depth per connection")
	flagSet.Int("max-sge", l.MaxSGE, "Maximum scatter-gather elements per work request")
	flagSet.Int("cq-depth", l.CQDepth, "Completion queue depth")
	flagSet.Int("idle-cycles", l.IdleCycles, "Empty poll cycles before a processor sleeps")
	flagSet.Int("poll-batch", l.PollBatch, "Completion queue polls per cycle")
	flagSet.Int("completion-contexts", l.CompletionContexts, "Number of completion contexts")
	flagSet.Duration("resolve-timeout", l.ResolveTimeout, "Address and route resolution timeout")
	flagSet.Int("fiber-cache", 64, "Idle fibers cached per completion context")
	flagSet.Int("batch-count", 32, "Messages per RPC batch before it is sent")
}

// Load merges flags, environment variables and the optional config file.
// Flags set on the command line win over the environment, which wins over
// the file.
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		NodeID:               v.GetString("node-id"),
		LogLevel:             v.GetString("log-level"),
		Backend:              v.GetString("backend"),
		Device:               v.GetString("device"),
		ListenAddr:           v.GetString("listen-addr"),
		ConnectAddr:          v.GetString("connect-addr"),
		MetricsAddr:          v.GetString("metrics-addr"),
		OTLPEndpoint:         v.GetString("otlp-endpoint"),
		MetricExportInterval: v.GetDuration("metric-export-interval"),
		Limits: rdma.Limits{
			RecvBuffers:        v.GetInt("recv-buffers"),
			SendBuffers:        v.GetInt("send-buffers"),
			BufferSize:         v.GetInt("buffer-size"),
			SendQueueDepth:     v.GetInt("send-queue-depth"),
			MaxSGE:             v.GetInt("max-sge"),
			CQDepth:            v.GetInt("cq-depth"),
			IdleCycles:         v.GetInt("idle-cycles"),
			PollBatch:          v.GetInt("poll-batch"),
			CompletionContexts: v.GetInt("completion-contexts"),
			ResolveTimeout:     v.GetDuration("resolve-timeout"),
		},
		FiberCache: v.GetInt("fiber-cache"),
		BatchCount: v.GetInt("batch-count"),
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the runtime cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend == "" {
		errs = append(errs, errors.New("backend must be set"))
	}
	if c.Limits.RecvBuffers <= 0 || c.Limits.RecvBuffers > rdma.MaxBuffersPerPool {
		errs = append(errs, fmt.Errorf("recv-buffers must be in [1, %d]", rdma.MaxBuffersPerPool))
	}
	if c.Limits.SendBuffers <= 0 || c.Limits.SendBuffers > rdma.MaxBuffersPerPool {
		errs = append(errs, fmt.Errorf("send-buffers must be in [1, %d]", rdma.MaxBuffersPerPool))
	}
	if c.Limits.BufferSize <= 0 {
		errs = append(errs, errors.New("buffer-size must be positive"))
	}
	if c.Limits.CompletionContexts <= 0 {
		errs = append(errs, errors.New("completion-contexts must be positive"))
	}
	if c.FiberCache < 0 {
		errs = append(errs, errors.New("fiber-cache must not be negative"))
	}
	if c.BatchCount <= 0 {
		errs = append(errs, errors.New("batch-count must be positive"))
	}
	if c.OTLPEndpoint != "" && c.MetricExportInterval <= 0 {
		errs = append(errs, errors.New("metric-export-interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WriteDefaultConfig writes a configuration file holding every default.
func WriteDefaultConfig(path string) error {
	l := rdma.DefaultLimits()
	configContent := fmt.Sprintf(`# rdmarpc configuration
node-id: "" # Leave empty for a random UUID
log-level: "info" # trace, debug, info, warn, error
backend: "sim" # sim, verbs
device: "" # Leave empty for the first device
listen-addr: "0.0.0.0:7471"
connect-addr: "127.0.0.1:7471"
metrics-addr: "" # e.g. ":9090"
otlp-endpoint: "" # e.g. "grpc://localhost:4317" or "http://localhost:4318"
metric-export-interval: "10s"

recv-buffers: %d
send-buffers: %d
buffer-size: %d
send-queue-depth: %d
max-sge: %d
cq-depth: %d
idle-cycles: %d
poll-batch: %d
completion-contexts: %d
resolve-timeout: "%s"
fiber-cache: 64
batch-count: 32
`, l.RecvBuffers, l.SendBuffers, l.BufferSize, l.SendQueueDepth, l.MaxSGE, l.CQDepth,
		l.IdleCycles, l.PollBatch, l.CompletionContexts, l.ResolveTimeout)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
