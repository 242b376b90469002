package txfanout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/oarkflow/txfanout/logs"
	"github.com/oarkflow/txfanout/metrics"
	"github.com/oarkflow/txfanout/pool"
	"github.com/oarkflow/txfanout/storage"
	"github.com/oarkflow/txfanout/txn"
)

type TransactionConfig struct {
	Name        string `yaml:"name"`
	Propagation string `yaml:"propagation"`
	Isolation   string `yaml:"isolation"`
	ReadOnly    bool   `yaml:"read_only"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type Config struct {
	PoolSize          int                   `yaml:"pool_size"`
	QueueSize         int                   `yaml:"queue_size"`
	Transaction       TransactionConfig     `yaml:"transaction"`
	CaptureStackTrace bool                  `yaml:"capture_stack_trace"`
	JournalDir        string                `yaml:"journal_dir"`
	Log               logs.Config           `yaml:"log"`
	Metrics           MetricsConfig         `yaml:"metrics"`
	Tracing           metrics.TracingConfig `yaml:"tracing"`
}

func DefaultConfig() Config {
	return Config{
		PoolSize:  4,
		QueueSize: 16,
		Transaction: TransactionConfig{
			Propagation: "REQUIRED",
			Isolation:   "DEFAULT",
		},
		Log:     logs.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Metrics: MetricsConfig{Namespace: "txfanout"},
	}
}

// LoadConfig reads a YAML file over the defaults and then applies the
// FANOUT_* environment variables. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("FANOUT_POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FANOUT_POOL_SIZE: %w", err)
		}
		c.PoolSize = n
	}
	if v, ok := os.LookupEnv("FANOUT_ISOLATION_LEVEL"); ok {
		c.Transaction.Isolation = v
	}
	if v, ok := os.LookupEnv("FANOUT_PROPAGATION"); ok {
		c.Transaction.Propagation = v
	}
	if v, ok := os.LookupEnv("FANOUT_READ_ONLY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FANOUT_READ_ONLY: %w", err)
		}
		c.Transaction.ReadOnly = b
	}
	if v, ok := os.LookupEnv("FANOUT_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("FANOUT_JOURNAL_DIR"); ok {
		c.JournalDir = v
	}
	return nil
}

func (c Config) Definition() (txn.Definition, error) {
	prop, err := txn.ParsePropagation(c.Transaction.Propagation)
	if err != nil {
		return txn.Definition{}, err
	}
	iso, err := txn.ParseIsolation(c.Transaction.Isolation)
	if err != nil {
		return txn.Definition{}, err
	}
	return txn.Definition{
		Name:        c.Transaction.Name,
		Propagation: prop,
		Isolation:   iso,
		ReadOnly:    c.Transaction.ReadOnly,
	}, nil
}

func (c Config) Validate() error {
	var err error
	if c.PoolSize < 1 {
		err = multierr.Append(err, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.QueueSize < 0 {
		err = multierr.Append(err, fmt.Errorf("queue_size cannot be negative, got %d", c.QueueSize))
	}
	def, derr := c.Definition()
	if derr == nil {
		derr = validateWorkerDefinition(def)
	}
	if derr != nil {
		err = multierr.Append(err, derr)
	}
	return err
}

// Runtime is a coordinator together with the pool and the telemetry
// Config.Build wired for it.
type Runtime struct {
	Coordinator *Coordinator
	Pool        *pool.Pool
	Logger      *zap.Logger
	Journal     storage.Journal
	Metrics     metrics.Collector
	shutdown    metrics.ShutdownFunc
}

// Close stops the pool and flushes the tracer.
func (r *Runtime) Close(ctx context.Context) error {
	return multierr.Combine(r.Pool.Close(), r.shutdown(ctx))
}

// Build wires a Runtime from c. reg receives the metric series when metrics
// are enabled, and exporter receives spans when tracing is enabled; either
// may be nil. opts are applied after the configured options.
func (c Config) Build(manager txn.Manager, reg prometheus.Registerer, exporter sdktrace.SpanExporter, opts ...Option) (*Runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, errors.New("transaction manager cannot be nil")
	}
	def, _ := c.Definition()
	logger, err := logs.New(c.Log)
	if err != nil {
		return nil, err
	}
	var collector metrics.Collector = metrics.NoopCollector{}
	if c.Metrics.Enabled {
		pc, err := metrics.NewPrometheusCollector(c.Metrics.Namespace, reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		collector = pc
	}
	var journal storage.Journal
	if c.JournalDir != "" {
		fj, err := storage.NewFileJournal(c.JournalDir, clock.WallClock)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		journal = fj
	}
	tracer, shutdown, err := metrics.NewTracer(c.Tracing, exporter)
	if err != nil {
		return nil, err
	}
	coord, err := New(manager, append([]Option{
		WithDefinition(def),
		WithLogger(logger),
		WithMetrics(collector),
		WithTracer(tracer),
		WithJournal(journal),
		WithAuditLogger(logs.NewAuditLogger(logger)),
		WithStackTraces(c.CaptureStackTrace),
	}, opts...)...)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}
	p := pool.New(c.PoolSize,
		pool.WithQueueSize(c.QueueSize),
		pool.WithLogger(logger),
		pool.WithName("fanout"),
		pool.WithLeakHandler(func(slot string, keys []any) {
			collector.IncScopeLeak()
		}),
	)
	return &Runtime{
		Coordinator: coord,
		Pool:        p,
		Logger:      logger,
		Journal:     journal,
		Metrics:     collector,
		shutdown:    shutdown,
	}, nil
}

// Builder assembles a Coordinator step by step.
type Builder struct {
	manager txn.Manager
	opts    []Option
}

func NewBuilder(manager txn.Manager) *Builder {
	return &Builder{manager: manager}
}

func (b *Builder) SetDefinition(def txn.Definition) *Builder {
	b.opts = append(b.opts, WithDefinition(def))
	return b
}

func (b *Builder) SetLogger(l *zap.Logger) *Builder {
	b.opts = append(b.opts, WithLogger(l))
	return b
}

func (b *Builder) SetMetrics(m metrics.Collector) *Builder {
	b.opts = append(b.opts, WithMetrics(m))
	return b
}

func (b *Builder) SetTracer(t trace.Tracer) *Builder {
	b.opts = append(b.opts, WithTracer(t))
	return b
}

func (b *Builder) SetJournal(j storage.Journal) *Builder {
	b.opts = append(b.opts, WithJournal(j))
	return b
}

func (b *Builder) SetAuditLogger(a logs.AuditLogger) *Builder {
	b.opts = append(b.opts, WithAuditLogger(a))
	return b
}

func (b *Builder) SetHooks(h *Hooks) *Builder {
	b.opts = append(b.opts, WithHooks(h))
	return b
}

func (b *Builder) SetClock(clk clock.Clock) *Builder {
	b.opts = append(b.opts, WithClock(clk))
	return b
}

func (b *Builder) SetCaptureStackTrace(enabled bool) *Builder {
	b.opts = append(b.opts, WithStackTraces(enabled))
	return b
}

func (b *Builder) Build() (*Coordinator, error) {
	return New(b.manager, b.opts...)
}
