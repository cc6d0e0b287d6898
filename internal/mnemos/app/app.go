// Package app assembles a mnemos process from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/mnemos/common/crypto"
	"github.com/bdobrica/mnemos/common/retry"
	"github.com/bdobrica/mnemos/internal/mnemos/backup"
	"github.com/bdobrica/mnemos/internal/mnemos/config"
	"github.com/bdobrica/mnemos/internal/mnemos/embed"
	"github.com/bdobrica/mnemos/internal/mnemos/jobs"
	"github.com/bdobrica/mnemos/internal/mnemos/maintenance"
	"github.com/bdobrica/mnemos/internal/mnemos/memory"
	"github.com/bdobrica/mnemos/internal/mnemos/metrics"
	"github.com/bdobrica/mnemos/internal/mnemos/store"
)

// Job names, also used as the "job" metric label.
const (
	JobBackup      = "backup"
	JobMaintenance = "maintenance"
)

// App holds every long-lived component of one mnemos process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store       *store.Store
	Manager     *memory.Manager
	Maintenance *maintenance.Service
	Backup      *backup.Service
	Metrics     *metrics.Metrics

	registry *prometheus.Registry
	runner   *jobs.Runner
	health   *HealthServer
}

// New opens the database and builds every service. The caller must Close
// the App.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	embedder, err := newEmbedder(cfg.Embedding, logger)
	if err != nil {
		return nil, err
	}
	codec, err := newCodec(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, err
	}

	mgr, err := memory.NewManager(memory.Config{
		RetentionPeriod:     cfg.Memory.Retention(),
		ContextDepth:        cfg.Memory.ContextDepth,
		ConfidenceThreshold: cfg.Memory.ConfidenceThreshold,
		CacheCapacity:       cfg.Memory.CacheCapacity,
	}, memory.Deps{
		Store:    st,
		Embedder: embedder,
		Codec:    codec,
		Logger:   logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		Store:    st,
		Manager:  mgr,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.registry, mgr)

	a.Maintenance = maintenance.New(st, maintenance.Config{
		ImportanceFloor: cfg.Maintenance.ImportanceFloor,
		BatchSize:       cfg.Maintenance.BatchSize,
		VacuumStep:      cfg.Maintenance.VacuumStep,
	},
		maintenance.WithLogger(logger),
		maintenance.WithOnPruned(func(ids []string) {
			mgr.Forget(ids...)
			a.Metrics.AddPruned(len(ids))
		}),
	)

	a.Backup = backup.New(st, backup.Config{
		Dir:      cfg.Backup.Dir,
		Keep:     cfg.Backup.Keep,
		Compress: cfg.Backup.Compress,
	},
		backup.WithLogger(logger),
		backup.WithOnRestored(mgr.ClearCache),
	)

	a.runner = jobs.NewRunner(
		jobs.WithFallbackDelay(cfg.Jobs.Fallback()),
		jobs.WithOnResult(func(res jobs.Result) {
			a.Metrics.ObserveJob(res.Job, res.Started, res.Duration, res.Err)
		}),
	)
	if err := a.registerJobs(); err != nil {
		st.Close()
		return nil, err
	}

	if cfg.HTTP.Addr != "" {
		a.health = NewHealthServer(cfg.HTTP.Addr, mgr, a.registry)
	}
	return a, nil
}

func (a *App) registerJobs() error {
	if spec := a.cfg.Backup.Schedule; spec != "" {
		if err := a.runner.Add(JobBackup, spec, a.runBackup); err != nil {
			return err
		}
	}
	if spec := a.cfg.Maintenance.Schedule; spec != "" {
		if err := a.runner.Add(JobMaintenance, spec, a.runMaintenance); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) runBackup(ctx context.Context) error {
	res, err := a.Backup.Cycle(ctx)
	a.Metrics.AddRotated(len(res.Removed))
	return err
}

func (a *App) runMaintenance(ctx context.Context) error {
	_, err := a.Maintenance.Run(ctx, a.cfg.Maintenance.RetentionDays)
	return err
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Jobs returns the names of the scheduled jobs.
func (a *App) Jobs() []string { return a.runner.Jobs() }

// Registry returns the Prometheus registry backing /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Health returns the HTTP server, or nil when http.addr is empty.
func (a *App) Health() *HealthServer { return a.health }

// Run starts the scheduler and the HTTP server and blocks until ctx is
// cancelled or either of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runner.Run(ctx) })
	if a.health != nil {
		g.Go(func() error { return a.health.Serve(ctx) })
	}
	a.logger.Info("mnemos is running",
		"db", a.Store.Path(),
		"jobs", a.runner.Jobs(),
		"http", a.cfg.HTTP.Addr,
	)
	err := g.Wait()
	a.logger.Info("shutting down")
	return err
}

// Close releases the database.
func (a *App) Close() error {
	return a.Store.Close()
}

func newEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger) (memory.Embedder, error) {
	var inner memory.Embedder
	switch cfg.Provider {
	case "hash":
		return embed.NewHash(cfg.Dims), nil
	case "openai":
		key := cfg.APIKey()
		if key == "" {
			return nil, fmt.Errorf("embedding: openai provider needs an API key in $%s", cfg.APIKeyEnv)
		}
		inner = embed.NewOpenAI(embed.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.RequestTimeout(),
		})
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}

	if cfg.RetryAttempts <= 1 {
		return inner, nil
	}
	policy := retry.DefaultPolicy
	policy.Attempts = cfg.RetryAttempts
	policy.Logger = logger
	return &embed.Retrying{Inner: inner, Policy: policy}, nil
}

// newCodec seals content when the master key variable is set.
func newCodec(cfg config.EncryptionConfig) (memory.Codec, error) {
	key, err := crypto.MasterKeyFromEnv(cfg.MasterKeyEnv)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	if key == nil {
		return memory.JSONCodec{}, nil
	}
	return memory.SealedCodec{Inner: memory.JSONCodec{}, Key: key}, nil
}

// OpTimeout bounds one-shot CLI operations.
const OpTimeout = 10 * time.Minute

// IsShutdown reports whether err only signals a cancelled context.
func IsShutdown(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
