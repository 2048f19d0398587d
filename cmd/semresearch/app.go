package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semresearch/auth"
	"github.com/c360studio/semresearch/backend"
	"github.com/c360studio/semresearch/config"
	"github.com/c360studio/semresearch/events"
	"github.com/c360studio/semresearch/metrics"
	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/source/fetch"
	"github.com/c360studio/semresearch/source/weburl"
	"github.com/c360studio/semresearch/workflow/engine"
	"github.com/c360studio/semresearch/workflow/steps"
)

// App is the main application that wires together all components.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	logFile *os.File

	store  *auth.Store
	client *backend.Client

	// Engine is nil until Start.
	engine *engine.Engine[research.State]

	registry *prometheus.Registry
	natsConn *nats.Conn

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewApp creates a new application instance. Logs go to cfg.Log.File when
// set, otherwise to logOut. storeOpts configure the token store, for example
// to follow logins made by another process.
func NewApp(cfg *config.Config, logOut io.Writer, storeOpts ...auth.Option) (*App, error) {
	app := &App{cfg: cfg}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		app.logFile = f
		logOut = f
	}
	app.logger = newLogger(cfg.Log.Level, logOut)

	app.store = auth.NewStore(cfg.Auth.TokenFile,
		append([]auth.Option{auth.WithLogger(app.logger)}, storeOpts...)...)
	if err := app.store.Load(); err != nil {
		app.close()
		return nil, fmt.Errorf("load token: %w", err)
	}

	retry := backend.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Backend.RetryAttempts
	client, err := backend.NewClient(cfg.Backend.URL,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithRetryConfig(retry),
		backend.WithTokenSource(app.store),
		backend.WithSessionExpired(func() {
			app.logger.Warn("Session expired", "token_file", app.store.Path())
		}),
		backend.WithLogger(app.logger),
	)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("create backend client: %w", err)
	}
	app.client = client
	return app, nil
}

// newLogger builds a text logger at the named level.
func newLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Start connects optional services and builds the research engine. extra
// listeners receive engine events after metrics and event publishing.
func (a *App) Start(ctx context.Context, extra ...engine.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.group, ctx = errgroup.WithContext(ctx)

	var engineOpts []engine.Option
	engineOpts = append(engineOpts, engine.WithLogger(a.logger))

	a.registry = prometheus.NewRegistry()
	collector, err := metrics.NewCollector(a.registry)
	if err != nil {
		return fmt.Errorf("create metrics collector: %w", err)
	}
	engineOpts = append(engineOpts, engine.WithListener(collector))
	if addr := a.cfg.Metrics.Addr; addr != "" {
		a.group.Go(func() error {
			return metrics.Serve(ctx, addr, a.registry, a.logger)
		})
	}

	if url := a.cfg.Events.NATSURL; url != "" {
		conn, err := events.Connect(url, a.logger)
		if err != nil {
			return err
		}
		a.natsConn = conn
		var pubOpts []events.Option
		pubOpts = append(pubOpts, events.WithLogger(a.logger))
		if a.cfg.Events.Fragments {
			pubOpts = append(pubOpts, events.WithFragments())
		}
		engineOpts = append(engineOpts,
			engine.WithListener(events.NewPublisher(conn, a.cfg.Events.SubjectPrefix, pubOpts...)))
		a.logger.Info("Publishing workflow events", "url", url, "prefix", a.cfg.Events.SubjectPrefix)
	}

	for _, l := range extra {
		engineOpts = append(engineOpts, engine.WithListener(l))
	}

	if a.cfg.Auth.Watch {
		if err := a.store.Watch(ctx); err != nil {
			// Login from another terminal just won't be picked up live.
			a.logger.Warn("Token watch disabled", "error", err)
		}
	}

	opts, err := a.stepOptions()
	if err != nil {
		return err
	}
	eng, err := steps.New(a.client, opts, engineOpts...)
	if err != nil {
		return fmt.Errorf("create workflow engine: %w", err)
	}
	a.engine = eng

	a.logger.Debug("Application started",
		"backend", a.cfg.Backend.URL,
		"fetch_mode", a.cfg.Sources.FetchMode,
		"logged_in", a.store.Token() != "")
	return nil
}

func (a *App) stepOptions() (steps.Options, error) {
	policy, err := engine.ParseEmptyStreamPolicy(a.cfg.Workflow.EmptyStream)
	if err != nil {
		return steps.Options{}, err
	}
	filter, err := weburl.NewFilter(a.cfg.Sources.Exclude)
	if err != nil {
		return steps.Options{}, fmt.Errorf("source exclusions: %w", err)
	}

	opts := steps.Options{
		EmptyStream: policy,
		AutoSelect:  a.cfg.Workflow.AutoSelect,
		Exclude:     filter,
	}
	if a.cfg.Sources.FetchMode == config.FetchModeLocal {
		src := a.cfg.Sources
		opts.Fetcher = fetch.New(fetch.Config{
			Timeout:        src.Timeout,
			UserAgent:      src.UserAgent,
			MaxContentSize: src.MaxContentSize,
			AllowHTTP:      src.AllowHTTP,
			Concurrency:    src.Concurrency,
		}, fetch.WithLogger(a.logger))
	}
	return opts, nil
}

// Shutdown stops background services and releases resources.
func (a *App) Shutdown() error {
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.group != nil {
		err = a.group.Wait()
	}
	if a.natsConn != nil {
		if derr := a.natsConn.Drain(); derr != nil {
			a.logger.Warn("NATS drain failed", "error", derr)
		}
	}
	a.close()
	return err
}

func (a *App) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}
