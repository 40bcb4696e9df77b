// Package bootstrap wires all dependencies and starts the engine.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/adapters/clock"
	apihttp "github.com/voyagelab/apimeter/adapters/http"
	"github.com/voyagelab/apimeter/adapters/idgen"
	"github.com/voyagelab/apimeter/adapters/metrics"
	"github.com/voyagelab/apimeter/adapters/sqlite"
	"github.com/voyagelab/apimeter/app"
	"github.com/voyagelab/apimeter/config"
	"github.com/voyagelab/apimeter/domain/cost"
	"github.com/voyagelab/apimeter/domain/govern"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

// App represents the running engine.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	Recorder   *app.Recorder
	Governor   *app.Governor
	Aggregator *app.Aggregator
	Costs      *app.CostCalculator
	Hub        *app.Hub

	holder  *config.Holder
	store   ports.EventStore
	flusher *flusher
}

// Options configures application startup.
type Options struct {
	// ConfigPath is the YAML config file. Empty means built-in
	// defaults plus APIMETER_* environment overrides.
	ConfigPath string

	// Watch enables config hot reload via file watching and SIGHUP.
	Watch bool
}

// New creates and initializes the engine.
func New(opts Options) (*App, error) {
	var (
		cfg    *config.Config
		holder *config.Holder
	)
	if opts.ConfigPath != "" {
		var err error
		holder, err = config.NewHolder(opts.ConfigPath, zerolog.Nop())
		if err != nil {
			return nil, err
		}
		cfg = holder.Get()
	} else {
		cfg = config.Default()
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing apimeter")

	a := &App{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics.New(),
		holder:  holder,
	}

	clk := clock.Real{}
	ids := idgen.UUID{}

	a.Recorder = app.NewRecorder(app.RecorderConfig{
		MaxEvents:   cfg.Retention.MaxEvents,
		MaxAge:      cfg.Retention.MaxAge,
		RecentLimit: cfg.Stream.RecentLimit,
	}, clk, ids, logger, a.Metrics)

	a.Hub = app.NewHub(cfg.Stream.OutboxSize, ids, logger, a.Metrics)

	a.Costs = app.NewCostCalculator(a.Recorder, clk, costConfig(cfg), logger)
	a.Costs.SetBroadcaster(a.Hub)
	if missing := a.Costs.MissingRates(); len(missing) > 0 {
		logger.Warn().Interface("apis", missing).Msg("no cost rate configured for some apis")
	}

	a.Recorder.AddListener(a.Hub.PublishUsage)
	a.Recorder.AddListener(a.Costs.OnUsage)

	a.Governor = app.NewGovernor(app.GovernorDeps{
		Sink:    a.Recorder,
		Clock:   clk,
		Logger:  logger,
		Metrics: a.Metrics,
	}, governorConfig(cfg))

	a.Aggregator = app.NewAggregator(a.Recorder, clk)

	if cfg.Database.DSN != "" {
		if err := a.initPersistence(cfg); err != nil {
			return nil, fmt.Errorf("init persistence: %w", err)
		}
	}

	handler := apihttp.NewHandler(apihttp.Deps{
		Recorder:   a.Recorder,
		Aggregator: a.Aggregator,
		Costs:      a.Costs,
		Hub:        a.Hub,
		Clock:      clk,
		Logger:     logger,
		Metrics:    a.Metrics,
	})
	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if holder != nil {
		holder.OnChange(func(next *config.Config) {
			a.Governor.UpdateConfig(governorConfig(next))
			include := next.Cost.IncludeErrors
			a.Costs.UpdateConfig(cost.Update{
				RatePerCallUSD: costConfig(next).RatePerCallUSD,
				IncludeErrors:  &include,
			})
			logger.Info().Msg("governor limits and cost rates updated from config")
		})
		if opts.Watch {
			if err := holder.WatchFile(); err != nil {
				logger.Warn().Err(err).Msg("config file watch unavailable")
			}
			holder.WatchSignals()
		}
	}

	return a, nil
}

// initPersistence opens the event store, restores the retained window
// and starts the flush loop.
func (a *App) initPersistence(cfg *config.Config) error {
	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return err
	}
	a.DB = db
	a.store = sqlite.NewEventStore(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	since := time.Now().UTC().Add(-cfg.Retention.MaxAge)
	restored, err := a.store.LoadSince(ctx, since, cfg.Retention.MaxEvents)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("failed to restore persisted events, starting empty")
	} else if len(restored) > 0 {
		a.Recorder.Seed(restored)
		a.Logger.Info().Int("events", len(restored)).Msg("restored persisted usage events")
	}

	a.flusher = newFlusher(a.Recorder, a.store, flusherConfig{
		Interval: cfg.Database.FlushInterval,
		MaxAge:   cfg.Retention.MaxAge,
		AfterSeq: uint64(len(restored)),
	}, a.Logger)

	return nil
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the engine.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	a.Hub.Close()

	if a.flusher != nil {
		a.flusher.Stop(ctx)
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// governorConfig maps file configuration to governor limits.
func governorConfig(cfg *config.Config) app.GovernorConfig {
	limits := make(map[usage.Kind]app.KindLimits, len(cfg.APIs))
	for api, ac := range cfg.APIs {
		limits[usage.Kind(api)] = app.KindLimits{
			RatePerSec:    ac.RatePerSec,
			Burst:         ac.Burst,
			MaxConcurrent: ac.MaxConcurrent,
			MaxWait:       ac.MaxWait,
			Cooldown:      ac.Cooldown,
		}
	}
	return app.GovernorConfig{
		Limits: limits,
		Retry: govern.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Base:        cfg.Retry.Base,
			MaxDelay:    cfg.Retry.MaxDelay,
			JitterFrac:  cfg.Retry.JitterFrac,
		},
	}
}

// costConfig maps file configuration to the startup rate table.
func costConfig(cfg *config.Config) cost.Config {
	rates := make(map[usage.Kind]float64, len(cfg.Cost.RatesPerCallUSD))
	for api, rate := range cfg.Cost.RatesPerCallUSD {
		rates[usage.Kind(api)] = rate
	}
	return cost.Config{RatePerCallUSD: rates, IncludeErrors: cfg.Cost.IncludeErrors}
}

func setupLogger(lc config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if lc.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
