package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/knowton/cdcsync/admin"
	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/consistency"
	"github.com/knowton/cdcsync/health"
	"github.com/knowton/cdcsync/notify"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/source"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the operator HTTP endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(true)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, c)
	},
}

func serve(ctx context.Context, c *cfg.Configuration) error {
	log.Info().Strs("tables", c.TableNames()).Msg("Starting cdcsync")

	watchdog := health.NewWatchdog(time.Duration(c.Health.WatchdogIntervalSeconds) * time.Second)
	a, err := newApp(ctx, c, watchdog)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, t := range a.tables {
		watchdog.Track(string(t))
	}

	engine, err := publisher.NewEngine(publisher.EngineConfig{
		Tables:        a.tables,
		Dispatcher:    a.dispatcher,
		Checkpoints:   a.journal,
		Metrics:       a.metrics,
		Heartbeat:     watchdog,
		QueueCapacity: c.Source.QueueCapacity,
	})
	if err != nil {
		return err
	}

	// NOTIFY wake-ups are optional; polling alone is correct
	hub := notify.NewHub()
	wake, unsubscribe := hub.Subscribe(c.TableNames())
	defer unsubscribe()

	readerCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()

	var listener *source.NotifyListener
	if c.Source.NotifyChannel != "" {
		listener, err = source.NewNotifyListener(c.Source.DSN, c.Source.NotifyChannel, hub)
		if err != nil {
			log.Warn().Err(err).Msg("Change notifications unavailable, polling only")
		} else {
			defer listener.Close()
			go listener.Run(readerCtx)
		}
	}

	reader, err := source.NewReader(source.ReaderConfig{
		ChangeLog:    source.NewPostgresChangeLog(a.primary, c.Source.ChangeTable, cfg.Millis(c.Source.QueryTimeoutMS)),
		Normalizer:   change.NewNormalizer(a.tables, a.metrics),
		Submitter:    engine,
		Tables:       a.tables,
		Resume:       engine.ResumePoints(),
		Wake:         wake,
		PollInterval: c.PollInterval(),
		BatchSize:    c.Source.BatchSize,
		Backoff:      publisher.RetryPolicyFromConfig(c.Retry),
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}

	var validator *consistency.Validator
	var scheduler *consistency.Scheduler
	if c.Consistency.Enabled {
		validator, err = a.validator(ctx)
		if err != nil {
			return err
		}
		scheduler, err = consistency.NewScheduler(c.Consistency.Schedule, validator)
		if err != nil {
			return err
		}
	}

	evaluator, err := health.NewEvaluator(health.EvaluatorConfig{
		Sinks:        a.dispatcher.Sinks(),
		Source:       reader,
		Consistency:  consistencySignal(validator),
		Watchdog:     watchdog,
		Metrics:      a.metrics,
		Thresholds:   health.ThresholdsFrom(c.Health),
		ProbeTimeout: cfg.Millis(c.Health.ProbeTimeoutMS),
	})
	if err != nil {
		return err
	}

	adminOpts := admin.Options{
		Health:      evaluator,
		DeadLetters: a.journal,
		Replayer:    publisher.NewReplayer(a.dispatcher, a.journal),
		Metrics:     a.metrics,
		Rules:       ruleThresholds(c),
		AuthToken:   c.Server.AuthToken,
	}
	if validator != nil {
		adminOpts.Consistency = validator
	}
	handlers, err := admin.NewAdminHandlers(adminOpts)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(c.Server.BindAddress, strconv.Itoa(c.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("Operator endpoints listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	collector := telemetry.NewMetricsCollector(evaluator.Probe,
		time.Duration(c.Health.ProbeIntervalSeconds)*time.Second,
		cfg.Millis(c.Health.ProbeTimeoutMS)*time.Duration(len(a.dispatcher.Sinks())+1))
	collector.Start()
	defer collector.Stop()

	if err := engine.Start(); err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
		log.Info().Time("next_run", scheduler.Next()).Msg("Consistency schedule started")
	}

	readerDone := make(chan error, 1)
	go func() { readerDone <- reader.Run(readerCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown requested")
	case err := <-serverErr:
		runErr = fmt.Errorf("operator endpoints: %w", err)
	case err := <-readerDone:
		readerDone <- err
		if err != nil {
			runErr = fmt.Errorf("change reader: %w", err)
		}
	}

	// Reader first so nothing new is queued, then drain the workers
	stopReader()
	if err := <-readerDone; err != nil && runErr == nil {
		log.Error().Err(err).Msg("Change reader stopped with error")
	}
	if !engine.Drain(c.DrainTimeout()) {
		log.Warn().Msg("Remaining events were dead-lettered")
	}

	if scheduler != nil {
		scheduler.Stop(cfg.Millis(c.Consistency.QueryTimeoutMS))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Operator endpoints did not shut down cleanly")
	}

	log.Info().Msg("cdcsync stopped")
	return runErr
}

// consistencySignal avoids a typed nil inside the interface
func consistencySignal(v *consistency.Validator) health.ConsistencySignal {
	if v == nil {
		return nil
	}
	return v
}
