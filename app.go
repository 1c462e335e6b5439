package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/consistency"
	"github.com/knowton/cdcsync/journal"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/source"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
)

// app holds the components shared by serve, replay and check
type app struct {
	config     *cfg.Configuration
	tables     []change.Table
	metrics    *telemetry.Metrics
	journal    *journal.Journal
	primary    *sql.DB
	dispatcher *publisher.Dispatcher
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func newApp(ctx context.Context, c *cfg.Configuration, heartbeat publisher.Heartbeat) (*app, error) {
	a := &app{
		config: c,
		metrics: telemetry.NewMetrics(telemetry.Options{
			Enabled:     c.Prometheus.Enabled,
			Namespace:   c.Prometheus.Namespace,
			ErrorWindow: time.Duration(c.Health.ErrorWindowSeconds) * time.Second,
		}),
	}
	for _, name := range c.TableNames() {
		a.tables = append(a.tables, change.Table(name))
	}

	var err error
	a.journal, err = journal.Open(c.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	a.primary, err = source.OpenPrimary(ctx, c.Source)
	if err != nil {
		a.Close()
		return nil, err
	}

	routes, err := publisher.BuildRoutes(c)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.dispatcher, err = publisher.NewDispatcher(publisher.DispatcherConfig{
		Routes:      routes,
		Retry:       publisher.RetryPolicyFromConfig(c.Retry),
		DeadLetters: a.journal,
		Metrics:     a.metrics,
		Heartbeat:   heartbeat,
	})
	if err != nil {
		for _, r := range routes {
			r.Sink.Close()
		}
		a.Close()
		return nil, err
	}

	return a, nil
}

// validator builds the consistency validator, with the S3 archive when
// enabled
func (a *app) validator(ctx context.Context) (*consistency.Validator, error) {
	c := a.config.Consistency

	var archive consistency.Archiver
	if c.Archive.Enabled {
		s3Archive, err := consistency.NewS3Archive(ctx, c.Archive)
		if err != nil {
			return nil, err
		}
		archive = s3Archive
	}

	return consistency.NewValidator(consistency.ValidatorConfig{
		Tables:       a.tables,
		Source:       source.NewPrimaryCounter(a.primary, a.config.Tables),
		Sinks:        a.dispatcher,
		Store:        a.journal,
		Archive:      archive,
		Metrics:      a.metrics,
		QueryTimeout: cfg.Millis(c.QueryTimeoutMS),
		Window:       a.config.ConsistencyWindow(),
		Threshold:    c.DiscrepancyThreshold,
	})
}

// Close releases sinks, the primary pool and the journal
func (a *app) Close() {
	if a.dispatcher != nil {
		for _, s := range a.dispatcher.Sinks() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Str("sink", string(s.ID())).Msg("Failed to close sink")
			}
		}
	}
	if a.primary != nil {
		if err := a.primary.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close primary store pool")
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}
}
