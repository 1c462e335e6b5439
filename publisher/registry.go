package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrEngineStopped is returned by Submit once draining has begun
var ErrEngineStopped = fmt.Errorf("engine stopped")

// EngineConfig configures the delivery engine
type EngineConfig struct {
	Tables        []change.Table
	Dispatcher    *Dispatcher
	Checkpoints   CheckpointStore
	Metrics       *telemetry.Metrics
	Heartbeat     Heartbeat
	QueueCapacity int           // Per-table bounded queue
	IdleTick      time.Duration // Worker heartbeat while idle
}

// Engine manages the lifecycle of all table workers
type Engine struct {
	dispatcher  *Dispatcher
	checkpoints CheckpointStore
	metrics     *telemetry.Metrics
	heartbeat   Heartbeat
	idleTick    time.Duration

	workers map[change.Table]*TableWorker
	order   []change.Table

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex // Guards queue close against Submit
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewEngine creates one worker per tracked table, loading each table's
// checkpoint.
func NewEngine(config EngineConfig) (*Engine, error) {
	if len(config.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if config.Metrics == nil {
		config.Metrics = config.Dispatcher.metrics
	}
	if config.Heartbeat == nil {
		config.Heartbeat = noopHeartbeat{}
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 1024
	}
	if config.IdleTick <= 0 {
		config.IdleTick = DefaultIdleTick
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dispatcher:  config.Dispatcher,
		checkpoints: config.Checkpoints,
		metrics:     config.Metrics,
		heartbeat:   config.Heartbeat,
		idleTick:    config.IdleTick,
		workers:     make(map[change.Table]*TableWorker, len(config.Tables)),
		ctx:         ctx,
		cancel:      cancel,
		stopping:    make(chan struct{}),
	}

	for _, table := range config.Tables {
		if _, dup := e.workers[table]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate table %s", table)
		}
		cp, err := config.Checkpoints.Checkpoint(string(table))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load checkpoint for %s: %w", table, err)
		}
		e.workers[table] = newTableWorker(table, config.QueueCapacity, cp, e)
		e.order = append(e.order, table)
		e.metrics.Lag.Track(string(table))
	}

	log.Info().
		Int("workers", len(e.workers)).
		Int("sinks", len(e.dispatcher.routes)).
		Msg("Delivery engine initialized")

	return e, nil
}

// Dispatcher returns the engine's dispatcher
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Tables returns the tracked tables in configuration order
func (e *Engine) Tables() []change.Table {
	return append([]change.Table(nil), e.order...)
}

// ResumePoints returns each table's checkpoint. The source reader resumes
// every table after its own. Call before Start.
func (e *Engine) ResumePoints() map[change.Table]uint64 {
	points := make(map[change.Table]uint64, len(e.order))
	for _, table := range e.order {
		points[table] = e.workers[table].checkpoint
	}
	return points
}

// Start launches the table workers
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	log.Info().Int("workers", len(e.workers)).Msg("Starting delivery engine")
	for _, table := range e.order {
		go e.workers[table].run(e.ctx)
	}
	return nil
}

// Submit queues an event for its table's worker, blocking while the queue is
// full. Lag accounting starts here.
func (e *Engine) Submit(ctx context.Context, event change.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrEngineStopped
	}
	w, ok := e.workers[event.Table]
	if !ok {
		return fmt.Errorf("table %s is not tracked", event.Table)
	}

	e.metrics.Lag.Enqueued(string(event.Table), event.SourceTimestamp)
	select {
	case w.queue <- event:
		return nil
	case <-ctx.Done():
		e.metrics.Lag.Withdraw(string(event.Table))
		return ctx.Err()
	case <-e.stopping:
		e.metrics.Lag.Withdraw(string(event.Table))
		return ErrEngineStopped
	}
}

// Drain stops intake and waits up to timeout for queued and in-flight events
// to finish. After the timeout the dispatch context is cancelled: retries
// abort and whatever remains is dead-lettered with kind "shutdown". Returns
// true if everything finished within the timeout.
func (e *Engine) Drain(timeout time.Duration) bool {
	e.stopOnce.Do(func() { close(e.stopping) })

	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for _, table := range e.order {
			close(e.workers[table].queue)
		}
	}
	e.mu.Unlock()

	if !e.running.Load() {
		e.cancel()
		return true
	}

	done := make(chan struct{})
	go func() {
		for _, table := range e.order {
			<-e.workers[table].done
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		e.cancel()
		log.Info().Msg("Delivery engine drained")
		return true
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("Drain timeout reached, dead-lettering remaining events")
		e.cancel()
		<-done
		return false
	}
}

// Close releases every sink
func (e *Engine) Close() error {
	var firstErr error
	for _, s := range e.dispatcher.Sinks() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("sink", string(s.ID())).Msg("Failed to close sink")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SinkFactory creates a sink from the configuration
type SinkFactory func(*cfg.Configuration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// Sink factory keys
const (
	FactoryKafka    = "kafka"
	FactoryNATS     = "nats"
	FactoryColumnar = "columnar"
	FactorySearch   = "search_index"
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// NewTransformer creates a transformer for the format
func NewTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}

func createSink(sinkType string, c *cfg.Configuration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[sinkType]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", sinkType)
	}
	return factory(c)
}

// BuildRoutes creates every enabled sink with its table filter. On error,
// sinks created so far are closed.
func BuildRoutes(c *cfg.Configuration) ([]Route, error) {
	type spec struct {
		enabled  bool
		sinkType string
		tables   []string
	}
	specs := []spec{
		{c.Bus.Enabled, c.Bus.Type, c.Bus.FilterTables},
		{c.Columnar.Enabled, FactoryColumnar, c.Columnar.FilterTables},
		{c.Search.Enabled, FactorySearch, c.Search.FilterTables},
	}

	var routes []Route
	cleanup := func() {
		for _, r := range routes {
			r.Sink.Close()
		}
	}

	for _, sp := range specs {
		if !sp.enabled {
			continue
		}
		filter, err := NewGlobFilter(sp.tables)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create filter for %s: %w", sp.sinkType, err)
		}
		snk, err := createSink(sp.sinkType, c)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create %s sink: %w", sp.sinkType, err)
		}
		routes = append(routes, Route{Sink: snk, Filter: filter})

		log.Info().
			Str("sink", string(snk.ID())).
			Str("type", sp.sinkType).
			Strs("filter_tables", sp.tables).
			Msg("Added sink")
	}

	return routes, nil
}
