// Package analytics buffers and flushes per-request observability events
// (component H): what happened (RequestEvent) and what the router decided
// (RouteDecisionEvent), without blocking the request path.
package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies analytics events.
type EventType string

const (
	EventTypeRequest       EventType = "request"
	EventTypeRouteDecision EventType = "route_decision"
)

// RequestEvent captures one completed gateway request end to end.
type RequestEvent struct {
	RequestID      string    `json:"request_id"`
	TaskType       string    `json:"task_type"`
	Complexity     string    `json:"complexity"`
	Model          string    `json:"model"`
	BackendUsed    string    `json:"backend_used"`
	LatencyMs      int       `json:"latency_ms"`
	StatusCode     int       `json:"status_code"`
	ErrorKind      string    `json:"error_kind"`
	CacheHit       bool      `json:"cache_hit"`
	CacheSource    string    `json:"cache_source"`
	WasFailover    bool      `json:"was_failover"`
	CostUSD        float64   `json:"cost_usd"`
	CreatedAt      time.Time `json:"created_at"`
}

// RouteDecisionEvent captures one Adaptive Router decision, enough
// to reconstruct bandit performance and shadow-mode significance offline.
type RouteDecisionEvent struct {
	RequestID   string    `json:"request_id"`
	TaskType    string    `json:"task_type"`
	Complexity  string    `json:"complexity"`
	Route       string    `json:"route"`
	SampledP    float64   `json:"sampled_p"`
	Utility     float64   `json:"utility"`
	Forced      bool      `json:"forced"`
	Reward      float64   `json:"reward"`
	Shadow      bool      `json:"shadow"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sink is the destination for analytics events.
type Sink interface {
	WriteRequests(ctx context.Context, events []RequestEvent) error
	WriteRouteDecisions(ctx context.Context, events []RouteDecisionEvent) error
	Close() error
}

// PipelineConfig controls batching and backpressure behavior.
type PipelineConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Workers       int
}

// DefaultPipelineConfig returns production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize:    100000,
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		Workers:       2,
	}
}

// Pipeline is the async analytics ingestion engine: request handlers call
// TrackRequest/TrackRouteDecision, which never block on I/O.
type Pipeline struct {
	logger zerolog.Logger
	config PipelineConfig
	sink   Sink

	requestCh chan RequestEvent
	routeCh   chan RouteDecisionEvent

	wg     sync.WaitGroup
	cancel context.CancelFunc

	eventsReceived int64
	eventsWritten  int64
	eventsDropped  int64
	flushErrors    int64
}

// NewPipeline creates a new analytics ingestion pipeline.
func NewPipeline(logger zerolog.Logger, sink Sink, config ...PipelineConfig) *Pipeline {
	cfg := DefaultPipelineConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		logger:    logger.With().Str("component", "analytics-pipeline").Logger(),
		config:    cfg,
		sink:      sink,
		requestCh: make(chan RequestEvent, cfg.BufferSize),
		routeCh:   make(chan RouteDecisionEvent, cfg.BufferSize),
	}
}

// Start launches the pipeline workers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.requestWorker(ctx)
	}
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.routeWorker(ctx)
	}

	p.logger.Info().
		Int("workers_per_type", p.config.Workers).
		Int("buffer_size", p.config.BufferSize).
		Dur("flush_interval", p.config.FlushInterval).
		Msg("analytics pipeline started")
}

// Stop gracefully shuts down the pipeline, flushing remaining events.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.drainRequests()
	p.drainRouteDecisions()
	if p.sink != nil {
		_ = p.sink.Close()
	}
	p.logger.Info().
		Int64("received", p.eventsReceived).
		Int64("written", p.eventsWritten).
		Int64("dropped", p.eventsDropped).
		Int64("flush_errors", p.flushErrors).
		Msg("analytics pipeline stopped")
}

// TrackRequest submits a request event. Non-blocking: drops on a full buffer.
func (p *Pipeline) TrackRequest(event RequestEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case p.requestCh <- event:
		p.incReceived()
	default:
		p.incDropped()
		p.logger.Warn().Str("request_id", event.RequestID).Msg("request event dropped: buffer full")
	}
}

// TrackRouteDecision submits a router decision event.
func (p *Pipeline) TrackRouteDecision(event RouteDecisionEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case p.routeCh <- event:
		p.incReceived()
	default:
		p.incDropped()
		p.logger.Warn().Str("request_id", event.RequestID).Msg("route decision event dropped: buffer full")
	}
}

func (p *Pipeline) requestWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]RequestEvent, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flushRequests(batch)
			}
			return
		case event := <-p.requestCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushRequests(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flushRequests(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) routeWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]RouteDecisionEvent, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flushRouteDecisions(batch)
			}
			return
		case event := <-p.routeCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushRouteDecisions(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flushRouteDecisions(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) flushRequests(batch []RequestEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err = p.sink.WriteRequests(ctx, batch)
		if err == nil {
			p.incWritten(int64(len(batch)))
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("request flush failed")
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	p.incFlushErrors()
	p.incDropped()
	p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("request batch dropped after retries")
}

func (p *Pipeline) flushRouteDecisions(batch []RouteDecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err = p.sink.WriteRouteDecisions(ctx, batch)
		if err == nil {
			p.incWritten(int64(len(batch)))
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("route decision flush failed")
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	p.incFlushErrors()
	p.incDropped()
	p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("route decision batch dropped after retries")
}

func (p *Pipeline) drainRequests() {
	batch := make([]RequestEvent, 0, p.config.BatchSize)
	for {
		select {
		case event := <-p.requestCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushRequests(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flushRequests(batch)
			}
			return
		}
	}
}

func (p *Pipeline) drainRouteDecisions() {
	batch := make([]RouteDecisionEvent, 0, p.config.BatchSize)
	for {
		select {
		case event := <-p.routeCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushRouteDecisions(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flushRouteDecisions(batch)
			}
			return
		}
	}
}

func (p *Pipeline) incReceived()         { atomic.AddInt64(&p.eventsReceived, 1) }
func (p *Pipeline) incWritten(n int64)   { atomic.AddInt64(&p.eventsWritten, n) }
func (p *Pipeline) incDropped()          { atomic.AddInt64(&p.eventsDropped, 1) }
func (p *Pipeline) incFlushErrors()      { atomic.AddInt64(&p.flushErrors, 1) }

// PipelineStats is a snapshot of cumulative pipeline counters.
type PipelineStats struct {
	EventsReceived int64 `json:"events_received"`
	EventsWritten  int64 `json:"events_written"`
	EventsDropped  int64 `json:"events_dropped"`
	FlushErrors    int64 `json:"flush_errors"`
	RequestBuffer  int   `json:"request_buffer_len"`
	RouteBuffer    int   `json:"route_buffer_len"`
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		EventsReceived: atomic.LoadInt64(&p.eventsReceived),
		EventsWritten:  atomic.LoadInt64(&p.eventsWritten),
		EventsDropped:  atomic.LoadInt64(&p.eventsDropped),
		FlushErrors:    atomic.LoadInt64(&p.flushErrors),
		RequestBuffer:  len(p.requestCh),
		RouteBuffer:    len(p.routeCh),
	}
}

// LogSink writes events as structured JSON logs. It is the only sink this
// gateway wires up; cold storage (a ClickHouse-style analytical store) is
// out of scope.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

func (s *LogSink) WriteRequests(_ context.Context, events []RequestEvent) error {
	for _, e := range events {
		data, _ := json.Marshal(e)
		s.logger.Debug().RawJSON("event", data).Msg("request_event")
	}
	return nil
}

func (s *LogSink) WriteRouteDecisions(_ context.Context, events []RouteDecisionEvent) error {
	for _, e := range events {
		data, _ := json.Marshal(e)
		s.logger.Debug().RawJSON("event", data).Msg("route_decision_event")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
