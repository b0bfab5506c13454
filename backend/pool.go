package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TaskClass selects the adaptive timeout an invocation gets.
type TaskClass string

const (
	TaskSimple    TaskClass = "simple"
	TaskStandard  TaskClass = "standard"
	TaskComplex   TaskClass = "complex"
	TaskResearch  TaskClass = "research"
	TaskStreaming TaskClass = "streaming"
)

var taskTimeouts = map[TaskClass]time.Duration{
	TaskSimple:    15 * time.Second,
	TaskStandard:  30 * time.Second,
	TaskComplex:   60 * time.Second,
	TaskResearch:  120 * time.Second,
	TaskStreaming: 45 * time.Second, // idle timeout, enforced by caller between chunks
}

// TimeoutFor returns the adaptive timeout for a task class.
func TimeoutFor(class TaskClass) time.Duration {
	if d, ok := taskTimeouts[class]; ok {
		return d
	}
	return taskTimeouts[TaskStandard]
}

// endpointSlots tracks the admission-control state for one endpoint:
// max_parallel concurrent inferences, FIFO queueing beyond that.
type endpointSlots struct {
	sem      chan struct{}
	mu       sync.Mutex
	inFlight int
	warm     map[string]bool
}

// Pool is the Backend Pool Manager: health-checked, serialized invocation
// across N local inference endpoints with warm-up and fallback.
type Pool struct {
	registry     *Registry
	poller       *HealthPoller
	logger       zerolog.Logger
	queueTimeout time.Duration
	admissionRPS float64
	admissionBST int

	mu       sync.Mutex
	slots    map[string]*endpointSlots
	limiters map[string]*rate.Limiter
}

// PoolOption configures a Pool at construction time.
type PoolOption func(*Pool)

func WithQueueTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.queueTimeout = d }
}

// WithAdmissionRate paces each endpoint's inbound requests to rps with
// burst, on top of the max_parallel concurrency cap. A slow endpoint that
// has spare concurrency slots still shouldn't be hit faster than it can
// actually drain a queue; this smooths bursts the concurrency semaphore
// alone lets through.
func WithAdmissionRate(rps float64, burst int) PoolOption {
	return func(p *Pool) { p.admissionRPS, p.admissionBST = rps, burst }
}

// NewPool wires a Registry + HealthPoller into a serialized invocation pool.
// maxParallel applies uniformly unless overridden per endpoint via SetMaxParallel.
func NewPool(registry *Registry, poller *HealthPoller, logger zerolog.Logger, defaultMaxParallel int, opts ...PoolOption) *Pool {
	if defaultMaxParallel <= 0 {
		defaultMaxParallel = 1
	}
	p := &Pool{
		registry:     registry,
		poller:       poller,
		logger:       logger.With().Str("component", "backend_pool").Logger(),
		queueTimeout: 5 * time.Second,
		slots:        make(map[string]*endpointSlots),
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, name := range registry.List() {
		p.slots[name] = &endpointSlots{
			sem:  make(chan struct{}, defaultMaxParallel),
			warm: make(map[string]bool),
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.admissionRPS > 0 {
		for _, name := range registry.List() {
			p.limiters[name] = rate.NewLimiter(rate.Limit(p.admissionRPS), p.admissionBST)
		}
	}
	return p
}

// SetMaxParallel overrides the serialization width for one endpoint
// (typically 1 for large models, higher for small ones).
func (p *Pool) SetMaxParallel(endpoint string, n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[endpoint] = &endpointSlots{sem: make(chan struct{}, n), warm: make(map[string]bool)}
}

func (p *Pool) slotsFor(name string) *endpointSlots {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[name]
	if !ok {
		s = &endpointSlots{sem: make(chan struct{}, 1), warm: make(map[string]bool)}
		p.slots[name] = s
	}
	return s
}

// isWarm reports whether model is already loaded on endpoint.
func (p *Pool) isWarm(endpoint, model string) bool {
	s := p.slotsFor(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warm[model]
}

func (p *Pool) markWarm(endpoint, model string) {
	s := p.slotsFor(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warm[model] = true
}

func (p *Pool) inFlightCount(endpoint string) int {
	s := p.slotsFor(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Select picks the best endpoint for a model: prefer healthy+warm, else
// healthy with lowest in-flight, else wait up to queueTimeout for one to
// free up, else ErrNoBackend.
func (p *Pool) Select(ctx context.Context, model string) (Endpoint, error) {
	deadline := time.Now().Add(p.queueTimeout)
	for {
		if ep, ok := p.pickHealthy(model); ok {
			return ep, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoBackend
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *Pool) pickHealthy(model string) (Endpoint, bool) {
	healthy := p.poller.HealthyEndpoints()
	if len(healthy) == 0 {
		return nil, false
	}

	var best string
	bestWarm := false
	bestInFlight := -1
	for _, name := range healthy {
		warm := p.isWarm(name, model)
		inFlight := p.inFlightCount(name)
		switch {
		case best == "":
			best, bestWarm, bestInFlight = name, warm, inFlight
		case warm && !bestWarm:
			best, bestWarm, bestInFlight = name, warm, inFlight
		case warm == bestWarm && inFlight < bestInFlight:
			best, bestWarm, bestInFlight = name, warm, inFlight
		}
	}
	if best == "" {
		return nil, false
	}
	ep, ok := p.registry.Get(best)
	return ep, ok
}

// release is returned by acquire and must be called exactly once.
type release func()

func (p *Pool) limiterFor(name string) *rate.Limiter {
	if p.admissionRPS <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.admissionRPS), p.admissionBST)
		p.limiters[name] = l
	}
	return l
}

func (p *Pool) acquire(ctx context.Context, name string) (release, error) {
	if l := p.limiterFor(name); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, err
		}
	}

	s := p.slotsFor(name)
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		<-s.sem
	}, nil
}

// InFlight reports one endpoint's current in-flight invocation count, for
// connection-pool gauges.
func (p *Pool) InFlight(endpoint string) int {
	return p.inFlightCount(endpoint)
}

// WarmUp issues a minimal load request for model on endpoint.
func (p *Pool) WarmUp(ctx context.Context, endpoint, model string) error {
	if p.isWarm(endpoint, model) {
		return nil
	}
	ep, ok := p.registry.Get(endpoint)
	if !ok {
		return ErrNoBackend
	}
	if err := ep.Pull(ctx, model); err != nil {
		return err
	}
	p.markWarm(endpoint, model)
	return nil
}

// Invoke runs a non-streaming generate call against the best available
// endpoint for model, serialized through that endpoint's admission slot.
func (p *Pool) Invoke(ctx context.Context, model string, class TaskClass, req *GenerateRequest) (*GenerateResponse, string, error) {
	ep, err := p.Select(ctx, model)
	if err != nil {
		return nil, "", err
	}
	rel, err := p.acquire(ctx, ep.Name())
	if err != nil {
		return nil, "", err
	}
	defer rel()

	callCtx, cancel := context.WithTimeout(ctx, TimeoutFor(class))
	defer cancel()

	req.Model = model
	resp, err := ep.Generate(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, ep.Name(), ErrBackendTimeout
		}
		return nil, ep.Name(), err
	}
	p.markWarm(ep.Name(), model)
	return resp, ep.Name(), nil
}

// InvokeStream runs a streaming generate call. The returned release func
// must be deferred by the caller alongside closing the stream.
func (p *Pool) InvokeStream(ctx context.Context, model string, req *GenerateRequest) (Stream, string, func(), error) {
	ep, err := p.Select(ctx, model)
	if err != nil {
		return nil, "", nil, err
	}
	rel, err := p.acquire(ctx, ep.Name())
	if err != nil {
		return nil, "", nil, err
	}

	req.Model = model
	stream, err := ep.GenerateStream(ctx, req)
	if err != nil {
		rel()
		return nil, ep.Name(), nil, err
	}
	p.markWarm(ep.Name(), model)
	return stream, ep.Name(), rel, nil
}
