package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthPoller continuously probes every registered endpoint in the
// background via Tags() (never a full generation, just a lightweight probe)
// and drives each endpoint's three-strikes-down / one-success-healthy state
// machine.
type HealthPoller struct {
	registry *Registry
	logger   zerolog.Logger
	interval time.Duration

	mu             sync.RWMutex
	failures       map[string]int
	lastStatus     map[string]Health
	statusChangeCB func(endpoint string, health Health)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller that checks all endpoints at the given
// interval. Default cadence is 10s.
func NewHealthPoller(registry *Registry, logger zerolog.Logger, interval time.Duration) *HealthPoller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthPoller{
		registry:   registry,
		logger:     logger.With().Str("component", "health_poller").Logger(),
		interval:   interval,
		failures:   make(map[string]int),
		lastStatus: make(map[string]Health),
		done:       make(chan struct{}),
	}
}

// OnStatusChange registers a callback invoked whenever an endpoint's health
// state transitions.
func (hp *HealthPoller) OnStatusChange(cb func(endpoint string, health Health)) {
	hp.statusChangeCB = cb
}

func (hp *HealthPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel
	hp.logger.Info().Dur("interval", hp.interval).Msg("starting backend health poller")
	go hp.pollLoop(ctx)
}

func (hp *HealthPoller) Stop() {
	if hp.cancel != nil {
		hp.cancel()
	}
	<-hp.done
	hp.logger.Info().Msg("health poller stopped")
}

func (hp *HealthPoller) pollLoop(ctx context.Context) {
	defer close(hp.done)
	hp.poll(ctx)

	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.poll(ctx)
		}
	}
}

func (hp *HealthPoller) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, hp.interval/2)
	defer cancel()

	var wg sync.WaitGroup
	for _, name := range hp.registry.List() {
		ep, ok := hp.registry.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, ep Endpoint) {
			defer wg.Done()
			hp.probe(pollCtx, name, ep)
		}(name, ep)
	}
	wg.Wait()
}

func (hp *HealthPoller) probe(ctx context.Context, name string, ep Endpoint) {
	_, err := ep.Tags(ctx)

	hp.mu.Lock()
	defer hp.mu.Unlock()

	prev, known := hp.lastStatus[name]
	var next Health
	next.LastCheck = time.Now()

	if err != nil {
		next.LastError = err.Error()
		hp.failures[name]++
		if hp.failures[name] >= 3 {
			next.State = StateDown
		} else if known {
			next.State = prev.State
			if next.State == StateUnknown {
				next.State = StateDegraded
			}
		} else {
			next.State = StateDegraded
		}
	} else {
		hp.failures[name] = 0
		next.State = StateHealthy
	}

	if !known || prev.State != next.State {
		hp.logger.Warn().
			Str("endpoint", name).
			Str("from", string(prev.State)).
			Str("to", string(next.State)).
			Str("error", next.LastError).
			Msg("backend endpoint health transition")
		if hp.statusChangeCB != nil {
			hp.statusChangeCB(name, next)
		}
	}
	hp.lastStatus[name] = next
}

// Status returns the latest cached health for every endpoint.
func (hp *HealthPoller) Status() map[string]Health {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	out := make(map[string]Health, len(hp.lastStatus))
	for k, v := range hp.lastStatus {
		out[k] = v
	}
	return out
}

func (hp *HealthPoller) IsHealthy(name string) bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	h, ok := hp.lastStatus[name]
	return ok && h.State == StateHealthy
}

// HealthyEndpoints returns the names currently in the healthy state.
func (hp *HealthPoller) HealthyEndpoints() []string {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	var names []string
	for name, h := range hp.lastStatus {
		if h.State == StateHealthy {
			names = append(names, name)
		}
	}
	return names
}
