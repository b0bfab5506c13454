package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ModelSyncer periodically refreshes the warm-models catalog for every
// endpoint by calling Tags(), keeping the pool's view of "what's already
// loaded" fresh so Select can prefer warm endpoints without racing the
// health poller's probe cadence.
type ModelSyncer struct {
	registry *Registry
	pool     *Pool
	log      zerolog.Logger
	interval time.Duration
	catalog  map[string][]string // endpoint -> loaded models
	mu       sync.RWMutex
	stopCh   chan struct{}
}

func NewModelSyncer(registry *Registry, pool *Pool, log zerolog.Logger, interval time.Duration) *ModelSyncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ModelSyncer{
		registry: registry,
		pool:     pool,
		log:      log.With().Str("component", "model_syncer").Logger(),
		interval: interval,
		catalog:  make(map[string][]string),
		stopCh:   make(chan struct{}),
	}
}

func (s *ModelSyncer) Start() {
	go s.loop()
	s.log.Info().Dur("interval", s.interval).Msg("model syncer started")
}

func (s *ModelSyncer) Stop() {
	close(s.stopCh)
	s.log.Info().Msg("model syncer stopped")
}

// Catalog returns a snapshot of which models are loaded on which endpoint.
func (s *ModelSyncer) Catalog() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.catalog))
	for k, v := range s.catalog {
		models := make([]string, len(v))
		copy(models, v)
		out[k] = models
	}
	return out
}

func (s *ModelSyncer) loop() {
	s.syncAll()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.syncAll()
		}
	}
}

func (s *ModelSyncer) syncAll() {
	names := s.registry.List()
	var wg sync.WaitGroup
	results := make(map[string][]string)
	var mu sync.Mutex

	for _, name := range names {
		ep, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(n string, e Endpoint) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			models, err := e.Tags(ctx)
			if err != nil {
				s.log.Debug().Str("endpoint", n).Err(err).Msg("model sync probe failed")
				return
			}
			for _, m := range models {
				s.pool.markWarm(n, m)
			}
			mu.Lock()
			results[n] = models
			mu.Unlock()
		}(name, ep)
	}
	wg.Wait()

	s.mu.Lock()
	s.catalog = results
	s.mu.Unlock()

	total := 0
	for _, v := range results {
		total += len(v)
	}
	s.log.Info().Int("endpoints", len(results)).Int("total_models", total).Msg("model sync complete")
}
