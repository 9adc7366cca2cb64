package kernel

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/leondli/kernelmgr/internal/metrics"
)

// pendingKernel is a pre-warmed kernel sitting in a pool, ready to be
// claimed and registered under a caller-supplied ID.
type pendingKernel struct {
	engine Engine
	err    error
}

// poolState is the per-(mode,language) queue and its refill lock.
type poolState struct {
	refillMu sync.Mutex
	queue    chan *pendingKernel
	size     int
}

// KernelPool pre-warms kernel engines per (mode, language) key so create
// can frequently skip the cold-start path. Refill for a given key is
// serialized by that key's own mutex: concurrent create calls for
// different keys never block one another, and a key's own refills never
// race themselves.
type KernelPool struct {
	mu       sync.RWMutex
	states   map[poolKey]*poolState
	factory  func(Mode) EngineFactory
	metrics  *metrics.Registry
}

// NewKernelPool constructs an empty pool. factory resolves an
// EngineFactory for a given Mode; the manager supplies this so the pool
// never needs to know about worker binary paths or engine wiring.
func NewKernelPool(factory func(Mode) EngineFactory, m *metrics.Registry) *KernelPool {
	return &KernelPool{
		states:  make(map[poolKey]*poolState),
		factory: factory,
		metrics: m,
	}
}

// Configure declares the desired pool size for (mode, language) and
// begins pre-warming it in the background.
func (p *KernelPool) Configure(ctx context.Context, cfg PoolConfig) {
	key := poolKey{Mode: cfg.Mode, Language: cfg.Language}

	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		st = &poolState{queue: make(chan *pendingKernel, cfg.Size)}
		p.states[key] = st
	}
	st.size = cfg.Size
	p.mu.Unlock()

	go p.refill(ctx, key, st)
}

// Take removes one pre-warmed engine from the pool for (mode, language),
// or returns (nil, false) if the pool for that key is empty, in which
// case the caller falls back to creating a fresh engine inline.
func (p *KernelPool) Take(key poolKeyExport) (Engine, bool) {
	p.mu.RLock()
	st, ok := p.states[poolKey(key)]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}

	select {
	case pk := <-st.queue:
		if pk.err != nil || pk.engine == nil {
			return nil, false
		}
		if p.metrics != nil {
			p.metrics.PoolDepth.WithLabelValues(string(key.Mode), string(key.Language)).Set(float64(len(st.queue)))
		}
		go p.refill(context.Background(), poolKey(key), st)
		return pk.engine, true
	default:
		return nil, false
	}
}

// poolKeyExport mirrors poolKey for callers outside this file (kept as a
// distinct exported type so manager.go need not reach into the
// unexported poolKey directly).
type poolKeyExport struct {
	Mode     Mode
	Language Language
}

// NewPoolKey builds a poolKeyExport.
func NewPoolKey(mode Mode, lang Language) poolKeyExport {
	return poolKeyExport{Mode: mode, Language: lang}
}

// refill tops the queue for key back up to its configured size, using a
// bounded worker pool so many concurrent spawns for the same key don't
// each pay full serial latency.
func (p *KernelPool) refill(ctx context.Context, key poolKey, st *poolState) {
	if !st.refillMu.TryLock() {
		return
	}
	defer st.refillMu.Unlock()

	deficit := st.size - len(st.queue)
	if deficit <= 0 {
		return
	}

	factory := p.factory(key.Mode)
	if factory == nil {
		return
	}

	wp := pool.New().WithMaxGoroutines(maxInt(1, deficit))
	for i := 0; i < deficit; i++ {
		wp.Go(func() {
			eng := factory()
			opts := Options{Mode: key.Mode, Language: key.Language}
			if err := eng.Init(ctx, opts); err != nil {
				log.Warn().Err(err).Str("mode", string(key.Mode)).Str("language", string(key.Language)).Msg("pool refill: engine init failed")
				select {
				case st.queue <- &pendingKernel{err: err}:
				default:
				}
				return
			}
			select {
			case st.queue <- &pendingKernel{engine: eng}:
			default:
				_ = eng.Shutdown(ctx)
			}
		})
	}
	wp.Wait()

	if p.metrics != nil {
		p.metrics.PoolDepth.WithLabelValues(string(key.Mode), string(key.Language)).Set(float64(len(st.queue)))
	}
}

// EvictExcess drains entries beyond size for (mode, language), shutting
// each one down cleanly.
func (p *KernelPool) EvictExcess(ctx context.Context, key poolKeyExport, size int) {
	p.mu.RLock()
	st, ok := p.states[poolKey(key)]
	p.mu.RUnlock()
	if !ok {
		return
	}
	for len(st.queue) > size {
		select {
		case pk := <-st.queue:
			if pk.engine != nil {
				_ = pk.engine.Shutdown(ctx)
			}
		default:
			return
		}
	}
}

// Drain empties every pool, shutting down every pre-warmed engine. Used
// on orchestrator shutdown.
func (p *KernelPool) Drain(ctx context.Context) {
	p.mu.RLock()
	states := make([]*poolState, 0, len(p.states))
	for _, st := range p.states {
		states = append(states, st)
	}
	p.mu.RUnlock()

	for _, st := range states {
	drain:
		for {
			select {
			case pk := <-st.queue:
				if pk.engine != nil {
					_ = pk.engine.Shutdown(ctx)
				}
			default:
				break drain
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
