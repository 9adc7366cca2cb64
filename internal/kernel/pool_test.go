package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factoryFor(mode Mode) EngineFactory {
	return func() Engine { return NewInProcessEngine() }
}

func TestKernelPool_TakeReturnsFalseWhenEmpty(t *testing.T) {
	p := NewKernelPool(factoryFor, nil)
	_, ok := p.Take(NewPoolKey(ModeInProcess, LanguagePython))
	assert.False(t, ok)
}

func TestKernelPool_ConfigureFillsToSize(t *testing.T) {
	p := NewKernelPool(factoryFor, nil)
	key := NewPoolKey(ModeInProcess, LanguagePython)
	p.Configure(context.Background(), PoolConfig{Mode: ModeInProcess, Language: LanguagePython, Size: 3})

	require.Eventually(t, func() bool {
		p.mu.RLock()
		st, ok := p.states[poolKey(key)]
		p.mu.RUnlock()
		return ok && len(st.queue) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestKernelPool_TakeRefillsInBackground(t *testing.T) {
	p := NewKernelPool(factoryFor, nil)
	key := NewPoolKey(ModeInProcess, LanguagePython)
	p.Configure(context.Background(), PoolConfig{Mode: ModeInProcess, Language: LanguagePython, Size: 1})

	require.Eventually(t, func() bool {
		_, ok := p.Take(key)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		p.mu.RLock()
		st := p.states[poolKey(key)]
		p.mu.RUnlock()
		return len(st.queue) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestKernelPool_EvictExcessDrainsDownToSize(t *testing.T) {
	p := NewKernelPool(factoryFor, nil)
	key := NewPoolKey(ModeInProcess, LanguagePython)
	p.Configure(context.Background(), PoolConfig{Mode: ModeInProcess, Language: LanguagePython, Size: 3})

	require.Eventually(t, func() bool {
		p.mu.RLock()
		st := p.states[poolKey(key)]
		p.mu.RUnlock()
		return len(st.queue) == 3
	}, time.Second, 5*time.Millisecond)

	p.EvictExcess(context.Background(), key, 1)

	p.mu.RLock()
	st := p.states[poolKey(key)]
	p.mu.RUnlock()
	assert.LessOrEqual(t, len(st.queue), 1)
}
