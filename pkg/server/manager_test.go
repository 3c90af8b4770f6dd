package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// startTestManager starts a manager and returns it with a function that stops
// it and waits for its handlers.
func startTestManager(t *testing.T, maxHandlers, perHandler int) (*Manager, func() error) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxHandlers = maxHandlers
	cfg.MaxUsersPerHandler = perHandler
	cfg.PollInterval = 5 * time.Millisecond
	m := NewManager(cfg, testRegistries(t), testLogger)
	m.Start()
	return m, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return Wait(ctx, m.Stop())
	}
}

func newTestManager(t *testing.T, maxHandlers, perHandler int) *Manager {
	t.Helper()
	m, stop := startTestManager(t, maxHandlers, perHandler)
	t.Cleanup(func() { stop() })
	return m
}

func TestAcquireHandlerFillsThenGrows(t *testing.T) {
	m := newTestManager(t, 2, 2)
	assert.Equal(t, 1, m.HandlerCount(), "Start creates one handler")

	first, ok := m.AcquireHandler()
	require.True(t, ok)
	again, ok := m.AcquireHandler()
	require.True(t, ok)
	assert.Same(t, first, again, "a handler with room is reused")
	assert.Equal(t, 1, m.HandlerCount())

	second, ok := m.AcquireHandler()
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, m.HandlerCount())

	_, ok = m.AcquireHandler()
	require.True(t, ok)
	assert.Equal(t, 4, m.ClientCount())

	_, ok = m.AcquireHandler()
	assert.False(t, ok, "pool exhausted")

	first.release()
	h, ok := m.AcquireHandler()
	require.True(t, ok)
	assert.Same(t, first, h)
}

func TestAcquireHandlerAfterStop(t *testing.T) {
	m := newTestManager(t, 2, 2)
	handlers := m.Stop()
	require.Len(t, handlers, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Wait(ctx, handlers))

	_, ok := m.AcquireHandler()
	assert.False(t, ok)
	assert.Equal(t, 0, m.HandlerCount())
}

func TestSetLimits(t *testing.T) {
	m := newTestManager(t, 1, 1)
	_, ok := m.AcquireHandler()
	require.True(t, ok)
	_, ok = m.AcquireHandler()
	require.False(t, ok)

	m.SetLimits(0, 3)
	_, ok = m.AcquireHandler()
	assert.True(t, ok)
	assert.Equal(t, 1, m.HandlerCount())
}

// TestAcquireHandlerNeverOverfills reserves and releases slots at random and
// checks that no handler ever goes past its bound.
func TestAcquireHandlerNeverOverfills(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxHandlers := rapid.IntRange(1, 4).Draw(rt, "maxHandlers")
		perHandler := rapid.IntRange(1, 4).Draw(rt, "perHandler")
		// Each run stops its own manager before the next one starts.
		m, stop := startTestManager(t, maxHandlers, perHandler)
		defer func() {
			require.NoError(rt, stop())
			require.Equal(rt, 0, m.HandlerCount())
		}()
		var held []*Handler

		rt.Repeat(map[string]func(*rapid.T){
			"acquire": func(rt *rapid.T) {
				before := m.ClientCount()
				h, ok := m.AcquireHandler()
				if !ok {
					require.Equal(rt, maxHandlers, m.HandlerCount())
					require.Equal(rt, maxHandlers*perHandler, before)
					return
				}
				held = append(held, h)
			},
			"release": func(rt *rapid.T) {
				if len(held) == 0 {
					return
				}
				i := rapid.IntRange(0, len(held)-1).Draw(rt, "i")
				held[i].release()
				held = append(held[:i], held[i+1:]...)
			},
			"": func(rt *rapid.T) {
				m.mu.Lock()
				handlers := append([]*Handler(nil), m.handlers...)
				m.mu.Unlock()
				require.LessOrEqual(rt, len(handlers), maxHandlers)
				for _, h := range handlers {
					require.LessOrEqual(rt, h.UserCount(), perHandler)
				}
			},
		})
	})
}
