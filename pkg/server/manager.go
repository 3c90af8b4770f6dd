package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager owns the listener and the bounded pool of handlers.
type Manager struct {
	mu                 sync.Mutex
	handlers           []*Handler
	maxHandlers        int
	maxUsersPerHandler int
	pollInterval       time.Duration
	nextHandlerID      int
	running            bool

	listener *Listener
	reg      *registries
	log      zerolog.Logger
}

// NewManager creates a stopped manager and its listener.
func NewManager(cfg ServerConfig, reg *registries, logger zerolog.Logger) *Manager {
	m := &Manager{
		maxHandlers:        cfg.MaxHandlers,
		maxUsersPerHandler: cfg.MaxUsersPerHandler,
		pollInterval:       cfg.PollInterval,
		reg:                reg,
		log:                logger,
	}
	m.listener = NewListener(m, reg, Identity{
		Name:           cfg.Name,
		Version:        Version,
		WelcomeMessage: cfg.WelcomeMessage,
	}, logger)
	return m
}

// Start makes sure one handler exists and starts accepting on every source.
func (m *Manager) Start(sources ...net.Listener) {
	m.mu.Lock()
	m.running = true
	if len(m.handlers) == 0 {
		m.spawnLocked()
	}
	m.mu.Unlock()

	for _, src := range sources {
		m.listener.Serve(src)
	}
}

// Stop closes the listener, signals every handler and clears the pool. It does
// not wait for handlers to drain; the returned handlers can be waited on.
func (m *Manager) Stop() []*Handler {
	m.listener.Stop()

	m.mu.Lock()
	m.running = false
	stopped := m.handlers
	m.handlers = nil
	m.mu.Unlock()

	for _, h := range stopped {
		h.Stop()
	}
	m.reg.metrics.RecordHandlers(0)
	m.log.Info().Int("handlers", len(stopped)).Msg("connection manager stopped")
	return stopped
}

// Wait blocks until the given handlers have finished or ctx ends.
func Wait(ctx context.Context, handlers []*Handler) error {
	for _, h := range handlers {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// AcquireHandler picks the least loaded handler below capacity, creating one
// if every handler is full and the pool may grow. The chosen handler has a
// slot reserved that must be consumed by Attach or given back with release.
func (m *Manager) AcquireHandler() (*Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil, false
	}

	var best *Handler
	bestCount := 0
	for _, h := range m.handlers {
		c := h.UserCount()
		if c >= m.maxUsersPerHandler {
			continue
		}
		if best == nil || c < bestCount {
			best, bestCount = h, c
		}
	}

	if best == nil {
		if len(m.handlers) >= m.maxHandlers {
			return nil, false
		}
		best = m.spawnLocked()
	}

	best.reserve()
	return best, true
}

func (m *Manager) spawnLocked() *Handler {
	m.nextHandlerID++
	h := newHandler(m.nextHandlerID, m.pollInterval, m.reg, m.log)
	m.handlers = append(m.handlers, h)
	go h.run()
	m.reg.metrics.RecordHandlers(len(m.handlers))
	return h
}

// ClientCount returns the users across all handlers, reservations included.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handlers {
		n += h.UserCount()
	}
	return n
}

// HandlerCount returns the size of the pool.
func (m *Manager) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// SetLimits changes the pool bounds. Existing handlers and sessions are kept
// even if they now exceed the new limits.
func (m *Manager) SetLimits(maxHandlers, maxUsersPerHandler int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxHandlers > 0 {
		m.maxHandlers = maxHandlers
	}
	if maxUsersPerHandler > 0 {
		m.maxUsersPerHandler = maxUsersPerHandler
	}
}
