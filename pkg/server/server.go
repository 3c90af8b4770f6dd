package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/convoice/pkg/logging"
	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/aeolun/convoice/pkg/store"
	"github.com/rs/zerolog"
)

// drainTimeout bounds how long Stop waits for handlers to terminate sessions.
const drainTimeout = 5 * time.Second

// Server represents the conVoice server
type Server struct {
	config  ServerConfig
	log     zerolog.Logger
	connLog zerolog.Logger

	store       *store.Store
	roster      *Roster
	channels    *ChannelRegistry
	users       *UserRegistry
	permissions *PermissionRegistry
	members     *MemberTable
	manager     *Manager
	metrics     *Metrics

	listener      net.Listener
	ws            *WSListener
	wsServer      *http.Server
	metricsServer *http.Server
	startTime     time.Time

	adminMu  sync.Mutex // serializes member edits and reloads
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer wires the registries and loads members and permanent channels.
func NewServer(config ServerConfig, logger zerolog.Logger) (*Server, error) {
	mainLog := logging.Component(logger, logging.ComponentMain)
	connLog := logging.Component(logger, logging.ComponentConnections)
	memberLog := logging.Component(logger, logging.ComponentMembers)

	s := &Server{
		config:   config,
		log:      mainLog,
		connLog:  connLog,
		metrics:  NewMetrics(),
		shutdown: make(chan struct{}),
	}

	s.roster = NewRoster()
	s.channels = NewChannelRegistry(s.roster, config.DefaultChannel, mainLog)
	s.users = NewUserRegistry(s.roster, s.channels, mainLog)
	s.channels.SetBroadcaster(s.users)
	s.channels.SetMetrics(s.metrics)
	s.users.SetMetrics(s.metrics)
	s.permissions = NewPermissionRegistry(config.MemberRights, config.GuestRights, memberLog)
	s.members = NewMemberTable(memberLog)

	if config.DatabasePath != "" {
		path, err := expandHome(config.DatabasePath)
		if err != nil {
			return nil, err
		}
		st, err := store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.store = st
		if err := s.load(context.Background()); err != nil {
			st.Close()
			return nil, err
		}
	}

	s.manager = NewManager(config, &registries{
		channels:    s.channels,
		users:       s.users,
		permissions: s.permissions,
		members:     s.members,
		metrics:     s.metrics,
	}, connLog)

	return s, nil
}

func (s *Server) load(ctx context.Context) error {
	if err := s.syncMembers(ctx); err != nil {
		return err
	}

	channels, err := s.store.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	settings := make([]protocol.ChannelSettings, 0, len(channels))
	for _, c := range channels {
		settings = append(settings, protocol.ChannelSettings{
			Name:        c.Name,
			Topic:       c.Topic,
			Description: c.Description,
			HasPassword: c.HasPassword,
			Password:    c.Password,
			MaxClients:  c.MaxClients,
		})
	}
	s.channels.Load(settings)
	s.log.Info().Int("members", len(s.members.List())).Int("channels", len(settings)).Msg("configuration loaded")
	return nil
}

// syncMembers replaces the member table with what the database holds.
func (s *Server) syncMembers(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.LoadMembers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}
	members := make([]Member, 0, len(stored))
	for _, m := range stored {
		members = append(members, Member(m))
	}
	s.members.Replace(members)
	return nil
}

// Save writes the permanent channels to the database. Members are written
// through as they change, so a snapshot never touches them.
func (s *Server) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	perm := s.channels.Permanent()
	channels := make([]store.Channel, 0, len(perm))
	for _, c := range perm {
		channels = append(channels, store.Channel{
			Name:        c.Name,
			Topic:       c.Topic,
			Description: c.Description,
			HasPassword: c.HasPassword,
			Password:    c.Password,
			MaxClients:  c.MaxClients,
		})
	}
	if err := s.store.SaveChannels(ctx, channels); err != nil {
		return fmt.Errorf("failed to save channels: %w", err)
	}
	return nil
}

// Start opens the listeners and starts the connection manager.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	sources := []net.Listener{listener}

	if s.config.WSListenAddr != "" {
		wsLn, err := net.Listen("tcp", s.config.WSListenAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.WSListenAddr, err)
		}
		s.ws = NewWSListener(wsLn.Addr(), s.connLog)
		mux := http.NewServeMux()
		mux.Handle("/ws", s.ws)
		s.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			s.log.Info().Stringer("addr", wsLn.Addr()).Msg("websocket bridge listening (/ws)")
			if err := s.wsServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Msg("websocket server error")
			}
		}()
		sources = append(sources, s.ws)
	}

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsListenAddr != "" {
		metricsLn, err := net.Listen("tcp", s.config.MetricsListenAddr)
		if err != nil {
			s.closeListeners(sources)
			return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsListenAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		s.adminRoutes(mux)
		s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			s.log.Info().Stringer("addr", metricsLn.Addr()).Msg("metrics server listening (/metrics, /health, /members)")
			if err := s.metricsServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	s.startTime = time.Now()
	s.manager.Start(sources...)

	if s.store != nil && s.config.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop()
	}

	s.log.Info().Str("name", s.config.Name).Stringer("addr", listener.Addr()).Msg("server started")
	return nil
}

func (s *Server) closeListeners(sources []net.Listener) {
	for _, l := range sources {
		l.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}
}

// Stop stops accepting, terminates every session, saves and closes the database.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	s.log.Info().Msg("graceful shutdown initiated")
	close(s.shutdown)

	handlers := s.manager.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := Wait(ctx, handlers); err != nil {
		s.log.Warn().Err(err).Msg("handlers did not finish in time")
	}

	if s.wsServer != nil {
		s.wsServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	s.wg.Wait()

	if s.store == nil {
		s.log.Info().Msg("graceful shutdown complete")
		return nil
	}
	saveErr := s.Save(context.Background())
	if saveErr != nil {
		s.log.Error().Err(saveErr).Msg("final save failed")
	}
	if err := s.store.Close(); err != nil && saveErr == nil {
		saveErr = err
	}
	s.log.Info().Msg("graceful shutdown complete")
	return saveErr
}

func (s *Server) snapshotLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Save(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		case <-s.shutdown:
			return
		}
	}
}

// Reload applies the parts of a new configuration that can change at runtime:
// role rights and the handler pool limits. It also rereads the members from
// the database, picking up edits made by the member commands while the server
// runs. Sessions are left alone.
func (s *Server) Reload(ctx context.Context, config ServerConfig) error {
	s.adminMu.Lock()
	err := s.syncMembers(ctx)
	s.adminMu.Unlock()
	if err != nil {
		return err
	}

	s.permissions.SetRights(config.MemberRights, config.GuestRights)
	s.manager.SetLimits(config.MaxHandlers, config.MaxUsersPerHandler)
	s.config.MemberRights = config.MemberRights
	s.config.GuestRights = config.GuestRights
	s.config.MaxHandlers = config.MaxHandlers
	s.config.MaxUsersPerHandler = config.MaxUsersPerHandler
	s.log.Info().Msg("configuration reloaded")
	return nil
}

// HealthHandler reports liveness and a few counters as plain text.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok\nusers %d\nchannels %d\nhandlers %d\nuptime %s\n",
		s.users.Count(), s.channels.Count(), s.manager.HandlerCount(),
		time.Since(s.startTime).Truncate(time.Second))
}

// Addr returns the TCP listen address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WSAddr returns the WebSocket bridge address, or nil when disabled.
func (s *Server) WSAddr() net.Addr {
	if s.ws == nil {
		return nil
	}
	return s.ws.Addr()
}

// Channels exposes the channel registry, for administration and tests.
func (s *Server) Channels() *ChannelRegistry { return s.channels }

// Users exposes the user registry, for administration and tests.
func (s *Server) Users() *UserRegistry { return s.users }

// Members exposes the member table, for administration and tests.
func (s *Server) Members() *MemberTable { return s.members }

// Manager exposes the connection manager.
func (s *Server) Manager() *Manager { return s.manager }
