package server

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/rs/zerolog"
)

// registries bundles the shared state every handler and the listener operate on.
type registries struct {
	channels    *ChannelRegistry
	users       *UserRegistry
	permissions *PermissionRegistry
	members     *MemberTable
	metrics     *Metrics
}

// session is one user owned by a handler. The reader goroutine decodes whole
// messages into inbox; the handler loop consumes at most one per pass.
type session struct {
	user   *User
	inbox  chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.closed) })
}

// Handler serves a bounded set of sessions from a single loop.
type Handler struct {
	id           int
	pollInterval time.Duration
	reg          *registries
	log          zerolog.Logger

	mu       sync.Mutex
	sessions map[uint32]*session
	stopped  bool
	pending  atomic.Int32

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newHandler(id int, pollInterval time.Duration, reg *registries, logger zerolog.Logger) *Handler {
	return &Handler{
		id:           id,
		pollInterval: pollInterval,
		reg:          reg,
		log:          logger.With().Int("handler", id).Logger(),
		sessions:     make(map[uint32]*session),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// UserCount counts attached sessions plus slots reserved for handshakes in flight.
func (h *Handler) UserCount() int {
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	return n + int(h.pending.Load())
}

func (h *Handler) reserve() { h.pending.Add(1) }

// release gives back a slot reserved by the manager when the handshake fails.
func (h *Handler) release() { h.pending.Add(-1) }

// Attach hands a logged-in user to this handler and consumes the reservation.
// It returns false if the handler has already stopped.
func (h *Handler) Attach(u *User) bool {
	defer h.release()

	s := &session{
		user:   u,
		inbox:  make(chan protocol.Message, 1),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.sessions[u.ID] = s
	h.mu.Unlock()

	go h.readLoop(s)
	h.log.Debug().Uint32("user", u.ID).Msg("session attached")
	return true
}

// Stop asks the loop to finish its current pass and terminate every session.
// It does not wait; use Done for that.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Done is closed once the handler has terminated all of its sessions.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

func (h *Handler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// readLoop decodes messages off one socket. A read failure is delivered as a
// disconnection so the handler tears the session down on its own loop.
func (h *Handler) readLoop(s *session) {
	for {
		m, err := s.user.Conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			h.log.Debug().Err(err).Uint32("user", s.user.ID).Msg("read failed, disconnecting")
			m = &protocol.DisconnectionRequest{}
		} else if _, unknown := m.(*protocol.Unknown); unknown {
			h.log.Debug().Uint32("user", s.user.ID).Stringer("type", m.Type()).Msg("unknown message ignored")
			continue
		} else {
			h.reg.metrics.RecordMessageReceived(m.Type())
		}

		select {
		case s.inbox <- m:
			h.signal()
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (h *Handler) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	h.log.Info().Msg("connection handler started")
	for {
		select {
		case <-h.stop:
			h.terminate()
			return
		default:
		}

		h.pass()

		select {
		case <-h.stop:
			h.terminate()
			return
		case <-h.wake:
		case <-ticker.C:
		}
	}
}

// pass takes at most one pending message from each session, in user ID order.
func (h *Handler) pass() {
	h.mu.Lock()
	batch := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		batch = append(batch, s)
	}
	h.mu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].user.ID < batch[j].user.ID })

	for _, s := range batch {
		select {
		case m := <-s.inbox:
			h.dispatch(s, m)
		default:
		}
	}
}

func (h *Handler) dispatch(s *session, m protocol.Message) {
	id := s.user.ID
	reg := h.reg

	switch msg := m.(type) {
	case *protocol.DisconnectionRequest:
		h.disconnect(s)

	case *protocol.ChannelListRequest:
		h.reply(s, &protocol.ChannelList{Channels: reg.channels.List()})

	case *protocol.ChannelCreateRequest:
		if !reg.permissions.CanCreateChannel(id) {
			h.deny(s, msg)
			return
		}
		channelID := reg.channels.Create(msg.Settings)
		reg.users.Move(id, channelID, msg.Settings.Password)

	case *protocol.ChannelModifyRequest:
		if !reg.permissions.CanModifyChannel(id) {
			h.deny(s, msg)
			return
		}
		if err := reg.channels.Modify(msg.ChannelID, msg.Settings); err != nil {
			h.log.Debug().Err(err).Uint32("user", id).Uint32("channel", msg.ChannelID).Msg("modify ignored")
		}

	case *protocol.ChannelDeleteRequest:
		if msg.ChannelID == DefaultChannelID || !reg.permissions.CanDeleteChannel(id) {
			h.deny(s, msg)
			return
		}
		if err := reg.channels.Delete(msg.ChannelID); err != nil {
			h.log.Debug().Err(err).Uint32("user", id).Uint32("channel", msg.ChannelID).Msg("delete ignored")
		}

	case *protocol.UserListRequest:
		h.reply(s, &protocol.UserList{Users: reg.users.List()})

	case *protocol.UserMoveRequest:
		reg.users.Move(msg.UserID, msg.ChannelID, msg.Password)

	case *protocol.MessageRequest:
		channelID, ok := reg.users.ChannelOf(id)
		if !ok {
			return
		}
		reg.users.SendToChannel(channelID, &protocol.ChatMessage{SenderID: id, Text: msg.Text})

	default:
		h.log.Debug().Uint32("user", id).Stringer("type", m.Type()).Msg("unexpected message ignored")
	}
}

func (h *Handler) reply(s *session, m protocol.Message) {
	if err := s.user.Conn.WriteMessage(m); err != nil {
		h.log.Debug().Err(err).Uint32("user", s.user.ID).Stringer("type", m.Type()).Msg("reply failed")
		return
	}
	h.reg.metrics.RecordMessagesSent(m.Type(), 1)
}

func (h *Handler) deny(s *session, m protocol.Message) {
	h.log.Info().Uint32("user", s.user.ID).Stringer("request", m.Type()).Msg("insufficient permission")
	h.reply(s, &protocol.InsufficientPermission{})
}

// disconnect removes a session at the client's request or after its socket failed.
func (h *Handler) disconnect(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.user.ID)
	h.mu.Unlock()

	s.close()
	s.user.Conn.Close()

	switch {
	case h.reg.permissions.IsMember(s.user.ID):
		h.log.Info().Str("member", s.user.Username).Uint32("user", s.user.ID).Msg("member disconnected")
	case h.reg.permissions.IsGuest(s.user.ID):
		h.log.Info().Str("guest", s.user.Nickname).Uint32("user", s.user.ID).Msg("guest disconnected")
	}
	h.reg.permissions.Unregister(s.user.ID)
	if err := h.reg.users.Delete(s.user.ID); err != nil {
		h.log.Debug().Err(err).Uint32("user", s.user.ID).Msg("delete on disconnect")
	}
}

// terminate notifies and removes every session on shutdown.
func (h *Handler) terminate() {
	h.mu.Lock()
	h.stopped = true
	batch := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		batch = append(batch, s)
	}
	h.sessions = make(map[uint32]*session)
	h.mu.Unlock()

	for _, s := range batch {
		terminateUser(h.reg, s.user, h.log)
		s.close()
	}
	h.log.Info().Int("sessions", len(batch)).Msg("connection handler stopped")
}

// terminateUser sends CONNECTION_TERMINATED, closes the socket and forgets the user.
func terminateUser(reg *registries, u *User, logger zerolog.Logger) {
	if err := u.Conn.WriteMessage(&protocol.ConnectionTerminated{}); err != nil {
		logger.Debug().Err(err).Uint32("user", u.ID).Msg("terminate notice failed")
	}
	u.Conn.Close()
	reg.permissions.Unregister(u.ID)
	if err := reg.users.Delete(u.ID); err != nil {
		logger.Debug().Err(err).Uint32("user", u.ID).Msg("delete on terminate")
	}
}
