package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/rs/zerolog"
)

// Rejection reasons sent in CONNECTION_REJECTED.
const (
	ReasonBadProtocol = "Bad protocol."
	ReasonServerFull  = "Server is full."
	ReasonBadLogin    = "Incorrect username / password."
)

// handshakeTimeout bounds how long a client may take to send its login.
const handshakeTimeout = 30 * time.Second

// rejectLinger bounds how long a rejected connection is drained before close.
const rejectLinger = 250 * time.Millisecond

// Identity is what CONNECTION_ACCEPTED reports about the server.
type Identity struct {
	Name           string
	Version        string
	WelcomeMessage string
}

// handlerPool hands out handler slots to new connections.
type handlerPool interface {
	AcquireHandler() (*Handler, bool)
}

// Listener accepts connections from one or more sources and logs them in.
type Listener struct {
	pool     handlerPool
	reg      *registries
	log      zerolog.Logger
	identity Identity

	mu      sync.Mutex
	sources []net.Listener
	closed  bool
	wg      sync.WaitGroup
}

func NewListener(pool handlerPool, reg *registries, identity Identity, logger zerolog.Logger) *Listener {
	return &Listener{
		pool:     pool,
		reg:      reg,
		identity: identity,
		log:      logger,
	}
}

// Serve starts an accept loop on src. The source is closed by Stop.
func (l *Listener) Serve(src net.Listener) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		src.Close()
		return
	}
	l.sources = append(l.sources, src)
	l.wg.Add(1)
	l.mu.Unlock()

	go l.acceptLoop(src)
}

// Stop closes every source, which ends the accept loops. Handshakes already
// in progress finish on their own.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.closed = true
	sources := l.sources
	l.sources = nil
	l.mu.Unlock()

	for _, src := range sources {
		src.Close()
	}
	l.wg.Wait()
}

func (l *Listener) acceptLoop(src net.Listener) {
	defer l.wg.Done()
	l.log.Info().Stringer("addr", src.Addr()).Msg("connection listener started")

	for {
		conn, err := src.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.isClosed() {
				l.log.Info().Stringer("addr", src.Addr()).Msg("connection listener stopped")
				return
			}
			l.log.Warn().Err(err).Msg("accept error")
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go l.handshake(conn)
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// handshake runs the login sequence: CONNECTION_REQUEST, handler assignment,
// login block, credential check, then CONNECTION_ACCEPTED.
func (l *Listener) handshake(conn net.Conn) {
	sc := NewSafeConn(conn)
	remote := conn.RemoteAddr().String()
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	// CONNECTION_REQUEST has no body, so the tag alone decides.
	t, err := sc.ReadType()
	if err != nil || t != protocol.TypeConnectionRequest {
		l.reject(sc, ReasonBadProtocol, "bad_protocol")
		return
	}

	h, ok := l.pool.AcquireHandler()
	if !ok {
		l.reject(sc, ReasonServerFull, "full")
		return
	}

	login, err := sc.ReadLogin()
	if err != nil {
		h.release()
		l.log.Debug().Err(err).Str("remote", remote).Msg("login read failed")
		sc.Close()
		return
	}
	if login.IsMember && !l.reg.members.Validate(login.Username, login.Password) {
		h.release()
		l.reject(sc, ReasonBadLogin, "auth")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	nickname := login.Nickname
	if login.IsMember && nickname == "" {
		if m, ok := l.reg.members.Get(login.Username); ok {
			nickname = m.Nickname
		}
	}

	id := l.reg.users.AllocateID()
	accepted := &protocol.ConnectionAccepted{
		ServerName:     l.identity.Name,
		Version:        l.identity.Version,
		WelcomeMessage: l.identity.WelcomeMessage,
		UserID:         id,
	}
	if err := sc.WriteMessage(accepted); err != nil {
		h.release()
		l.log.Debug().Err(err).Str("remote", remote).Msg("accept write failed")
		sc.Close()
		return
	}

	user := l.reg.users.Create(id, login.Username, nickname, sc)
	if login.IsMember {
		l.reg.permissions.RegisterMember(id)
		l.log.Info().Str("member", login.Username).Uint32("user", id).Msg("member connected")
	} else {
		l.reg.permissions.RegisterGuest(id)
	}

	if !h.Attach(user) {
		terminateUser(l.reg, user, l.log)
		return
	}

	l.reg.metrics.RecordConnectionAccepted()
	l.log.Info().Uint32("user", id).Str("remote", remote).Msg("new connection accepted")
}

func (l *Listener) reject(sc *SafeConn, reason, label string) {
	if err := sc.WriteMessage(&protocol.ConnectionRejected{Reason: reason}); err != nil {
		l.log.Debug().Err(err).Msg("reject write failed")
	}
	sc.closeAfterDrain(rejectLinger)
	l.reg.metrics.RecordConnectionRejected(label)
	l.log.Info().Str("reason", reason).Stringer("remote", sc.RemoteAddr()).Msg("new connection rejected")
}
