package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// recordConn is a net.Conn that keeps everything written to it. Reads block
// until the connection is closed.
type recordConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newRecordConn() *recordConn {
	return &recordConn{closed: make(chan struct{})}
}

func (c *recordConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *recordConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *recordConn) LocalAddr() net.Addr              { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *recordConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

// messages decodes everything written so far.
func (c *recordConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()

	r := bytes.NewReader(data)
	var out []protocol.Message
	for r.Len() > 0 {
		m, err := protocol.ReadMessage(r)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

// types lists the tags of everything written so far.
func (c *recordConn) types(t *testing.T) []protocol.MessageType {
	t.Helper()
	var out []protocol.MessageType
	for _, m := range c.messages(t) {
		out = append(out, m.Type())
	}
	return out
}

func (c *recordConn) reset() {
	c.mu.Lock()
	c.buf.Reset()
	c.mu.Unlock()
}

// testRegistries wires the shared state the way NewServer does, without sockets.
func testRegistries(t *testing.T) *registries {
	t.Helper()
	roster := NewRoster()
	channels := NewChannelRegistry(roster, ChannelDefaults{
		Name:        "Default Channel",
		Description: "The default channel of the server.",
	}, testLogger)
	users := NewUserRegistry(roster, channels, testLogger)
	channels.SetBroadcaster(users)
	metrics := NewMetrics()
	channels.SetMetrics(metrics)
	users.SetMetrics(metrics)

	return &registries{
		channels:    channels,
		users:       users,
		permissions: NewPermissionRegistry(NewRights(true, true, true), NewRights(false, false, false), testLogger),
		members:     NewMemberTable(testLogger),
		metrics:     metrics,
	}
}

// addUser creates a user backed by a recordConn.
func addUser(t *testing.T, reg *registries, name string, member bool) (*User, *recordConn) {
	t.Helper()
	conn := newRecordConn()
	id := reg.users.AllocateID()
	u := reg.users.Create(id, name, name, NewSafeConn(conn))
	if member {
		reg.permissions.RegisterMember(id)
	} else {
		reg.permissions.RegisterGuest(id)
	}
	return u, conn
}

func channelOf(t *testing.T, reg *registries, userID uint32) uint32 {
	t.Helper()
	ch, ok := reg.users.ChannelOf(userID)
	require.True(t, ok, "user %d has no channel", userID)
	return ch
}
