package server

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
)

// SafeConn wraps a net.Conn with write synchronization so that broadcasts and
// direct replies from different goroutines never interleave on the wire.
//
// Reads go through one buffered reader owned by the connection. The listener
// uses it for the handshake and then hands it to the session reader, so bytes
// a client pipelines right after its login are not lost.
type SafeConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// WriteMessage encodes and sends one message under the write lock.
func (sc *SafeConn) WriteMessage(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes raw bytes to the connection with synchronization.
// Used for pre-encoded messages in broadcast operations.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(data)
	return err
}

// ReadMessage reads one message. Only one goroutine may read at a time.
func (sc *SafeConn) ReadMessage() (protocol.Message, error) {
	return protocol.ReadMessage(sc.reader)
}

// ReadType reads only a message tag. The handshake uses it to judge the
// first message before any body arrives.
func (sc *SafeConn) ReadType() (protocol.MessageType, error) {
	t, err := protocol.ReadInt32(sc.reader)
	return protocol.MessageType(t), err
}

// ReadLogin reads the login block that follows CONNECTION_REQUEST.
func (sc *SafeConn) ReadLogin() (*protocol.Login, error) {
	var l protocol.Login
	if err := l.Decode(sc.reader); err != nil {
		return nil, err
	}
	return &l, nil
}

// Close closes the underlying connection. Later calls return the first result.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// closeAfterDrain shuts the write side, discards whatever the peer still sends
// for up to linger, then closes. A plain close with unread input resets the
// connection and can destroy the last reply before the peer reads it.
func (sc *SafeConn) closeAfterDrain(linger time.Duration) error {
	if cw, ok := sc.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = sc.conn.SetReadDeadline(time.Now().Add(linger))
	_, _ = io.Copy(io.Discard, sc.reader)
	return sc.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
