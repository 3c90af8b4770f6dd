// Package client is a small conVoice protocol client. It is used by the
// end-to-end tests and the load tester.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultTCPPort  = "6969"
	defaultHTTPPort = "8080"
	dialTimeout     = 5 * time.Second
)

var ErrClosed = errors.New("connection closed")

// RejectedError is returned by Connect when the server answers CONNECTION_REJECTED.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "connection rejected: " + e.Reason
}

// Client is one logged-in connection. Incoming messages are decoded by a
// reader goroutine and queued until Next or Expect picks them up.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	wmu    sync.Mutex

	// Accepted is the server's handshake answer.
	Accepted *protocol.ConnectionAccepted

	incoming chan protocol.Message
	readErr  error
	done     chan struct{}
	closeMu  sync.Once

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Dial opens a raw transport to addr. Accepted forms are host:port,
// tcp://host:port and ws://host:port[/path]; the WebSocket path defaults to /ws.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("dial failed: %w", err)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		return conn, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" {
			path = "/ws"
		}
		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		ws, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		return &wsConn{ws: ws}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

// Connect dials addr, sends CONNECTION_REQUEST with the login block and waits
// for the server's answer. A rejection is returned as *RejectedError.
func Connect(ctx context.Context, addr string, login protocol.Login) (*Client, error) {
	conn, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c, err := Handshake(ctx, conn, login)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake logs in over an already open transport.
func Handshake(ctx context.Context, conn net.Conn, login protocol.Login) (*Client, error) {
	c := &Client{
		conn:     conn,
		incoming: make(chan protocol.Message, 256),
		done:     make(chan struct{}),
	}
	c.reader = bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})

	buf := new(bytes.Buffer)
	if err := protocol.WriteMessage(buf, &protocol.ConnectionRequest{}); err != nil {
		return nil, err
	}
	if err := login.EncodeTo(buf); err != nil {
		return nil, err
	}
	if err := c.write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to send login: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	m, err := protocol.ReadMessage(c.reader)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake reply: %w", err)
	}

	switch reply := m.(type) {
	case *protocol.ConnectionAccepted:
		c.Accepted = reply
	case *protocol.ConnectionRejected:
		return nil, &RejectedError{Reason: reply.Reason}
	default:
		return nil, fmt.Errorf("%w: %s during handshake", protocol.ErrWrongMessage, m.Type())
	}

	go c.readLoop()
	return c, nil
}

// UserID is the ID the server assigned at login.
func (c *Client) UserID() uint32 {
	return c.Accepted.UserID
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		m, err := protocol.ReadMessage(c.reader)
		if err != nil {
			c.readErr = err
			return
		}
		if _, unknown := m.(*protocol.Unknown); unknown {
			continue
		}
		select {
		case c.incoming <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, err := c.conn.Write(data)
	c.bytesSent.Add(uint64(n))
	return err
}

// Send writes one message.
func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Incoming exposes the decoded message stream. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Next returns the next message, or an error once the stream has ended.
func (c *Client) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case m, ok := <-c.incoming:
		if !ok {
			if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
				return nil, c.readErr
			}
			return nil, ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Expect skips messages until one of type t arrives.
func (c *Client) Expect(ctx context.Context, t protocol.MessageType) (protocol.Message, error) {
	return c.Await(ctx, func(m protocol.Message) bool { return m.Type() == t })
}

// Await skips messages until match accepts one.
func (c *Client) Await(ctx context.Context, match func(protocol.Message) bool) (protocol.Message, error) {
	for {
		m, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if match(m) {
			return m, nil
		}
	}
}

// Disconnect sends DISCONNECTION_REQUEST and closes the connection.
func (c *Client) Disconnect() error {
	err := c.Send(&protocol.DisconnectionRequest{})
	c.Close()
	return err
}

// Close closes the connection without notifying the server.
func (c *Client) Close() error {
	var err error
	c.closeMu.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) BytesSent() uint64     { return c.bytesSent.Load() }
func (c *Client) BytesReceived() uint64 { return c.bytesReceived.Load() }

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}

// countingReader counts bytes read from the wire.
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}
