package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Message is implemented by every tagged message. EncodeTo and Decode handle
// the body only; the tag is written by WriteMessage and consumed by ReadMessage.
type Message interface {
	Type() MessageType
	EncodeTo(w io.Writer) error
	Decode(r io.Reader) error
}

var ErrWrongMessage = errors.New("unexpected message type")

// Encode serializes tag and body into a single buffer.
func Encode(m Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteInt32(buf, int32(m.Type())); err != nil {
		return nil, err
	}
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteMessage writes tag and body with a single Write call so that
// concurrent writers holding the same lock never interleave partial messages.
func WriteMessage(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// ReadMessage reads one tag and the matching body. Tags outside the catalogue
// produce an *Unknown with no body consumed and a nil error; callers ignore it.
func ReadMessage(r io.Reader) (Message, error) {
	tag, err := ReadInt32(r)
	if err != nil {
		return nil, err
	}
	t := MessageType(tag)
	m := New(t)
	if m == nil {
		return &Unknown{Tag: t}, nil
	}
	if err := m.Decode(r); err != nil {
		return nil, err
	}
	return m, nil
}

// Unknown stands in for a tag the reader does not recognise.
type Unknown struct {
	Tag MessageType
}

func (m *Unknown) Type() MessageType          { return m.Tag }
func (m *Unknown) EncodeTo(w io.Writer) error { return nil }
func (m *Unknown) Decode(r io.Reader) error   { return nil }

// ===== Shared records =====

// ChannelSettings is the editable part of a channel as sent in create/modify requests.
type ChannelSettings struct {
	Name        string
	Topic       string
	Description string
	HasPassword bool
	Password    string
	MaxClients  uint32
	Permanent   bool
}

func (s *ChannelSettings) EncodeTo(w io.Writer) error {
	if err := WriteString(w, s.Name); err != nil {
		return err
	}
	if err := WriteString(w, s.Topic); err != nil {
		return err
	}
	if err := WriteString(w, s.Description); err != nil {
		return err
	}
	if err := WriteBool(w, s.HasPassword); err != nil {
		return err
	}
	if err := WriteString(w, s.Password); err != nil {
		return err
	}
	if err := WriteUint32(w, s.MaxClients); err != nil {
		return err
	}
	return WriteBool(w, s.Permanent)
}

func (s *ChannelSettings) Decode(r io.Reader) error {
	var err error
	if s.Name, err = ReadString(r); err != nil {
		return err
	}
	if s.Topic, err = ReadString(r); err != nil {
		return err
	}
	if s.Description, err = ReadString(r); err != nil {
		return err
	}
	if s.HasPassword, err = ReadBool(r); err != nil {
		return err
	}
	if s.Password, err = ReadString(r); err != nil {
		return err
	}
	if s.MaxClients, err = ReadUint32(r); err != nil {
		return err
	}
	s.Permanent, err = ReadBool(r)
	return err
}

// ChannelInfo is the public view of a channel (no password) used in lists and notifications.
type ChannelInfo struct {
	ID          uint32
	Name        string
	Topic       string
	Description string
	HasPassword bool
	MaxClients  uint32
	Permanent   bool
}

func (c *ChannelInfo) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, c.ID); err != nil {
		return err
	}
	if err := WriteString(w, c.Name); err != nil {
		return err
	}
	if err := WriteString(w, c.Topic); err != nil {
		return err
	}
	if err := WriteString(w, c.Description); err != nil {
		return err
	}
	if err := WriteBool(w, c.HasPassword); err != nil {
		return err
	}
	if err := WriteUint32(w, c.MaxClients); err != nil {
		return err
	}
	return WriteBool(w, c.Permanent)
}

func (c *ChannelInfo) Decode(r io.Reader) error {
	var err error
	if c.ID, err = ReadUint32(r); err != nil {
		return err
	}
	if c.Name, err = ReadString(r); err != nil {
		return err
	}
	if c.Topic, err = ReadString(r); err != nil {
		return err
	}
	if c.Description, err = ReadString(r); err != nil {
		return err
	}
	if c.HasPassword, err = ReadBool(r); err != nil {
		return err
	}
	if c.MaxClients, err = ReadUint32(r); err != nil {
		return err
	}
	c.Permanent, err = ReadBool(r)
	return err
}

// UserInfo is one USER_LIST entry.
type UserInfo struct {
	ID        uint32
	Username  string
	Nickname  string
	ChannelID uint32
}

func (u *UserInfo) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, u.ID); err != nil {
		return err
	}
	if err := WriteString(w, u.Username); err != nil {
		return err
	}
	if err := WriteString(w, u.Nickname); err != nil {
		return err
	}
	return WriteUint32(w, u.ChannelID)
}

func (u *UserInfo) Decode(r io.Reader) error {
	var err error
	if u.ID, err = ReadUint32(r); err != nil {
		return err
	}
	if u.Username, err = ReadString(r); err != nil {
		return err
	}
	if u.Nickname, err = ReadString(r); err != nil {
		return err
	}
	u.ChannelID, err = ReadUint32(r)
	return err
}

// Login follows CONNECTION_REQUEST inline. It has no tag of its own.
type Login struct {
	IsMember bool
	Username string
	Nickname string
	Password string
}

func (l *Login) EncodeTo(w io.Writer) error {
	if err := WriteBool(w, l.IsMember); err != nil {
		return err
	}
	if err := WriteString(w, l.Username); err != nil {
		return err
	}
	if err := WriteString(w, l.Nickname); err != nil {
		return err
	}
	return WriteString(w, l.Password)
}

func (l *Login) Decode(r io.Reader) error {
	var err error
	if l.IsMember, err = ReadBool(r); err != nil {
		return err
	}
	if l.Username, err = ReadString(r); err != nil {
		return err
	}
	if l.Nickname, err = ReadString(r); err != nil {
		return err
	}
	l.Password, err = ReadString(r)
	return err
}

// ===== Client → Server =====

// ConnectionRequest (0) - handshake marker, followed by a Login
type ConnectionRequest struct{}

func (m *ConnectionRequest) Type() MessageType          { return TypeConnectionRequest }
func (m *ConnectionRequest) EncodeTo(w io.Writer) error { return nil }
func (m *ConnectionRequest) Decode(r io.Reader) error   { return nil }

// DisconnectionRequest (1)
type DisconnectionRequest struct{}

func (m *DisconnectionRequest) Type() MessageType          { return TypeDisconnectionRequest }
func (m *DisconnectionRequest) EncodeTo(w io.Writer) error { return nil }
func (m *DisconnectionRequest) Decode(r io.Reader) error   { return nil }

// ChannelListRequest (2) - answered with CHANNEL_LIST
type ChannelListRequest struct{}

func (m *ChannelListRequest) Type() MessageType          { return TypeChannelListRequest }
func (m *ChannelListRequest) EncodeTo(w io.Writer) error { return nil }
func (m *ChannelListRequest) Decode(r io.Reader) error   { return nil }

// ChannelCreateRequest (3)
type ChannelCreateRequest struct {
	Settings ChannelSettings
}

func (m *ChannelCreateRequest) Type() MessageType          { return TypeChannelCreateRequest }
func (m *ChannelCreateRequest) EncodeTo(w io.Writer) error { return m.Settings.EncodeTo(w) }
func (m *ChannelCreateRequest) Decode(r io.Reader) error   { return m.Settings.Decode(r) }

// ChannelModifyRequest (4) - full replacement of a channel's settings
type ChannelModifyRequest struct {
	ChannelID uint32
	Settings  ChannelSettings
}

func (m *ChannelModifyRequest) Type() MessageType { return TypeChannelModifyRequest }

func (m *ChannelModifyRequest) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.ChannelID); err != nil {
		return err
	}
	return m.Settings.EncodeTo(w)
}

func (m *ChannelModifyRequest) Decode(r io.Reader) error {
	id, err := ReadUint32(r)
	if err != nil {
		return err
	}
	m.ChannelID = id
	return m.Settings.Decode(r)
}

// ChannelDeleteRequest (5)
type ChannelDeleteRequest struct {
	ChannelID uint32
}

func (m *ChannelDeleteRequest) Type() MessageType          { return TypeChannelDeleteRequest }
func (m *ChannelDeleteRequest) EncodeTo(w io.Writer) error { return WriteUint32(w, m.ChannelID) }

func (m *ChannelDeleteRequest) Decode(r io.Reader) error {
	id, err := ReadUint32(r)
	m.ChannelID = id
	return err
}

// UserListRequest (6) - answered with USER_LIST
type UserListRequest struct{}

func (m *UserListRequest) Type() MessageType          { return TypeUserListRequest }
func (m *UserListRequest) EncodeTo(w io.Writer) error { return nil }
func (m *UserListRequest) Decode(r io.Reader) error   { return nil }

// UserMoveRequest (7)
type UserMoveRequest struct {
	UserID    uint32
	ChannelID uint32
	Password  string
}

func (m *UserMoveRequest) Type() MessageType { return TypeUserMoveRequest }

func (m *UserMoveRequest) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.UserID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.ChannelID); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *UserMoveRequest) Decode(r io.Reader) error {
	var err error
	if m.UserID, err = ReadUint32(r); err != nil {
		return err
	}
	if m.ChannelID, err = ReadUint32(r); err != nil {
		return err
	}
	m.Password, err = ReadString(r)
	return err
}

// MessageRequest (8) - chat text for the sender's current channel
type MessageRequest struct {
	Text string
}

func (m *MessageRequest) Type() MessageType          { return TypeMessageRequest }
func (m *MessageRequest) EncodeTo(w io.Writer) error { return WriteString(w, m.Text) }

func (m *MessageRequest) Decode(r io.Reader) error {
	text, err := ReadString(r)
	m.Text = text
	return err
}

// ===== Server → Client =====

// ConnectionAccepted (9)
type ConnectionAccepted struct {
	ServerName     string
	Version        string
	WelcomeMessage string
	UserID         uint32
}

func (m *ConnectionAccepted) Type() MessageType { return TypeConnectionAccepted }

func (m *ConnectionAccepted) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.ServerName); err != nil {
		return err
	}
	if err := WriteString(w, m.Version); err != nil {
		return err
	}
	if err := WriteString(w, m.WelcomeMessage); err != nil {
		return err
	}
	return WriteUint32(w, m.UserID)
}

func (m *ConnectionAccepted) Decode(r io.Reader) error {
	var err error
	if m.ServerName, err = ReadString(r); err != nil {
		return err
	}
	if m.Version, err = ReadString(r); err != nil {
		return err
	}
	if m.WelcomeMessage, err = ReadString(r); err != nil {
		return err
	}
	m.UserID, err = ReadUint32(r)
	return err
}

// ConnectionRejected (10) - carries a human-readable reason
type ConnectionRejected struct {
	Reason string
}

func (m *ConnectionRejected) Type() MessageType          { return TypeConnectionRejected }
func (m *ConnectionRejected) EncodeTo(w io.Writer) error { return WriteString(w, m.Reason) }

func (m *ConnectionRejected) Decode(r io.Reader) error {
	reason, err := ReadString(r)
	m.Reason = reason
	return err
}

// ConnectionTerminated (11) - sent once before the server closes a session on shutdown
type ConnectionTerminated struct{}

func (m *ConnectionTerminated) Type() MessageType          { return TypeConnectionTerminated }
func (m *ConnectionTerminated) EncodeTo(w io.Writer) error { return nil }
func (m *ConnectionTerminated) Decode(r io.Reader) error   { return nil }

// ChannelList (12)
type ChannelList struct {
	Channels []ChannelInfo
}

func (m *ChannelList) Type() MessageType { return TypeChannelList }

func (m *ChannelList) EncodeTo(w io.Writer) error {
	if err := WriteInt32(w, int32(len(m.Channels))); err != nil {
		return err
	}
	for i := range m.Channels {
		if err := m.Channels[i].EncodeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *ChannelList) Decode(r io.Reader) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Channels = make([]ChannelInfo, 0, capHint(n))
	for i := 0; i < n; i++ {
		var c ChannelInfo
		if err := c.Decode(r); err != nil {
			return err
		}
		m.Channels = append(m.Channels, c)
	}
	return nil
}

// ChannelCreated (13)
type ChannelCreated struct {
	Channel ChannelInfo
}

func (m *ChannelCreated) Type() MessageType          { return TypeChannelCreated }
func (m *ChannelCreated) EncodeTo(w io.Writer) error { return m.Channel.EncodeTo(w) }
func (m *ChannelCreated) Decode(r io.Reader) error   { return m.Channel.Decode(r) }

// ChannelModified (14)
type ChannelModified struct {
	Channel ChannelInfo
}

func (m *ChannelModified) Type() MessageType          { return TypeChannelModified }
func (m *ChannelModified) EncodeTo(w io.Writer) error { return m.Channel.EncodeTo(w) }
func (m *ChannelModified) Decode(r io.Reader) error   { return m.Channel.Decode(r) }

// ChannelDeleted (15)
type ChannelDeleted struct {
	ChannelID uint32
}

func (m *ChannelDeleted) Type() MessageType          { return TypeChannelDeleted }
func (m *ChannelDeleted) EncodeTo(w io.Writer) error { return WriteUint32(w, m.ChannelID) }

func (m *ChannelDeleted) Decode(r io.Reader) error {
	id, err := ReadUint32(r)
	m.ChannelID = id
	return err
}

// UserList (16)
type UserList struct {
	Users []UserInfo
}

func (m *UserList) Type() MessageType { return TypeUserList }

func (m *UserList) EncodeTo(w io.Writer) error {
	if err := WriteInt32(w, int32(len(m.Users))); err != nil {
		return err
	}
	for i := range m.Users {
		if err := m.Users[i].EncodeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *UserList) Decode(r io.Reader) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Users = make([]UserInfo, 0, capHint(n))
	for i := 0; i < n; i++ {
		var u UserInfo
		if err := u.Decode(r); err != nil {
			return err
		}
		m.Users = append(m.Users, u)
	}
	return nil
}

// UserCreated (17)
type UserCreated struct {
	UserID   uint32
	Username string
	Nickname string
}

func (m *UserCreated) Type() MessageType { return TypeUserCreated }

func (m *UserCreated) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.UserID); err != nil {
		return err
	}
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteString(w, m.Nickname)
}

func (m *UserCreated) Decode(r io.Reader) error {
	var err error
	if m.UserID, err = ReadUint32(r); err != nil {
		return err
	}
	if m.Username, err = ReadString(r); err != nil {
		return err
	}
	m.Nickname, err = ReadString(r)
	return err
}

// UserMoved (18)
type UserMoved struct {
	UserID    uint32
	ChannelID uint32
}

func (m *UserMoved) Type() MessageType { return TypeUserMoved }

func (m *UserMoved) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.UserID); err != nil {
		return err
	}
	return WriteUint32(w, m.ChannelID)
}

func (m *UserMoved) Decode(r io.Reader) error {
	var err error
	if m.UserID, err = ReadUint32(r); err != nil {
		return err
	}
	m.ChannelID, err = ReadUint32(r)
	return err
}

// UserDeleted (19)
type UserDeleted struct {
	UserID uint32
}

func (m *UserDeleted) Type() MessageType          { return TypeUserDeleted }
func (m *UserDeleted) EncodeTo(w io.Writer) error { return WriteUint32(w, m.UserID) }

func (m *UserDeleted) Decode(r io.Reader) error {
	id, err := ReadUint32(r)
	m.UserID = id
	return err
}

// ChatMessage (20) - MESSAGE relayed to a channel, sender first
type ChatMessage struct {
	SenderID uint32
	Text     string
}

func (m *ChatMessage) Type() MessageType { return TypeMessage }

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.SenderID); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *ChatMessage) Decode(r io.Reader) error {
	var err error
	if m.SenderID, err = ReadUint32(r); err != nil {
		return err
	}
	m.Text, err = ReadString(r)
	return err
}

// InsufficientPermission (22) - replaces the expected reply when a permission check fails
type InsufficientPermission struct{}

func (m *InsufficientPermission) Type() MessageType          { return TypeInsufficientPermission }
func (m *InsufficientPermission) EncodeTo(w io.Writer) error { return nil }
func (m *InsufficientPermission) Decode(r io.Reader) error   { return nil }
