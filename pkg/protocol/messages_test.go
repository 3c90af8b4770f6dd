package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))
	decoded, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "trailing bytes after %s", m.Type())
	return decoded
}

func TestMessageRoundTrip(t *testing.T) {
	settings := ChannelSettings{
		Name:        "lounge",
		Topic:       "chit chat",
		Description: "a room",
		HasPassword: true,
		Password:    "pw",
		MaxClients:  5,
		Permanent:   true,
	}
	info := ChannelInfo{ID: 3, Name: "lounge", Topic: "t", Description: "d", HasPassword: true, MaxClients: 5}

	tests := []struct {
		name string
		msg  Message
	}{
		{"connection request", &ConnectionRequest{}},
		{"disconnection request", &DisconnectionRequest{}},
		{"channel list request", &ChannelListRequest{}},
		{"channel create request", &ChannelCreateRequest{Settings: settings}},
		{"channel modify request", &ChannelModifyRequest{ChannelID: 7, Settings: settings}},
		{"channel delete request", &ChannelDeleteRequest{ChannelID: 7}},
		{"user list request", &UserListRequest{}},
		{"user move request", &UserMoveRequest{UserID: 1, ChannelID: 2, Password: "x"}},
		{"message request", &MessageRequest{Text: "hello"}},
		{"connection accepted", &ConnectionAccepted{ServerName: "S", Version: "v1.0.0", WelcomeMessage: "hi", UserID: 1}},
		{"connection rejected", &ConnectionRejected{Reason: "Server is full."}},
		{"connection terminated", &ConnectionTerminated{}},
		{"channel list", &ChannelList{Channels: []ChannelInfo{{ID: 0, Name: "Default Channel", MaxClients: 0x7FFFFFFF}, info}}},
		{"empty channel list", &ChannelList{Channels: []ChannelInfo{}}},
		{"channel created", &ChannelCreated{Channel: info}},
		{"channel modified", &ChannelModified{Channel: info}},
		{"channel deleted", &ChannelDeleted{ChannelID: 3}},
		{"user list", &UserList{Users: []UserInfo{{ID: 1, Username: "alice", Nickname: "Al", ChannelID: 0}}}},
		{"user created", &UserCreated{UserID: 2, Username: "", Nickname: "bob"}},
		{"user moved", &UserMoved{UserID: 2, ChannelID: 3}},
		{"user deleted", &UserDeleted{UserID: 2}},
		{"chat message", &ChatMessage{SenderID: 1, Text: "hi there"}},
		{"insufficient permission", &InsufficientPermission{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := roundTrip(t, tt.msg)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestGoldenBytes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{
			name: "connection request is a bare tag",
			msg:  &ConnectionRequest{},
			want: []byte{0, 0, 0, 0},
		},
		{
			name: "insufficient permission",
			msg:  &InsufficientPermission{},
			want: []byte{0, 0, 0, 22},
		},
		{
			name: "user moved",
			msg:  &UserMoved{UserID: 1, ChannelID: 2},
			want: []byte{0, 0, 0, 18, 0, 0, 0, 1, 0, 0, 0, 2},
		},
		{
			name: "chat message sender before text",
			msg:  &ChatMessage{SenderID: 5, Text: "hi"},
			want: []byte{0, 0, 0, 20, 0, 0, 0, 5, 0, 2, 'h', 'i'},
		},
		{
			name: "connection rejected",
			msg:  &ConnectionRejected{Reason: "no"},
			want: []byte{0, 0, 0, 10, 0, 2, 'n', 'o'},
		},
		{
			name: "channel delete request",
			msg:  &ChannelDeleteRequest{ChannelID: 0x01020304},
			want: []byte{0, 0, 0, 5, 1, 2, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChannelCreateRequestLayout(t *testing.T) {
	got, err := Encode(&ChannelCreateRequest{Settings: ChannelSettings{
		Name:        "a",
		HasPassword: true,
		Password:    "p",
		MaxClients:  3,
		Permanent:   true,
	}})
	require.NoError(t, err)
	want := []byte{
		0, 0, 0, 3, // tag
		0, 1, 'a', // name
		0, 0, // topic
		0, 0, // description
		1,         // has password
		0, 1, 'p', // password
		0, 0, 0, 3, // max clients
		1, // permanent
	}
	assert.Equal(t, want, got)
}

func TestLoginFollowsConnectionRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &ConnectionRequest{}))
	login := &Login{IsMember: true, Username: "alice", Nickname: "Al", Password: "secret"}
	require.NoError(t, login.EncodeTo(&buf))

	m, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.IsType(t, &ConnectionRequest{}, m)

	var got Login
	require.NoError(t, got.Decode(&buf))
	assert.Equal(t, *login, got)
	assert.Zero(t, buf.Len())
}

func TestReadMessageUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, 99))
	require.NoError(t, WriteMessage(&buf, &UserDeleted{UserID: 4}))

	m, err := ReadMessage(&buf)
	require.NoError(t, err)
	unknown, ok := m.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, MessageType(99), unknown.Type())

	// The stream stays aligned on the next tag.
	m, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, &UserDeleted{UserID: 4}, m)
}

func TestReadMessageUndefinedTag(t *testing.T) {
	m, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 21}))
	require.NoError(t, err)
	assert.Equal(t, TypeUndefined, m.Type())
	assert.IsType(t, &Unknown{}, m)
}

func TestReadMessageTruncatedBody(t *testing.T) {
	data, err := Encode(&UserMoved{UserID: 1, ChannelID: 2})
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(data[:len(data)-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMessageNegativeListCount(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 16, 0xFF, 0xFF, 0xFF, 0xFF}))
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "CONNECTION_REQUEST", TypeConnectionRequest.String())
	assert.Equal(t, "MESSAGE", TypeMessage.String())
	assert.Equal(t, "INSUFFICIENT_PERMISSION", TypeInsufficientPermission.String())
	assert.Equal(t, "UNKNOWN(42)", MessageType(42).String())
}

func TestNewCoversCatalogue(t *testing.T) {
	for tag := MessageType(0); tag <= TypeInsufficientPermission; tag++ {
		m := New(tag)
		if tag == TypeUndefined {
			assert.Nil(t, m)
			continue
		}
		require.NotNil(t, m, "tag %d", tag)
		assert.Equal(t, tag, m.Type())
	}
	assert.Nil(t, New(-1))
	assert.Nil(t, New(23))
}

// countingWriter records how many Write calls a message took.
type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}

func TestWriteMessageSingleWrite(t *testing.T) {
	var w countingWriter
	require.NoError(t, WriteMessage(&w, &ChannelModifyRequest{ChannelID: 1, Settings: ChannelSettings{Name: "x"}}))
	assert.Equal(t, 1, w.writes)
}
