package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func drawString(t *rapid.T, label string) string {
	return rapid.StringN(0, 64, 256).Draw(t, label)
}

func drawSettings(t *rapid.T) ChannelSettings {
	return ChannelSettings{
		Name:        drawString(t, "name"),
		Topic:       drawString(t, "topic"),
		Description: drawString(t, "description"),
		HasPassword: rapid.Bool().Draw(t, "hasPassword"),
		Password:    drawString(t, "password"),
		MaxClients:  rapid.Uint32().Draw(t, "maxClients"),
		Permanent:   rapid.Bool().Draw(t, "permanent"),
	}
}

func drawChannelInfo(t *rapid.T) ChannelInfo {
	return ChannelInfo{
		ID:          rapid.Uint32().Draw(t, "id"),
		Name:        drawString(t, "name"),
		Topic:       drawString(t, "topic"),
		Description: drawString(t, "description"),
		HasPassword: rapid.Bool().Draw(t, "hasPassword"),
		MaxClients:  rapid.Uint32().Draw(t, "maxClients"),
		Permanent:   rapid.Bool().Draw(t, "permanent"),
	}
}

func drawMessage(t *rapid.T) Message {
	switch rapid.IntRange(0, 9).Draw(t, "kind") {
	case 0:
		return &ChannelCreateRequest{Settings: drawSettings(t)}
	case 1:
		return &ChannelModifyRequest{ChannelID: rapid.Uint32().Draw(t, "channel"), Settings: drawSettings(t)}
	case 2:
		return &UserMoveRequest{
			UserID:    rapid.Uint32().Draw(t, "user"),
			ChannelID: rapid.Uint32().Draw(t, "channel"),
			Password:  drawString(t, "password"),
		}
	case 3:
		return &MessageRequest{Text: drawString(t, "text")}
	case 4:
		return &ConnectionAccepted{
			ServerName:     drawString(t, "server"),
			Version:        drawString(t, "version"),
			WelcomeMessage: drawString(t, "welcome"),
			UserID:         rapid.Uint32().Draw(t, "user"),
		}
	case 5:
		n := rapid.IntRange(0, 8).Draw(t, "channels")
		list := &ChannelList{Channels: make([]ChannelInfo, 0, n)}
		for i := 0; i < n; i++ {
			list.Channels = append(list.Channels, drawChannelInfo(t))
		}
		return list
	case 6:
		n := rapid.IntRange(0, 8).Draw(t, "users")
		list := &UserList{Users: make([]UserInfo, 0, n)}
		for i := 0; i < n; i++ {
			list.Users = append(list.Users, UserInfo{
				ID:        rapid.Uint32().Draw(t, "id"),
				Username:  drawString(t, "username"),
				Nickname:  drawString(t, "nickname"),
				ChannelID: rapid.Uint32().Draw(t, "channel"),
			})
		}
		return list
	case 7:
		return &UserCreated{
			UserID:   rapid.Uint32().Draw(t, "user"),
			Username: drawString(t, "username"),
			Nickname: drawString(t, "nickname"),
		}
	case 8:
		return &ChatMessage{SenderID: rapid.Uint32().Draw(t, "sender"), Text: drawString(t, "text")}
	default:
		return &ChannelModified{Channel: drawChannelInfo(t)}
	}
}

// TestMessageRoundTripRapid checks that every encodable message decodes to an equal value.
func TestMessageRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		want := drawMessage(t)

		data, err := Encode(want)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		r := bytes.NewReader(data)
		decoded, err := ReadMessage(r)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if r.Len() != 0 {
			t.Fatalf("%d trailing bytes after %s", r.Len(), want.Type())
		}
		again, err := Encode(decoded)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(data, again) {
			t.Fatalf("re-encoded bytes differ for %s", want.Type())
		}
	})
}

// TestStreamOfMessagesRapid checks that back-to-back messages decode in order with
// no length framing, including unknown tags in between.
func TestStreamOfMessagesRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		var buf bytes.Buffer
		var want []MessageType
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "unknown") {
				tag := MessageType(rapid.Int32Range(23, 1000).Draw(t, "tag"))
				if err := WriteInt32(&buf, int32(tag)); err != nil {
					t.Fatal(err)
				}
				want = append(want, tag)
				continue
			}
			m := drawMessage(t)
			if err := WriteMessage(&buf, m); err != nil {
				t.Fatal(err)
			}
			want = append(want, m.Type())
		}
		for i, tag := range want {
			m, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("message %d: %v", i, err)
			}
			if m.Type() != tag {
				t.Fatalf("message %d: got %s, want %s", i, m.Type(), tag)
			}
		}
		if buf.Len() != 0 {
			t.Fatalf("%d trailing bytes", buf.Len())
		}
	})
}

// TestReadStringNeverPanicsRapid feeds arbitrary bytes to the string decoder.
func TestReadStringNeverPanicsRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "data")
		_, _ = ReadString(bytes.NewReader(data))
	})
}

// TestReadMessageNeverPanicsRapid feeds arbitrary bytes to the message decoder.
func TestReadMessageNeverPanicsRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "data")
		r := bytes.NewReader(data)
		for i := 0; i < 10; i++ {
			if _, err := ReadMessage(r); err != nil {
				return
			}
		}
	})
}
