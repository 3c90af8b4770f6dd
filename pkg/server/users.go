package server

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/rs/zerolog"
)

var ErrUserNotFound = errors.New("user not found")

// User is a logged-in session's identity. Its channel is looked up in the Roster.
type User struct {
	ID       uint32
	Username string
	Nickname string
	Conn     *SafeConn
}

// UserRegistry owns every live user and performs moves between channels.
type UserRegistry struct {
	mu     sync.RWMutex
	users  map[uint32]*User
	nextID atomic.Uint32

	roster   *Roster
	channels *ChannelRegistry
	metrics  *Metrics
	log      zerolog.Logger
}

func NewUserRegistry(roster *Roster, channels *ChannelRegistry, logger zerolog.Logger) *UserRegistry {
	return &UserRegistry{
		users:    make(map[uint32]*User),
		roster:   roster,
		channels: channels,
		log:      logger,
	}
}

// SetMetrics attaches metrics to the user registry
func (ur *UserRegistry) SetMetrics(m *Metrics) {
	ur.metrics = m
}

// AllocateID hands out the next user ID. IDs start at 1 and are never reused.
func (ur *UserRegistry) AllocateID() uint32 {
	return ur.nextID.Add(1)
}

// Create registers a user under a previously allocated ID, places them in the
// default channel and announces USER_CREATED to everyone else.
func (ur *UserRegistry) Create(id uint32, username, nickname string, conn *SafeConn) *User {
	u := &User{ID: id, Username: username, Nickname: nickname, Conn: conn}
	ur.roster.Join(id, DefaultChannelID)

	ur.mu.Lock()
	peers := make([]*User, 0, len(ur.users))
	for _, p := range ur.users {
		peers = append(peers, p)
	}
	ur.users[id] = u
	count := len(ur.users)
	ur.mu.Unlock()

	ur.metrics.RecordActiveUsers(count)
	ur.log.Info().Uint32("user", id).Str("nickname", nickname).Msg("user created")

	ur.send(peers, &protocol.UserCreated{UserID: id, Username: username, Nickname: nickname})
	return u
}

// Get returns a user by ID.
func (ur *UserRegistry) Get(id uint32) (*User, bool) {
	ur.mu.RLock()
	defer ur.mu.RUnlock()
	u, ok := ur.users[id]
	return u, ok
}

// ChannelOf returns the channel the user is currently in.
func (ur *UserRegistry) ChannelOf(id uint32) (uint32, bool) {
	return ur.roster.ChannelOf(id)
}

// Move transfers a user into a channel. It fails without any state change when
// the channel has a password that does not match, is full, does not exist, or
// is the user's current channel. A successful move is announced with USER_MOVED.
func (ur *UserRegistry) Move(userID, channelID uint32, password string) bool {
	if _, ok := ur.Get(userID); !ok {
		ur.log.Debug().Uint32("user", userID).Msg("move of unknown user ignored")
		return false
	}
	ch, ok := ur.channels.Get(channelID)
	if !ok {
		ur.log.Debug().Uint32("user", userID).Uint32("channel", channelID).Msg("move to unknown channel ignored")
		return false
	}

	var from uint32
	var moved bool
	ur.roster.Announce(func() {
		from, moved = ur.roster.Transfer(userID, channelID, func(count int) bool {
			return ch.admits(password, count)
		})
		if moved {
			ur.Broadcast(&protocol.UserMoved{UserID: userID, ChannelID: channelID})
		}
	})
	if !moved {
		ur.log.Debug().Uint32("user", userID).Uint32("channel", channelID).Msg("move rejected")
		return false
	}

	ur.log.Info().Uint32("user", userID).Uint32("from", from).Uint32("channel", channelID).Msg("user moved")
	return true
}

// Delete removes a user from their channel and the registry, then announces
// USER_DELETED to the remaining users.
func (ur *UserRegistry) Delete(id uint32) error {
	var count int
	var ok bool
	ur.roster.Announce(func() {
		ur.mu.Lock()
		_, ok = ur.users[id]
		if ok {
			delete(ur.users, id)
		}
		count = len(ur.users)
		ur.mu.Unlock()
		if !ok {
			return
		}
		ur.roster.Remove(id)
		ur.Broadcast(&protocol.UserDeleted{UserID: id})
	})
	if !ok {
		return ErrUserNotFound
	}

	ur.metrics.RecordActiveUsers(count)
	ur.log.Info().Uint32("user", id).Msg("user deleted")
	return nil
}

// List returns every user ordered by ID with their current channel.
func (ur *UserRegistry) List() []protocol.UserInfo {
	users := ur.snapshot()
	infos := make([]protocol.UserInfo, 0, len(users))
	for _, u := range users {
		channelID, ok := ur.roster.ChannelOf(u.ID)
		if !ok {
			continue
		}
		infos = append(infos, protocol.UserInfo{
			ID:        u.ID,
			Username:  u.Username,
			Nickname:  u.Nickname,
			ChannelID: channelID,
		})
	}
	return infos
}

// Count returns the number of live users.
func (ur *UserRegistry) Count() int {
	ur.mu.RLock()
	defer ur.mu.RUnlock()
	return len(ur.users)
}

// Broadcast sends a message to every live user.
func (ur *UserRegistry) Broadcast(m protocol.Message) {
	ur.send(ur.snapshot(), m)
}

// SendToChannel sends a message to every member of a channel.
func (ur *UserRegistry) SendToChannel(channelID uint32, m protocol.Message) {
	ids := ur.roster.Members(channelID)
	targets := make([]*User, 0, len(ids))
	ur.mu.RLock()
	for _, id := range ids {
		if u, ok := ur.users[id]; ok {
			targets = append(targets, u)
		}
	}
	ur.mu.RUnlock()
	ur.send(targets, m)
}

// send encodes once and writes to each target under that socket's own lock.
// A failed write is logged and skipped; the session is left to its own reader
// to notice the broken connection.
func (ur *UserRegistry) send(targets []*User, m protocol.Message) {
	if len(targets) == 0 {
		return
	}
	data, err := protocol.Encode(m)
	if err != nil {
		ur.log.Error().Err(err).Stringer("type", m.Type()).Msg("failed to encode broadcast")
		return
	}

	start := time.Now()
	sent := 0
	for _, u := range targets {
		if u.Conn == nil {
			continue
		}
		if err := u.Conn.WriteBytes(data); err != nil {
			ur.log.Debug().Err(err).Uint32("user", u.ID).Stringer("type", m.Type()).Msg("write failed")
			continue
		}
		sent++
	}
	ur.metrics.RecordMessagesSent(m.Type(), sent)
	ur.metrics.ObserveBroadcast(time.Since(start))
}

func (ur *UserRegistry) snapshot() []*User {
	ur.mu.RLock()
	users := make([]*User, 0, len(ur.users))
	for _, u := range ur.users {
		users = append(users, u)
	}
	ur.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
