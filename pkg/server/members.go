package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrMemberExists   = errors.New("member already exists")
	ErrMemberNotFound = errors.New("member not found")
)

// Member is a persistent identity that may log in with elevated rights.
type Member struct {
	Username string
	Password string
	Nickname string
}

// MemberTable holds the registered members keyed by username.
type MemberTable struct {
	mu      sync.RWMutex
	members map[string]Member
	log     zerolog.Logger
}

func NewMemberTable(logger zerolog.Logger) *MemberTable {
	return &MemberTable{
		members: make(map[string]Member),
		log:     logger,
	}
}

// Add registers a new member.
func (t *MemberTable) Add(m Member) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[m.Username]; ok {
		return ErrMemberExists
	}
	t.members[m.Username] = m
	t.log.Info().Str("member", m.Username).Msg("member added")
	return nil
}

// Modify renames a member and replaces their password.
func (t *MemberTable) Modify(username, newUsername, password string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[username]
	if !ok {
		return ErrMemberNotFound
	}
	if newUsername != username {
		if _, taken := t.members[newUsername]; taken {
			return ErrMemberExists
		}
		delete(t.members, username)
	}
	m.Username = newUsername
	m.Password = password
	t.members[newUsername] = m
	t.log.Info().Str("member", username).Str("username", newUsername).Msg("member modified")
	return nil
}

// Delete removes a member.
func (t *MemberTable) Delete(username string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[username]; !ok {
		return ErrMemberNotFound
	}
	delete(t.members, username)
	t.log.Info().Str("member", username).Msg("member deleted")
	return nil
}

// Validate reports whether username exists and password matches exactly.
func (t *MemberTable) Validate(username, password string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[username]
	return ok && m.Password == password
}

// Get returns a member by username.
func (t *MemberTable) Get(username string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[username]
	return m, ok
}

// List returns all members sorted by username.
func (t *MemberTable) List() []Member {
	t.mu.RLock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Replace swaps the whole table, used when loading from storage.
func (t *MemberTable) Replace(members []Member) {
	next := make(map[string]Member, len(members))
	for _, m := range members {
		next[m.Username] = m
	}
	t.mu.Lock()
	t.members = next
	t.mu.Unlock()
	t.log.Info().Int("count", len(next)).Msg("members loaded")
}
