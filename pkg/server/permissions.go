package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// Rights is a bitmap of the channel-mutating actions a role may perform.
type Rights uint8

const (
	RightCreateChannel Rights = 1 << iota
	RightModifyChannel
	RightDeleteChannel
)

// Has reports whether every bit in flag is set.
func (r Rights) Has(flag Rights) bool {
	return r&flag == flag
}

// NewRights builds a bitmap from the three configuration switches.
func NewRights(create, modify, del bool) Rights {
	var r Rights
	if create {
		r |= RightCreateChannel
	}
	if modify {
		r |= RightModifyChannel
	}
	if del {
		r |= RightDeleteChannel
	}
	return r
}

// PermissionRegistry tracks the role of every logged-in user and what each
// role may do. Unregistered users have no rights.
type PermissionRegistry struct {
	mu      sync.RWMutex
	members map[uint32]struct{}
	guests  map[uint32]struct{}
	member  Rights
	guest   Rights
	log     zerolog.Logger
}

func NewPermissionRegistry(member, guest Rights, logger zerolog.Logger) *PermissionRegistry {
	return &PermissionRegistry{
		members: make(map[uint32]struct{}),
		guests:  make(map[uint32]struct{}),
		member:  member,
		guest:   guest,
		log:     logger,
	}
}

func (p *PermissionRegistry) RegisterMember(userID uint32) {
	p.mu.Lock()
	p.members[userID] = struct{}{}
	p.mu.Unlock()
	p.log.Debug().Uint32("user", userID).Msg("registered as member")
}

func (p *PermissionRegistry) RegisterGuest(userID uint32) {
	p.mu.Lock()
	p.guests[userID] = struct{}{}
	p.mu.Unlock()
	p.log.Debug().Uint32("user", userID).Msg("registered as guest")
}

// Unregister drops every role held by the user.
func (p *PermissionRegistry) Unregister(userID uint32) {
	p.mu.Lock()
	delete(p.members, userID)
	delete(p.guests, userID)
	p.mu.Unlock()
}

func (p *PermissionRegistry) IsMember(userID uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[userID]
	return ok
}

func (p *PermissionRegistry) IsGuest(userID uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.guests[userID]
	return ok
}

// rightsOf resolves the user's role. Member wins over guest.
func (p *PermissionRegistry) rightsOf(userID uint32) Rights {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.members[userID]; ok {
		return p.member
	}
	if _, ok := p.guests[userID]; ok {
		return p.guest
	}
	return 0
}

func (p *PermissionRegistry) CanCreateChannel(userID uint32) bool {
	return p.rightsOf(userID).Has(RightCreateChannel)
}

func (p *PermissionRegistry) CanModifyChannel(userID uint32) bool {
	return p.rightsOf(userID).Has(RightModifyChannel)
}

func (p *PermissionRegistry) CanDeleteChannel(userID uint32) bool {
	return p.rightsOf(userID).Has(RightDeleteChannel)
}

// SetRights replaces both role bitmaps. Registered users keep their roles.
func (p *PermissionRegistry) SetRights(member, guest Rights) {
	p.mu.Lock()
	p.member = member
	p.guest = guest
	p.mu.Unlock()
}
