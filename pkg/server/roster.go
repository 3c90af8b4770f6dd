package server

import (
	"sort"
	"sync"
)

// DefaultChannelID is the channel every user lands in on login and after their
// channel is deleted. It always exists.
const DefaultChannelID uint32 = 0

// Roster is the single authoritative membership table. A user's channel and a
// channel's member set are two views of the same entry and change together
// under one lock.
//
// Lock order when more than one is needed: the announcement lock, then the
// ChannelRegistry map lock, then Roster, then an individual Channel.
type Roster struct {
	announce    sync.Mutex
	mu          sync.RWMutex
	userChannel map[uint32]uint32
	members     map[uint32]map[uint32]struct{}
}

// NewRoster returns a roster containing only the default channel.
func NewRoster() *Roster {
	return &Roster{
		userChannel: make(map[uint32]uint32),
		members: map[uint32]map[uint32]struct{}{
			DefaultChannelID: {},
		},
	}
}

// AddChannel registers an empty member set for a channel. Re-adding is a no-op.
func (r *Roster) AddChannel(channelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[channelID]; !ok {
		r.members[channelID] = make(map[uint32]struct{})
	}
}

// Announce runs fn under the announcement lock. Membership changes made and
// broadcast inside fn reach every peer in the order they were applied. fn must
// not call Announce.
func (r *Roster) Announce(fn func()) {
	r.announce.Lock()
	defer r.announce.Unlock()
	fn()
}

// Join places a user that is not yet on the roster into a channel.
func (r *Roster) Join(userID, channelID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.userChannel[userID]; exists {
		return false
	}
	set, ok := r.members[channelID]
	if !ok {
		return false
	}
	set[userID] = struct{}{}
	r.userChannel[userID] = channelID
	return true
}

// Transfer moves a user into another channel as one transition. admit is called
// with the target's current member count while the roster is locked and may
// veto the move. It returns the source channel and whether the move happened.
// Moving to the current channel, an unknown user, or an unknown channel fails.
func (r *Roster) Transfer(userID, to uint32, admit func(count int) bool) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.userChannel[userID]
	if !ok || from == to {
		return from, false
	}
	target, ok := r.members[to]
	if !ok {
		return from, false
	}
	if admit != nil && !admit(len(target)) {
		return from, false
	}

	delete(r.members[from], userID)
	target[userID] = struct{}{}
	r.userChannel[userID] = to
	return from, true
}

// Remove takes a user off the roster and returns the channel they were in.
func (r *Roster) Remove(userID uint32) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channelID, ok := r.userChannel[userID]
	if !ok {
		return 0, false
	}
	delete(r.members[channelID], userID)
	delete(r.userChannel, userID)
	return channelID, true
}

// DropChannel evacuates every member of a channel to the default channel and
// unregisters it. The evacuated user IDs are returned in ascending order. The
// default channel cannot be dropped.
func (r *Roster) DropChannel(channelID uint32) ([]uint32, bool) {
	if channelID == DefaultChannelID {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[channelID]
	if !ok {
		return nil, false
	}
	moved := sortedIDs(set)
	lobby := r.members[DefaultChannelID]
	for _, id := range moved {
		lobby[id] = struct{}{}
		r.userChannel[id] = DefaultChannelID
	}
	delete(r.members, channelID)
	return moved, true
}

// ChannelOf returns the channel a user is in.
func (r *Roster) ChannelOf(userID uint32) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.userChannel[userID]
	return id, ok
}

// Members returns a channel's member IDs in ascending order.
func (r *Roster) Members(channelID uint32) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.members[channelID])
}

// Count returns how many users are in a channel.
func (r *Roster) Count(channelID uint32) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[channelID])
}

// Users returns how many users are on the roster.
func (r *Roster) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userChannel)
}

func sortedIDs(set map[uint32]struct{}) []uint32 {
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
