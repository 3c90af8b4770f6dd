package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func hasChannel(r *Roster, channelID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[channelID]
	return ok
}

// consistent checks that the user view and the channel view agree: every
// user is in exactly the member set of the channel they map to.
func consistent(t require.TestingT, r *Roster) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	require.Contains(t, r.members, DefaultChannelID, "default channel missing")

	seen := 0
	for channelID, set := range r.members {
		for userID := range set {
			got, ok := r.userChannel[userID]
			require.True(t, ok, "member %d of channel %d not on roster", userID, channelID)
			require.Equal(t, channelID, got, "user %d listed in channel %d", userID, channelID)
			seen++
		}
	}
	require.Equal(t, len(r.userChannel), seen, "a user appears in zero or several channels")
}

func TestRosterJoinAndTransfer(t *testing.T) {
	r := NewRoster()
	r.AddChannel(1)

	require.True(t, r.Join(10, DefaultChannelID))
	assert.False(t, r.Join(10, 1), "joining twice")
	assert.False(t, r.Join(11, 99), "unknown channel")

	from, ok := r.Transfer(10, 1, nil)
	require.True(t, ok)
	assert.Equal(t, DefaultChannelID, from)
	ch, _ := r.ChannelOf(10)
	assert.Equal(t, uint32(1), ch)
	assert.Equal(t, []uint32{10}, r.Members(1))
	assert.Empty(t, r.Members(DefaultChannelID))

	_, ok = r.Transfer(10, 1, nil)
	assert.False(t, ok, "same channel")
	_, ok = r.Transfer(10, 42, nil)
	assert.False(t, ok, "unknown channel")
	_, ok = r.Transfer(99, 1, nil)
	assert.False(t, ok, "unknown user")

	consistent(t, r)
}

func TestRosterTransferVeto(t *testing.T) {
	r := NewRoster()
	r.AddChannel(1)
	require.True(t, r.Join(1, DefaultChannelID))
	require.True(t, r.Join(2, DefaultChannelID))
	require.True(t, r.Join(3, DefaultChannelID))

	full := func(limit int) func(int) bool {
		return func(count int) bool { return count < limit }
	}
	_, ok := r.Transfer(1, 1, full(2))
	require.True(t, ok)
	_, ok = r.Transfer(2, 1, full(2))
	require.True(t, ok)
	_, ok = r.Transfer(3, 1, full(2))
	assert.False(t, ok)

	ch, _ := r.ChannelOf(3)
	assert.Equal(t, DefaultChannelID, ch)
	assert.Equal(t, 2, r.Count(1))
	consistent(t, r)
}

func TestRosterDropChannel(t *testing.T) {
	r := NewRoster()
	r.AddChannel(5)
	for _, id := range []uint32{3, 1, 2} {
		require.True(t, r.Join(id, DefaultChannelID))
		_, ok := r.Transfer(id, 5, nil)
		require.True(t, ok)
	}
	require.True(t, r.Join(4, DefaultChannelID))

	moved, ok := r.DropChannel(5)
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2, 3}, moved)
	assert.False(t, hasChannel(r, 5))
	assert.Equal(t, []uint32{1, 2, 3, 4}, r.Members(DefaultChannelID))

	_, ok = r.DropChannel(5)
	assert.False(t, ok)
	_, ok = r.DropChannel(DefaultChannelID)
	assert.False(t, ok)
	assert.True(t, hasChannel(r, DefaultChannelID))
	consistent(t, r)
}

func TestRosterRemove(t *testing.T) {
	r := NewRoster()
	require.True(t, r.Join(7, DefaultChannelID))

	ch, ok := r.Remove(7)
	require.True(t, ok)
	assert.Equal(t, DefaultChannelID, ch)
	_, ok = r.Remove(7)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Users())
	consistent(t, r)
}

// TestRosterInvariantRapid drives random joins, moves, removals, channel
// additions and deletions and checks both membership views after every step.
func TestRosterInvariantRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRoster()
		nextChannel := uint32(1)
		nextUser := uint32(1)

		t.Repeat(map[string]func(*rapid.T){
			"addChannel": func(t *rapid.T) {
				r.AddChannel(nextChannel)
				nextChannel++
			},
			"join": func(t *rapid.T) {
				require.True(t, r.Join(nextUser, DefaultChannelID))
				nextUser++
			},
			"transfer": func(t *rapid.T) {
				user := rapid.Uint32Range(0, nextUser).Draw(t, "user")
				to := rapid.Uint32Range(0, nextChannel).Draw(t, "to")
				limit := rapid.IntRange(0, 4).Draw(t, "limit")
				before, known := r.ChannelOf(user)
				countBefore := r.Count(to)

				from, ok := r.Transfer(user, to, func(count int) bool { return count < limit })
				after, _ := r.ChannelOf(user)
				if ok {
					require.Equal(t, before, from)
					require.Equal(t, to, after)
					require.Less(t, countBefore, limit)
				} else if known {
					require.Equal(t, before, after)
				}
			},
			"remove": func(t *rapid.T) {
				user := rapid.Uint32Range(0, nextUser).Draw(t, "user")
				r.Remove(user)
				_, ok := r.ChannelOf(user)
				require.False(t, ok)
			},
			"drop": func(t *rapid.T) {
				channel := rapid.Uint32Range(0, nextChannel).Draw(t, "channel")
				members := r.Members(channel)
				moved, ok := r.DropChannel(channel)
				if channel == DefaultChannelID {
					require.False(t, ok)
					return
				}
				if ok {
					require.Equal(t, members, moved)
					for _, id := range moved {
						ch, _ := r.ChannelOf(id)
						require.Equal(t, DefaultChannelID, ch)
					}
					require.False(t, hasChannel(r, channel))
				}
			},
			"": func(t *rapid.T) {
				consistent(t, r)
			},
		})
	})
}
