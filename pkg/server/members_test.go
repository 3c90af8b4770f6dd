package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberTable(t *testing.T) {
	mt := NewMemberTable(testLogger)

	require.NoError(t, mt.Add(Member{Username: "alice", Password: "pw", Nickname: "Al"}))
	assert.ErrorIs(t, mt.Add(Member{Username: "alice"}), ErrMemberExists)
	require.NoError(t, mt.Add(Member{Username: "bob", Password: "b"}))

	assert.True(t, mt.Validate("alice", "pw"))
	assert.False(t, mt.Validate("alice", "PW"))
	assert.False(t, mt.Validate("nobody", ""))

	t.Run("modify renames and keeps nickname", func(t *testing.T) {
		require.NoError(t, mt.Modify("alice", "alicia", "new"))
		_, ok := mt.Get("alice")
		assert.False(t, ok)
		m, ok := mt.Get("alicia")
		require.True(t, ok)
		assert.Equal(t, Member{Username: "alicia", Password: "new", Nickname: "Al"}, m)
	})

	t.Run("modify onto a taken name", func(t *testing.T) {
		assert.ErrorIs(t, mt.Modify("alicia", "bob", "x"), ErrMemberExists)
		assert.True(t, mt.Validate("alicia", "new"))
	})

	t.Run("modify unknown", func(t *testing.T) {
		assert.ErrorIs(t, mt.Modify("ghost", "ghost2", "x"), ErrMemberNotFound)
	})

	t.Run("list is sorted", func(t *testing.T) {
		names := []string{}
		for _, m := range mt.List() {
			names = append(names, m.Username)
		}
		assert.Equal(t, []string{"alicia", "bob"}, names)
	})

	require.NoError(t, mt.Delete("bob"))
	assert.ErrorIs(t, mt.Delete("bob"), ErrMemberNotFound)
}

func TestMemberTableReplace(t *testing.T) {
	mt := NewMemberTable(testLogger)
	require.NoError(t, mt.Add(Member{Username: "old"}))

	mt.Replace([]Member{{Username: "new", Password: "p"}})
	_, ok := mt.Get("old")
	assert.False(t, ok)
	assert.True(t, mt.Validate("new", "p"))
}
