package store

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestAddUserRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddUser("alice", "p1"))
	err := s.AddUser("alice", "p2")
	require.ErrorIs(t, err, ErrUserExists)
}

func TestDeleteUserCascadesQueues(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddUser("alice", "p1"))
	require.NoError(t, s.AddUser("bob", "p2"))

	_, err := s.AddMessage("bob", "alice", []byte("hi"))
	require.NoError(t, err)
	_, err = s.AddMessage("alice", "bob", []byte("hey"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser("alice"))

	assert.False(t, s.UserExists("alice"))
	assert.Empty(t, s.GetMessages("alice"))

	// bob's queue no longer has the message sent by the deleted user alice.
	for _, m := range s.GetMessages("bob") {
		assert.NotEqual(t, "alice", m.Sender)
	}
}

func TestAddMessagePreservesFIFOOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddUser("bob", "p2"))

	id1, err := s.AddMessage("bob", "alice", []byte("hi"))
	require.NoError(t, err)
	id2, err := s.AddMessage("bob", "alice", []byte("there"))
	require.NoError(t, err)

	queue := s.GetMessages("bob")
	require.Len(t, queue, 2)
	assert.Equal(t, id1, queue[0].ID)
	assert.Equal(t, id2, queue[1].ID)
	assert.Equal(t, "hi", string(queue[0].Body))
	assert.Equal(t, "there", string(queue[1].Body))
}

func TestDeleteMessagesSilentOnMiss(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddUser("bob", "p2"))
	id, err := s.AddMessage("bob", "alice", []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessages("bob", []string{"nonexistent-id"}))
	assert.Len(t, s.GetMessages("bob"), 1)

	require.NoError(t, s.DeleteMessages("bob", []string{id}))
	assert.Empty(t, s.GetMessages("bob"))
}

func TestRolePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.SetRole(RolePrimary))

	s2, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, RolePrimary, s2.GetRole())
}

func TestSnapshotThenRestoreRoundTrips(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddUser("alice", "p1"))
	_, err := s.AddMessage("alice", "bob", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.SetRole(RolePrimary))

	snapshotDir := t.TempDir()
	require.NoError(t, s.Snapshot(snapshotDir))

	fresh := newTestStore(t)
	require.NoError(t, fresh.Restore(snapshotDir))

	assert.True(t, fresh.UserExists("alice"))
	msgs := fresh.GetMessages("alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(msgs[0].Body))
	assert.Equal(t, RolePrimary, fresh.GetRole())
}

func TestReopenRestoresUsersAndMessages(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.AddUser("alice", "p1"))
	_, err = s1.AddMessage("alice", "bob", []byte("hello"))
	require.NoError(t, err)

	s2, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, s2.UserExists("alice"))
	msgs := s2.GetMessages("alice")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(msgs[0].Body))
}
