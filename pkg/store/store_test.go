package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/quillmail/pkg/auth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRegister(t *testing.T, s *Store, username string) {
	t.Helper()
	ok, err := s.RegisterUser(username, "hash-for-"+username)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegisterUser(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.RegisterUser("alice", "somehash")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := s.UserExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.UserExists("bob")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegisterUserDuplicate(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "alice")

	ok, err := s.RegisterUser("alice", "anotherhash")
	require.NoError(t, err)
	assert.False(t, ok)

	// The original credential survives the rejected attempt.
	user, err := s.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "hash-for-alice", user.PasswordHash)
}

func TestRegisterUserBlank(t *testing.T) {
	s := newTestStore(t)

	for _, username := range []string{"", "   ", "\t"} {
		ok, err := s.RegisterUser(username, "somehash")
		require.NoError(t, err)
		assert.False(t, ok, "username %q", username)
	}

	ok, err := s.RegisterUser("alice", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterUserConcurrent(t *testing.T) {
	s := newTestStore(t)

	const attempts = 16
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := s.RegisterUser("alice", fmt.Sprintf("hash-%d", n))
			assert.NoError(t, err)
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent registration must win")
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	ok, err := s.RegisterUser("alice", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Authenticate("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Authenticate("nobody", "secret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser("ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
