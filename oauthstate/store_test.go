package oauthstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIssueAndConsumeOnce(t *testing.T) {
	s := openTestStore(t, time.Minute)

	state, issued, err := s.Issue("int-1", "google")
	require.NoError(t, err)
	assert.NotEmpty(t, state)
	assert.NotEmpty(t, issued.Verifier)

	entry, err := s.Consume(state)
	require.NoError(t, err)
	assert.Equal(t, "int-1", entry.IntegrationID)
	assert.Equal(t, "google", entry.Provider)
	assert.Equal(t, issued.Verifier, entry.Verifier)

	_, err = s.Consume(state)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestConsumeUnknownState(t *testing.T) {
	s := openTestStore(t, time.Minute)
	_, err := s.Consume("forged")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestStateExpires(t *testing.T) {
	s := openTestStore(t, time.Second)
	state, _, err := s.Issue("int-1", "microsoft")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = s.Consume(state)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestInMemoryStore(t *testing.T) {
	s, err := Open("", 0)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	state, _, err := s.Issue("int-2", "google")
	require.NoError(t, err)
	_, err = s.Consume(state)
	assert.NoError(t, err)
}
