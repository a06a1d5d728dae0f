package remote

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/errors"
)

type memoryMeta map[string]string

func (m memoryMeta) GetMeta(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memoryMeta) SetMeta(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func (m memoryMeta) DeleteMeta(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

type countingIssuer struct {
	calls int
	err   error
}

func (c *countingIssuer) CreateSession(context.Context) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "issued-session", nil
}

func TestStoredSession_createsOnce(t *testing.T) {
	ctx := context.Background()
	meta := memoryMeta{}
	issuer := &countingIssuer{}

	s := NewStoredSession(meta, issuer, "machine-1")
	id, err := s.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "issued-session", id)

	id, err = s.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "issued-session", id)
	assert.Equal(t, 1, issuer.calls)

	require.Contains(t, meta, MetaSession)
	assert.NotContains(t, meta[MetaSession], "issued-session", "stored value must be encrypted")

	// A fresh provider over the same store reuses the saved session.
	again := NewStoredSession(meta, issuer, "machine-1")
	id, err = again.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "issued-session", id)
	assert.Equal(t, 1, issuer.calls)
}

func TestStoredSession_wrongSecretReissues(t *testing.T) {
	ctx := context.Background()
	meta := memoryMeta{}
	issuer := &countingIssuer{}

	require.NoError(t, NewStoredSession(meta, issuer, "machine-1").Set(ctx, "old"))

	id, err := NewStoredSession(meta, issuer, "machine-2").Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "issued-session", id)
	assert.Equal(t, 1, issuer.calls)
}

func TestStoredSession_issuerFailure(t *testing.T) {
	issuer := &countingIssuer{err: stderrors.New("connection refused")}
	_, err := NewStoredSession(memoryMeta{}, issuer, "machine-1").Session(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncAuthFailed))
}

func TestStoredSession_Reset(t *testing.T) {
	ctx := context.Background()
	meta := memoryMeta{}
	issuer := &countingIssuer{}
	s := NewStoredSession(meta, issuer, "machine-1")

	require.NoError(t, s.Set(ctx, "manual"))
	id, err := s.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "manual", id)

	require.NoError(t, s.Reset(ctx))
	assert.NotContains(t, meta, MetaSession)

	id, err = s.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "issued-session", id)

	assert.Error(t, s.Set(ctx, ""))
}
