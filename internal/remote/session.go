package remote

import (
	"context"
	"sync"

	"github.com/kimhsiao/tasksync/internal/crypto"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
)

// MetaSession is the metadata key holding the encrypted session id.
const MetaSession = "session"

// SessionStore persists the encrypted session id.
type SessionStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
}

// SessionIssuer creates new sessions on the server.
type SessionIssuer interface {
	CreateSession(ctx context.Context) (string, error)
}

// StoredSession is a SessionProvider that reuses the session persisted in
// the local store, creating and saving one on first use.
type StoredSession struct {
	store  SessionStore
	issuer SessionIssuer
	secret string

	mu     sync.Mutex
	cached string
}

var _ SessionProvider = (*StoredSession)(nil)

// NewStoredSession creates a provider that encrypts the id with secret.
func NewStoredSession(store SessionStore, issuer SessionIssuer, secret string) *StoredSession {
	return &StoredSession{store: store, issuer: issuer, secret: secret}
}

// Session implements SessionProvider.
func (s *StoredSession) Session(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	sealed, ok, err := s.store.GetMeta(ctx, MetaSession)
	if err != nil {
		return "", err
	}
	if ok {
		id, err := crypto.DecryptString(sealed, s.secret)
		if err == nil && id != "" {
			s.cached = id
			return id, nil
		}
		logging.Warn("Stored session unreadable, requesting a new one",
			map[string]interface{}{"error": err})
	}

	id, err := s.issuer.CreateSession(ctx)
	if err != nil {
		return "", errors.Wrap(errors.ErrSyncAuthFailed, "failed to create session", err)
	}
	if err := s.save(ctx, id); err != nil {
		return "", err
	}

	logging.Info("Created new session", nil)
	return id, nil
}

// Set adopts an existing session id.
func (s *StoredSession) Set(ctx context.Context, id string) error {
	if id == "" {
		return errors.New(errors.ErrInvalid, "session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, id)
}

// Reset forgets the session so the next call creates a new one.
func (s *StoredSession) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = ""
	return s.store.DeleteMeta(ctx, MetaSession)
}

func (s *StoredSession) save(ctx context.Context, id string) error {
	sealed, err := crypto.EncryptString(id, s.secret)
	if err != nil {
		return errors.Wrap(errors.ErrCryptoFail, "failed to encrypt session", err)
	}
	if err := s.store.SetMeta(ctx, MetaSession, sealed); err != nil {
		return err
	}
	s.cached = id
	return nil
}
