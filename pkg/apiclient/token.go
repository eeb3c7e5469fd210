package apiclient

import (
	"context"
	"errors"
	"sync"

	"deskmail/pkg/credential"
)

// TokenGetter reads stored credentials; *credential.Store satisfies it.
type TokenGetter interface {
	Get(key string) (string, error)
}

// tokenSource caches the session token. It prefers the keyring entry written
// by the launcher and falls back to the backend bootstrap endpoint.
type tokenSource struct {
	store     TokenGetter
	bootstrap func(ctx context.Context) (string, error)

	mu        sync.Mutex
	cached    string
	skipStore bool
}

func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	if s.store != nil && !s.skipStore {
		token, err := s.store.Get(credential.SessionTokenKey)
		if err == nil && token != "" {
			s.cached = token
			return token, nil
		}
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			return "", err
		}
	}

	token, err := s.bootstrap(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoToken
	}
	s.cached = token
	return token, nil
}

// Invalidate forgets a rejected token. The stored one is not trusted again, so
// the next request asks the backend directly.
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	s.cached = ""
	s.skipStore = true
	s.mu.Unlock()
}
