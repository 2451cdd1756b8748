// Package storage holds the pieces shared by the session store backends.
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/PabloGalante/herdbot/internal/domain"
)

// Keys written by the conversation service.
const (
	KeySessionID = "sessionId"
	KeyHistory   = "chat-history"
)

// LocalClient is the client id used by the terminal front-end.
const LocalClient = "local"

// Scoped is a view of a store where every key is prefixed with a client id.
type Scoped struct {
	inner  domain.SessionStore
	prefix string
}

// Scope returns the view of inner that belongs to client.
func Scope(inner domain.SessionStore, client string) *Scoped {
	return &Scoped{inner: inner, prefix: client + "/"}
}

func (s *Scoped) Get(ctx context.Context, key string) (string, bool, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *Scoped) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

// Clear removes only the keys of this client.
func (s *Scoped) Clear(ctx context.Context) error {
	var errs []error
	for _, k := range []string{KeySessionID, KeyHistory} {
		if err := s.inner.Delete(ctx, s.prefix+k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidClient reports whether id can be used as a key prefix.
func ValidClient(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, "/\\ \t\r\n")
}
