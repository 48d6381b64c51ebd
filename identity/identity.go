// Package identity defines the external identity-resolution collaborator.
// The engine only ever asks one question of it: does this handle belong to
// a known identity. Registration, credentials, and authentication live
// entirely outside this module.
package identity

import (
	"context"
	"sync"

	"github.com/xraph/signoff"
)

// Identity is a resolved participant.
type Identity struct {
	Handle string `json:"handle"`
	Name   string `json:"name,omitempty"`
}

// Resolver resolves a handle to a known identity. Implementations return
// signoff.ErrIdentityNotFound when the handle is unknown.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (*Identity, error)
}

// Static is a fixed, map-backed Resolver. Safe for concurrent use.
// Intended for tests and development.
type Static struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewStatic builds a Static resolver from the given identities.
func NewStatic(identities ...Identity) *Static {
	s := &Static{identities: make(map[string]Identity, len(identities))}
	for _, ident := range identities {
		s.identities[ident.Handle] = ident
	}
	return s
}

// Add registers (or replaces) an identity.
func (s *Static) Add(ident Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[ident.Handle] = ident
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, handle string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identities[handle]
	if !ok {
		return nil, signoff.ErrIdentityNotFound
	}
	cp := ident
	return &cp, nil
}
