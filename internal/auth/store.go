package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"valetdrive/internal/booking"
)

// InMemoryStore keeps issued tokens mapped to identities.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]booking.Identity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]booking.Identity),
	}
}

// Register creates an identity with the given role and returns the token.
func (s *InMemoryStore) Register(role booking.IdentityRole, ttl time.Duration) (booking.Identity, error) {
	switch role {
	case booking.RoleCustomer, booking.RoleDriver, booking.RoleGarage, booking.RoleStaff:
	default:
		return booking.Identity{}, errors.New("invalid role")
	}
	id := fmt.Sprintf("%s_%s", role, randomID())
	token := randomID()

	identity := booking.Identity{
		ID:    id,
		Role:  role,
		Token: token,
	}
	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		identity.ExpiresAt = &expiry
	}

	s.mu.Lock()
	s.users[token] = identity
	s.mu.Unlock()
	return identity, nil
}

func (s *InMemoryStore) Lookup(token string) (booking.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return booking.Identity{}, false
	}
	if u.ExpiresAt != nil && time.Now().After(*u.ExpiresAt) {
		return booking.Identity{}, false
	}
	return u, ok
}

// Seed allows hydrating identities from persistent storage.
func (s *InMemoryStore) Seed(identity booking.Identity) {
	if identity.Token == "" {
		return
	}
	if identity.ExpiresAt != nil && time.Now().After(*identity.ExpiresAt) {
		return
	}
	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
