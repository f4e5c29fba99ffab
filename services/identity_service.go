package services

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"lancanvas/internal/types/canvas"
)

const maxNicknameLen = 30

var (
	ErrInvalidNickname = errors.New("invalid nickname (must be 1-30 chars)")
	ErrNicknameTaken   = errors.New("nickname is already taken")
	// ErrIdentityActive is returned when a re-identify request presents a
	// userID that another live connection already holds.
	ErrIdentityActive = errors.New("identity is already active on another connection")
)

// IdentityRegistry maps live connection IDs to stable user identities.
// Nickname uniqueness is case-insensitive and scoped to currently bound
// identities only; a nickname frees up as soon as its holder disconnects.
//
// Re-identification is trust-on-possession: presenting a previously issued
// userID is enough to reclaim it, provided no live connection holds it. That
// is acceptable on a closed local network and deliberately kept behind this
// registry so a token scheme could replace it later.
type IdentityRegistry struct {
	mu          sync.RWMutex
	connections map[string]canvas.Identity // connID -> identity
}

func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{
		connections: make(map[string]canvas.Identity),
	}
}

// ClaimNickname validates and claims a nickname for an unidentified
// connection, issuing a fresh userID on success.
func (r *IdentityRegistry) ClaimNickname(connID, nickname string) (canvas.Identity, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || len(nickname) > maxNicknameLen {
		return canvas.Identity{}, ErrInvalidNickname
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.connections {
		if strings.EqualFold(id.Nickname, nickname) {
			return canvas.Identity{}, ErrNicknameTaken
		}
	}

	identity := canvas.Identity{
		UserID:   uuid.New().String(),
		Nickname: nickname,
	}
	r.connections[connID] = identity
	return identity, nil
}

// Reidentify rebinds a previously issued identity to a new connection.
// Rejected with ErrIdentityActive if another live connection holds the same
// userID; the caller is expected to terminate the offending connection.
func (r *IdentityRegistry) Reidentify(connID, userID, nickname string) (canvas.Identity, error) {
	nickname = strings.TrimSpace(nickname)
	if userID == "" || nickname == "" || len(nickname) > maxNicknameLen {
		return canvas.Identity{}, ErrInvalidNickname
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for cid, id := range r.connections {
		if id.UserID == userID && cid != connID {
			return canvas.Identity{}, ErrIdentityActive
		}
	}

	identity := canvas.Identity{UserID: userID, Nickname: nickname}
	r.connections[connID] = identity
	return identity, nil
}

// Unbind removes the connection's identity binding. The second return is true
// when the connection had an identity; departed is true when no remaining
// connection holds the same userID, meaning the user has fully left.
func (r *IdentityRegistry) Unbind(connID string) (identity canvas.Identity, departed, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok = r.connections[connID]
	if !ok {
		return canvas.Identity{}, false, false
	}
	delete(r.connections, connID)

	departed = true
	for _, id := range r.connections {
		if id.UserID == identity.UserID {
			departed = false
			break
		}
	}
	return identity, departed, true
}

// IdentityFor returns the identity bound to a connection, if any.
func (r *IdentityRegistry) IdentityFor(connID string) (canvas.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.connections[connID]
	return id, ok
}

// ListIdentities returns the userID -> nickname map of everyone currently
// connected, as sent in the init snapshot.
func (r *IdentityRegistry) ListIdentities() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]string, len(r.connections))
	for _, id := range r.connections {
		users[id.UserID] = id.Nickname
	}
	return users
}

// Count returns the number of identified connections.
func (r *IdentityRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
