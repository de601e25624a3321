package collaboration

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"quantum-collab/internal/auth"
)

// Action is a session-level permission.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionComment Action = "comment"
	ActionDelete  Action = "delete"
	ActionManage  Action = "manage"
)

// SessionInfo is the metadata the gate authorizes against.
type SessionInfo struct {
	ID           string
	OwnerID      string
	Participants []string
	Public       bool
}

// SessionResolver resolves session metadata for authorization. Returns
// ErrSessionNotFound for ids that exist nowhere (live or persisted).
type SessionResolver interface {
	ResolveSession(ctx context.Context, sessionID string) (*SessionInfo, error)
}

// activeEntry records one authenticated connection in the gate's
// directory, for participant enumeration.
type activeEntry struct {
	UserID      string
	ConnectedAt time.Time
}

// AccessGate validates identity tokens and session-level permissions
// before the transport handshake completes.
type AccessGate struct {
	verifier auth.Verifier
	resolver SessionResolver

	mu     sync.Mutex
	active map[string]map[string]activeEntry // sessionID -> connectionID -> entry
}

func NewAccessGate(verifier auth.Verifier, resolver SessionResolver) *AccessGate {
	return &AccessGate{
		verifier: verifier,
		resolver: resolver,
		active:   make(map[string]map[string]activeEntry),
	}
}

// Authenticate verifies the token and checks that the caller may join the
// session. A session id that exists nowhere yet is admitted: the first
// connect creates the session with the caller as owner.
func (g *AccessGate) Authenticate(ctx context.Context, token, sessionID string) (*auth.Identity, error) {
	identity, err := g.verifier.Verify(token)
	if err != nil {
		log.Printf("access gate: token rejected for session %s: %v", sessionID, err)
		return nil, reject(ErrAuth, "%v", err)
	}

	info, err := g.resolver.ResolveSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return identity, nil
		}
		return nil, reject(ErrInternal, "failed to resolve session: %v", err)
	}

	if !hasAccess(identity.UserID, info) {
		log.Printf("access gate: user %s has no access to session %s", identity.UserID, sessionID)
		return nil, reject(ErrAuth, "no access to session %s", sessionID)
	}

	return identity, nil
}

// CheckPermission applies the permission matrix: owner gets every action,
// listed participants get read/write/comment, public sessions grant read
// to everyone else.
func (g *AccessGate) CheckPermission(ctx context.Context, identity *auth.Identity, sessionID string, action Action) bool {
	info, err := g.resolver.ResolveSession(ctx, sessionID)
	if err != nil {
		return false
	}

	if info.OwnerID == identity.UserID {
		return true
	}

	for _, p := range info.Participants {
		if p == identity.UserID {
			switch action {
			case ActionRead, ActionWrite, ActionComment:
				return true
			}
			return false
		}
	}

	return info.Public && action == ActionRead
}

func hasAccess(userID string, info *SessionInfo) bool {
	if info.OwnerID == userID {
		return true
	}
	for _, p := range info.Participants {
		if p == userID {
			return true
		}
	}
	return info.Public
}

// RecordConnection notes an accepted connection in the gate's directory.
func (g *AccessGate) RecordConnection(sessionID, connectionID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active[sessionID] == nil {
		g.active[sessionID] = make(map[string]activeEntry)
	}
	g.active[sessionID][connectionID] = activeEntry{
		UserID:      userID,
		ConnectedAt: time.Now(),
	}
}

// RemoveConnection drops a connection from the directory. Idempotent.
func (g *AccessGate) RemoveConnection(sessionID, connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entries, ok := g.active[sessionID]; ok {
		delete(entries, connectionID)
		if len(entries) == 0 {
			delete(g.active, sessionID)
		}
	}
}

// ActiveUsers enumerates the users the gate has admitted to a session.
func (g *AccessGate) ActiveUsers(sessionID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]bool)
	users := make([]string, 0, len(g.active[sessionID]))
	for _, entry := range g.active[sessionID] {
		if !seen[entry.UserID] {
			seen[entry.UserID] = true
			users = append(users, entry.UserID)
		}
	}
	return users
}
