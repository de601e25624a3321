package collaboration

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"quantum-collab/internal/models"
)

// SessionStore is the durable side of the registry: session snapshots
// and membership grants that must outlive the in-memory state. A nil
// store runs the registry memory-only.
type SessionStore interface {
	SaveSession(ctx context.Context, rec *models.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AddParticipant(ctx context.Context, sessionID, userID string) error
	GetParticipants(ctx context.Context, sessionID string) ([]string, error)
}

// Registry creates, looks up, and destroys sessions, and owns the
// user -> connections index for point-to-point delivery. The registry
// lock guards only the maps; each session guards its own state, so
// unrelated sessions never contend.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	userConns map[string][]*Connection

	repo SessionStore

	maxParticipants   int
	connectionTimeout time.Duration
	sweepInterval     time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(repo SessionStore, maxParticipants int, connectionTimeout, sweepInterval time.Duration) *Registry {
	return &Registry{
		sessions:          make(map[string]*Session),
		userConns:         make(map[string][]*Connection),
		repo:              repo,
		maxParticipants:   maxParticipants,
		connectionTimeout: connectionTimeout,
		sweepInterval:     sweepInterval,
		done:              make(chan struct{}),
	}
}

// Start launches the idle-connection sweep loop.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				if n := r.SweepIdle(); n > 0 {
					log.Printf("registry: swept %d idle connections", n)
				}
			}
		}
	}()
	log.Println("✓ Session registry started")
}

// CreateSession registers a new session, or returns the existing one for
// the id. The session row is persisted write-behind.
func (r *Registry) CreateSession(ctx context.Context, id, ownerID, name string) *Session {
	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return existing
	}
	session := NewSession(id, ownerID, name, r.maxParticipants, r.connectionTimeout)
	r.sessions[id] = session
	r.mu.Unlock()

	log.Printf("registry: session %s created by %s", id, ownerID)
	r.persistSession(session)
	return session
}

// GetSession looks up a live session, or nil.
func (r *Registry) GetSession(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// AllSessions returns every live session.
func (r *Registry) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// DeleteSession tears down every bound connection, then removes the
// session. Returns ErrSessionNotFound for unknown ids.
func (r *Registry) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	for _, conn := range session.allConnections() {
		r.Disconnect(conn)
	}

	if r.repo != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.repo.DeleteSession(ctx, id); err != nil {
				log.Printf("registry: failed to delete session record %s: %v", id, err)
			}
		}()
	}

	log.Printf("registry: session %s deleted", id)
	return nil
}

// Bind attaches a connection to its session. An unseen id is first
// rehydrated from the durable store; failing that a new session is
// created with the connecting user as owner. Fails with ErrSessionFull
// at the participant cap.
func (r *Registry) Bind(ctx context.Context, conn *Connection) (*Session, error) {
	session := r.GetSession(conn.SessionID)
	if session == nil {
		session = r.reviveSession(ctx, conn.SessionID, conn.UserID)
	}

	if err := session.AddConnection(conn); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.userConns[conn.UserID] = append(r.userConns[conn.UserID], conn)
	r.mu.Unlock()

	return session, nil
}

// reviveSession rebuilds a session from its persisted record so content,
// version, ownership, and granted memberships survive going idle or a
// restart. Unknown ids fall through to a fresh session owned by the
// connecting user.
func (r *Registry) reviveSession(ctx context.Context, sessionID, userID string) *Session {
	if r.repo != nil {
		rec, err := r.repo.GetSession(ctx, sessionID)
		if err != nil {
			log.Printf("registry: failed to load session record %s: %v", sessionID, err)
		}
		if rec != nil {
			members, err := r.repo.GetParticipants(ctx, sessionID)
			if err != nil {
				log.Printf("registry: failed to load participants for session %s: %v", sessionID, err)
			}
			session := NewSession(rec.ID, rec.OwnerID, rec.Name, r.maxParticipants, r.connectionTimeout)
			session.restore(rec.Content, rec.Version, rec.Public, members)

			r.mu.Lock()
			if existing, ok := r.sessions[sessionID]; ok {
				r.mu.Unlock()
				return existing
			}
			r.sessions[sessionID] = session
			r.mu.Unlock()

			log.Printf("registry: session %s restored from store", sessionID)
			return session
		}
	}
	return r.CreateSession(ctx, sessionID, userID, "")
}

// GrantMembership lists a user as a session participant, on the live
// session when one exists and in the durable store. The durable write is
// synchronous so a failed grant surfaces to the caller.
func (r *Registry) GrantMembership(ctx context.Context, sessionID, userID string) error {
	if session := r.GetSession(sessionID); session != nil {
		session.AddMember(userID)
	}
	if r.repo != nil {
		if err := r.repo.AddParticipant(ctx, sessionID, userID); err != nil {
			return fmt.Errorf("failed to persist membership for %s in session %s: %w", userID, sessionID, err)
		}
	}
	return nil
}

// Disconnect removes a connection from its session and the user index and
// closes it. Idempotent; reports whether this call did the removal so the
// caller knows to announce the departure exactly once.
func (r *Registry) Disconnect(conn *Connection) bool {
	removed := false

	r.mu.Lock()
	conns := r.userConns[conn.UserID]
	for i, c := range conns {
		if c.ID == conn.ID {
			r.userConns[conn.UserID] = append(conns[:i], conns[i+1:]...)
			removed = true
			break
		}
	}
	if len(r.userConns[conn.UserID]) == 0 {
		delete(r.userConns, conn.UserID)
	}
	r.mu.Unlock()

	if session := r.GetSession(conn.SessionID); session != nil {
		session.RemoveConnection(conn.ID)
	}
	conn.Close()

	return removed
}

// HasUserConnections reports whether the user still has any live
// connection bound to the session. Per-(user, session) state such as rate
// windows must survive until this turns false, or a user could shed it by
// cycling one of several tabs.
func (r *Registry) HasUserConnections(userID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.userConns[userID] {
		if c.SessionID == sessionID {
			return true
		}
	}
	return false
}

// BroadcastToSession fans a message out to a session's connections.
func (r *Registry) BroadcastToSession(sessionID string, msg *models.Message, excludeConnectionID string) {
	if session := r.GetSession(sessionID); session != nil {
		session.Broadcast(msg, excludeConnectionID)
	}
}

// SendToUser delivers a message to every live connection of a user, e.g.
// the same account in multiple tabs.
func (r *Registry) SendToUser(userID string, msg *models.Message) {
	r.mu.RLock()
	conns := make([]*Connection, len(r.userConns[userID]))
	copy(conns, r.userConns[userID])
	r.mu.RUnlock()

	for _, conn := range conns {
		if !conn.IsActive(r.connectionTimeout) {
			continue
		}
		if err := conn.Send(msg); err != nil {
			log.Printf("registry: send to user %s connection %s failed: %v", userID, conn.ID, err)
		}
	}
}

// SweepIdle walks all sessions and disconnects every connection whose
// last activity exceeds the timeout, announcing each departure. Returns
// the number of connections removed.
func (r *Registry) SweepIdle() int {
	swept := 0
	for _, session := range r.AllSessions() {
		for _, conn := range session.stale(r.connectionTimeout) {
			if r.Disconnect(conn) {
				swept++
				r.announceLeave(session, conn.UserID)
			}
		}
	}
	return swept
}

// announceLeave broadcasts a user_left presence update to the remaining
// participants of a session.
func (r *Registry) announceLeave(session *Session, userID string) {
	msg := models.MustMessage(models.MessageTypePresence, session.ID, userID, session.Version(), map[string]any{
		"presence_type": models.PresenceUserLeft,
		"user_id":       userID,
		"participants":  session.Participants(),
	})
	session.Broadcast(msg, "")
}

// ResolveSession implements SessionResolver for the access gate: live
// sessions first, then the durable store for sessions with no current
// connections.
func (r *Registry) ResolveSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if session := r.GetSession(sessionID); session != nil {
		return session.Info(), nil
	}

	if r.repo != nil {
		rec, err := r.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			participants := []string{rec.OwnerID}
			members, merr := r.repo.GetParticipants(ctx, sessionID)
			if merr != nil {
				log.Printf("registry: failed to load participants for session %s: %v", sessionID, merr)
			}
			participants = append(participants, members...)
			return &SessionInfo{
				ID:           rec.ID,
				OwnerID:      rec.OwnerID,
				Participants: participants,
				Public:       rec.Public,
			}, nil
		}
	}

	return nil, ErrSessionNotFound
}

// persistSession writes the session row behind the live state.
func (r *Registry) persistSession(session *Session) {
	if r.repo == nil {
		return
	}
	rec := &models.SessionRecord{
		ID:      session.ID,
		OwnerID: session.OwnerID,
		Name:    session.Name(),
		Public:  session.Public(),
		Version: session.Version(),
		Content: session.Content(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.repo.SaveSession(ctx, rec); err != nil {
			log.Printf("registry: failed to persist session %s: %v", session.ID, err)
		}
	}()
}

// Shutdown stops the sweep loop and closes every connection.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	for _, session := range r.AllSessions() {
		for _, conn := range session.allConnections() {
			r.Disconnect(conn)
		}
	}
	log.Println("✓ Session registry shutdown complete")
}
