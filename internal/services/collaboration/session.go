package collaboration

import (
	"log"
	"sync"
	"time"

	"quantum-collab/internal/models"
)

// EditEntry is one applied edit in a session's append-only history. For
// deletes, Op.Content holds the removed text captured at apply time so the
// edit can be structurally inverted.
type EditEntry struct {
	UserID      string               `json:"user_id"`
	Timestamp   time.Time            `json:"timestamp"`
	OperationID string               `json:"operation_id,omitempty"`
	Version     int                  `json:"version"`
	Op          models.EditOperation `json:"operation"`
}

// Session owns one shared document's mutable state: content, version
// counter, edit history, comment tree, and the live connection set. Every
// mutation happens under the session's own lock, so edits apply in the
// order the lock admits callers and unrelated sessions never contend.
type Session struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time

	mu              sync.Mutex
	name            string
	public          bool
	updatedAt       time.Time
	content         string
	version         int
	history         []*EditEntry
	comments        []*models.Comment
	connections     map[string]*Connection
	members         map[string]bool
	maxParticipants int
	livenessTimeout time.Duration
}

func NewSession(id, ownerID, name string, maxParticipants int, livenessTimeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:              id,
		OwnerID:         ownerID,
		CreatedAt:       now,
		name:            name,
		updatedAt:       now,
		connections:     make(map[string]*Connection),
		members:         map[string]bool{ownerID: true},
		maxParticipants: maxParticipants,
		livenessTimeout: livenessTimeout,
	}
}

// AddConnection registers a connection and transitions it to CONNECTED.
// Rejects with ErrSessionFull at the participant cap, leaving the
// connection set untouched.
func (s *Session) AddConnection(conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.connections) >= s.maxParticipants {
		return reject(ErrSessionFull, "session %s is at its participant cap (%d)", s.ID, s.maxParticipants)
	}

	s.connections[conn.ID] = conn
	conn.setState(StateConnected)
	s.updatedAt = time.Now()
	log.Printf("session %s: connection %s joined (%d connected)", s.ID, conn.ID, len(s.connections))
	return nil
}

// RemoveConnection unregisters a connection. Idempotent.
func (s *Session) RemoveConnection(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[connectionID]; ok {
		delete(s.connections, connectionID)
		s.updatedAt = time.Now()
		log.Printf("session %s: connection %s left (%d remaining)", s.ID, connectionID, len(s.connections))
	}
}

// ApplyEdit mutates the content buffer under the session lock: inserts
// splice payload content at the rune offset, deletes remove a rune range.
// Out-of-bounds offsets are rejected with content and version unchanged.
// On success the version increments and the entry is appended to history.
func (s *Session) ApplyEdit(userID, operationID string, op models.EditOperation) (*EditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runes := []rune(s.content)

	switch op.Type {
	case models.OpInsert:
		if op.Position < 0 || op.Position > len(runes) {
			return nil, reject(ErrValidation, "insert position %d out of bounds (content length %d)", op.Position, len(runes))
		}
		s.content = string(runes[:op.Position]) + op.Content + string(runes[op.Position:])

	case models.OpDelete:
		// Each bound checked on its own; summing first can overflow.
		if op.Position < 0 || op.Length < 0 || op.Position > len(runes) || op.Length > len(runes)-op.Position {
			return nil, reject(ErrValidation, "delete range at %d length %d out of bounds (content length %d)", op.Position, op.Length, len(runes))
		}
		// Capture the removed text so the edit can be inverted later.
		op.Content = string(runes[op.Position : op.Position+op.Length])
		s.content = string(runes[:op.Position]) + string(runes[op.Position+op.Length:])

	default:
		return nil, reject(ErrValidation, "unknown edit operation %q", op.Type)
	}

	s.version++
	entry := &EditEntry{
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
		OperationID: operationID,
		Version:     s.version,
		Op:          op,
	}
	s.history = append(s.history, entry)
	s.updatedAt = time.Now()
	return entry, nil
}

// Undo pops the most recent history entry and applies its structural
// inverse: an insert is undone by deleting the inserted range, a delete by
// re-inserting the captured text. The version increments so every client
// observes the undo as a new state. Fails when history is empty.
func (s *Session) Undo(userID string) (models.EditOperation, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return models.EditOperation{}, s.version, reject(ErrValidation, "nothing to undo")
	}

	last := s.history[len(s.history)-1]
	runes := []rune(s.content)

	var inverse models.EditOperation
	switch last.Op.Type {
	case models.OpInsert:
		length := len([]rune(last.Op.Content))
		if last.Op.Position+length > len(runes) {
			return models.EditOperation{}, s.version, reject(ErrInternal, "history entry no longer matches content")
		}
		inverse = models.EditOperation{
			Type:     models.OpDelete,
			Position: last.Op.Position,
			Length:   length,
			Content:  last.Op.Content,
		}
		s.content = string(runes[:last.Op.Position]) + string(runes[last.Op.Position+length:])

	case models.OpDelete:
		if last.Op.Position > len(runes) {
			return models.EditOperation{}, s.version, reject(ErrInternal, "history entry no longer matches content")
		}
		inverse = models.EditOperation{
			Type:     models.OpInsert,
			Position: last.Op.Position,
			Content:  last.Op.Content,
		}
		s.content = string(runes[:last.Op.Position]) + last.Op.Content + string(runes[last.Op.Position:])
	}

	s.history = s.history[:len(s.history)-1]
	s.version++
	s.updatedAt = time.Now()
	return inverse, s.version, nil
}

// AddComment creates a top-level comment. Comments never touch the
// version counter.
func (s *Session) AddComment(userID string, line int, text string) *models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	comment := models.NewComment(userID, line, text)
	s.comments = append(s.comments, comment)
	s.updatedAt = time.Now()
	return comment
}

// ReplyToComment threads a reply under an existing comment.
func (s *Session) ReplyToComment(commentID, userID, text string) (*models.CommentReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, comment := range s.comments {
		if comment.ID == commentID {
			reply := models.NewCommentReply(userID, text)
			comment.Replies = append(comment.Replies, reply)
			s.updatedAt = time.Now()
			return reply, nil
		}
	}
	return nil, reject(ErrValidation, "comment %s not found", commentID)
}

// ResolveComment marks a comment resolved. Idempotent: resolving an
// already-resolved comment leaves its resolved timestamp unchanged.
func (s *Session) ResolveComment(commentID string) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, comment := range s.comments {
		if comment.ID == commentID {
			if !comment.Resolved {
				comment.Resolved = true
				now := time.Now().UTC()
				comment.ResolvedAt = &now
				s.updatedAt = time.Now()
			}
			return comment, nil
		}
	}
	return nil, reject(ErrValidation, "comment %s not found", commentID)
}

// Broadcast fans a message out to the session's live connections, skipping
// the excluded connection id (empty means no exclusion). Delivery is not
// transactional: a failed or stale recipient is evicted as a side effect
// and never blocks the others.
func (s *Session) Broadcast(msg *models.Message, excludeConnectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []string
	for id, conn := range s.connections {
		if id == excludeConnectionID {
			continue
		}
		if !conn.IsActive(s.livenessTimeout) {
			failed = append(failed, id)
			continue
		}
		if err := conn.Send(msg); err != nil {
			log.Printf("session %s: dropping connection %s: %v", s.ID, id, err)
			failed = append(failed, id)
		}
	}

	for _, id := range failed {
		if conn, ok := s.connections[id]; ok {
			delete(s.connections, id)
			conn.Close()
		}
	}
}

// Participants returns the public views of connections that pass the
// liveness check.
func (s *Session) Participants() []*models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]*models.Participant, 0, len(s.connections))
	for _, conn := range s.connections {
		if conn.IsActive(s.livenessTimeout) {
			participants = append(participants, conn.Participant())
		}
	}
	return participants
}

// Snapshot assembles the full sync payload for one connection.
func (s *Session) Snapshot() models.SyncPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]*models.Participant, 0, len(s.connections))
	for _, conn := range s.connections {
		if conn.IsActive(s.livenessTimeout) {
			participants = append(participants, conn.Participant())
		}
	}
	comments := make([]*models.Comment, len(s.comments))
	copy(comments, s.comments)

	return models.SyncPayload{
		Content:      s.content,
		Version:      s.version,
		Participants: participants,
		Comments:     comments,
		EditCount:    len(s.history),
	}
}

// History returns a page of the edit history in applied order.
func (s *Session) History(limit, offset int) ([]*EditEntry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.history)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*EditEntry, end-offset)
	copy(page, s.history[offset:end])
	return page, total
}

// Comments returns a copy of the comment list.
func (s *Session) Comments() []*models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	comments := make([]*models.Comment, len(s.comments))
	copy(comments, s.comments)
	return comments
}

// Content returns the current content buffer.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

// Version returns the current version counter.
func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// EditCount returns the length of the edit history.
func (s *Session) EditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// ConnectionCount returns the size of the connection set, live or not.
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Name returns the display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Public reports whether non-members get read access.
func (s *Session) Public() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.public
}

// SetPublic toggles public read access.
func (s *Session) SetPublic(public bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.public = public
	s.updatedAt = time.Now()
}

// AddMember lists a user as a session participant (read/write/comment).
func (s *Session) AddMember(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[userID] = true
	s.updatedAt = time.Now()
}

// restore seeds state from a persisted record. Called before the session
// is shared, so edit history stays empty and the version picks up where
// the snapshot left off.
func (s *Session) restore(content string, version int, public bool, members []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = content
	s.version = version
	s.public = public
	for _, userID := range members {
		s.members[userID] = true
	}
}

// UpdatedAt returns the last-mutation timestamp.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Info returns the authorization view of this session.
func (s *Session) Info() *SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]string, 0, len(s.members))
	for userID := range s.members {
		participants = append(participants, userID)
	}
	return &SessionInfo{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Participants: participants,
		Public:       s.public,
	}
}

// allConnections returns every bound connection, live or not.
func (s *Session) allConnections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	return conns
}

// stale returns connection ids that fail the liveness check against the
// given timeout. Used by the registry's idle sweep.
func (s *Session) stale(timeout time.Duration) []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conns []*Connection
	for _, conn := range s.connections {
		if !conn.IsActive(timeout) {
			conns = append(conns, conn)
		}
	}
	return conns
}
