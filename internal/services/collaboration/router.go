package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"quantum-collab/internal/auth"
	"quantum-collab/internal/models"
	"quantum-collab/internal/repository"
)

// Router dispatches validated inbound messages to the handler for their
// type and coordinates the apply -> acknowledge -> broadcast sequence.
// The switch is the single decision point; each handler is flat.
type Router struct {
	gate *AccessGate
	repo *repository.CollabRepository
}

func NewRouter(gate *AccessGate, repo *repository.CollabRepository) *Router {
	return &Router{gate: gate, repo: repo}
}

// Route processes one inbound message for a connection already bound to
// its session. Returned errors are reported to the sender; none of them
// terminate the connection.
func (rt *Router) Route(ctx context.Context, msg *models.Message, identity *auth.Identity, conn *Connection, session *Session) error {
	switch msg.Type {
	case models.MessageTypeEdit:
		return rt.handleEdit(ctx, msg, identity, conn, session)
	case models.MessageTypePresence:
		return rt.handlePresence(msg, conn, session)
	case models.MessageTypeComment:
		return rt.handleComment(ctx, msg, identity, conn, session)
	case models.MessageTypeUndo:
		return rt.handleUndo(ctx, msg, identity, conn, session)
	case models.MessageTypeRedo:
		return rt.handleRedo(ctx, msg, identity, conn, session)
	case models.MessageTypeSync:
		return rt.handleSync(msg, conn, session)
	case models.MessageTypeHeartbeat:
		return rt.handleHeartbeat(msg, conn, session)
	case models.MessageTypeAck, models.MessageTypeError:
		// Validator rejects these before dispatch.
		return reject(ErrValidation, "unroutable message type %s", msg.Type)
	}
	return reject(ErrValidation, "unroutable message type %s", msg.Type)
}

func (rt *Router) requirePermission(ctx context.Context, identity *auth.Identity, sessionID string, action Action) error {
	if !rt.gate.CheckPermission(ctx, identity, sessionID, action) {
		return reject(ErrAccessDenied, "user %s may not %s in session %s", identity.UserID, action, sessionID)
	}
	return nil
}

func (rt *Router) handleEdit(ctx context.Context, msg *models.Message, identity *auth.Identity, conn *Connection, session *Session) error {
	if err := rt.requirePermission(ctx, identity, session.ID, ActionWrite); err != nil {
		return err
	}

	var payload models.EditPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return reject(ErrValidation, "edit payload is malformed")
	}

	entry, err := session.ApplyEdit(conn.UserID, msg.OperationID, payload.Operation)
	if err != nil {
		return err
	}

	// Acknowledge to the sender with the new version and operation id.
	ack := models.MustMessage(models.MessageTypeAck, session.ID, conn.UserID, entry.Version, models.AckPayload{
		OperationID: msg.OperationID,
		Status:      "applied",
	})
	if serr := conn.Send(ack); serr != nil {
		log.Printf("router: ack delivery to %s failed: %v", conn.ID, serr)
	}

	// Fan the applied operation out to everyone else at the new version.
	broadcast := models.MustMessage(models.MessageTypeEdit, session.ID, conn.UserID, entry.Version, models.EditPayload{
		Operation: entry.Op,
	})
	broadcast.OperationID = msg.OperationID
	session.Broadcast(broadcast, conn.ID)

	rt.persistEdit(session.ID, entry)
	return nil
}

func (rt *Router) handlePresence(msg *models.Message, conn *Connection, session *Session) error {
	var payload models.PresencePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return reject(ErrValidation, "presence payload is malformed")
	}

	switch payload.PresenceType {
	case models.PresenceCursor:
		conn.UpdateCursor(payload.Line, payload.Column)
	case models.PresenceSelection:
		conn.UpdateSelection(payload.Start, payload.End)
	case models.PresenceUserInfo:
		conn.UpdateUserInfo(payload.Name, payload.Color)
	}

	// Presence never touches the edit history or the version counter.
	participant := conn.Participant()
	broadcast := models.MustMessage(models.MessageTypePresence, session.ID, conn.UserID, session.Version(), map[string]any{
		"presence_type": payload.PresenceType,
		"user_id":       conn.UserID,
		"cursor":        participant.Cursor,
		"selection":     participant.Selection,
		"user_info":     models.UserInfo{Name: participant.Name, Color: participant.Color},
	})
	session.Broadcast(broadcast, conn.ID)
	return nil
}

func (rt *Router) handleComment(ctx context.Context, msg *models.Message, identity *auth.Identity, conn *Connection, session *Session) error {
	if err := rt.requirePermission(ctx, identity, session.ID, ActionComment); err != nil {
		return err
	}

	var payload models.CommentPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return reject(ErrValidation, "comment payload is malformed")
	}

	var data map[string]any
	switch payload.Action {
	case models.CommentActionAdd:
		comment := session.AddComment(conn.UserID, payload.Line, payload.Text)
		data = map[string]any{
			"comment_type": models.CommentActionAdd,
			"comment":      comment,
		}
		rt.persistComment(session.ID, &models.CommentRecord{
			ID:        comment.ID,
			SessionID: session.ID,
			UserID:    comment.UserID,
			Line:      comment.Line,
			Text:      comment.Text,
		})

	case models.CommentActionReply:
		reply, err := session.ReplyToComment(payload.CommentID, conn.UserID, payload.Text)
		if err != nil {
			return err
		}
		data = map[string]any{
			"comment_type": models.CommentActionReply,
			"comment_id":   payload.CommentID,
			"reply":        reply,
		}
		parentID := payload.CommentID
		rt.persistComment(session.ID, &models.CommentRecord{
			ID:        reply.ID,
			SessionID: session.ID,
			UserID:    reply.UserID,
			ParentID:  &parentID,
			Text:      reply.Text,
		})

	case models.CommentActionResolve:
		comment, err := session.ResolveComment(payload.CommentID)
		if err != nil {
			return err
		}
		data = map[string]any{
			"comment_type": models.CommentActionResolve,
			"comment_id":   comment.ID,
			"resolved_at":  comment.ResolvedAt,
		}
		rt.persistComment(session.ID, &models.CommentRecord{
			ID:         comment.ID,
			SessionID:  session.ID,
			UserID:     comment.UserID,
			Line:       comment.Line,
			Text:       comment.Text,
			Resolved:   true,
			ResolvedAt: comment.ResolvedAt,
		})
	}

	// Comments go to every participant, sender included, so the client's
	// optimistic UI reconciles against server state.
	broadcast := models.MustMessage(models.MessageTypeComment, session.ID, conn.UserID, session.Version(), data)
	session.Broadcast(broadcast, "")
	return nil
}

func (rt *Router) handleUndo(ctx context.Context, msg *models.Message, identity *auth.Identity, conn *Connection, session *Session) error {
	if err := rt.requirePermission(ctx, identity, session.ID, ActionWrite); err != nil {
		return err
	}

	inverse, version, err := session.Undo(conn.UserID)
	if err != nil {
		return err
	}

	broadcast := models.MustMessage(models.MessageTypeUndo, session.ID, conn.UserID, version, models.EditPayload{
		Operation: inverse,
	})
	session.Broadcast(broadcast, "")

	rt.persistEdit(session.ID, &EditEntry{
		UserID:    conn.UserID,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Op:        inverse,
	})
	return nil
}

// handleRedo forwards the request to all participants without server-side
// replay: the server keeps no redo stack, so redo is client-trusted.
// Known limitation, inherited deliberately.
func (rt *Router) handleRedo(ctx context.Context, msg *models.Message, identity *auth.Identity, conn *Connection, session *Session) error {
	if err := rt.requirePermission(ctx, identity, session.ID, ActionWrite); err != nil {
		return err
	}

	broadcast := &models.Message{
		Type:      models.MessageTypeRedo,
		SessionID: session.ID,
		UserID:    conn.UserID,
		Timestamp: time.Now().UTC(),
		Version:   session.Version(),
		Data:      msg.Data,
	}
	session.Broadcast(broadcast, "")
	return nil
}

func (rt *Router) handleSync(msg *models.Message, conn *Connection, session *Session) error {
	snapshot := session.Snapshot()
	reply := models.MustMessage(models.MessageTypeSync, session.ID, conn.UserID, snapshot.Version, snapshot)
	if err := conn.Send(reply); err != nil {
		return reject(ErrInternal, "failed to deliver sync snapshot: %v", err)
	}
	return nil
}

func (rt *Router) handleHeartbeat(msg *models.Message, conn *Connection, session *Session) error {
	conn.Touch()
	reply := models.MustMessage(models.MessageTypeHeartbeat, session.ID, conn.UserID, session.Version(), map[string]any{
		"status": "alive",
	})
	if err := conn.Send(reply); err != nil {
		return reject(ErrInternal, "failed to deliver heartbeat reply: %v", err)
	}
	return nil
}

func (rt *Router) persistEdit(sessionID string, entry *EditEntry) {
	if rt.repo == nil {
		return
	}
	rec := &models.EditRecord{
		SessionID: sessionID,
		UserID:    entry.UserID,
		Operation: entry.Op.Type,
		Position:  entry.Op.Position,
		Length:    entry.Op.Length,
		Content:   entry.Op.Content,
		Version:   entry.Version,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.repo.AppendEdit(ctx, rec); err != nil {
			log.Printf("router: failed to persist edit for session %s: %v", sessionID, err)
		}
	}()
}

func (rt *Router) persistComment(sessionID string, rec *models.CommentRecord) {
	if rt.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.repo.SaveComment(ctx, rec); err != nil {
			log.Printf("router: failed to persist comment for session %s: %v", sessionID, err)
		}
	}()
}
