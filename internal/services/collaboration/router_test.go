package collaboration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"quantum-collab/internal/auth"
	"quantum-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routerFixture wires a real registry, gate, and router around one session
// with two bound connections.
type routerFixture struct {
	registry *Registry
	router   *Router
	session  *Session
	alice    *Connection
	bob      *Connection
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ctx := context.Background()

	registry := NewRegistry(nil, 10, 5*time.Minute, time.Minute)
	gate := NewAccessGate(auth.NewJWTVerifier(testSecret), registry)
	router := NewRouter(gate, nil)

	alice := NewConnection(newServerConn(t), "alice", "s1")
	session, err := registry.Bind(ctx, alice)
	require.NoError(t, err)
	session.AddMember("bob")

	bob := NewConnection(newServerConn(t), "bob", "s1")
	_, err = registry.Bind(ctx, bob)
	require.NoError(t, err)

	return &routerFixture{
		registry: registry,
		router:   router,
		session:  session,
		alice:    alice,
		bob:      bob,
	}
}

func identityFor(userID string) *auth.Identity {
	return &auth.Identity{UserID: userID}
}

// drain decodes every message currently buffered on a connection.
func drain(t *testing.T, conn *Connection) []*models.Message {
	t.Helper()
	var msgs []*models.Message
	for {
		select {
		case data := <-conn.send:
			var msg models.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			msgs = append(msgs, &msg)
		default:
			return msgs
		}
	}
}

func route(t *testing.T, f *routerFixture, conn *Connection, msg *models.Message) error {
	t.Helper()
	return f.router.Route(context.Background(), msg, identityFor(conn.UserID), conn, f.session)
}

func TestRouterEditFlow(t *testing.T) {
	f := newRouterFixture(t)

	edit := models.MustMessage(models.MessageTypeEdit, "s1", "alice", 0, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpInsert, Position: 0, Content: "foo"},
	})
	edit.OperationID = "op-1"
	require.NoError(t, route(t, f, f.alice, edit))

	assert.Equal(t, "foo", f.session.Content())
	assert.Equal(t, 1, f.session.Version())

	// Sender gets only the ack.
	aliceMsgs := drain(t, f.alice)
	require.Len(t, aliceMsgs, 1)
	assert.Equal(t, models.MessageTypeAck, aliceMsgs[0].Type)
	assert.Equal(t, 1, aliceMsgs[0].Version)
	var ack models.AckPayload
	require.NoError(t, json.Unmarshal(aliceMsgs[0].Data, &ack))
	assert.Equal(t, "op-1", ack.OperationID)
	assert.Equal(t, "applied", ack.Status)

	// The other participant gets the applied edit at the new version.
	bobMsgs := drain(t, f.bob)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, models.MessageTypeEdit, bobMsgs[0].Type)
	assert.Equal(t, 1, bobMsgs[0].Version)
	assert.Equal(t, "alice", bobMsgs[0].UserID)

	// Now the peer deletes everything; versions keep climbing.
	del := models.MustMessage(models.MessageTypeEdit, "s1", "bob", 1, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpDelete, Position: 0, Length: 3},
	})
	del.OperationID = "op-2"
	require.NoError(t, route(t, f, f.bob, del))

	assert.Equal(t, "", f.session.Content())
	assert.Equal(t, 2, f.session.Version())

	aliceMsgs = drain(t, f.alice)
	require.Len(t, aliceMsgs, 1)
	assert.Equal(t, models.MessageTypeEdit, aliceMsgs[0].Type)
	assert.Equal(t, 2, aliceMsgs[0].Version)
}

func TestRouterEditRejection(t *testing.T) {
	f := newRouterFixture(t)

	edit := models.MustMessage(models.MessageTypeEdit, "s1", "alice", 0, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpInsert, Position: 99, Content: "x"},
	})
	err := route(t, f, f.alice, edit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	// Nothing applied, nothing broadcast.
	assert.Equal(t, 0, f.session.Version())
	assert.Empty(t, drain(t, f.alice))
	assert.Empty(t, drain(t, f.bob))
}

func TestRouterAccessDenied(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Bound but never granted membership.
	mallory := NewConnection(newServerConn(t), "mallory", "s1")
	_, err := f.registry.Bind(ctx, mallory)
	require.NoError(t, err)
	drain(t, f.alice)
	drain(t, f.bob)

	edit := models.MustMessage(models.MessageTypeEdit, "s1", "mallory", 0, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpInsert, Position: 0, Content: "pwned"},
	})
	err = route(t, f, mallory, edit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, "", f.session.Content())
	assert.Empty(t, drain(t, f.bob))
}

func TestRouterPresenceFlow(t *testing.T) {
	f := newRouterFixture(t)

	presence := models.MustMessage(models.MessageTypePresence, "s1", "alice", 0, models.PresencePayload{
		PresenceType: models.PresenceCursor, Line: 4, Column: 12,
	})
	require.NoError(t, route(t, f, f.alice, presence))

	// Presence is version-neutral and never echoes to the sender.
	assert.Equal(t, 0, f.session.Version())
	assert.Empty(t, drain(t, f.alice))

	bobMsgs := drain(t, f.bob)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, models.MessageTypePresence, bobMsgs[0].Type)

	participant := f.alice.Participant()
	assert.Equal(t, 4, participant.Cursor.Line)
	assert.Equal(t, 12, participant.Cursor.Column)
}

func TestRouterCommentFlow(t *testing.T) {
	f := newRouterFixture(t)

	add := models.MustMessage(models.MessageTypeComment, "s1", "alice", 0, models.CommentPayload{
		Action: models.CommentActionAdd, Line: 2, Text: "unclear sentence",
	})
	require.NoError(t, route(t, f, f.alice, add))

	// Comments reach everyone, sender included.
	require.Len(t, drain(t, f.alice), 1)
	require.Len(t, drain(t, f.bob), 1)

	comments := f.session.Comments()
	require.Len(t, comments, 1)
	commentID := comments[0].ID

	reply := models.MustMessage(models.MessageTypeComment, "s1", "bob", 0, models.CommentPayload{
		Action: models.CommentActionReply, CommentID: commentID, Text: "reworded",
	})
	require.NoError(t, route(t, f, f.bob, reply))
	require.Len(t, drain(t, f.alice), 1)

	resolve := models.MustMessage(models.MessageTypeComment, "s1", "alice", 0, models.CommentPayload{
		Action: models.CommentActionResolve, CommentID: commentID,
	})
	require.NoError(t, route(t, f, f.alice, resolve))

	comments = f.session.Comments()
	assert.True(t, comments[0].Resolved)

	reply = models.MustMessage(models.MessageTypeComment, "s1", "bob", 0, models.CommentPayload{
		Action: models.CommentActionReply, CommentID: "missing", Text: "lost",
	})
	assert.ErrorIs(t, route(t, f, f.bob, reply), ErrValidation)
}

func TestRouterUndoFlow(t *testing.T) {
	f := newRouterFixture(t)

	edit := models.MustMessage(models.MessageTypeEdit, "s1", "alice", 0, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpInsert, Position: 0, Content: "Hello"},
	})
	require.NoError(t, route(t, f, f.alice, edit))
	drain(t, f.alice)
	drain(t, f.bob)

	undo := models.MustMessage(models.MessageTypeUndo, "s1", "alice", 1, nil)
	require.NoError(t, route(t, f, f.alice, undo))

	assert.Equal(t, "", f.session.Content())
	assert.Equal(t, 2, f.session.Version())

	// The inverse goes to everyone so all replicas converge.
	aliceMsgs := drain(t, f.alice)
	bobMsgs := drain(t, f.bob)
	require.Len(t, aliceMsgs, 1)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, models.MessageTypeUndo, bobMsgs[0].Type)
	assert.Equal(t, 2, bobMsgs[0].Version)

	var payload models.EditPayload
	require.NoError(t, json.Unmarshal(bobMsgs[0].Data, &payload))
	assert.Equal(t, models.OpDelete, payload.Operation.Type)

	// Nothing left to undo.
	undo = models.MustMessage(models.MessageTypeUndo, "s1", "alice", 2, nil)
	assert.ErrorIs(t, route(t, f, f.alice, undo), ErrValidation)
}

func TestRouterRedoFanOut(t *testing.T) {
	f := newRouterFixture(t)

	redo := models.MustMessage(models.MessageTypeRedo, "s1", "alice", 0, map[string]any{
		"operation": map[string]any{"type": "insert", "position": 0, "content": "again"},
	})
	require.NoError(t, route(t, f, f.alice, redo))

	// Redo is forwarded verbatim without touching server state.
	assert.Equal(t, 0, f.session.Version())
	require.Len(t, drain(t, f.bob), 1)
	require.Len(t, drain(t, f.alice), 1)
}

func TestRouterSyncAndHeartbeat(t *testing.T) {
	f := newRouterFixture(t)

	edit := models.MustMessage(models.MessageTypeEdit, "s1", "alice", 0, models.EditPayload{
		Operation: models.EditOperation{Type: models.OpInsert, Position: 0, Content: "state"},
	})
	require.NoError(t, route(t, f, f.alice, edit))
	drain(t, f.alice)
	drain(t, f.bob)

	sync := models.MustMessage(models.MessageTypeSync, "s1", "bob", 0, nil)
	require.NoError(t, route(t, f, f.bob, sync))

	// Snapshot goes only to the requester.
	bobMsgs := drain(t, f.bob)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, models.MessageTypeSync, bobMsgs[0].Type)
	var snap models.SyncPayload
	require.NoError(t, json.Unmarshal(bobMsgs[0].Data, &snap))
	assert.Equal(t, "state", snap.Content)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, 1, snap.EditCount)
	assert.Empty(t, drain(t, f.alice))

	heartbeat := models.MustMessage(models.MessageTypeHeartbeat, "s1", "bob", 0, nil)
	require.NoError(t, route(t, f, f.bob, heartbeat))

	bobMsgs = drain(t, f.bob)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, models.MessageTypeHeartbeat, bobMsgs[0].Type)
	assert.Empty(t, drain(t, f.alice))
}
