package collaboration

import (
	"testing"

	"quantum-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMessage(t *testing.T, msgType models.MessageType, payload any) *models.Message {
	t.Helper()
	msg, err := models.NewMessage(msgType, "s1", "alice", 0, payload)
	require.NoError(t, err)
	return msg
}

func TestValidateMessageEnvelope(t *testing.T) {
	v := NewValidator()

	t.Run("nil message", func(t *testing.T) {
		assert.ErrorIs(t, v.ValidateMessage(nil), ErrValidation)
	})

	t.Run("missing type", func(t *testing.T) {
		err := v.ValidateMessage(&models.Message{})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := v.ValidateMessage(&models.Message{Type: "telepathy"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("server-only types rejected from clients", func(t *testing.T) {
		for _, msgType := range []models.MessageType{models.MessageTypeAck, models.MessageTypeError} {
			err := v.ValidateMessage(buildMessage(t, msgType, nil))
			assert.ErrorIs(t, err, ErrValidation, string(msgType))
		}
	})

	t.Run("payload-free types pass", func(t *testing.T) {
		for _, msgType := range []models.MessageType{
			models.MessageTypeUndo, models.MessageTypeRedo,
			models.MessageTypeSync, models.MessageTypeHeartbeat,
		} {
			assert.NoError(t, v.ValidateMessage(buildMessage(t, msgType, nil)), string(msgType))
		}
	})
}

func TestValidateEdit(t *testing.T) {
	v := NewValidator()

	t.Run("valid insert", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeEdit, models.EditPayload{
			Operation: models.EditOperation{Type: models.OpInsert, Position: 0, Content: "hi"},
		})
		assert.NoError(t, v.ValidateMessage(msg))
	})

	t.Run("valid delete", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeEdit, models.EditPayload{
			Operation: models.EditOperation{Type: models.OpDelete, Position: 2, Length: 3},
		})
		assert.NoError(t, v.ValidateMessage(msg))
	})

	t.Run("unknown operation type", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeEdit, models.EditPayload{
			Operation: models.EditOperation{Type: "replace", Position: 0, Content: "hi"},
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("insert without content", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeEdit, models.EditPayload{
			Operation: models.EditOperation{Type: models.OpInsert, Position: 0},
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("delete without length", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeEdit, models.EditPayload{
			Operation: models.EditOperation{Type: models.OpDelete, Position: 0},
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("negative position", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeEdit, models.EditPayload{
			Operation: models.EditOperation{Type: models.OpInsert, Position: -1, Content: "hi"},
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("malformed payload", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeEdit, nil)
		msg.Data = []byte(`{"operation": "not-an-object"`)
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})
}

func TestValidatePresence(t *testing.T) {
	v := NewValidator()

	t.Run("cursor update", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypePresence, models.PresencePayload{
			PresenceType: models.PresenceCursor, Line: 2, Column: 7,
		})
		assert.NoError(t, v.ValidateMessage(msg))
	})

	t.Run("selection end before start", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypePresence, models.PresencePayload{
			PresenceType: models.PresenceSelection, Start: 10, End: 4,
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("unknown presence sub-type", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypePresence, models.PresencePayload{
			PresenceType: "vibes",
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})
}

func TestValidateComment(t *testing.T) {
	v := NewValidator()

	t.Run("add with text", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeComment, models.CommentPayload{
			Action: models.CommentActionAdd, Line: 3, Text: "unclear",
		})
		assert.NoError(t, v.ValidateMessage(msg))
	})

	t.Run("add with whitespace text", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeComment, models.CommentPayload{
			Action: models.CommentActionAdd, Text: "   ",
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("reply without comment id", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeComment, models.CommentPayload{
			Action: models.CommentActionReply, Text: "agreed",
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("resolve without comment id", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeComment, models.CommentPayload{
			Action: models.CommentActionResolve,
		})
		assert.ErrorIs(t, v.ValidateMessage(msg), ErrValidation)
	})

	t.Run("resolve with comment id", func(t *testing.T) {
		msg := buildMessage(t, models.MessageTypeComment, models.CommentPayload{
			Action: models.CommentActionResolve, CommentID: "c1",
		})
		assert.NoError(t, v.ValidateMessage(msg))
	})
}
