package collaboration

import (
	"encoding/json"
	"strings"

	"quantum-collab/internal/models"

	"github.com/go-playground/validator/v10"
)

// Validator performs structural validation of inbound messages per message
// type, before anything reaches the router. Payload structs carry
// go-playground/validator tags; type-specific rules that tags cannot
// express live here.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateMessage checks the envelope and the type-specific payload.
// A nil return means the message is safe to route.
func (v *Validator) ValidateMessage(msg *models.Message) error {
	if msg == nil {
		return reject(ErrValidation, "message is required")
	}
	if msg.Type == "" {
		return reject(ErrValidation, "message type is required")
	}
	if !msg.Type.Valid() {
		return reject(ErrValidation, "invalid message type: %s", msg.Type)
	}

	switch msg.Type {
	case models.MessageTypeEdit:
		return v.validateEdit(msg)
	case models.MessageTypePresence:
		return v.validatePresence(msg)
	case models.MessageTypeComment:
		return v.validateComment(msg)
	case models.MessageTypeUndo, models.MessageTypeRedo,
		models.MessageTypeSync, models.MessageTypeHeartbeat:
		// No required payload.
		return nil
	case models.MessageTypeAck, models.MessageTypeError:
		// Server-originated types; clients never send them.
		return reject(ErrValidation, "message type %s is not accepted from clients", msg.Type)
	}
	return nil
}

func (v *Validator) validateEdit(msg *models.Message) error {
	var payload models.EditPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return reject(ErrValidation, "edit payload is malformed")
	}
	if err := v.validate.Struct(&payload); err != nil {
		return reject(ErrValidation, "edit payload invalid: %s", validationDetail(err))
	}

	op := payload.Operation
	switch op.Type {
	case models.OpInsert:
		if op.Content == "" {
			return reject(ErrValidation, "insert requires content")
		}
	case models.OpDelete:
		if op.Length <= 0 {
			return reject(ErrValidation, "delete requires a positive length")
		}
	}
	return nil
}

func (v *Validator) validatePresence(msg *models.Message) error {
	var payload models.PresencePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return reject(ErrValidation, "presence payload is malformed")
	}
	if err := v.validate.Struct(&payload); err != nil {
		return reject(ErrValidation, "presence payload invalid: %s", validationDetail(err))
	}
	if payload.PresenceType == models.PresenceSelection && payload.End < payload.Start {
		return reject(ErrValidation, "selection end precedes start")
	}
	return nil
}

func (v *Validator) validateComment(msg *models.Message) error {
	var payload models.CommentPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return reject(ErrValidation, "comment payload is malformed")
	}
	if err := v.validate.Struct(&payload); err != nil {
		return reject(ErrValidation, "comment payload invalid: %s", validationDetail(err))
	}

	switch payload.Action {
	case models.CommentActionAdd:
		if strings.TrimSpace(payload.Text) == "" {
			return reject(ErrValidation, "comment text is required")
		}
	case models.CommentActionReply:
		if payload.CommentID == "" {
			return reject(ErrValidation, "reply requires a comment_id")
		}
		if strings.TrimSpace(payload.Text) == "" {
			return reject(ErrValidation, "reply text is required")
		}
	case models.CommentActionResolve:
		if payload.CommentID == "" {
			return reject(ErrValidation, "resolve requires a comment_id")
		}
	}
	return nil
}

// validationDetail flattens validator errors to the first offending field,
// keeping error replies small.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if ok := isValidationErrors(err, &verrs); ok && len(verrs) > 0 {
		return strings.ToLower(verrs[0].Field()) + " failed " + verrs[0].Tag()
	}
	return err.Error()
}

func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		*target = verrs
		return true
	}
	return false
}
