package repository

import (
	"context"
	"errors"
	"fmt"

	"quantum-collab/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CollabRepository persists sessions, edit history, and comments.
//
// Persistence is write-behind: live sessions are correct without it, and
// callers invoke these methods from goroutines off the hot path. Query
// patterns mirror the live engine: full history for audit, snapshots for
// restart recovery.
type CollabRepository struct {
	db *gorm.DB
}

func NewCollabRepository(db *gorm.DB) *CollabRepository {
	return &CollabRepository{db: db}
}

// SaveSession upserts the session row with its latest content snapshot.
func (r *CollabRepository) SaveSession(ctx context.Context, rec *models.SessionRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "public", "version", "content", "updated_at"}),
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession loads a session row, or nil if it was never persisted.
func (r *CollabRepository) GetSession(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// ListSessionsByOwner returns the sessions a user owns, newest first.
func (r *CollabRepository) ListSessionsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.SessionRecord, error) {
	var recs []*models.SessionRecord
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return recs, nil
}

// DeleteSession soft-deletes the session row.
func (r *CollabRepository) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).Delete(&models.SessionRecord{}, "id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// AddParticipant durably grants a user membership in a session.
// Granting twice is a no-op.
func (r *CollabRepository) AddParticipant(ctx context.Context, sessionID, userID string) error {
	rec := &models.ParticipantRecord{SessionID: sessionID, UserID: userID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to add participant %s to session %s: %w", userID, sessionID, err)
	}
	return nil
}

// GetParticipants returns the users granted membership in a session.
func (r *CollabRepository) GetParticipants(ctx context.Context, sessionID string) ([]string, error) {
	var userIDs []string
	err := r.db.WithContext(ctx).
		Model(&models.ParticipantRecord{}).
		Where("session_id = ?", sessionID).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get participants for session %s: %w", sessionID, err)
	}
	return userIDs, nil
}

// AppendEdit stores one applied edit in the durable history log.
func (r *CollabRepository) AppendEdit(ctx context.Context, rec *models.EditRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append edit: %w", err)
	}
	return nil
}

// GetEditHistory returns the persisted edit log for a session in applied
// order, paginated.
func (r *CollabRepository) GetEditHistory(ctx context.Context, sessionID string, limit, offset int) ([]*models.EditRecord, error) {
	var recs []*models.EditRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version ASC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get edit history: %w", err)
	}
	return recs, nil
}

// SaveComment upserts a comment or reply row.
func (r *CollabRepository) SaveComment(ctx context.Context, rec *models.CommentRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"resolved", "resolved_at"}),
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save comment: %w", err)
	}
	return nil
}

// GetComments returns a session's persisted comments, top-level first.
func (r *CollabRepository) GetComments(ctx context.Context, sessionID string) ([]*models.CommentRecord, error) {
	var recs []*models.CommentRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get comments: %w", err)
	}
	return recs, nil
}
