package models

import (
	"time"

	"github.com/google/uuid"
)

// Comment is a top-level annotation on a session, threaded via Replies.
// Comments never touch the session version.
type Comment struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Line       int             `json:"line"`
	Text       string          `json:"text"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Replies    []*CommentReply `json:"replies"`
}

// CommentReply is a threaded reply under a top-level comment.
type CommentReply struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func NewComment(userID string, line int, text string) *Comment {
	return &Comment{
		ID:        uuid.New().String(),
		UserID:    userID,
		Line:      line,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		Replies:   []*CommentReply{},
	}
}

func NewCommentReply(userID, text string) *CommentReply {
	return &CommentReply{
		ID:        uuid.New().String(),
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// CursorPosition is where a participant's cursor sits in the document.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// SelectionRange is a participant's active selection as rune offsets.
type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// UserInfo is display metadata shown next to a participant's cursor.
type UserInfo struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Participant is the public view of a live connection, as embedded in
// presence broadcasts and sync snapshots.
type Participant struct {
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Color     string         `json:"color"`
	Cursor    CursorPosition `json:"cursor"`
	Selection SelectionRange `json:"selection"`
}
