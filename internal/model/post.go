package model

import "time"

// Post is a class feed entry. Replies carry ParentID.
type Post struct {
	ID        int64     `json:"id"`
	ClassID   int64     `json:"class_id"`
	SenderID  int       `json:"sender_id"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	Title     *string   `json:"title,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
