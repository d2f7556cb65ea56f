package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// ClassRepository handles class membership and the class feed.
type ClassRepository struct {
	pool *pgxpool.Pool
}

// NewClassRepository creates a new ClassRepository.
func NewClassRepository(pool *pgxpool.Pool) *ClassRepository {
	return &ClassRepository{pool: pool}
}

// IsMember reports whether the user belongs to the class roster.
func (r *ClassRepository) IsMember(ctx context.Context, classID int64, userID int) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM class_members WHERE class_id = $1 AND user_id = $2)`,
		classID, userID,
	).Scan(&ok)
	return ok, err
}

// PostRepository handles class posts and replies.
type PostRepository struct {
	pool *pgxpool.Pool
}

// NewPostRepository creates a new PostRepository.
func NewPostRepository(pool *pgxpool.Pool) *PostRepository {
	return &PostRepository{pool: pool}
}

// Create inserts a post or reply and fills its ID and CreatedAt.
func (r *PostRepository) Create(ctx context.Context, p *model.Post) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO class_posts (class_id, sender_id, parent_id, title, message)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.ClassID, p.SenderID, p.ParentID, p.Title, p.Message,
	).Scan(&p.ID, &p.CreatedAt)
}

// Get retrieves a post by id, returning nil, nil when absent.
func (r *PostRepository) Get(ctx context.Context, id int64) (*model.Post, error) {
	p := &model.Post{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, class_id, sender_id, parent_id, title, message, created_at
		 FROM class_posts WHERE id = $1`, id,
	).Scan(&p.ID, &p.ClassID, &p.SenderID, &p.ParentID, &p.Title, &p.Message, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
