package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stemsi/exstem-live/internal/model"
)

// Classes is an in-memory class roster.
type Classes struct {
	mu      sync.RWMutex
	members map[int64]map[int]struct{}
}

func NewClasses() *Classes {
	return &Classes{members: make(map[int64]map[int]struct{})}
}

// Enroll adds users to a class.
func (c *Classes) Enroll(classID int64, userIDs ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.members[classID]
	if !ok {
		set = make(map[int]struct{})
		c.members[classID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
}

func (c *Classes) IsMember(_ context.Context, classID int64, userID int) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[classID][userID]
	return ok, nil
}

// Posts is an in-memory class feed.
type Posts struct {
	clock clock.Clock

	mu     sync.RWMutex
	nextID int64
	rows   map[int64]model.Post
}

func NewPosts(clk clock.Clock) *Posts {
	if clk == nil {
		clk = clock.New()
	}
	return &Posts{clock: clk, rows: make(map[int64]model.Post)}
}

// Create assigns ID and CreatedAt.
func (p *Posts) Create(_ context.Context, post *model.Post) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	post.ID = p.nextID
	post.CreatedAt = p.clock.Now().UTC().Truncate(time.Microsecond)
	p.rows[post.ID] = *post
	return nil
}

// Get returns nil, nil for unknown ids.
func (p *Posts) Get(_ context.Context, id int64) (*model.Post, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	post, ok := p.rows[id]
	if !ok {
		return nil, nil
	}
	return &post, nil
}
