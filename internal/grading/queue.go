// Package grading hands submitted attempts to the external grader.
package grading

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-live/internal/config"
)

// Queue implements session.GradeQueue on a Redis list.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func (q *Queue) Enqueue(ctx context.Context, submissionID uuid.UUID) error {
	return q.rdb.RPush(ctx, config.WorkerKey.GradeSubmissionsQueue, submissionID.String()).Err()
}
