package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/model"
)

// Request is what the grader receives for one submission.
type Request struct {
	SubmissionID uuid.UUID     `json:"submission_id"`
	ExamID       int64         `json:"exam_id"`
	StudentID    int           `json:"student_id"`
	Answers      []AnswerInput `json:"answers"`
}

// AnswerInput is one answered question.
type AnswerInput struct {
	QuestionID    int64  `json:"question_id"`
	AnswerContent string `json:"answer_content"`
}

// Verdict is the grader's response.
type Verdict struct {
	Score   float64             `json:"score"`
	Answers []model.AnswerGrade `json:"answers"`
}

// Grader scores a submission. Scoring rules live entirely on the other side.
type Grader interface {
	Grade(ctx context.Context, req *Request) (*Verdict, error)
}

// HTTPGrader posts requests as JSON to a grading service.
type HTTPGrader struct {
	url        string
	client     *http.Client
	maxElapsed time.Duration
}

func NewHTTPGrader(url string, timeout time.Duration) *HTTPGrader {
	return &HTTPGrader{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxElapsed: 3 * timeout,
	}
}

// Grade retries transport errors and 5xx responses with exponential backoff.
// A 4xx response is permanent.
func (g *HTTPGrader) Grade(ctx context.Context, req *Request) (*Verdict, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal grade request: %w", err)
	}

	var verdict Verdict
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("grader returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("grader rejected submission: %d %s", resp.StatusCode, bytes.TrimSpace(msg)))
		}
		if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
			return backoff.Permanent(fmt.Errorf("decode verdict: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = g.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return &verdict, nil
}
