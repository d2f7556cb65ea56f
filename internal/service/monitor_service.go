package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/session"
)

const monitorPublishTimeout = 2 * time.Second

// MonitorFeed publishes session lifecycle events and lets proctors follow them.
type MonitorFeed interface {
	session.Notifier
	// Subscribe streams events for examID until the returned cancel is called.
	Subscribe(ctx context.Context, examID int64) (<-chan session.MonitorEvent, func(), error)
}

// RedisMonitor publishes on exam:{id}:monitor through a buffered queue so
// Notify never waits on Redis.
type RedisMonitor struct {
	rdb   *redis.Client
	queue chan session.MonitorEvent
	log   zerolog.Logger
}

func NewRedisMonitor(rdb *redis.Client, buffer int, log zerolog.Logger) *RedisMonitor {
	return &RedisMonitor{
		rdb:   rdb,
		queue: make(chan session.MonitorEvent, buffer),
		log:   log.With().Str("component", "monitor_publisher").Logger(),
	}
}

func (m *RedisMonitor) Notify(_ context.Context, ev session.MonitorEvent) {
	select {
	case m.queue <- ev:
	default:
		m.log.Warn().
			Str("type", ev.Type).
			Str("submission_id", ev.SubmissionID.String()).
			Msg("Monitor queue full, dropping event")
	}
}

// Run publishes queued events until ctx is done. Call in a goroutine.
func (m *RedisMonitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			m.publish(ev)
		}
	}
}

func (m *RedisMonitor) publish(ev session.MonitorEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		m.log.Error().Err(err).Msg("Marshal monitor event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), monitorPublishTimeout)
	defer cancel()
	if err := m.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(ev.ExamID), raw).Err(); err != nil {
		m.log.Error().Err(err).Int64("exam_id", ev.ExamID).Msg("Publish monitor event")
	}
}

func (m *RedisMonitor) Subscribe(ctx context.Context, examID int64) (<-chan session.MonitorEvent, func(), error) {
	pubsub := m.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan session.MonitorEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev session.MonitorEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

// LocalMonitor is the in-process MonitorFeed used with STORAGE_DRIVER=memory.
type LocalMonitor struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int64]map[int]chan session.MonitorEvent
}

func NewLocalMonitor() *LocalMonitor {
	return &LocalMonitor{subs: make(map[int64]map[int]chan session.MonitorEvent)}
}

func (m *LocalMonitor) Notify(_ context.Context, ev session.MonitorEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[ev.ExamID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *LocalMonitor) Subscribe(_ context.Context, examID int64) (<-chan session.MonitorEvent, func(), error) {
	ch := make(chan session.MonitorEvent, 64)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.subs[examID] == nil {
		m.subs[examID] = make(map[int]chan session.MonitorEvent)
	}
	m.subs[examID][id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[examID], id)
			if len(m.subs[examID]) == 0 {
				delete(m.subs, examID)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// SubmissionQuery is the admin read side over submissions.
type SubmissionQuery interface {
	ListByExam(ctx context.Context, examID int64, page, perPage int) ([]model.Submission, int64, error)
	StatusCounts(ctx context.Context, examID int64) (map[model.SubmissionStatus]int, error)
}

// MonitorSnapshot is the first frame of a monitor stream.
type MonitorSnapshot struct {
	Type           string                         `json:"type"`
	ExamID         int64                          `json:"exam_id"`
	Title          string                         `json:"title"`
	TotalQuestions int                            `json:"total_questions"`
	Counts         map[model.SubmissionStatus]int `json:"counts"`
}

// MonitorService builds proctoring views.
type MonitorService struct {
	catalog session.Catalog
	query   SubmissionQuery
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(catalog session.Catalog, query SubmissionQuery) *MonitorService {
	return &MonitorService{catalog: catalog, query: query}
}

// Snapshot returns the exam's current status counts.
func (s *MonitorService) Snapshot(ctx context.Context, examID int64) (*MonitorSnapshot, error) {
	exam, err := s.catalog.Exam(ctx, examID)
	if err != nil {
		return nil, err
	}
	counts, err := s.query.StatusCounts(ctx, examID)
	if err != nil {
		return nil, err
	}
	for _, st := range []model.SubmissionStatus{
		model.SubmissionStatusInProgress,
		model.SubmissionStatusSubmitted,
		model.SubmissionStatusCancelled,
		model.SubmissionStatusGraded,
	} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return &MonitorSnapshot{
		Type:           "snapshot",
		ExamID:         examID,
		Title:          exam.Title,
		TotalQuestions: exam.QuestionCount,
		Counts:         counts,
	}, nil
}

// ListSubmissions returns one page of an exam's roster.
func (s *MonitorService) ListSubmissions(ctx context.Context, examID int64, page, perPage int) ([]model.Submission, int64, error) {
	return s.query.ListByExam(ctx, examID, page, perPage)
}
