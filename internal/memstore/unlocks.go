package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type unlockKey struct {
	examID    int64
	studentID int
}

// Unlocks is an in-memory session.UnlockStore with expiring entries.
type Unlocks struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	expires map[unlockKey]time.Time
}

func NewUnlocks(ttl time.Duration, clk clock.Clock) *Unlocks {
	if clk == nil {
		clk = clock.New()
	}
	return &Unlocks{ttl: ttl, clock: clk, expires: make(map[unlockKey]time.Time)}
}

func (u *Unlocks) Unlock(_ context.Context, examID int64, studentID int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.expires[unlockKey{examID, studentID}] = u.clock.Now().Add(u.ttl)
	return nil
}

func (u *Unlocks) IsUnlocked(_ context.Context, examID int64, studentID int) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	key := unlockKey{examID, studentID}
	exp, ok := u.expires[key]
	if !ok {
		return false, nil
	}
	if !u.clock.Now().Before(exp) {
		delete(u.expires, key)
		return false, nil
	}
	return true, nil
}
