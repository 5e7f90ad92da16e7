// Package floodcontrol enforces a minimum interval between paid lookups per user.
// State lives in memory only and is lost on restart.
package floodcontrol

import (
	"math"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
)

// DefaultInterval is the minimum spacing between two lookups by the same user.
const DefaultInterval = 30 * time.Second

// Guard decides whether a user may start a lookup now.
type Guard interface {
	// CheckAndRecord admits the request and records now as the user's last
	// action, or refuses it without touching the stored timestamp.
	CheckAndRecord(userID quota.UserID, now time.Time) Decision
	// Release undoes an admitted decision whose lookup was not paid for.
	Release(decision Decision)
}

// Decision is the result of CheckAndRecord.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration

	userID      quota.UserID
	recorded    time.Time
	previous    time.Time
	hadPrevious bool
}

// RetryAfterSeconds rounds the remaining wait up to whole seconds.
func (decision Decision) RetryAfterSeconds() int {
	if decision.Allowed || decision.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(decision.RetryAfter.Seconds()))
}

// MemoryGuard is a Guard backed by a mutex-protected map.
type MemoryGuard struct {
	mu         sync.Mutex
	interval   time.Duration
	last       map[int64]time.Time
	lastPruned time.Time
}

// NewMemoryGuard returns a guard enforcing interval; non-positive values use DefaultInterval.
func NewMemoryGuard(interval time.Duration) *MemoryGuard {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &MemoryGuard{
		interval: interval,
		last:     make(map[int64]time.Time),
	}
}

// Interval returns the enforced minimum spacing.
func (guard *MemoryGuard) Interval() time.Duration {
	return guard.interval
}

func (guard *MemoryGuard) CheckAndRecord(userID quota.UserID, now time.Time) Decision {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	guard.pruneLocked(now)

	previous, hadPrevious := guard.last[userID.Int64()]
	if hadPrevious {
		elapsed := now.Sub(previous)
		if elapsed < guard.interval {
			wait := guard.interval - elapsed
			if wait > guard.interval {
				wait = guard.interval
			}
			return Decision{Allowed: false, RetryAfter: wait, userID: userID}
		}
	}

	guard.last[userID.Int64()] = now
	return Decision{
		Allowed:     true,
		userID:      userID,
		recorded:    now,
		previous:    previous,
		hadPrevious: hadPrevious,
	}
}

func (guard *MemoryGuard) Release(decision Decision) {
	if !decision.Allowed || decision.userID.IsZero() {
		return
	}
	guard.mu.Lock()
	defer guard.mu.Unlock()

	current, ok := guard.last[decision.userID.Int64()]
	if !ok || !current.Equal(decision.recorded) {
		return
	}
	if decision.hadPrevious {
		guard.last[decision.userID.Int64()] = decision.previous
		return
	}
	delete(guard.last, decision.userID.Int64())
}

// Len reports how many users currently hold a timestamp.
func (guard *MemoryGuard) Len() int {
	guard.mu.Lock()
	defer guard.mu.Unlock()
	return len(guard.last)
}

// pruneLocked drops expired timestamps at most once per interval.
func (guard *MemoryGuard) pruneLocked(now time.Time) {
	if now.Sub(guard.lastPruned) < guard.interval {
		return
	}
	for key, recorded := range guard.last {
		if now.Sub(recorded) >= guard.interval {
			delete(guard.last, key)
		}
	}
	guard.lastPruned = now
}
