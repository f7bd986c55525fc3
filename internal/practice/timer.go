package practice

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toeicprep/toeic/internal/model"
)

// ErrChallengeExpired is returned when a recording arrives after its
// countdown already recorded a timeout.
var ErrChallengeExpired = errors.New("timed challenge already expired")

// Countdown runs a callback once after a delay unless stopped first.
type Countdown struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

// StartCountdown schedules fn to run after d.
func StartCountdown(d time.Duration, fn func()) *Countdown {
	c := &Countdown{}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stopped {
			return
		}
		c.fired = true
		fn()
	})
	return c
}

// Stop cancels the countdown and reports whether it did so before the
// callback ran. When Stop returns the callback has either completed or will
// never run. fn must not call Stop on its own countdown.
func (c *Countdown) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired || c.stopped {
		return false
	}
	c.stopped = true
	c.timer.Stop()
	return true
}

// Challenge is an in-flight timed recording.
type Challenge struct {
	ID        string        `json:"id"`
	LearnerID int64         `json:"learner_id"`
	ItemID    int64         `json:"item_id"`
	StartedAt time.Time     `json:"started_at"`
	Limit     time.Duration `json:"limit"`
}

// Deadline is when the countdown fires.
func (c Challenge) Deadline() time.Time {
	return c.StartedAt.Add(c.Limit)
}

type challengeEntry struct {
	challenge Challenge
	countdown *Countdown
}

// TimedRegistry tracks the timed challenges in flight, at most one per
// learner. Whoever removes a challenge first owns it: a finished or
// cancelled challenge never expires and an expired one cannot be finished.
type TimedRegistry struct {
	mu        sync.Mutex
	byID      map[string]*challengeEntry
	byLearner map[int64]string
	onExpire  func(Challenge)
	now       func() time.Time
}

// NewTimedRegistry creates a registry that calls onExpire from the timer
// goroutine when a countdown runs out.
func NewTimedRegistry(onExpire func(Challenge)) *TimedRegistry {
	return &TimedRegistry{
		byID:      make(map[string]*challengeEntry),
		byLearner: make(map[int64]string),
		onExpire:  onExpire,
		now:       time.Now,
	}
}

// Start opens a challenge. A learner's previous challenge, if any, is
// cancelled: leaving one recording for another abandons it.
func (r *TimedRegistry) Start(learnerID, itemID int64, limit time.Duration) (Challenge, error) {
	if learnerID <= 0 {
		return Challenge{}, model.Invalid("learner", "missing learner id")
	}
	if limit <= 0 {
		return Challenge{}, model.Invalid("limit", "must be positive")
	}
	ch := Challenge{
		ID:        uuid.NewString(),
		LearnerID: learnerID,
		ItemID:    itemID,
		StartedAt: r.now(),
		Limit:     limit,
	}

	r.mu.Lock()
	prev := r.removeLocked(r.byLearner[learnerID])
	e := &challengeEntry{challenge: ch}
	e.countdown = StartCountdown(limit, func() { r.expire(ch.ID) })
	r.byID[ch.ID] = e
	r.byLearner[learnerID] = ch.ID
	r.mu.Unlock()

	if prev != nil {
		prev.countdown.Stop()
	}
	return ch, nil
}

// Get returns a learner's in-flight challenge without claiming it.
func (r *TimedRegistry) Get(id string, learnerID int64) (Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.challenge.LearnerID != learnerID {
		return Challenge{}, model.ErrNotFound
	}
	return e.challenge, nil
}

// Active returns the learner's in-flight challenge, if any.
func (r *TimedRegistry) Active(learnerID int64) (Challenge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[r.byLearner[learnerID]]
	if !ok {
		return Challenge{}, false
	}
	return e.challenge, true
}

// Finish claims a challenge for a submitted recording and stops its timer.
func (r *TimedRegistry) Finish(id string, learnerID int64) (Challenge, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok || e.challenge.LearnerID != learnerID {
		r.mu.Unlock()
		return Challenge{}, ErrChallengeExpired
	}
	r.removeLocked(id)
	r.mu.Unlock()

	e.countdown.Stop()
	return e.challenge, nil
}

// Cancel releases a challenge without recording anything.
func (r *TimedRegistry) Cancel(id string, learnerID int64) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok || e.challenge.LearnerID != learnerID {
		r.mu.Unlock()
		return model.ErrNotFound
	}
	r.removeLocked(id)
	r.mu.Unlock()

	e.countdown.Stop()
	return nil
}

// Len returns the number of challenges in flight.
func (r *TimedRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Close cancels every challenge in flight.
func (r *TimedRegistry) Close() {
	r.mu.Lock()
	entries := make([]*challengeEntry, 0, len(r.byID))
	for id := range r.byID {
		entries = append(entries, r.removeLocked(id))
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.countdown.Stop()
	}
}

func (r *TimedRegistry) expire(id string) {
	r.mu.Lock()
	e := r.removeLocked(id)
	r.mu.Unlock()
	if e == nil {
		return
	}
	if r.onExpire != nil {
		r.onExpire(e.challenge)
	}
}

func (r *TimedRegistry) removeLocked(id string) *challengeEntry {
	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if r.byLearner[e.challenge.LearnerID] == id {
		delete(r.byLearner, e.challenge.LearnerID)
	}
	return e
}
