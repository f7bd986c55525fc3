// Package mastery maintains per-learner item proficiency and decides which
// item to present next.
package mastery

import (
	"time"

	"github.com/toeicprep/toeic/internal/model"
)

const (
	MaxLevel = 100

	DefaultPassThreshold = 85
	DefaultGain          = 15
	DefaultPenalty       = 5
	DefaultMasteredLevel = 90
	DefaultWindow        = 3
)

// Config holds the tunables of the update rule and the selection policy.
type Config struct {
	PassThreshold float64 // confidence at or above this counts as correct
	Gain          int
	Penalty       int
	MasteredLevel int // items at or above this leave the rotation
	Window        int // pick among the weakest N eligible items
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		PassThreshold: DefaultPassThreshold,
		Gain:          DefaultGain,
		Penalty:       DefaultPenalty,
		MasteredLevel: DefaultMasteredLevel,
		Window:        DefaultWindow,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PassThreshold <= 0 {
		c.PassThreshold = d.PassThreshold
	}
	if c.Gain <= 0 {
		c.Gain = d.Gain
	}
	if c.Penalty <= 0 {
		c.Penalty = d.Penalty
	}
	if c.MasteredLevel <= 0 || c.MasteredLevel > MaxLevel {
		c.MasteredLevel = d.MasteredLevel
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// Tracker applies attempts to mastery records.
type Tracker struct {
	cfg Config
}

// NewTracker creates a tracker. Zero fields of cfg take their defaults.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Apply folds one attempt into rec and returns the new record. The second
// return value is false when the attempt was already the last one applied,
// in which case rec is returned unchanged.
//
// Only a replay of the latest attempt is detected here: the sequence A, B, A
// applies A twice. Callers get full idempotence by recording each attempt
// ID in the attempt log first and applying only newly recorded attempts, as
// practice.Service does through store.Tx.AppendAttemptResult.
//
// A mastered record stays mastered: a failure resets the streak but the
// level does not drop below the mastered threshold. Only Reset puts an item
// back into rotation.
func (t *Tracker) Apply(rec model.MasteryRecord, attempt model.AttemptResult, now time.Time) (model.MasteryRecord, bool) {
	if attempt.ID != "" && attempt.ID == rec.LastAttemptID {
		return rec, false
	}
	rec.Level = clampLevel(rec.Level)
	wasMastered := rec.Level >= t.cfg.MasteredLevel

	if attempt.Passed(t.cfg.PassThreshold) {
		rec.Level = min(rec.Level+t.cfg.Gain, MaxLevel)
		rec.Repetitions++
		rec.Streak++
	} else {
		rec.Level = max(rec.Level-t.cfg.Penalty, 0)
		if wasMastered {
			rec.Level = max(rec.Level, t.cfg.MasteredLevel)
		}
		rec.Streak = 0
	}

	rec.LastReviewedAt = now
	rec.LastAttemptID = attempt.ID
	rec.Version++
	return rec, true
}

// Reset returns rec to its initial counters. The record itself is kept.
func (t *Tracker) Reset(rec model.MasteryRecord, now time.Time) model.MasteryRecord {
	rec.Level = 0
	rec.Repetitions = 0
	rec.Streak = 0
	rec.LastReviewedAt = now
	rec.LastAttemptID = ""
	rec.Version++
	return rec
}

// State classifies rec. A nil record means the learner has never seen the item.
func (t *Tracker) State(rec *model.MasteryRecord) model.MasteryState {
	switch {
	case rec == nil || (rec.LastReviewedAt.IsZero() && rec.Level == 0 && rec.Repetitions == 0):
		return model.StateUnseen
	case rec.Level >= t.cfg.MasteredLevel:
		return model.StateMastered
	default:
		return model.StateInRotation
	}
}

// Summarize counts the pool's items per state.
func (t *Tracker) Summarize(records map[int64]model.MasteryRecord, pool []model.Item) model.MasterySummary {
	var sum model.MasterySummary
	for _, it := range pool {
		var rec *model.MasteryRecord
		if r, ok := records[it.ID]; ok {
			rec = &r
		}
		switch t.State(rec) {
		case model.StateUnseen:
			sum.Unseen++
		case model.StateMastered:
			sum.Mastered++
		default:
			sum.InRotation++
		}
	}
	return sum
}

func clampLevel(l int) int {
	return max(0, min(l, MaxLevel))
}
