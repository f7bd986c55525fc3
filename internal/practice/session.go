package practice

import (
	"time"

	"github.com/toeicprep/toeic/internal/model"
)

const (
	DefaultLives = 3

	pointsPerPass  = 10
	maxStreakBonus = 10
)

// PracticeSession holds the counters of one practice run. It is a value:
// Apply returns the next state and never mutates the receiver.
type PracticeSession struct {
	Score      int           `json:"score"`
	Streak     int           `json:"streak"`
	BestStreak int           `json:"best_streak"`
	Lives      int           `json:"lives"`
	Answered   int           `json:"answered"`
	Correct    int           `json:"correct"`
	TimeLimit  time.Duration `json:"time_limit,omitempty"`
	TimeLeft   time.Duration `json:"time_left,omitempty"`
}

// NewSession starts a run with the given lives and an optional overall time
// budget. Non-positive lives fall back to DefaultLives.
func NewSession(lives int, budget time.Duration) PracticeSession {
	if lives <= 0 {
		lives = DefaultLives
	}
	s := PracticeSession{Lives: lives}
	if budget > 0 {
		s.TimeLimit = budget
		s.TimeLeft = budget
	}
	return s
}

// Over reports whether the run has ended.
func (s PracticeSession) Over() bool {
	return s.Lives <= 0 || (s.TimeLimit > 0 && s.TimeLeft <= 0)
}

// Accuracy returns the share of passed attempts in this run, 0 to 100.
func (s PracticeSession) Accuracy() float64 {
	if s.Answered == 0 {
		return 0
	}
	return float64(s.Correct) * 100 / float64(s.Answered)
}

// Apply folds an attempt into the session. A finished session is returned
// unchanged.
func (s PracticeSession) Apply(a model.AttemptResult, passThreshold float64) PracticeSession {
	if s.Over() {
		return s
	}
	s.Answered++
	if a.Passed(passThreshold) {
		s.Correct++
		s.Streak++
		s.BestStreak = max(s.BestStreak, s.Streak)
		s.Score += pointsPerPass + min(2*(s.Streak-1), maxStreakBonus)
	} else {
		s.Streak = 0
		s.Lives--
	}
	if s.TimeLimit > 0 {
		s.TimeLeft = max(s.TimeLeft-a.Elapsed, 0)
	}
	return s
}
