package model

import "time"

// MasteryRecord tracks one learner's proficiency on one item.
type MasteryRecord struct {
	LearnerID      int64     `json:"learner_id"`
	ItemID         int64     `json:"item_id"`
	Level          int       `json:"mastery_level"`
	Repetitions    int       `json:"repetition_count"`
	Streak         int       `json:"streak"`
	LastReviewedAt time.Time `json:"last_reviewed_at"`
	LastAttemptID  string    `json:"-"`
	Version        int64     `json:"-"`
}

// NewMasteryRecord returns the initial record for a (learner, item) pair.
func NewMasteryRecord(learnerID, itemID int64) MasteryRecord {
	return MasteryRecord{LearnerID: learnerID, ItemID: itemID}
}

// AttemptResult is a single, immutable practice event.
type AttemptResult struct {
	ID        string        `json:"id"`
	LearnerID int64         `json:"learner_id"`
	ItemID    int64         `json:"item_id"`
	Kind      ItemKind      `json:"kind"`
	Correct   bool          `json:"correct"`
	Score     float64       `json:"score"`
	TimedOut  bool          `json:"timed_out"`
	Elapsed   time.Duration `json:"elapsed"`
	At        time.Time     `json:"at"`
}

// Passed reports whether the attempt counts as a success at the given
// confidence threshold. Timeouts never pass.
func (a AttemptResult) Passed(threshold float64) bool {
	if a.TimedOut {
		return false
	}
	return a.Correct || a.Score >= threshold
}

// GoalType names the metric a daily goal tracks.
type GoalType string

const (
	GoalQuestionsAnswered GoalType = "questions_answered"
	GoalCorrectAnswers    GoalType = "correct_answers"
	GoalMinutesStudied    GoalType = "minutes_studied"
	GoalWordsReviewed     GoalType = "words_reviewed"
	GoalSpeakingPracticed GoalType = "speaking_practiced"
	GoalLessonsCompleted  GoalType = "lessons_completed"
)

// Unit returns the display unit of the goal type.
func (g GoalType) Unit() string {
	switch g {
	case GoalMinutesStudied:
		return "minutes"
	case GoalLessonsCompleted:
		return "lessons"
	case GoalWordsReviewed:
		return "words"
	case GoalSpeakingPracticed:
		return "recordings"
	}
	return "questions"
}

// DateLayout is the layout of DailyGoal.Date.
const DateLayout = "2006-01-02"

// DailyGoal is a per-learner, per-day, per-metric target.
type DailyGoal struct {
	ID        int64    `json:"id"`
	LearnerID int64    `json:"learner_id"`
	Date      string   `json:"date"`
	Type      GoalType `json:"type"`
	Target    float64  `json:"target"`
	Current   float64  `json:"current"`
	Unit      string   `json:"unit"`
	Completed bool     `json:"completed"`
}

// MasteryState is the lifecycle state of an item for one learner.
type MasteryState string

const (
	StateUnseen     MasteryState = "unseen"
	StateInRotation MasteryState = "in_rotation"
	StateMastered   MasteryState = "mastered"
)

// MasterySummary counts items per mastery state.
type MasterySummary struct {
	Unseen     int `json:"unseen"`
	InRotation int `json:"in_rotation"`
	Mastered   int `json:"mastered"`
}

// AttemptStats aggregates a learner's attempt log.
type AttemptStats struct {
	Total   int `json:"total"`
	Correct int `json:"correct"`
}

// Dashboard is the learner-facing progress overview.
type Dashboard struct {
	Date     string            `json:"date"`
	Goals    []DailyGoal       `json:"goals"`
	Accuracy float64           `json:"accuracy"`
	Attempts AttemptStats      `json:"attempts"`
	Mastery  MasterySummary    `json:"mastery"`
	Roadmaps []RoadmapProgress `json:"roadmaps"`
}

// GoalTarget is a default daily target created at day rollover.
type GoalTarget struct {
	Type   GoalType
	Target float64
}
