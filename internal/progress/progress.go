// Package progress derives dashboard metrics from attempts and lesson
// completions. Percentages are always computed on read.
package progress

import (
	"math"

	"github.com/toeicprep/toeic/internal/model"
)

// Contribution returns how much attempt adds to a goal of type g, and
// whether the goal tracks this kind of attempt at all.
func Contribution(g model.GoalType, attempt model.AttemptResult, passThreshold float64) (float64, bool) {
	switch g {
	case model.GoalQuestionsAnswered:
		return 1, !attempt.Kind.Timed()
	case model.GoalCorrectAnswers:
		return 1, attempt.Passed(passThreshold)
	case model.GoalMinutesStudied:
		return attempt.Elapsed.Minutes(), attempt.Elapsed > 0
	case model.GoalWordsReviewed:
		return 1, attempt.Kind == model.KindVocabulary
	case model.GoalSpeakingPracticed:
		return 1, attempt.Kind.Timed() && !attempt.TimedOut
	}
	return 0, false
}

// ApplyAttemptToGoals adds attempt's contribution to every goal of date that
// tracks it. It returns only the goals that changed; their Completed flag is
// recomputed. Goals of other days are closed and left untouched.
func ApplyAttemptToGoals(attempt model.AttemptResult, date string, goals []model.DailyGoal, passThreshold float64) ([]model.DailyGoal, error) {
	var changed []model.DailyGoal
	for _, g := range goals {
		if err := validateGoal(g); err != nil {
			return nil, err
		}
		if g.Date != date || g.LearnerID != attempt.LearnerID {
			continue
		}
		amount, ok := Contribution(g.Type, attempt, passThreshold)
		if !ok || amount <= 0 {
			continue
		}
		changed = append(changed, add(g, amount))
	}
	return changed, nil
}

// ApplyLessonToGoals counts one completed lesson against the
// lessons_completed goals of date.
func ApplyLessonToGoals(learnerID int64, date string, goals []model.DailyGoal) ([]model.DailyGoal, error) {
	var changed []model.DailyGoal
	for _, g := range goals {
		if err := validateGoal(g); err != nil {
			return nil, err
		}
		if g.Date != date || g.LearnerID != learnerID || g.Type != model.GoalLessonsCompleted {
			continue
		}
		changed = append(changed, add(g, 1))
	}
	return changed, nil
}

// NewGoal builds an empty goal for date with its completion flag set.
func NewGoal(learnerID int64, date string, t model.GoalType, target float64) (model.DailyGoal, error) {
	g := model.DailyGoal{
		LearnerID: learnerID,
		Date:      date,
		Type:      t,
		Target:    target,
		Unit:      t.Unit(),
	}
	if err := validateGoal(g); err != nil {
		return model.DailyGoal{}, err
	}
	g.Completed = g.Current >= g.Target
	return g, nil
}

func add(g model.DailyGoal, amount float64) model.DailyGoal {
	g.Current += amount
	g.Completed = g.Current >= g.Target
	return g
}

func validateGoal(g model.DailyGoal) error {
	if g.Target < 0 || math.IsNaN(g.Target) {
		return model.Invalid("target", "goal %s has invalid target %v", g.Type, g.Target)
	}
	if g.Current < 0 || math.IsNaN(g.Current) {
		return model.Invalid("current", "goal %s has invalid value %v", g.Type, g.Current)
	}
	return nil
}

// ComputeRoadmapPercentage returns completed/total as a percentage rounded
// to one decimal. An empty roadmap is 0%.
func ComputeRoadmapPercentage(completed, total int) (float64, error) {
	if total == 0 {
		return 0, nil
	}
	if err := validateCounts(completed, total); err != nil {
		return 0, err
	}
	return math.Round(float64(completed)/float64(total)*1000) / 10, nil
}

// ComputeOverallAccuracy returns correct/total as a whole percentage.
func ComputeOverallAccuracy(correct, total int) (float64, error) {
	if total == 0 {
		return 0, nil
	}
	if err := validateCounts(correct, total); err != nil {
		return 0, err
	}
	return math.Round(float64(correct) / float64(total) * 100), nil
}

func validateCounts(part, total int) error {
	if part < 0 {
		return model.Invalid("completed", "negative count %d", part)
	}
	if total < 0 {
		return model.Invalid("total", "negative count %d", total)
	}
	if part > total {
		return model.Invalid("completed", "%d exceeds total %d", part, total)
	}
	return nil
}
