package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toeicprep/toeic/internal/model"
)

const today = "2026-05-02"

func goal(t model.GoalType, target, current float64) model.DailyGoal {
	return model.DailyGoal{LearnerID: 1, Date: today, Type: t, Target: target, Current: current, Completed: current >= target}
}

func TestApplyAttemptToGoals_FlipsCompletion(t *testing.T) {
	attempt := model.AttemptResult{ID: "a", LearnerID: 1, Kind: model.KindGrammar, Correct: true}
	goals := []model.DailyGoal{goal(model.GoalQuestionsAnswered, 10, 9)}

	got, err := ApplyAttemptToGoals(attempt, today, goals, 85)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Current)
	assert.True(t, got[0].Completed)
	assert.False(t, goals[0].Completed, "input slice must not be mutated")
}

func TestApplyAttemptToGoals_Matching(t *testing.T) {
	goals := []model.DailyGoal{
		goal(model.GoalQuestionsAnswered, 20, 0),
		goal(model.GoalCorrectAnswers, 10, 0),
		goal(model.GoalMinutesStudied, 15, 0),
		goal(model.GoalWordsReviewed, 30, 0),
		goal(model.GoalSpeakingPracticed, 3, 0),
		goal(model.GoalLessonsCompleted, 1, 0),
	}

	tests := []struct {
		name    string
		attempt model.AttemptResult
		want    map[model.GoalType]float64
	}{
		{
			"correct vocabulary",
			model.AttemptResult{LearnerID: 1, Kind: model.KindVocabulary, Correct: true, Elapsed: 30 * time.Second},
			map[model.GoalType]float64{
				model.GoalQuestionsAnswered: 1,
				model.GoalCorrectAnswers:    1,
				model.GoalMinutesStudied:    0.5,
				model.GoalWordsReviewed:     1,
			},
		},
		{
			"wrong grammar without timing",
			model.AttemptResult{LearnerID: 1, Kind: model.KindGrammar},
			map[model.GoalType]float64{model.GoalQuestionsAnswered: 1},
		},
		{
			"passing speaking",
			model.AttemptResult{LearnerID: 1, Kind: model.KindSpeaking, Score: 90, Elapsed: 2 * time.Minute},
			map[model.GoalType]float64{
				model.GoalCorrectAnswers:    1,
				model.GoalMinutesStudied:    2,
				model.GoalSpeakingPracticed: 1,
			},
		},
		{
			"speaking timeout",
			model.AttemptResult{LearnerID: 1, Kind: model.KindSpeaking, TimedOut: true, Elapsed: time.Minute},
			map[model.GoalType]float64{model.GoalMinutesStudied: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyAttemptToGoals(tt.attempt, today, goals, 85)
			require.NoError(t, err)
			byType := make(map[model.GoalType]float64)
			for _, g := range got {
				byType[g.Type] = g.Current
			}
			assert.Equal(t, tt.want, byType)
		})
	}
}

func TestApplyAttemptToGoals_ClosedWindowAndOtherLearner(t *testing.T) {
	yesterday := goal(model.GoalQuestionsAnswered, 5, 1)
	yesterday.Date = "2026-05-01"
	other := goal(model.GoalQuestionsAnswered, 5, 1)
	other.LearnerID = 2

	got, err := ApplyAttemptToGoals(model.AttemptResult{LearnerID: 1, Kind: model.KindReading}, today, []model.DailyGoal{yesterday, other}, 85)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestApplyAttemptToGoals_RejectsNegative(t *testing.T) {
	bad := goal(model.GoalQuestionsAnswered, -1, 0)
	_, err := ApplyAttemptToGoals(model.AttemptResult{LearnerID: 1}, today, []model.DailyGoal{bad}, 85)
	assert.True(t, model.IsValidation(err))
}

func TestApplyLessonToGoals(t *testing.T) {
	goals := []model.DailyGoal{
		goal(model.GoalLessonsCompleted, 2, 1),
		goal(model.GoalQuestionsAnswered, 10, 0),
	}
	got, err := ApplyLessonToGoals(1, today, goals)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.GoalLessonsCompleted, got[0].Type)
	assert.Equal(t, 2.0, got[0].Current)
	assert.True(t, got[0].Completed)
}

func TestNewGoal(t *testing.T) {
	g, err := NewGoal(3, today, model.GoalMinutesStudied, 20)
	require.NoError(t, err)
	assert.Equal(t, "minutes", g.Unit)
	assert.False(t, g.Completed)

	g, err = NewGoal(3, today, model.GoalLessonsCompleted, 0)
	require.NoError(t, err)
	assert.True(t, g.Completed)

	_, err = NewGoal(3, today, model.GoalLessonsCompleted, -2)
	assert.True(t, model.IsValidation(err))
}

func TestComputeRoadmapPercentage(t *testing.T) {
	tests := []struct {
		completed, total int
		want             float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{-3, 0, 0},
		{0, 7, 0},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{7, 7, 100},
		{1, 8, 12.5},
	}
	for _, tt := range tests {
		got, err := ComputeRoadmapPercentage(tt.completed, tt.total)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%d/%d", tt.completed, tt.total)
	}
}

func TestComputeRoadmapPercentage_Invalid(t *testing.T) {
	for _, c := range [][2]int{{4, 3}, {-1, 3}, {1, -3}} {
		_, err := ComputeRoadmapPercentage(c[0], c[1])
		assert.True(t, model.IsValidation(err), "%v", c)
	}
}

func TestComputeOverallAccuracy(t *testing.T) {
	got, err := ComputeOverallAccuracy(0, 0)
	require.NoError(t, err)
	assert.Zero(t, got)

	got, err = ComputeOverallAccuracy(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 67.0, got)

	got, err = ComputeOverallAccuracy(1, 8)
	require.NoError(t, err)
	assert.Equal(t, 13.0, got)

	_, err = ComputeOverallAccuracy(9, 8)
	assert.True(t, model.IsValidation(err))
	_, err = ComputeOverallAccuracy(-1, 8)
	assert.True(t, model.IsValidation(err))
}
