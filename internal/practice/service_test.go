package practice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/store"
)

type fixture struct {
	store   *store.Store
	svc     *Service
	learner int64
	grammar int64
	vocab   int64
	speak   int64
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newFixtureWith(t, st, st)
}

func newFixtureWith(t *testing.T, st *store.Store, persistence Store) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: st, now: time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)}

	var err error
	f.learner, err = st.CreateUser(model.User{Username: "lan", PasswordHash: "x", Role: model.UserRoleLearner, Active: true})
	require.NoError(t, err)
	f.grammar, err = st.InsertItem(ctx, model.Item{
		Kind: model.KindGrammar, Difficulty: model.DifficultyEasy, Topic: "tenses",
		Prompt:            "She ___ to work every day.",
		Options:           []model.Option{{Label: "A", Text: "go"}, {Label: "B", Text: "goes"}},
		AcceptableAnswers: []string{"B"},
		RequiresResponse:  true,
	})
	require.NoError(t, err)
	f.vocab, err = st.InsertItem(ctx, model.Item{
		Kind: model.KindVocabulary, Difficulty: model.DifficultyEasy, Topic: "office",
		Prompt: "invoice", AcceptableAnswers: []string{"hóa đơn"}, RequiresResponse: true,
	})
	require.NoError(t, err)
	f.speak, err = st.InsertItem(ctx, model.Item{
		Kind: model.KindSpeaking, Difficulty: model.DifficultyMedium, Topic: "meetings",
		Prompt: "Describe your last meeting.", Rubric: "fluency", RequiresResponse: true,
	})
	require.NoError(t, err)

	f.svc = NewService(persistence, nil, Config{Retry: fastRetry(), TimedLimit: time.Minute})
	f.svc.now = func() time.Time { return f.now }
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) goals(t *testing.T, targets ...model.GoalTarget) {
	t.Helper()
	var goals []model.DailyGoal
	for _, gt := range targets {
		goals = append(goals, model.DailyGoal{
			LearnerID: f.learner, Date: f.svc.Today(), Type: gt.Type, Target: gt.Target, Unit: gt.Type.Unit(),
		})
	}
	_, err := f.store.EnsureDailyGoals(context.Background(), goals)
	require.NoError(t, err)
}

func TestSubmitAnswer_UpdatesRecordAndGoals(t *testing.T) {
	f := newFixture(t)
	f.goals(t,
		model.GoalTarget{Type: model.GoalQuestionsAnswered, Target: 2},
		model.GoalTarget{Type: model.GoalCorrectAnswers, Target: 1},
		model.GoalTarget{Type: model.GoalWordsReviewed, Target: 5},
	)
	ctx := context.Background()

	session := NewSession(3, 0)
	out, err := f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.grammar, Response: "(b)", Elapsed: 8 * time.Second, Session: &session})
	require.NoError(t, err)

	assert.True(t, out.Saved)
	assert.True(t, out.Attempt.Correct)
	assert.Equal(t, 15, out.Record.Level)
	assert.Equal(t, 1, out.Record.Repetitions)
	assert.Equal(t, 1, out.Record.Streak)
	assert.Equal(t, model.StateInRotation, out.State)
	require.NotNil(t, out.Session)
	assert.Equal(t, 10, out.Session.Score)

	byType := map[model.GoalType]model.DailyGoal{}
	for _, g := range out.Goals {
		byType[g.Type] = g
	}
	assert.Equal(t, 1.0, byType[model.GoalQuestionsAnswered].Current)
	assert.False(t, byType[model.GoalQuestionsAnswered].Completed)
	assert.Equal(t, 1.0, byType[model.GoalCorrectAnswers].Current)
	assert.True(t, byType[model.GoalCorrectAnswers].Completed)
	assert.Equal(t, 0.0, byType[model.GoalWordsReviewed].Current, "grammar items are not words")

	stored, err := f.store.DailyGoals(ctx, f.learner, f.svc.Today())
	require.NoError(t, err)
	assert.Equal(t, out.Goals, stored)

	saved, err := f.store.GetAttempt(ctx, out.Attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, saved.Elapsed)
}

func TestSubmitAnswer_Incorrect(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.SubmitAnswer(context.Background(), Answer{LearnerID: f.learner, ItemID: f.vocab, Response: "receipt"})
	require.NoError(t, err)
	assert.False(t, out.Attempt.Correct)
	assert.Equal(t, 0, out.Record.Level)
	assert.Equal(t, 0, out.Record.Streak)
	assert.Equal(t, 0, out.Record.Repetitions)
}

func TestSubmitAnswer_ReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	f.goals(t, model.GoalTarget{Type: model.GoalQuestionsAnswered, Target: 10})
	ctx := context.Background()

	in := Answer{AttemptID: "5d0c7a0e-6a51-4f7e-9d7e-1f2a3b4c5d6e", LearnerID: f.learner, ItemID: f.grammar, Response: "goes"}
	first, err := f.svc.SubmitAnswer(ctx, in)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.svc.SubmitAnswer(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.Level, second.Record.Level)
	assert.Equal(t, first.Record.Repetitions, second.Record.Repetitions)
	require.Len(t, second.Goals, 1)
	assert.Equal(t, 1.0, second.Goals[0].Current)

	stats, err := f.store.AttemptStats(ctx, f.learner, 85)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestSubmitAnswer_EarlierAttemptReplayIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := Answer{AttemptID: "0a6f0d4e-1b2c-4d3e-8f90-a1b2c3d4e5f6", LearnerID: f.learner, ItemID: f.grammar, Response: "B"}
	b := Answer{AttemptID: "7c9e2b1a-4d5f-4a6b-9c8d-e7f6a5b4c3d2", LearnerID: f.learner, ItemID: f.grammar, Response: "B"}
	for _, in := range []Answer{a, b} {
		out, err := f.svc.SubmitAnswer(ctx, in)
		require.NoError(t, err)
		require.False(t, out.Duplicate)
	}

	again, err := f.svc.SubmitAnswer(ctx, a)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	records, err := f.store.MasteryRecords(ctx, f.learner)
	require.NoError(t, err)
	assert.Equal(t, 2, records[f.grammar].Repetitions)
	assert.Equal(t, 30, records[f.grammar].Level)
}

func TestSubmitAnswer_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: 999, Response: "a"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.grammar, Response: "  "})
	assert.True(t, model.IsValidation(err))

	_, err = f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.speak, Response: "hello"})
	assert.True(t, model.IsValidation(err), "timed items cannot be answered")

	_, err = f.svc.SubmitAnswer(ctx, Answer{LearnerID: 0, ItemID: f.grammar, Response: "B"})
	assert.True(t, model.IsValidation(err))
}

func TestSubmitAnswer_ConcurrentSameItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.grammar, Response: "B"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := f.store.MasteryRecords(ctx, f.learner)
	require.NoError(t, err)
	rec := records[f.grammar]
	assert.Equal(t, 100, rec.Level)
	assert.Equal(t, 10, rec.Repetitions, "no update was lost")
	assert.Equal(t, 10, rec.Streak)
	assert.Equal(t, 0, f.svc.locks.size())
}

func TestSubmitPerformance_Threshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.SubmitPerformance(ctx, Performance{
		LearnerID: f.learner, ItemID: f.speak, Confidence: 91, Submitted: true,
		Elapsed: 20 * time.Second, Limit: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, out.Record.Level)

	out, err = f.svc.SubmitPerformance(ctx, Performance{
		LearnerID: f.learner, ItemID: f.speak, Confidence: 60, Submitted: true,
		Elapsed: 20 * time.Second, Limit: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, out.Record.Level)
	assert.Equal(t, 0, out.Record.Streak)

	_, err = f.svc.SubmitPerformance(ctx, Performance{LearnerID: f.learner, ItemID: f.grammar, Submitted: true, Limit: time.Minute})
	assert.True(t, model.IsValidation(err), "answered items cannot be recorded")
}

func TestTimedChallenge_Timeout(t *testing.T) {
	f := newFixture(t)
	f.goals(t, model.GoalTarget{Type: model.GoalSpeakingPracticed, Target: 1})
	ctx := context.Background()

	// Build up a streak first.
	_, err := f.svc.SubmitPerformance(ctx, Performance{
		LearnerID: f.learner, ItemID: f.speak, Confidence: 95, Submitted: true, Elapsed: time.Second, Limit: time.Minute,
	})
	require.NoError(t, err)

	ch, err := f.svc.StartTimed(ctx, f.learner, f.speak)
	require.NoError(t, err)
	out, err := f.svc.Expire(ctx, ch)
	require.NoError(t, err)

	assert.True(t, out.Attempt.TimedOut)
	assert.Equal(t, 0.0, out.Attempt.Score)
	assert.Equal(t, ch.ID, out.Attempt.ID)
	assert.Equal(t, 0, out.Record.Streak)
	assert.Equal(t, 10, out.Record.Level)

	goals, err := f.store.DailyGoals(ctx, f.learner, f.svc.Today())
	require.NoError(t, err)
	assert.Equal(t, 1.0, goals[0].Current, "timeouts are not speaking practice")

	_ = f.svc.CancelTimed(f.learner, ch.ID)
}

func TestTimedChallenge_ExpiryRecordsTimeout(t *testing.T) {
	f := newFixture(t)
	f.svc.limit = 5 * time.Millisecond
	ctx := context.Background()

	ch, err := f.svc.StartTimed(ctx, f.learner, f.speak)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.store.GetAttempt(ctx, ch.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	a, err := f.store.GetAttempt(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, a.TimedOut)

	confidence := 90.0
	_, err = f.svc.FinishTimed(ctx, Recording{ChallengeID: ch.ID, LearnerID: f.learner, Confidence: &confidence})
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

type stubScorer struct {
	confidence float64
	calls      atomic.Int32
}

func (s *stubScorer) Confidence(_ context.Context, _ model.Item, transcript string) (float64, error) {
	s.calls.Add(1)
	if transcript == "" {
		return 0, errors.New("empty transcript")
	}
	return s.confidence, nil
}

func TestTimedChallenge_FinishWithTranscript(t *testing.T) {
	f := newFixture(t)
	scorer := &stubScorer{confidence: 88}
	f.svc.scorer = scorer
	ctx := context.Background()

	ch, err := f.svc.StartTimed(ctx, f.learner, f.speak)
	require.NoError(t, err)
	f.now = f.now.Add(30 * time.Second)

	session := NewSession(3, 0)
	out, err := f.svc.FinishTimed(ctx, Recording{ChallengeID: ch.ID, LearnerID: f.learner, Transcript: "We reviewed the budget.", Session: &session})
	require.NoError(t, err)
	assert.Equal(t, int32(1), scorer.calls.Load())
	assert.Equal(t, 88.0, out.Attempt.Score)
	assert.Equal(t, 30*time.Second, out.Attempt.Elapsed)
	assert.Equal(t, 15, out.Record.Level)
	assert.Equal(t, 1, out.Session.Streak)

	_, ok := f.svc.ActiveChallenge(f.learner)
	assert.False(t, ok)
}

func TestTimedChallenge_FinishNeedsConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, err := f.svc.StartTimed(ctx, f.learner, f.speak)
	require.NoError(t, err)

	_, err = f.svc.FinishTimed(ctx, Recording{ChallengeID: ch.ID, LearnerID: f.learner, Transcript: "no scorer configured"})
	assert.True(t, model.IsValidation(err))

	_, ok := f.svc.ActiveChallenge(f.learner)
	assert.True(t, ok, "a rejected recording keeps the challenge open")
}

func TestStartTimed_RejectsAnsweredItems(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartTimed(context.Background(), f.learner, f.grammar)
	assert.True(t, model.IsValidation(err))
}

type fixedPick struct{}

func (fixedPick) IntN(int) int { return 0 }

func TestNextItem(t *testing.T) {
	f := newFixture(t)
	f.svc.rng = fixedPick{}
	ctx := context.Background()

	item, err := f.svc.NextItem(ctx, f.learner, model.ItemFilter{Kind: model.KindGrammar})
	require.NoError(t, err)
	assert.Equal(t, f.grammar, item.ID)

	for range 6 {
		_, err := f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.grammar, Response: "B"})
		require.NoError(t, err)
	}
	_, err = f.svc.NextItem(ctx, f.learner, model.ItemFilter{Kind: model.KindGrammar})
	assert.ErrorIs(t, err, model.ErrExhausted)

	item, err = f.svc.NextItem(ctx, f.learner, model.ItemFilter{})
	require.NoError(t, err)
	assert.NotEqual(t, f.grammar, item.ID)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Reset(ctx, f.learner, f.grammar)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Level, "resetting an unseen item is a no-op")

	for range 7 {
		_, err := f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.grammar, Response: "B"})
		require.NoError(t, err)
	}
	rec, err = f.svc.Reset(ctx, f.learner, f.grammar)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Level)
	assert.Equal(t, 0, rec.Repetitions)

	records, err := f.store.MasteryRecords(ctx, f.learner)
	require.NoError(t, err)
	assert.Equal(t, 0, records[f.grammar].Level)
	assert.Equal(t, model.StateInRotation, f.svc.Tracker().State(&rec))

	_, err = f.svc.Reset(ctx, f.learner, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompleteLesson(t *testing.T) {
	f := newFixture(t)
	f.goals(t, model.GoalTarget{Type: model.GoalLessonsCompleted, Target: 1})
	ctx := context.Background()

	rid, err := f.store.CreateRoadmap(ctx, model.Roadmap{Name: "TOEIC 600"})
	require.NoError(t, err)
	var lessons []int64
	for i := range 4 {
		id, err := f.store.CreateLesson(ctx, model.Lesson{RoadmapID: rid, Title: "Part", Position: i})
		require.NoError(t, err)
		lessons = append(lessons, id)
	}

	out, err := f.svc.CompleteLesson(ctx, f.learner, lessons[0])
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, 25.0, out.Roadmap.Percent)
	require.Len(t, out.Goals, 1)
	assert.True(t, out.Goals[0].Completed)

	again, err := f.svc.CompleteLesson(ctx, f.learner, lessons[0])
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, 1.0, again.Goals[0].Current)
	assert.Equal(t, 25.0, again.Roadmap.Percent)

	_, err = f.svc.CompleteLesson(ctx, f.learner, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.goals(t, model.GoalTarget{Type: model.GoalQuestionsAnswered, Target: 3})
	ctx := context.Background()

	_, err := f.store.CreateRoadmap(ctx, model.Roadmap{Name: "Empty"})
	require.NoError(t, err)

	for _, resp := range []string{"B", "A", "B", "B"} {
		_, err := f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.grammar, Response: resp})
		require.NoError(t, err)
	}

	d, err := f.svc.Dashboard(ctx, f.learner)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-02", d.Date)
	assert.Equal(t, model.AttemptStats{Total: 4, Correct: 3}, d.Attempts)
	assert.Equal(t, 75.0, d.Accuracy)
	assert.Equal(t, model.MasterySummary{Unseen: 2, InRotation: 1}, d.Mastery)
	require.Len(t, d.Goals, 1)
	assert.True(t, d.Goals[0].Completed)
	require.Len(t, d.Roadmaps, 1)
	assert.Equal(t, 0.0, d.Roadmaps[0].Percent)
}

func TestGoalsUseConfiguredCalendar(t *testing.T) {
	f := newFixture(t)
	loc := time.FixedZone("ICT", 7*3600)
	f.svc.loc = loc
	f.now = time.Date(2026, 5, 2, 20, 0, 0, 0, time.UTC)

	assert.Equal(t, "2026-05-03", f.svc.Today())
}

func TestExportProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SubmitAnswer(ctx, Answer{LearnerID: f.learner, ItemID: f.vocab, Response: "Hóa Đơn"})
	require.NoError(t, err)

	exp, err := f.svc.ExportProgress(ctx, "spring")
	require.NoError(t, err)
	assert.Equal(t, "spring", exp.Cohort)
	require.Len(t, exp.Learners, 1)
	lr := exp.Learners[0]
	assert.Equal(t, "lan", lr.Username)
	assert.Equal(t, 100.0, lr.Accuracy)
	require.Len(t, lr.Items, 1)
	assert.Equal(t, f.vocab, lr.Items[0].ItemID)
	assert.Equal(t, 15, lr.Items[0].Level)
}

// flakyStore fails the first n transactions.
type flakyStore struct {
	*store.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return f.Store.WithinTx(ctx, fn)
}

func TestRecord_RetriesTransientFailures(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	flaky := &flakyStore{Store: st}
	f := newFixtureWith(t, st, flaky)

	flaky.failures.Store(2)
	out, err := f.svc.SubmitAnswer(context.Background(), Answer{LearnerID: f.learner, ItemID: f.grammar, Response: "B"})
	require.NoError(t, err)
	assert.True(t, out.Saved)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestRecord_PersistenceUnavailable(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	flaky := &flakyStore{Store: st}
	f := newFixtureWith(t, st, flaky)

	flaky.failures.Store(100)
	session := NewSession(3, 0)
	out, err := f.svc.SubmitAnswer(context.Background(), Answer{LearnerID: f.learner, ItemID: f.grammar, Response: "B", Session: &session})
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.False(t, out.Saved)
	assert.True(t, out.Attempt.Correct, "the scored attempt is still reported")
	assert.ErrorIs(t, out.SaveErr, model.ErrPersistenceUnavailable)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, &session, out.Session)

	_, err = st.GetAttempt(context.Background(), out.Attempt.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
