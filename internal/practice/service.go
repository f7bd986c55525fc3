// Package practice wires scoring, mastery and goal tracking into the
// operations a learner triggers: answering, recording, resetting and
// completing lessons.
package practice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/toeicprep/toeic/internal/mastery"
	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/progress"
	"github.com/toeicprep/toeic/internal/scoring"
	"github.com/toeicprep/toeic/internal/store"
)

// DefaultTimedLimit is the countdown of a timed challenge.
const DefaultTimedLimit = 60 * time.Second

// Store is the persistence the service needs. *store.Store implements it.
type Store interface {
	WithinTx(ctx context.Context, fn func(store.Tx) error) error
	GetItem(ctx context.Context, id int64) (model.Item, error)
	ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error)
	GetLesson(ctx context.Context, id int64) (model.Lesson, error)
	MasteryRecords(ctx context.Context, learnerID int64) (map[int64]model.MasteryRecord, error)
	AttemptStats(ctx context.Context, learnerID int64, passThreshold float64) (model.AttemptStats, error)
	DailyGoals(ctx context.Context, learnerID int64, date string) ([]model.DailyGoal, error)
	RoadmapCounts(ctx context.Context, learnerID int64) ([]store.RoadmapCounts, error)
	ExportLearners(ctx context.Context, passThreshold float64) ([]store.LearnerSnapshot, error)
}

// SpeechScorer rates a transcript of a recorded performance, 0 to 100.
type SpeechScorer interface {
	Confidence(ctx context.Context, item model.Item, transcript string) (float64, error)
}

// Config configures a Service.
type Config struct {
	Mastery    mastery.Config
	Retry      RetryConfig
	Location   *time.Location // calendar of daily goals; UTC when nil
	TimedLimit time.Duration
}

// Service runs practice operations for authenticated learners.
type Service struct {
	store   Store
	scorer  SpeechScorer
	tracker *mastery.Tracker
	retry   RetryConfig
	loc     *time.Location
	limit   time.Duration
	locks   *keyLock
	timed   *TimedRegistry
	rng     mastery.Rand
	now     func() time.Time
}

// NewService creates a service. scorer may be nil, in which case recordings
// must carry their own confidence.
func NewService(st Store, scorer SpeechScorer, cfg Config) *Service {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	limit := cfg.TimedLimit
	if limit <= 0 {
		limit = DefaultTimedLimit
	}
	s := &Service{
		store:   st,
		scorer:  scorer,
		tracker: mastery.NewTracker(cfg.Mastery),
		retry:   cfg.Retry.withDefaults(),
		loc:     loc,
		limit:   limit,
		locks:   newKeyLock(),
		rng:     globalRand{},
		now:     time.Now,
	}
	s.timed = NewTimedRegistry(s.onExpire)
	s.timed.now = func() time.Time { return s.now() }
	return s
}

// Close cancels the timed challenges in flight.
func (s *Service) Close() {
	s.timed.Close()
}

// Tracker returns the mastery tracker in use.
func (s *Service) Tracker() *mastery.Tracker {
	return s.tracker
}

// PassThreshold returns the confidence at which an attempt passes.
func (s *Service) PassThreshold() float64 {
	return s.tracker.Config().PassThreshold
}

// Today returns the goal date of now in the service's calendar.
func (s *Service) Today() string {
	return s.now().In(s.loc).Format(model.DateLayout)
}

// Outcome is the result of recording one attempt.
type Outcome struct {
	Attempt   model.AttemptResult `json:"attempt"`
	Record    model.MasteryRecord `json:"record"`
	State     model.MasteryState  `json:"state"`
	Goals     []model.DailyGoal   `json:"goals"`
	Session   *PracticeSession    `json:"session,omitempty"`
	Saved     bool                `json:"saved"`
	Duplicate bool                `json:"duplicate,omitempty"`
	SaveErr   error               `json:"-"`
}

// Answer is a discrete answer to a non-timed item.
type Answer struct {
	AttemptID string
	LearnerID int64
	ItemID    int64
	Response  string
	Elapsed   time.Duration
	Session   *PracticeSession
}

// Performance is a recorded performance of a timed item.
type Performance struct {
	AttemptID  string
	LearnerID  int64
	ItemID     int64
	Confidence float64
	Submitted  bool
	Elapsed    time.Duration
	Limit      time.Duration
	Session    *PracticeSession
}

// Recording finishes a timed challenge. Either Confidence or Transcript
// must be set; a transcript is rated by the speech scorer.
type Recording struct {
	ChallengeID string
	LearnerID   int64
	Confidence  *float64
	Transcript  string
	Session     *PracticeSession
}

// SubmitAnswer scores and records a discrete answer.
func (s *Service) SubmitAnswer(ctx context.Context, in Answer) (Outcome, error) {
	item, err := s.store.GetItem(ctx, in.ItemID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load item %d: %w", in.ItemID, err)
	}
	attempt, err := scoring.ScoreAnswer(scoring.Meta{
		AttemptID: in.AttemptID,
		LearnerID: in.LearnerID,
		Elapsed:   in.Elapsed,
		At:        s.now(),
	}, item, in.Response)
	if err != nil {
		return Outcome{}, err
	}
	return s.record(ctx, attempt, in.Session)
}

// SubmitPerformance scores and records a timed performance.
func (s *Service) SubmitPerformance(ctx context.Context, in Performance) (Outcome, error) {
	item, err := s.store.GetItem(ctx, in.ItemID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load item %d: %w", in.ItemID, err)
	}
	if !item.Kind.Timed() {
		return Outcome{}, model.Invalid("kind", "%s items are answered, not recorded", item.Kind)
	}
	attempt, err := scoring.ScoreTimedPerformance(scoring.Meta{
		AttemptID: in.AttemptID,
		LearnerID: in.LearnerID,
		Elapsed:   in.Elapsed,
		At:        s.now(),
	}, item, scoring.TimedInput{
		Confidence: in.Confidence,
		Submitted:  in.Submitted,
		Limit:      in.Limit,
	})
	if err != nil {
		return Outcome{}, err
	}
	return s.record(ctx, attempt, in.Session)
}

// StartTimed opens a countdown for a timed item. When it runs out without a
// recording a timeout attempt is recorded.
func (s *Service) StartTimed(ctx context.Context, learnerID, itemID int64) (Challenge, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Challenge{}, fmt.Errorf("load item %d: %w", itemID, err)
	}
	if !item.Kind.Timed() {
		return Challenge{}, model.Invalid("kind", "%s items have no countdown", item.Kind)
	}
	return s.timed.Start(learnerID, itemID, s.limit)
}

// FinishTimed records the learner's recording for a challenge. The
// challenge ID is the attempt ID, so a recording and a timeout of the same
// challenge can never both count.
func (s *Service) FinishTimed(ctx context.Context, in Recording) (Outcome, error) {
	ch, err := s.timed.Get(in.ChallengeID, in.LearnerID)
	if err != nil {
		return Outcome{}, ErrChallengeExpired
	}

	var confidence float64
	switch {
	case in.Confidence != nil:
		confidence = *in.Confidence
	case in.Transcript != "" && s.scorer != nil:
		item, err := s.store.GetItem(ctx, ch.ItemID)
		if err != nil {
			return Outcome{}, fmt.Errorf("load item %d: %w", ch.ItemID, err)
		}
		confidence, err = s.scorer.Confidence(ctx, item, in.Transcript)
		if err != nil {
			return Outcome{}, fmt.Errorf("rate recording: %w", err)
		}
	default:
		return Outcome{}, model.Invalid("recording", "confidence or transcript required")
	}

	ch, err = s.timed.Finish(ch.ID, in.LearnerID)
	if err != nil {
		return Outcome{}, err
	}
	return s.SubmitPerformance(ctx, Performance{
		AttemptID:  ch.ID,
		LearnerID:  ch.LearnerID,
		ItemID:     ch.ItemID,
		Confidence: confidence,
		Submitted:  true,
		Elapsed:    min(s.now().Sub(ch.StartedAt), ch.Limit),
		Limit:      ch.Limit,
		Session:    in.Session,
	})
}

// CancelTimed abandons a challenge without recording anything.
func (s *Service) CancelTimed(learnerID int64, challengeID string) error {
	return s.timed.Cancel(challengeID, learnerID)
}

// ActiveChallenge returns the learner's in-flight challenge, if any.
func (s *Service) ActiveChallenge(learnerID int64) (Challenge, bool) {
	return s.timed.Active(learnerID)
}

// Expire records the forced timeout of a challenge.
func (s *Service) Expire(ctx context.Context, ch Challenge) (Outcome, error) {
	return s.SubmitPerformance(ctx, Performance{
		AttemptID: ch.ID,
		LearnerID: ch.LearnerID,
		ItemID:    ch.ItemID,
		Elapsed:   ch.Limit,
		Limit:     ch.Limit,
	})
}

func (s *Service) onExpire(ch Challenge) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.retry.MaxAttempts+1)*s.retry.Timeout)
	defer cancel()
	out, err := s.Expire(ctx, ch)
	if err != nil {
		slog.Error("failed to record timeout", "challenge", ch.ID, "learner", ch.LearnerID, "item", ch.ItemID, "error", err)
		return
	}
	slog.Info("timed challenge expired", "challenge", ch.ID, "learner", ch.LearnerID, "item", ch.ItemID,
		"level", out.Record.Level)
}

// record persists attempt and its effects in one transaction. A replayed
// attempt ID changes nothing and reports Duplicate.
func (s *Service) record(ctx context.Context, attempt model.AttemptResult, session *PracticeSession) (Outcome, error) {
	// A learner's goal rows are shared by all of their items, so the
	// learner is the unit of serialization.
	unlock := s.locks.Lock(attempt.LearnerID)
	defer unlock()

	out := Outcome{Attempt: attempt}
	date := attempt.At.In(s.loc).Format(model.DateLayout)
	threshold := s.PassThreshold()

	err := retry(ctx, s.retry, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx store.Tx) error {
			if err := tx.AppendAttemptResult(ctx, attempt); err != nil {
				return err
			}

			cur, err := tx.LoadMasteryRecord(ctx, attempt.LearnerID, attempt.ItemID)
			if err != nil {
				return fmt.Errorf("load mastery: %w", err)
			}
			rec := model.NewMasteryRecord(attempt.LearnerID, attempt.ItemID)
			if cur != nil {
				rec = *cur
			}
			next, changed := s.tracker.Apply(rec, attempt, attempt.At)
			if changed {
				if err := tx.SaveMasteryRecord(ctx, next); err != nil {
					return fmt.Errorf("save mastery: %w", err)
				}
			}

			goals, err := tx.LoadDailyGoals(ctx, attempt.LearnerID, date)
			if err != nil {
				return fmt.Errorf("load goals: %w", err)
			}
			updated, err := progress.ApplyAttemptToGoals(attempt, date, goals, threshold)
			if err != nil {
				return err
			}
			for _, g := range updated {
				if err := tx.SaveDailyGoal(ctx, g); err != nil {
					return fmt.Errorf("save goal %s: %w", g.Type, err)
				}
			}

			out.Record = next
			out.Goals = mergeGoals(goals, updated)
			return nil
		})
	})

	switch {
	case err == nil:
		out.Saved = true
		if session != nil {
			next := session.Apply(attempt, threshold)
			out.Session = &next
		}
	case errors.Is(err, store.ErrDuplicateAttempt):
		out.Duplicate = true
		out.Saved = true
		out.Session = session
		if err := s.loadCurrent(ctx, &out, date); err != nil {
			return out, err
		}
	case errors.Is(err, model.ErrPersistenceUnavailable):
		// Nothing was committed. The scored attempt is still reported.
		out.SaveErr = err
		out.Session = session
		out.Goals = nil
		if out.Record.LastAttemptID == attempt.ID {
			out.State = s.tracker.State(&out.Record)
		} else {
			out.Record = model.MasteryRecord{}
		}
		slog.Error("attempt not saved", "attempt", attempt.ID, "learner", attempt.LearnerID, "error", err)
		return out, err
	default:
		return Outcome{}, err
	}
	out.State = s.tracker.State(&out.Record)
	return out, nil
}

func (s *Service) loadCurrent(ctx context.Context, out *Outcome, date string) error {
	records, err := s.store.MasteryRecords(ctx, out.Attempt.LearnerID)
	if err != nil {
		return fmt.Errorf("load mastery: %w", err)
	}
	if rec, ok := records[out.Attempt.ItemID]; ok {
		out.Record = rec
	} else {
		out.Record = model.NewMasteryRecord(out.Attempt.LearnerID, out.Attempt.ItemID)
	}
	goals, err := s.store.DailyGoals(ctx, out.Attempt.LearnerID, date)
	if err != nil {
		return fmt.Errorf("load goals: %w", err)
	}
	out.Goals = goals
	return nil
}

// mergeGoals returns goals with the updated ones substituted by type.
func mergeGoals(goals, updated []model.DailyGoal) []model.DailyGoal {
	out := make([]model.DailyGoal, len(goals))
	copy(out, goals)
	for i := range out {
		for _, u := range updated {
			if u.Type == out[i].Type {
				out[i] = u
			}
		}
	}
	return out
}

// NextItem picks the next item for the learner among the items matching
// filter. model.ErrExhausted means every one of them is mastered.
func (s *Service) NextItem(ctx context.Context, learnerID int64, filter model.ItemFilter) (model.Item, error) {
	pool, err := s.store.ListItems(ctx, filter)
	if err != nil {
		return model.Item{}, fmt.Errorf("list items: %w", err)
	}
	records, err := s.store.MasteryRecords(ctx, learnerID)
	if err != nil {
		return model.Item{}, fmt.Errorf("load mastery: %w", err)
	}
	return s.tracker.SelectNextItem(records, pool, s.rng)
}

// Reset puts an item back into the learner's rotation.
func (s *Service) Reset(ctx context.Context, learnerID, itemID int64) (model.MasteryRecord, error) {
	if learnerID <= 0 {
		return model.MasteryRecord{}, model.Invalid("learner", "missing learner id")
	}
	if _, err := s.store.GetItem(ctx, itemID); err != nil {
		return model.MasteryRecord{}, fmt.Errorf("load item %d: %w", itemID, err)
	}

	unlock := s.locks.Lock(learnerID)
	defer unlock()

	var out model.MasteryRecord
	err := retry(ctx, s.retry, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx store.Tx) error {
			cur, err := tx.LoadMasteryRecord(ctx, learnerID, itemID)
			if err != nil {
				return err
			}
			if cur == nil {
				out = model.NewMasteryRecord(learnerID, itemID)
				return nil
			}
			out = s.tracker.Reset(*cur, s.now())
			return tx.SaveMasteryRecord(ctx, out)
		})
	})
	if err != nil {
		return model.MasteryRecord{}, err
	}
	slog.Info("mastery reset", "learner", learnerID, "item", itemID)
	return out, nil
}

// LessonOutcome is the result of completing a lesson.
type LessonOutcome struct {
	Lesson  model.Lesson          `json:"lesson"`
	Created bool                  `json:"created"`
	Goals   []model.DailyGoal     `json:"goals"`
	Roadmap model.RoadmapProgress `json:"roadmap"`
}

// CompleteLesson marks a lesson complete. Completing it again is a no-op.
func (s *Service) CompleteLesson(ctx context.Context, learnerID, lessonID int64) (LessonOutcome, error) {
	if learnerID <= 0 {
		return LessonOutcome{}, model.Invalid("learner", "missing learner id")
	}
	lesson, err := s.store.GetLesson(ctx, lessonID)
	if err != nil {
		return LessonOutcome{}, fmt.Errorf("load lesson %d: %w", lessonID, err)
	}

	unlock := s.locks.Lock(learnerID)
	defer unlock()

	out := LessonOutcome{Lesson: lesson}
	now := s.now()
	date := now.In(s.loc).Format(model.DateLayout)
	err = retry(ctx, s.retry, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx store.Tx) error {
			created, err := tx.MarkLessonComplete(ctx, learnerID, lessonID, now)
			if err != nil {
				return err
			}
			goals, err := tx.LoadDailyGoals(ctx, learnerID, date)
			if err != nil {
				return err
			}
			var updated []model.DailyGoal
			if created {
				updated, err = progress.ApplyLessonToGoals(learnerID, date, goals)
				if err != nil {
					return err
				}
				for _, g := range updated {
					if err := tx.SaveDailyGoal(ctx, g); err != nil {
						return err
					}
				}
			}
			out.Created = created
			out.Goals = mergeGoals(goals, updated)
			return nil
		})
	})
	if err != nil {
		return LessonOutcome{}, err
	}

	roadmaps, err := s.Roadmaps(ctx, learnerID)
	if err != nil {
		return LessonOutcome{}, err
	}
	for _, r := range roadmaps {
		if r.RoadmapID == lesson.RoadmapID {
			out.Roadmap = r
		}
	}
	return out, nil
}

// Roadmaps returns the learner's completion of every roadmap.
func (s *Service) Roadmaps(ctx context.Context, learnerID int64) ([]model.RoadmapProgress, error) {
	counts, err := s.store.RoadmapCounts(ctx, learnerID)
	if err != nil {
		return nil, fmt.Errorf("roadmap counts: %w", err)
	}
	return roadmapProgress(counts)
}

func roadmapProgress(counts []store.RoadmapCounts) ([]model.RoadmapProgress, error) {
	out := make([]model.RoadmapProgress, 0, len(counts))
	for _, c := range counts {
		pct, err := progress.ComputeRoadmapPercentage(c.Completed, c.Total)
		if err != nil {
			return nil, fmt.Errorf("roadmap %d: %w", c.Roadmap.ID, err)
		}
		out = append(out, model.RoadmapProgress{
			RoadmapID: c.Roadmap.ID,
			Name:      c.Roadmap.Name,
			Completed: c.Completed,
			Total:     c.Total,
			Percent:   pct,
		})
	}
	return out, nil
}

// Goals returns the learner's goals for today.
func (s *Service) Goals(ctx context.Context, learnerID int64) ([]model.DailyGoal, error) {
	return s.store.DailyGoals(ctx, learnerID, s.Today())
}

// Dashboard assembles the learner's progress overview.
func (s *Service) Dashboard(ctx context.Context, learnerID int64) (model.Dashboard, error) {
	d := model.Dashboard{Date: s.Today()}

	goals, err := s.store.DailyGoals(ctx, learnerID, d.Date)
	if err != nil {
		return d, fmt.Errorf("load goals: %w", err)
	}
	d.Goals = goals

	d.Attempts, err = s.store.AttemptStats(ctx, learnerID, s.PassThreshold())
	if err != nil {
		return d, fmt.Errorf("attempt stats: %w", err)
	}
	d.Accuracy, err = progress.ComputeOverallAccuracy(d.Attempts.Correct, d.Attempts.Total)
	if err != nil {
		return d, err
	}

	pool, err := s.store.ListItems(ctx, model.ItemFilter{})
	if err != nil {
		return d, fmt.Errorf("list items: %w", err)
	}
	records, err := s.store.MasteryRecords(ctx, learnerID)
	if err != nil {
		return d, fmt.Errorf("load mastery: %w", err)
	}
	d.Mastery = s.tracker.Summarize(records, pool)

	d.Roadmaps, err = s.Roadmaps(ctx, learnerID)
	return d, err
}

// ExportProgress collects every learner's progress for a teacher report.
func (s *Service) ExportProgress(ctx context.Context, cohort string) (model.ProgressExport, error) {
	exp := model.ProgressExport{ExportedAt: s.now(), Cohort: cohort}

	snapshots, err := s.store.ExportLearners(ctx, s.PassThreshold())
	if err != nil {
		return exp, err
	}
	pool, err := s.store.ListItems(ctx, model.ItemFilter{})
	if err != nil {
		return exp, fmt.Errorf("list items: %w", err)
	}

	for _, snap := range snapshots {
		accuracy, err := progress.ComputeOverallAccuracy(snap.Stats.Correct, snap.Stats.Total)
		if err != nil {
			return exp, fmt.Errorf("learner %s: %w", snap.User.Username, err)
		}
		roadmaps, err := roadmapProgress(snap.Roadmaps)
		if err != nil {
			return exp, fmt.Errorf("learner %s: %w", snap.User.Username, err)
		}
		lr := model.LearnerResult{
			Username:    snap.User.Username,
			DisplayName: snap.User.DisplayName,
			Attempts:    snap.Stats,
			Accuracy:    accuracy,
			Mastery:     s.tracker.Summarize(snap.Records, pool),
			Items:       []model.ItemResult{},
			Roadmaps:    roadmaps,
		}
		for _, it := range pool {
			rec, ok := snap.Records[it.ID]
			if !ok {
				continue
			}
			lr.Items = append(lr.Items, model.ItemResult{
				ItemID:         it.ID,
				Kind:           it.Kind,
				Topic:          it.Topic,
				Difficulty:     it.Difficulty,
				State:          s.tracker.State(&rec),
				Level:          rec.Level,
				Repetitions:    rec.Repetitions,
				LastReviewedAt: rec.LastReviewedAt,
			})
		}
		exp.Learners = append(exp.Learners, lr)
	}
	return exp, nil
}

// globalRand draws from the goroutine-safe top-level generator.
type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }
