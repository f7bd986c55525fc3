// Package scheduler runs the periodic jobs of the server: the daily goal
// rollover and the purge of expired auth sessions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/progress"
)

// LastRolloverKey is the metadata key holding the date of the last rollover.
const LastRolloverKey = "last_rollover_date"

// DefaultTargets are the goals every active learner gets each day.
var DefaultTargets = []model.GoalTarget{
	{Type: model.GoalQuestionsAnswered, Target: 20},
	{Type: model.GoalCorrectAnswers, Target: 15},
	{Type: model.GoalMinutesStudied, Target: 15},
	{Type: model.GoalSpeakingPracticed, Target: 2},
	{Type: model.GoalLessonsCompleted, Target: 1},
}

// Store is the persistence the scheduled jobs need.
type Store interface {
	ActiveLearners() ([]model.User, error)
	EnsureDailyGoals(ctx context.Context, goals []model.DailyGoal) (int, error)
	SetMetadata(key, value string) error
	CleanupExpiredSessions() (int64, error)
}

// Scheduler manages scheduled tasks for the application.
type Scheduler struct {
	scheduler *gocron.Scheduler
	store     Store
	targets   []model.GoalTarget
	loc       *time.Location
	now       func() time.Time
}

// New creates a scheduler whose days start at midnight in loc.
func New(st Store, targets []model.GoalTarget, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if len(targets) == 0 {
		targets = DefaultTargets
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(loc),
		store:     st,
		targets:   targets,
		loc:       loc,
		now:       time.Now,
	}
}

// Start creates today's goals, then schedules the jobs and runs them in
// the background.
func (s *Scheduler) Start() error {
	if _, err := s.Rollover(context.Background()); err != nil {
		slog.Error("initial goal rollover failed", "error", err)
	}

	if _, err := s.scheduler.Every(1).Day().At("00:00").Do(s.runRollover); err != nil {
		return fmt.Errorf("schedule rollover: %w", err)
	}
	if _, err := s.scheduler.Every(1).Hour().Do(s.cleanupSessions); err != nil {
		return fmt.Errorf("schedule session cleanup: %w", err)
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop terminates all scheduled tasks.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Rollover creates the missing goals of today for every active learner.
// Running it again on the same day creates nothing.
func (s *Scheduler) Rollover(ctx context.Context) (int, error) {
	date := s.now().In(s.loc).Format(model.DateLayout)

	learners, err := s.store.ActiveLearners()
	if err != nil {
		return 0, fmt.Errorf("list learners: %w", err)
	}

	goals := make([]model.DailyGoal, 0, len(learners)*len(s.targets))
	for _, u := range learners {
		for _, t := range s.targets {
			g, err := progress.NewGoal(u.ID, date, t.Type, t.Target)
			if err != nil {
				return 0, err
			}
			goals = append(goals, g)
		}
	}

	created, err := s.store.EnsureDailyGoals(ctx, goals)
	if err != nil {
		return created, fmt.Errorf("create goals for %s: %w", date, err)
	}
	if err := s.store.SetMetadata(LastRolloverKey, date); err != nil {
		return created, fmt.Errorf("record rollover: %w", err)
	}
	slog.Info("daily goals rolled over", "date", date, "learners", len(learners), "created", created)
	return created, nil
}

func (s *Scheduler) runRollover() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Rollover(ctx); err != nil {
		slog.Error("goal rollover failed", "error", err)
	}
}

func (s *Scheduler) cleanupSessions() {
	n, err := s.store.CleanupExpiredSessions()
	if err != nil {
		slog.Error("failed to clean up auth sessions", "error", err)
		return
	}
	if n > 0 {
		slog.Info("removed expired auth sessions", "count", n)
	}
}
