package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/toeicprep/toeic/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = model.ErrNotFound

	// ErrDuplicateAttempt is returned when an attempt ID was already recorded.
	ErrDuplicateAttempt = errors.New("attempt already recorded")

	// ErrVersionConflict is returned when a mastery record changed since it
	// was loaded.
	ErrVersionConflict = errors.New("mastery record version conflict")
)

// Tx is the unit of work used to record one practice event atomically.
type Tx interface {
	LoadMasteryRecord(ctx context.Context, learnerID, itemID int64) (*model.MasteryRecord, error)
	// SaveMasteryRecord stores rec whose Version was bumped by exactly one
	// since it was loaded. ErrVersionConflict means another writer won.
	SaveMasteryRecord(ctx context.Context, rec model.MasteryRecord) error
	LoadDailyGoals(ctx context.Context, learnerID int64, date string) ([]model.DailyGoal, error)
	SaveDailyGoal(ctx context.Context, g model.DailyGoal) error
	AppendAttemptResult(ctx context.Context, a model.AttemptResult) error
	// MarkLessonComplete reports false when the lesson was already complete.
	MarkLessonComplete(ctx context.Context, learnerID, lessonID int64, at time.Time) (bool, error)
}

type sqlTx struct {
	tx *sql.Tx
}

const masteryColumns = `learner_id, item_id, level, repetitions, streak, last_reviewed_at, last_attempt_id, version`

func scanMastery(row rowScanner) (model.MasteryRecord, error) {
	var rec model.MasteryRecord
	var reviewed sql.NullTime
	err := row.Scan(&rec.LearnerID, &rec.ItemID, &rec.Level, &rec.Repetitions, &rec.Streak,
		&reviewed, &rec.LastAttemptID, &rec.Version)
	if reviewed.Valid {
		rec.LastReviewedAt = reviewed.Time
	}
	return rec, err
}

func (t *sqlTx) LoadMasteryRecord(ctx context.Context, learnerID, itemID int64) (*model.MasteryRecord, error) {
	rec, err := scanMastery(t.tx.QueryRowContext(ctx,
		`SELECT `+masteryColumns+` FROM mastery_records WHERE learner_id = ? AND item_id = ?`, learnerID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *sqlTx) SaveMasteryRecord(ctx context.Context, rec model.MasteryRecord) error {
	reviewed := sql.NullTime{Time: rec.LastReviewedAt, Valid: !rec.LastReviewedAt.IsZero()}
	var res sql.Result
	var err error
	if rec.Version <= 1 {
		res, err = t.tx.ExecContext(ctx,
			`INSERT INTO mastery_records (`+masteryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(learner_id, item_id) DO NOTHING`,
			rec.LearnerID, rec.ItemID, rec.Level, rec.Repetitions, rec.Streak, reviewed, rec.LastAttemptID, rec.Version,
		)
	} else {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE mastery_records
			 SET level = ?, repetitions = ?, streak = ?, last_reviewed_at = ?, last_attempt_id = ?, version = ?
			 WHERE learner_id = ? AND item_id = ? AND version = ?`,
			rec.Level, rec.Repetitions, rec.Streak, reviewed, rec.LastAttemptID, rec.Version,
			rec.LearnerID, rec.ItemID, rec.Version-1,
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

const goalColumns = `id, learner_id, date, type, target, current, unit, completed`

func scanGoal(row rowScanner) (model.DailyGoal, error) {
	var g model.DailyGoal
	err := row.Scan(&g.ID, &g.LearnerID, &g.Date, &g.Type, &g.Target, &g.Current, &g.Unit, &g.Completed)
	return g, err
}

func queryGoals(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, learnerID int64, date string) ([]model.DailyGoal, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+goalColumns+` FROM daily_goals WHERE learner_id = ? AND date = ? ORDER BY id`, learnerID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var goals []model.DailyGoal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (t *sqlTx) LoadDailyGoals(ctx context.Context, learnerID int64, date string) ([]model.DailyGoal, error) {
	return queryGoals(ctx, t.tx, learnerID, date)
}

// SaveDailyGoal writes current and the completion flag. The flag is
// recomputed in SQL so it can never disagree with current.
func (t *sqlTx) SaveDailyGoal(ctx context.Context, g model.DailyGoal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE daily_goals SET current = ?, completed = (? >= target)
		 WHERE learner_id = ? AND date = ? AND type = ?`,
		g.Current, g.Current, g.LearnerID, g.Date, g.Type,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) AppendAttemptResult(ctx context.Context, a model.AttemptResult) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO attempts (id, learner_id, item_id, kind, correct, score, timed_out, elapsed_ms, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		a.ID, a.LearnerID, a.ItemID, a.Kind, a.Correct, a.Score, a.TimedOut, a.Elapsed.Milliseconds(), a.At,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateAttempt
	}
	return nil
}

func (t *sqlTx) MarkLessonComplete(ctx context.Context, learnerID, lessonID int64, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO lesson_progress (learner_id, lesson_id, completed_at) VALUES (?, ?, ?)
		 ON CONFLICT(learner_id, lesson_id) DO NOTHING`,
		learnerID, lessonID, at,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MasteryRecords returns all of a learner's records keyed by item ID.
func (s *Store) MasteryRecords(ctx context.Context, learnerID int64) (map[int64]model.MasteryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+masteryColumns+` FROM mastery_records WHERE learner_id = ?`, learnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make(map[int64]model.MasteryRecord)
	for rows.Next() {
		rec, err := scanMastery(rows)
		if err != nil {
			return nil, err
		}
		records[rec.ItemID] = rec
	}
	return records, rows.Err()
}

// GetAttempt returns a recorded attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.AttemptResult, error) {
	var a model.AttemptResult
	var elapsedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, learner_id, item_id, kind, correct, score, timed_out, elapsed_ms, at FROM attempts WHERE id = ?`, id,
	).Scan(&a.ID, &a.LearnerID, &a.ItemID, &a.Kind, &a.Correct, &a.Score, &a.TimedOut, &elapsedMs, &a.At)
	a.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	return a, notFound(err)
}

// AttemptStats counts a learner's attempts and the passing ones. Timeouts
// count as attempts but never as correct.
func (s *Store) AttemptStats(ctx context.Context, learnerID int64, passThreshold float64) (model.AttemptStats, error) {
	var st model.AttemptStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN timed_out = 0 AND (correct = 1 OR score >= ?) THEN 1 ELSE 0 END), 0)
		 FROM attempts WHERE learner_id = ?`, passThreshold, learnerID,
	).Scan(&st.Total, &st.Correct)
	return st, err
}

// DailyGoals returns a learner's goals for date.
func (s *Store) DailyGoals(ctx context.Context, learnerID int64, date string) ([]model.DailyGoal, error) {
	return queryGoals(ctx, s.db, learnerID, date)
}

// EnsureDailyGoals creates the missing goals of date for a learner. Goals
// that already exist are left untouched.
func (s *Store) EnsureDailyGoals(ctx context.Context, goals []model.DailyGoal) (int, error) {
	created := 0
	for _, g := range goals {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO daily_goals (learner_id, date, type, target, current, unit, completed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(learner_id, date, type) DO NOTHING`,
			g.LearnerID, g.Date, g.Type, g.Target, g.Current, g.Unit, g.Current >= g.Target,
		)
		if err != nil {
			return created, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, err
		}
		created += int(n)
	}
	return created, nil
}
