package store

import (
	"context"

	"github.com/toeicprep/toeic/internal/model"
)

// CreateRoadmap creates a roadmap.
func (s *Store) CreateRoadmap(ctx context.Context, r model.Roadmap) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO roadmaps (name, description) VALUES (?, ?)`, r.Name, r.Description)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetRoadmap returns a roadmap by ID.
func (s *Store) GetRoadmap(ctx context.Context, id int64) (model.Roadmap, error) {
	var r model.Roadmap
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM roadmaps WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &r.Description)
	return r, notFound(err)
}

// ListRoadmaps returns all roadmaps.
func (s *Store) ListRoadmaps(ctx context.Context) ([]model.Roadmap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM roadmaps ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roadmaps []model.Roadmap
	for rows.Next() {
		var r model.Roadmap
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, err
		}
		roadmaps = append(roadmaps, r)
	}
	return roadmaps, rows.Err()
}

// CreateLesson appends a lesson to a roadmap.
func (s *Store) CreateLesson(ctx context.Context, l model.Lesson) (int64, error) {
	if _, err := s.GetRoadmap(ctx, l.RoadmapID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (roadmap_id, title, position) VALUES (?, ?, ?)`,
		l.RoadmapID, l.Title, l.Position)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetLesson returns a lesson by ID.
func (s *Store) GetLesson(ctx context.Context, id int64) (model.Lesson, error) {
	var l model.Lesson
	err := s.db.QueryRowContext(ctx,
		`SELECT id, roadmap_id, title, position FROM lessons WHERE id = ?`, id,
	).Scan(&l.ID, &l.RoadmapID, &l.Title, &l.Position)
	return l, notFound(err)
}

// ListLessons returns a roadmap's lessons in curriculum order.
func (s *Store) ListLessons(ctx context.Context, roadmapID int64) ([]model.Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, roadmap_id, title, position FROM lessons WHERE roadmap_id = ? ORDER BY position, id`, roadmapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lessons []model.Lesson
	for rows.Next() {
		var l model.Lesson
		if err := rows.Scan(&l.ID, &l.RoadmapID, &l.Title, &l.Position); err != nil {
			return nil, err
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// RoadmapCounts is the raw input of a roadmap percentage.
type RoadmapCounts struct {
	Roadmap   model.Roadmap
	Completed int
	Total     int
}

// RoadmapCounts returns, for every roadmap, how many of its lessons the
// learner has completed.
func (s *Store) RoadmapCounts(ctx context.Context, learnerID int64) ([]RoadmapCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.description,
		        COUNT(l.id),
		        COUNT(lp.lesson_id)
		 FROM roadmaps r
		 LEFT JOIN lessons l ON l.roadmap_id = r.id
		 LEFT JOIN lesson_progress lp ON lp.lesson_id = l.id AND lp.learner_id = ?
		 GROUP BY r.id
		 ORDER BY r.id`, learnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoadmapCounts
	for rows.Next() {
		var c RoadmapCounts
		if err := rows.Scan(&c.Roadmap.ID, &c.Roadmap.Name, &c.Roadmap.Description, &c.Total, &c.Completed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CompletedLessons returns the lessons a learner has completed.
func (s *Store) CompletedLessons(ctx context.Context, learnerID int64) ([]model.LessonProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT learner_id, lesson_id, completed_at FROM lesson_progress WHERE learner_id = ? ORDER BY completed_at`, learnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LessonProgress
	for rows.Next() {
		var lp model.LessonProgress
		if err := rows.Scan(&lp.LearnerID, &lp.LessonID, &lp.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}
