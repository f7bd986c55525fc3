package store

import (
	"context"
	"fmt"

	"github.com/toeicprep/toeic/internal/model"
)

// LearnerSnapshot is the raw progress data of one learner.
type LearnerSnapshot struct {
	User     model.User
	Records  map[int64]model.MasteryRecord
	Stats    model.AttemptStats
	Roadmaps []RoadmapCounts
}

// ExportLearners collects the progress data of every learner.
func (s *Store) ExportLearners(ctx context.Context, passThreshold float64) ([]LearnerSnapshot, error) {
	users, err := s.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var out []LearnerSnapshot
	for _, u := range users {
		if u.Role != model.UserRoleLearner {
			continue
		}
		records, err := s.MasteryRecords(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("mastery of user %d: %w", u.ID, err)
		}
		stats, err := s.AttemptStats(ctx, u.ID, passThreshold)
		if err != nil {
			return nil, fmt.Errorf("attempts of user %d: %w", u.ID, err)
		}
		roadmaps, err := s.RoadmapCounts(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("roadmaps of user %d: %w", u.ID, err)
		}
		out = append(out, LearnerSnapshot{User: u, Records: records, Stats: stats, Roadmaps: roadmaps})
	}
	return out, nil
}
