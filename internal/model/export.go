package model

import "time"

// ProgressExport is the top-level JSON structure for learner progress export.
type ProgressExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Cohort     string          `json:"cohort"`
	Learners   []LearnerResult `json:"learners"`
}

// LearnerResult holds one learner's progress data for export.
type LearnerResult struct {
	Username    string            `json:"username"`
	DisplayName string            `json:"display_name"`
	Attempts    AttemptStats      `json:"attempts"`
	Accuracy    float64           `json:"accuracy"`
	Mastery     MasterySummary    `json:"mastery"`
	Items       []ItemResult      `json:"items"`
	Roadmaps    []RoadmapProgress `json:"roadmaps"`
}

// ItemResult holds per-item mastery data for export.
type ItemResult struct {
	ItemID         int64        `json:"item_id"`
	Kind           ItemKind     `json:"kind"`
	Topic          string       `json:"topic"`
	Difficulty     Difficulty   `json:"difficulty"`
	State          MasteryState `json:"state"`
	Level          int          `json:"mastery_level"`
	Repetitions    int          `json:"repetition_count"`
	LastReviewedAt time.Time    `json:"last_reviewed_at"`
}
