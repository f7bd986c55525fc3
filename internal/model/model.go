package model

import (
	"context"
	"strings"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleLearner is a learner taking practice sessions.
	UserRoleLearner UserRole = "learner"
	// UserRoleTeacher can author content and read learner progress.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin manages users and content.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession records an issued access token so it can be revoked.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ItemKind is the kind of practice content an item holds.
type ItemKind string

const (
	KindVocabulary    ItemKind = "vocabulary"
	KindGrammar       ItemKind = "grammar"
	KindReading       ItemKind = "reading"
	KindListening     ItemKind = "listening"
	KindPronunciation ItemKind = "pronunciation"
	KindSpeaking      ItemKind = "speaking"
)

// Timed reports whether items of this kind are scored from a recorded
// performance rather than a discrete answer.
func (k ItemKind) Timed() bool {
	return k == KindPronunciation || k == KindSpeaking
}

// Valid reports whether k is a known kind.
func (k ItemKind) Valid() bool {
	switch k {
	case KindVocabulary, KindGrammar, KindReading, KindListening, KindPronunciation, KindSpeaking:
		return true
	}
	return false
}

// Difficulty represents item difficulty. Tiers are ordered easy < medium < hard.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty accepts the canonical tier names and the
// beginner/intermediate/advanced aliases used by imported content.
func ParseDifficulty(s string) (Difficulty, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy", "beginner":
		return DifficultyEasy, true
	case "medium", "intermediate":
		return DifficultyMedium, true
	case "hard", "advanced":
		return DifficultyHard, true
	}
	return "", false
}

// Rank returns the ordinal of the tier, or -1 if unknown.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 0
	case DifficultyMedium:
		return 1
	case DifficultyHard:
		return 2
	}
	return -1
}

// Option is one letter-labelled choice of a multiple-choice item.
type Option struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Item is a unit of practice content (LearnableItem).
type Item struct {
	ID                int64      `json:"id"`
	Kind              ItemKind   `json:"kind"`
	Difficulty        Difficulty `json:"difficulty"`
	Topic             string     `json:"topic"`
	Prompt            string     `json:"prompt"`
	Options           []Option   `json:"options,omitempty"`
	AcceptableAnswers []string   `json:"acceptable_answers,omitempty"`
	Rubric            string     `json:"rubric,omitempty"`
	RequiresResponse  bool       `json:"requires_response"`
	CreatedAt         time.Time  `json:"created_at"`
}

// MultipleChoice reports whether the item presents labelled options.
func (it Item) MultipleChoice() bool {
	return len(it.Options) > 0
}

// ItemImport is used for loading items from JSON.
type ItemImport struct {
	Kind              ItemKind `json:"kind"`
	Difficulty        string   `json:"difficulty"`
	Topic             string   `json:"topic"`
	Prompt            string   `json:"prompt"`
	Options           []Option `json:"options,omitempty"`
	AcceptableAnswers []string `json:"acceptable_answers"`
	Rubric            string   `json:"rubric,omitempty"`
	Optional          bool     `json:"optional,omitempty"`
}

// ItemFilter narrows item listings. Empty fields mean no filtering.
type ItemFilter struct {
	Kind       ItemKind
	Difficulty Difficulty
	// MinDifficulty keeps items at this tier or harder.
	MinDifficulty Difficulty
	Topic         string
}

// Admits reports whether an item of tier d passes the MinDifficulty bound.
func (f ItemFilter) Admits(d Difficulty) bool {
	return f.MinDifficulty == "" || d.Rank() >= f.MinDifficulty.Rank()
}

// Roadmap is an ordered curriculum of lessons.
type Roadmap struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Lesson is one step of a roadmap.
type Lesson struct {
	ID        int64  `json:"id"`
	RoadmapID int64  `json:"roadmap_id"`
	Title     string `json:"title"`
	Position  int    `json:"position"`
}

// LessonProgress marks a learner's completion of a lesson.
type LessonProgress struct {
	LearnerID   int64     `json:"learner_id"`
	LessonID    int64     `json:"lesson_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// RoadmapProgress is derived on read from lesson progress rows.
type RoadmapProgress struct {
	RoadmapID int64   `json:"roadmap_id"`
	Name      string  `json:"name"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// ToItem validates an imported item and converts it.
func (ii ItemImport) ToItem() (Item, error) {
	if !ii.Kind.Valid() {
		return Item{}, Invalid("kind", "unknown kind %q", ii.Kind)
	}
	difficulty, ok := ParseDifficulty(ii.Difficulty)
	if !ok {
		return Item{}, Invalid("difficulty", "unknown difficulty %q", ii.Difficulty)
	}
	if strings.TrimSpace(ii.Prompt) == "" {
		return Item{}, Invalid("prompt", "must not be empty")
	}
	if !ii.Kind.Timed() && len(ii.AcceptableAnswers) == 0 {
		return Item{}, Invalid("acceptable_answers", "%s items need at least one acceptable answer", ii.Kind)
	}
	labels := make(map[string]bool, len(ii.Options))
	for _, o := range ii.Options {
		if o.Label == "" || labels[o.Label] {
			return Item{}, Invalid("options", "labels must be unique and non-empty")
		}
		labels[o.Label] = true
	}
	for _, a := range ii.AcceptableAnswers {
		if len(ii.Options) > 0 && !namesOption(ii.Options, a) {
			return Item{}, Invalid("acceptable_answers", "%q matches no option label or text", a)
		}
	}
	return Item{
		Kind:              ii.Kind,
		Difficulty:        difficulty,
		Topic:             strings.TrimSpace(ii.Topic),
		Prompt:            ii.Prompt,
		Options:           ii.Options,
		AcceptableAnswers: ii.AcceptableAnswers,
		Rubric:            ii.Rubric,
		RequiresResponse:  !ii.Optional,
	}, nil
}

// namesOption reports whether answer is the label or the text of one of
// options, ignoring case and label decoration such as "(B)".
func namesOption(options []Option, answer string) bool {
	answer = strings.TrimSpace(answer)
	l := strings.Trim(answer, "()[]{}.: ")
	for _, o := range options {
		if strings.EqualFold(o.Label, l) || strings.EqualFold(strings.TrimSpace(o.Text), answer) {
			return true
		}
	}
	return false
}
