// Package scoring turns raw practice submissions into AttemptResults.
//
// Scoring is pure: nothing here touches storage. Discrete answers are
// compared against the item's set of acceptable answers; recorded
// performances carry a confidence supplied by an external scorer.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/toeicprep/toeic/internal/model"
)

// Meta identifies who submitted an attempt and when.
type Meta struct {
	AttemptID string // generated when empty
	LearnerID int64
	Elapsed   time.Duration
	At        time.Time // defaults to time.Now()
}

// TimedInput is a recorded performance against a countdown.
type TimedInput struct {
	Confidence float64 // 0–100 from the speech/text scorer
	Submitted  bool
	Limit      time.Duration
}

// ScoreAnswer scores a discrete answer against item.
func ScoreAnswer(meta Meta, item model.Item, submitted string) (model.AttemptResult, error) {
	res, err := newResult(meta, item)
	if err != nil {
		return model.AttemptResult{}, err
	}
	if item.Kind.Timed() {
		return model.AttemptResult{}, model.Invalid("kind", "%s items are scored from a recording", item.Kind)
	}

	if len(item.AcceptableAnswers) == 0 {
		return model.AttemptResult{}, model.Invalid("item", "item %d has no acceptable answers", item.ID)
	}

	answer := normalize(submitted)
	if answer == "" {
		if item.RequiresResponse {
			return model.AttemptResult{}, model.Invalid("answer", "must not be empty")
		}
		return res, nil
	}

	if correct(item, answer) {
		res.Correct = true
		res.Score = 100
	}
	return res, nil
}

// ScoreTimedPerformance scores a recorded performance. When the countdown
// ran out without a submission the result is a forced timeout with zero
// confidence.
func ScoreTimedPerformance(meta Meta, item model.Item, in TimedInput) (model.AttemptResult, error) {
	res, err := newResult(meta, item)
	if err != nil {
		return model.AttemptResult{}, err
	}
	if in.Limit <= 0 {
		return model.AttemptResult{}, model.Invalid("limit", "must be positive")
	}

	if !in.Submitted {
		if meta.Elapsed < in.Limit {
			return model.AttemptResult{}, model.Invalid("submission", "missing before the time limit")
		}
		res.TimedOut = true
		return res, nil
	}

	if math.IsNaN(in.Confidence) {
		return model.AttemptResult{}, model.Invalid("confidence", "not a number")
	}
	res.Score = clamp(in.Confidence, 0, 100)
	return res, nil
}

func newResult(meta Meta, item model.Item) (model.AttemptResult, error) {
	if meta.LearnerID <= 0 {
		return model.AttemptResult{}, model.Invalid("learner", "missing learner id")
	}
	if item.ID <= 0 {
		return model.AttemptResult{}, model.Invalid("item", "missing item id")
	}
	if meta.Elapsed < 0 {
		return model.AttemptResult{}, model.Invalid("elapsed", "must not be negative")
	}
	id := meta.AttemptID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return model.AttemptResult{}, model.Invalid("attempt_id", "not a UUID")
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now()
	}
	return model.AttemptResult{
		ID:        id,
		LearnerID: meta.LearnerID,
		ItemID:    item.ID,
		Kind:      item.Kind,
		Elapsed:   meta.Elapsed,
		At:        at,
	}, nil
}

// correct reports whether a normalized answer is acceptable. A
// multiple-choice answer is first resolved to the one option it selects,
// and only that option's label is compared with the accepted labels.
func correct(item model.Item, answer string) bool {
	if !item.MultipleChoice() {
		for _, a := range item.AcceptableAnswers {
			if normalize(a) == answer {
				return true
			}
		}
		return false
	}

	chosen, ok := selectOption(item.Options, answer)
	if !ok {
		return false
	}
	for _, a := range item.AcceptableAnswers {
		if o, ok := selectOption(item.Options, normalize(a)); ok && o.Label == chosen.Label {
			return true
		}
	}
	return false
}

// selectOption resolves a normalized answer to an option. The answer is
// tried as a label first, so "a" picks option A even when another option
// reads "a".
func selectOption(options []model.Option, answer string) (model.Option, bool) {
	if l := label(answer); l != "" {
		for _, o := range options {
			if label(normalize(o.Label)) == l {
				return o, true
			}
		}
	}
	for _, o := range options {
		if t := normalize(o.Text); t != "" && t == answer {
			return o, true
		}
	}
	return model.Option{}, false
}

// normalize folds case, applies NFC and collapses whitespace.
func normalize(s string) string {
	s = norm.NFC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// label strips the decoration around an option label: "(B)", "B." or "b)".
func label(s string) string {
	return strings.Trim(s, "()[]{}.:) ")
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
