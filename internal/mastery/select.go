package mastery

import (
	"cmp"
	"slices"

	"github.com/toeicprep/toeic/internal/model"
)

// Rand is the randomness source used to break ties among weak items.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

// SelectNextItem picks the next item to practise from pool.
//
// Mastered items are retired. The remaining items are ordered weakest
// first (ties by ID) and one of the weakest Window items is chosen with rng.
// If nothing is eligible it returns model.ErrExhausted.
func (t *Tracker) SelectNextItem(records map[int64]model.MasteryRecord, pool []model.Item, rng Rand) (model.Item, error) {
	type candidate struct {
		item  model.Item
		level int
	}
	var eligible []candidate
	for _, it := range pool {
		level := 0
		if rec, ok := records[it.ID]; ok {
			level = clampLevel(rec.Level)
		}
		if level >= t.cfg.MasteredLevel {
			continue
		}
		eligible = append(eligible, candidate{item: it, level: level})
	}
	if len(eligible) == 0 {
		return model.Item{}, model.ErrExhausted
	}

	slices.SortFunc(eligible, func(a, b candidate) int {
		if c := cmp.Compare(a.level, b.level); c != 0 {
			return c
		}
		return cmp.Compare(a.item.ID, b.item.ID)
	})

	n := min(t.cfg.Window, len(eligible))
	if n == 1 || rng == nil {
		return eligible[0].item, nil
	}
	return eligible[rng.IntN(n)].item, nil
}
