package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toeicprep/toeic/internal/model"
)

const itemColumns = `id, kind, difficulty, topic, prompt, options, acceptable_answers, rubric, requires_response, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (model.Item, error) {
	var it model.Item
	var options, answers string
	if err := row.Scan(&it.ID, &it.Kind, &it.Difficulty, &it.Topic, &it.Prompt, &options, &answers,
		&it.Rubric, &it.RequiresResponse, &it.CreatedAt); err != nil {
		return it, err
	}
	if err := json.Unmarshal([]byte(options), &it.Options); err != nil {
		return it, fmt.Errorf("decode options of item %d: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(answers), &it.AcceptableAnswers); err != nil {
		return it, fmt.Errorf("decode answers of item %d: %w", it.ID, err)
	}
	return it, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertItem stores an item and returns its ID.
func (s *Store) InsertItem(ctx context.Context, it model.Item) (int64, error) {
	return insertItem(ctx, s.db, it)
}

// ImportItems validates and stores a batch of items. Either every item is
// stored or none is.
func (s *Store) ImportItems(ctx context.Context, batch []model.ItemImport) (int, error) {
	items := make([]model.Item, 0, len(batch))
	for i, ii := range batch {
		it, err := ii.ToItem()
		if err != nil {
			return 0, fmt.Errorf("item %d: %w", i+1, err)
		}
		items = append(items, it)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i, it := range items {
		if _, err := insertItem(ctx, tx, it); err != nil {
			return 0, fmt.Errorf("insert item %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(items), nil
}

func insertItem(ctx context.Context, db execer, it model.Item) (int64, error) {
	options, err := json.Marshal(nonNil(it.Options))
	if err != nil {
		return 0, err
	}
	answers, err := json.Marshal(nonNil(it.AcceptableAnswers))
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO items (kind, difficulty, topic, prompt, options, acceptable_answers, rubric, requires_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.Kind, it.Difficulty, it.Topic, it.Prompt, string(options), string(answers), it.Rubric, it.RequiresResponse, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetItem returns an item by ID.
func (s *Store) GetItem(ctx context.Context, id int64) (model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	return it, notFound(err)
}

// ListItems returns items matching the filter, ordered by ID.
func (s *Store) ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE 1=1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Difficulty != "" {
		query += ` AND difficulty = ?`
		args = append(args, f.Difficulty)
	}
	if f.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, f.Topic)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if f.Admits(it.Difficulty) {
			items = append(items, it)
		}
	}
	return items, rows.Err()
}

// DeleteItem removes an item that no learner has practised yet.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE id = ?
		 AND NOT EXISTS (SELECT 1 FROM attempts WHERE item_id = ?)`, id, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetItem(ctx, id); err != nil {
			return err
		}
		return model.Invalid("item", "item %d has recorded attempts", id)
	}
	return nil
}

// ItemCount returns the number of items in the database.
func (s *Store) ItemCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count)
	return count, err
}

// ListDistinctTopics returns the sorted set of item topics.
func (s *Store) ListDistinctTopics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT topic FROM items WHERE topic != '' ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
