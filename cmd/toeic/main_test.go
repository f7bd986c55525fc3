package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/scheduler"
	"github.com/toeicprep/toeic/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestParseGoalTargets(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    []model.GoalTarget
		wantErr bool
	}{
		{"defaults", nil, scheduler.DefaultTargets, false},
		{"single", []string{"questions_answered=25"},
			[]model.GoalTarget{{Type: model.GoalQuestionsAnswered, Target: 25}}, false},
		{"spaces", []string{" minutes_studied = 30 "},
			[]model.GoalTarget{{Type: model.GoalMinutesStudied, Target: 30}}, false},
		{"missing value", []string{"questions_answered"}, nil, true},
		{"unknown type", []string{"pushups=10"}, nil, true},
		{"negative", []string{"lessons_completed=-1"}, nil, true},
		{"not a number", []string{"lessons_completed=many"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGoalTargets(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err, "got %v", got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadItemsSkipsImportedFiles(t *testing.T) {
	db := newStore(t)

	path := filepath.Join(t.TempDir(), "items.json")
	data := `[{"kind":"grammar","difficulty":"easy","topic":"tenses","prompt":"He ___ here.",
		"options":[{"label":"A","text":"work"},{"label":"B","text":"works"}],"acceptable_answers":["B"]}]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	ctx := context.Background()
	for range 2 {
		require.NoError(t, loadItems(ctx, db, []string{path}))
	}
	count, err := db.ItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLoadItemsRejectsInvalidBatch(t *testing.T) {
	db := newStore(t)

	path := filepath.Join(t.TempDir(), "bad.json")
	data := `[{"kind":"vocabulary","difficulty":"easy","prompt":"agenda","acceptable_answers":["chương trình"]},
		{"kind":"poetry","difficulty":"easy","prompt":"?"}]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	ctx := context.Background()
	require.Error(t, loadItems(ctx, db, []string{path}), "an unknown kind fails the batch")

	count, err := db.ItemCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "a rejected batch stores nothing")

	hash, err := db.GetImportedFileHash(path)
	require.NoError(t, err)
	assert.Empty(t, hash, "a rejected file is not marked as imported")
}

func TestLoadItemsRejectsUnknownOptionAnswer(t *testing.T) {
	db := newStore(t)

	path := filepath.Join(t.TempDir(), "articles.json")
	data := `[{"kind":"grammar","difficulty":"easy","prompt":"She is ___ accountant.",
		"options":[{"label":"A","text":"an"},{"label":"B","text":"a"}],"acceptable_answers":["E"]}]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	ctx := context.Background()
	err := loadItems(ctx, db, []string{path})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "got %v", err)
}

func TestSeedAdmin(t *testing.T) {
	db := newStore(t)

	assert.Error(t, seedAdmin(db, ""), "a fresh database needs a password")
	require.NoError(t, seedAdmin(db, "s3cret"))
	require.NoError(t, seedAdmin(db, ""), "seeding an existing database is a no-op")

	u, err := db.GetUserByUsername("admin")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, model.UserRoleAdmin, u.Role)
}
