package practice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/store"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Timeout:     time.Second,
		InitialWait: time.Millisecond,
		MaxWait:     2 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustionIsPersistenceUnavailable(t *testing.T) {
	calls := 0
	cause := errors.New("disk I/O error")
	err := retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return cause
	})
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", model.Invalid("answer", "must not be empty")},
		{"duplicate", store.ErrDuplicateAttempt},
		{"not found", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry(context.Background(), fastRetry(), func(context.Context) error {
				calls++
				return tt.err
			})
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, model.ErrPersistenceUnavailable)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetry_EachAttemptIsTimeBounded(t *testing.T) {
	cfg := fastRetry()
	cfg.Timeout = 5 * time.Millisecond
	calls := 0
	err := retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry(ctx, fastRetry(), func(context.Context) error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryConfig_Defaults(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10}.withDefaults()
	assert.Equal(t, 3, cfg.MaxAttempts, "never more than three attempts")
	assert.Equal(t, DefaultRetryConfig().Timeout, cfg.Timeout)
}

func TestBackoff_Bounded(t *testing.T) {
	cfg := DefaultRetryConfig()
	for attempt := range 10 {
		wait := backoff(cfg, attempt)
		assert.GreaterOrEqual(t, wait, time.Duration(0))
		assert.LessOrEqual(t, wait, time.Duration(float64(cfg.MaxWait)*1.2))
	}
}
