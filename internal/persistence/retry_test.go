package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("no such table: sessions"), false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked wrapped", fmt.Errorf("append: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"message only", errors.New("wrapped: database is locked"), true},
		{"table locked message", errors.New("database table is locked"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSQLiteBusy(tt.err))
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}

	t.Run("success on first call", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error { calls++; return nil })
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error { calls++; return errors.New("boom") })
		require.EqualError(t, err, "boom")
		assert.Equal(t, 1, calls)
	})

	t.Run("busy then success", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 2, func() error { calls++; return busy })
		require.True(t, isSQLiteBusy(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled context stops the backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := retryOnBusy(ctx, 5, func() error { calls++; return busy })
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
