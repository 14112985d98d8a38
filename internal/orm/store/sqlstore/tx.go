package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the default number of attempts for retryable transactions
	DefaultMaxRetries = 3
	// DefaultBaseBackoff is the default base backoff duration
	DefaultBaseBackoff = 50 * time.Millisecond
)

// ErrRetriesExhausted is returned when a transaction kept failing with retryable errors
var ErrRetriesExhausted = errors.New("transaction retries exhausted")

// RetryConfig configures retry behavior for transactions
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  DefaultMaxRetries,
		BaseBackoff: DefaultBaseBackoff,
	}
}

// withTransaction runs fn in a transaction, committing on success and
// rolling back on error or panic
func (s *DB) withTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withRetry runs fn in a transaction, again with exponential backoff while
// it fails with a retryable error
func (s *DB) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	attempts := s.retry.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("transaction cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}

		err := s.withTransaction(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		lastErr = err

		backoff := s.retry.BaseBackoff * time.Duration(1<<uint(attempt))
		s.logger.Warn("retrying transaction",
			zap.String("dialect", s.dialect.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction cancelled during retry: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
}
