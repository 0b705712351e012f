package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const busyAttempts = 4

// IsBusy reports whether err is an SQLite BUSY condition. The driver
// surfaces these as text, so this matches SQLITE_BUSY plus the two
// "locked" message variants.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn inside a transaction, retrying the whole transaction on
// BUSY. Writers here are short (a draft flush, a job-state update), so a
// brief linear backoff is enough to clear the contention.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "RunTx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs a single statement with the same BUSY retry policy as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := retryBusy(ctx, "Exec", func() error {
		var err error
		result, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// retryBusy runs fn up to busyAttempts times with 50/100/150 ms between
// attempts. Any error other than BUSY is returned as is.
func retryBusy(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := range busyAttempts {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		if i == busyAttempts-1 {
			break
		}
		if werr := sleepCtx(ctx, time.Duration(50*(i+1))*time.Millisecond); werr != nil {
			return fmt.Errorf("dbopen: %s: retry interrupted: %w", op, werr)
		}
	}
	return fmt.Errorf("dbopen: %s: still busy after %d attempts: %w", op, busyAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
