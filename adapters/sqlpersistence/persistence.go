// Package sqlpersistence provides a MutationFn/AwaitSyncFn pair that
// persists a transaction's mutations to a MySQL table and confirms they
// have synced back through the collection, adapted from the teacher's
// pkg/dbconn.RetryableTransaction (same retry-on-deadlock/lock-timeout
// loop, repointed at arbitrary per-row upsert/delete statements instead
// of chunk-copy SQL).
package sqlpersistence

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/txn"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
)

// Config configures a SQL persistence adapter for one table.
type Config[K comparable, V any] struct {
	DB         *sql.DB
	MaxRetries int

	// RowStmt renders one mutation into a statement string and its args.
	// Callers typically switch on m.Type to build an upsert or a DELETE.
	RowStmt func(m txn.Mutation[K, V]) (stmt string, args []any)
}

// Adapter wires CreateTransactionOptions.MutationFn/AwaitSync for a
// collection backed by SQL.
type Adapter[K comparable, V any] struct {
	cfg Config[K, V]
}

func New[K comparable, V any](cfg Config[K, V]) *Adapter[K, V] {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Adapter[K, V]{cfg: cfg}
}

// Persist is a txn.MutationFn: it applies every mutation the handle has
// staged in a single retried transaction and returns the rows affected as
// the PersistResult handed to AwaitSync.
func (a *Adapter[K, V]) Persist(ctx context.Context, h *txn.Handle[K, V]) (txn.PersistResult, error) {
	mutations := h.Mutations()
	var rowsAffected int64
	var lastErr error

retryLoop:
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		rowsAffected = 0
		tx, err := a.cfg.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			backoff(attempt)
			lastErr = err
			continue
		}
		for _, m := range mutations {
			stmt, args := a.cfg.RowStmt(m)
			if stmt == "" {
				continue
			}
			res, err := tx.ExecContext(ctx, stmt, args...)
			if err != nil {
				_ = tx.Rollback()
				if canRetry(err) {
					backoff(attempt)
					lastErr = err
					continue retryLoop
				}
				return rowsAffected, errors.Trace(err)
			}
			if n, err := res.RowsAffected(); err == nil {
				rowsAffected += n
			}
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			backoff(attempt)
			lastErr = err
			continue
		}
		return rowsAffected, nil
	}
	return rowsAffected, errors.Trace(lastErr)
}

func canRetry(err error) bool {
	me, ok := err.(*gomysql.MySQLError)
	if !ok {
		return false
	}
	switch me.Number {
	case errLockWaitTimeout, errDeadlock, errCannotConnect, errConnLost, errReadOnly:
		return true
	default:
		return false
	}
}

func backoff(attempt int) {
	time.Sleep(time.Duration(attempt*rand.Intn(10)) * time.Millisecond)
}

// AwaitSyncFromChangeLog confirms a transaction's mutations have been
// observed by the collection's own change log (proof that the source's
// binlog catch-up has reached this transaction's writes), polling every
// interval until ctx is cancelled.
func AwaitSyncFromChangeLog[K comparable, V any](changeLogLen func() int, wantAtLeast int, interval time.Duration) txn.AwaitSyncFn[K, V] {
	return func(ctx context.Context, h *txn.Handle[K, V], _ txn.PersistResult) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if changeLogLen() >= wantAtLeast {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// DiffToUpsert is a convenience used by RowStmt implementations that want
// spec.md's §4.2 per-field Changes diff rather than a full-row upsert;
// left here for adapters that persist column-by-column instead of
// whole-row REPLACE statements.
func DiffToUpsert[K comparable, V any](m txn.Mutation[K, V]) bool {
	return m.Type != change.Delete && len(m.Changes) > 0
}
