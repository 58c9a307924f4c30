// Package writer is the single durable-writer task. It owns the only
// *sql.DB handle in the process and serializes every mutation through one
// command queue, fronting a relational schema over modernc.org/sqlite.
package writer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"polymarket-mm/pkg/types"
)

// CommandKind enumerates the write-command kinds the writer accepts.
type CommandKind int

const (
	InsertAttempt CommandKind = iota
	UpdateAttemptTerminal
	UpdateAttemptRunning
	InsertSnapshot
	InsertLifecycle
	UpsertMarket
	InsertParameterSet
	FinalizeMarket
)

// Command is one unit of work enqueued by a monitor. Exactly one of the
// payload fields is populated, matching Kind.
type Command struct {
	Kind CommandKind

	ParameterSet *types.ParameterSet
	Market       *types.Market
	Attempt      *types.Attempt
	Snapshot     *types.Snapshot
	Lifecycle    *types.AttemptLifecycle

	// StillActive lists attempts for FinalizeMarket that must be bulk-failed
	// with fail_reason=settlement_reached in the same transaction as the
	// market summary upsert.
	StillActive []*types.Attempt

	// Done, if non-nil, is closed after the command's batch commits. Only
	// FinalizeMarket callers use this; settlement is the one point where a
	// producer waits on the writer.
	Done chan error
}

const (
	batchInterval  = 250 * time.Millisecond
	batchThreshold = 64
	maxRetries     = 5
	retryBaseDelay = 100 * time.Millisecond
)

// Writer is the sole owner of the store's *sql.DB. All other code produces
// Commands; nothing else touches the database.
type Writer struct {
	db     *sql.DB
	cmdCh  chan Command
	bufCap int
	fatal  func(error)
	logger *slog.Logger

	pendingMu       sync.Mutex
	pendingOverflow []Command
}

// Open creates (or opens) the sqlite-backed store at path and applies the
// schema.
func Open(path string, bufferCap int, logger *slog.Logger) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("writer: open store: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; sqlite serializes anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("writer: apply schema: %w", err)
	}

	return &Writer{
		db:     db,
		cmdCh:  make(chan Command, 4096),
		bufCap: bufferCap,
		fatal: func(err error) {
			logger.Error("writer buffer cap breached, exiting", "error", err)
			os.Exit(2)
		},
		logger: logger.With("component", "writer"),
	}, nil
}

// Submit enqueues a command. Callers never block on Submit except via Go's
// channel backpressure under extreme load, which is intentional: a producer
// that outruns the writer by more than the channel's buffer is itself a bug.
func (w *Writer) Submit(cmd Command) {
	w.cmdCh <- cmd
}

// Close closes the underlying database. Call only after Run has returned.
func (w *Writer) Close() error {
	return w.db.Close()
}

// QueueDepth reports the number of commands currently buffered ahead of the
// next batch commit, for the metrics surface.
func (w *Writer) QueueDepth() int {
	return len(w.cmdCh)
}

// Run drains the command queue until ctx is cancelled, batching on a short
// timer or a queue-depth threshold. On return, the queue has been fully
// drained — graceful shutdown never loses an already-submitted command.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	var pending []Command

	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.applyBatch(pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever remains in the channel without blocking on new
			// producers; a cancelled context means monitors have already
			// stopped submitting.
			for {
				select {
				case cmd := <-w.cmdCh:
					pending = append(pending, cmd)
				default:
					flush()
					return
				}
			}

		case cmd := <-w.cmdCh:
			pending = append(pending, cmd)
			if len(pending) >= batchThreshold {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// applyBatch applies one batch of commands, retrying transient failures
// with bounded backoff before falling back to an in-memory buffer. Breach of
// the buffer cap is fatal: silently losing measurements is worse than
// halting.
func (w *Writer) applyBatch(batch []Command) {
	// Fold in anything stuck from a prior failed batch first, so a store
	// that recovers before the buffer cap is breached actually gets those
	// commands committed instead of leaving them buffered forever.
	w.pendingMu.Lock()
	if len(w.pendingOverflow) > 0 {
		batch = append(w.pendingOverflow, batch...)
		w.pendingOverflow = nil
	}
	w.pendingMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := w.applyOnce(batch); err != nil {
			lastErr = err
			w.logger.Warn("batch apply failed, retrying", "attempt", attempt, "error", err)
			time.Sleep(retryBaseDelay * time.Duration(1<<attempt))
			continue
		}
		return
	}

	w.pendingMu.Lock()
	w.pendingOverflow = append(w.pendingOverflow, batch...)
	overflow := len(w.pendingOverflow)
	w.pendingMu.Unlock()

	if overflow > w.bufCap {
		w.fatal(fmt.Errorf("writer: buffer cap %d breached after store failure: %w", w.bufCap, lastErr))
	}
}

func (w *Writer) applyOnce(batch []Command) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, cmd := range batch {
		if err := applyCommand(tx, cmd); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, cmd := range batch {
		if cmd.Done != nil {
			close(cmd.Done)
		}
	}
	return nil
}

func applyCommand(tx *sql.Tx, cmd Command) error {
	switch cmd.Kind {
	case InsertParameterSet:
		return insertParameterSet(tx, cmd.ParameterSet)
	case UpsertMarket:
		return upsertMarket(tx, cmd.Market)
	case InsertAttempt:
		return insertAttempt(tx, cmd.Attempt)
	case UpdateAttemptTerminal:
		return updateAttemptTerminal(tx, cmd.Attempt)
	case UpdateAttemptRunning:
		return updateAttemptRunning(tx, cmd.Attempt)
	case InsertSnapshot:
		return insertSnapshot(tx, cmd.Snapshot)
	case InsertLifecycle:
		return insertLifecycle(tx, cmd.Lifecycle)
	case FinalizeMarket:
		return finalizeMarket(tx, cmd.Market, cmd.StillActive)
	default:
		return fmt.Errorf("writer: unknown command kind %d", cmd.Kind)
	}
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableIntPtr(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullableDuration(d time.Duration) interface{} {
	if d == 0 {
		return nil
	}
	return d.Seconds()
}
