package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL file to 64 MiB.
const walJournalSizeLimit = 67108864

// Ledger persists transfer progress so an interrupted download or upload
// can resume from its completed chunks instead of starting over. The
// lifecycle per transfer is:
//
//	Adopt -> MarkChunkDone (per chunk) -> SetState (terminal)
//
// Adopt either resumes a matching non-terminal row (returning its completed
// chunk set) or inserts a fresh one. Sole-writer via SetMaxOpenConns(1).
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenLedger opens (or creates) the transfer database at dbPath and applies
// schema migrations. Use ":memory:" for tests.
func OpenLedger(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening transfer ledger", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening ledger database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db, logger: logger}, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("transfer: setting pragma %q: %w", p, err)
		}
	}

	return nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// LedgerRow is one persisted transfer, returned by LoadResumable.
type LedgerRow struct {
	ID         string
	Kind       Kind
	NodeID     string
	RemotePath string
	LocalPath  string
	Total      int64
	BytesDone  int64
	ChunkSize  int64
	State      State
	ErrorMsg   string
	StartedAt  time.Time
}

// Adopt resumes or registers a transfer. If a non-terminal row matches the
// transfer's kind, local path, and chunk size, its identity is adopted
// (t.ID is overwritten with the persisted ID) and the completed chunk set
// is returned. Otherwise a fresh row is inserted and the set is empty.
func (l *Ledger) Adopt(ctx context.Context, t *Transfer, chunkSize int64) (map[int]bool, error) {
	var (
		id       string
		total    int64
		rowChunk int64
	)

	// Failed transfers stay resumable: completed chunks are intact on disk
	// and only the remainder needs refetching. Cancelled and completed rows
	// are terminal.
	err := l.db.QueryRowContext(ctx,
		`SELECT id, total_bytes, chunk_size FROM transfers
		 WHERE kind = ? AND local_path = ? AND state IN ('pending', 'running', 'failed')
		 ORDER BY started_at DESC LIMIT 1`,
		string(t.Kind), t.LocalPath).Scan(&id, &total, &rowChunk)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, l.insert(ctx, t, chunkSize)
	case err != nil:
		return nil, fmt.Errorf("transfer: ledger lookup: %w", err)
	}

	// A stale row with a different layout cannot be resumed chunk-for-chunk.
	if total != t.Total || rowChunk != chunkSize {
		l.logger.Info("discarding stale transfer record",
			slog.String("id", id),
			slog.String("local_path", t.LocalPath),
		)

		if _, err := l.db.ExecContext(ctx,
			`UPDATE transfers SET state = 'cancelled', updated_at = ? WHERE id = ?`,
			time.Now().UnixNano(), id); err != nil {
			return nil, fmt.Errorf("transfer: discarding stale record: %w", err)
		}

		return nil, l.insert(ctx, t, chunkSize)
	}

	t.ID = id

	done, err := l.doneChunks(ctx, id)
	if err != nil {
		return nil, err
	}

	l.logger.Info("resuming transfer",
		slog.String("id", id),
		slog.Int("completed_chunks", len(done)),
	)

	return done, nil
}

// insert registers a brand-new transfer row in state pending.
func (l *Ledger) insert(ctx context.Context, t *Transfer, chunkSize int64) error {
	now := time.Now().UnixNano()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transfers
			(id, kind, node_id, remote_path, local_path, total_bytes,
			 bytes_done, chunk_size, state, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'pending', ?, ?)`,
		t.ID, string(t.Kind), t.NodeID, t.RemotePath, t.LocalPath,
		t.Total, chunkSize, now, now)
	if err != nil {
		return fmt.Errorf("transfer: ledger insert %s: %w", t.ID, err)
	}

	return nil
}

// MarkChunkDone records one completed chunk and the cumulative byte count.
func (l *Ledger) MarkChunkDone(ctx context.Context, id string, index int, bytesDone int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer: ledger begin chunk update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO transfer_chunks (transfer_id, chunk_index) VALUES (?, ?)`,
		id, index); err != nil {
		return fmt.Errorf("transfer: ledger record chunk %d: %w", index, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE transfers SET bytes_done = ?, state = 'running', updated_at = ? WHERE id = ?`,
		bytesDone, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("transfer: ledger update bytes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transfer: ledger commit chunk update: %w", err)
	}

	return nil
}

// SetState records a terminal (or running) state. Completed transfers drop
// their chunk rows; the per-chunk record only matters while resumable.
func (l *Ledger) SetState(ctx context.Context, id string, state State, errorMsg string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer: ledger begin state update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE transfers SET state = ?, error_msg = ?, updated_at = ? WHERE id = ?`,
		state.String(), errorMsg, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("transfer: ledger set state %s: %w", id, err)
	}

	if state == StateCompleted {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM transfer_chunks WHERE transfer_id = ?`, id); err != nil {
			return fmt.Errorf("transfer: ledger clear chunks %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transfer: ledger commit state update: %w", err)
	}

	return nil
}

// doneChunks returns the set of chunk indexes already completed.
func (l *Ledger) doneChunks(ctx context.Context, id string) (map[int]bool, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT chunk_index FROM transfer_chunks WHERE transfer_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("transfer: ledger load chunks: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool)

	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("transfer: scanning chunk row: %w", err)
		}

		done[idx] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transfer: iterating chunk rows: %w", err)
	}

	return done, nil
}

// LoadResumable returns all non-terminal transfers, oldest first.
func (l *Ledger) LoadResumable(ctx context.Context) ([]LedgerRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, kind, node_id, remote_path, local_path, total_bytes,
			bytes_done, chunk_size, state, error_msg, started_at
		 FROM transfers
		 WHERE state IN ('pending', 'running', 'failed')
		 ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("transfer: ledger load resumable: %w", err)
	}
	defer rows.Close()

	var result []LedgerRow

	for rows.Next() {
		r, scanErr := scanLedgerRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transfer: iterating ledger rows: %w", err)
	}

	return result, nil
}

// scanLedgerRow scans one transfers row.
func scanLedgerRow(rows *sql.Rows) (*LedgerRow, error) {
	var (
		r         LedgerRow
		kind      string
		state     string
		errorMsg  sql.NullString
		startedAt int64
	)

	err := rows.Scan(&r.ID, &kind, &r.NodeID, &r.RemotePath, &r.LocalPath,
		&r.Total, &r.BytesDone, &r.ChunkSize, &state, &errorMsg, &startedAt)
	if err != nil {
		return nil, fmt.Errorf("transfer: scanning ledger row: %w", err)
	}

	r.Kind = Kind(kind)
	r.ErrorMsg = errorMsg.String
	r.StartedAt = time.Unix(0, startedAt)

	parsed, err := ParseState(state)
	if err != nil {
		return nil, err
	}

	r.State = parsed

	return &r, nil
}
