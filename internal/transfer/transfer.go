// Package transfer moves encrypted file content between local disk and the
// storage authority in fixed-size chunks. Chunks within one file are
// processed by a bounded worker pool; each chunk is retried independently
// on transient failure, and the whole transfer finishes with a keyed MAC
// check of the plaintext against the authority-declared value.
package transfer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes transfer direction.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// State is the lifecycle phase of a transfer. Transitions are one-way:
// Pending -> Running -> one of the terminal states.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the state name used in logs and the resume ledger.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseState converts a ledger TEXT value back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "running":
		return StateRunning, nil
	case "completed":
		return StateCompleted, nil
	case "failed":
		return StateFailed, nil
	case "cancelled":
		return StateCancelled, nil
	default:
		return StatePending, errors.New("transfer: unknown state " + s)
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Transfer is a single live download or upload. The byte counter and state
// are safe to read from any goroutine while workers run.
type Transfer struct {
	ID         string
	Kind       Kind
	NodeID     string
	RemotePath string
	LocalPath  string
	Total      int64

	transferred atomic.Int64
	state       atomic.Int32

	mu      sync.Mutex
	err     error
	started time.Time

	cancel func()
	done   chan struct{}
}

// newTransfer creates a transfer in StatePending with a fresh UUID.
func newTransfer(kind Kind, nodeID, remotePath, localPath string, total int64) *Transfer {
	return &Transfer{
		ID:         uuid.NewString(),
		Kind:       kind,
		NodeID:     nodeID,
		RemotePath: remotePath,
		LocalPath:  localPath,
		Total:      total,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (t *Transfer) State() State {
	return State(t.state.Load())
}

// Transferred returns the plaintext bytes moved so far.
func (t *Transfer) Transferred() int64 {
	return t.transferred.Load()
}

// Err returns the terminal error, nil unless State is StateFailed or
// StateCancelled.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// Cancel requests cooperative cancellation. In-flight chunk requests are
// aborted and no further chunks are issued. Safe to call at any time,
// including after completion.
func (t *Transfer) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done returns a channel closed when the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Snapshot returns a point-in-time progress view.
func (t *Transfer) Snapshot() Progress {
	return Progress{
		ID:          t.ID,
		Kind:        t.Kind,
		RemotePath:  t.RemotePath,
		State:       t.State(),
		Transferred: t.Transferred(),
		Total:       t.Total,
	}
}

// addBytes accumulates completed chunk bytes.
func (t *Transfer) addBytes(n int64) {
	t.transferred.Add(n)
}

// run marks the transfer running and records the start time.
func (t *Transfer) run() {
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()

	t.state.Store(int32(StateRunning))
}

// finish moves the transfer to a terminal state exactly once and closes
// the done channel. Later calls are ignored, so a worker error arriving
// after cancellation cannot overwrite the cancelled state.
func (t *Transfer) finish(s State, err error) {
	if !t.state.CompareAndSwap(int32(StateRunning), int32(s)) &&
		!t.state.CompareAndSwap(int32(StatePending), int32(s)) {
		return
	}

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	close(t.done)
}

// Progress is a point-in-time view of one transfer, delivered to progress
// observers. Rate is bytes per second over the last observation interval,
// zero on the first tick.
type Progress struct {
	ID          string
	Kind        Kind
	RemotePath  string
	State       State
	Transferred int64
	Total       int64
	Rate        float64
}
