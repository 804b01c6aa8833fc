package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skyvault/skyvault-go/internal/keyring"
	"github.com/skyvault/skyvault-go/internal/remote"
	"github.com/skyvault/skyvault-go/pkg/chunkplan"
)

// Defaults applied when Config fields are zero.
const (
	defaultParallel      = 4
	defaultChunkRetries  = 3
	defaultChunkBackoff  = 500 * time.Millisecond
	maxChunkBackoff      = 30 * time.Second
	backoffFactor        = 2.0
	backoffJitter        = 0.25
	partialSuffix        = ".partial"
	progressInterval     = 500 * time.Millisecond
)

// ErrIntegrity is returned when the assembled plaintext fails the keyed MAC
// check against the authority-declared value. The transfer finishes in
// StateFailed and the partial local file is left in place for inspection.
var ErrIntegrity = errors.New("transfer: content MAC mismatch")

// Remote is the authority surface the engine needs. *remote.Client
// satisfies it.
type Remote interface {
	RequestDownload(ctx context.Context, nodeID string) (*remote.DownloadTarget, error)
	RequestUpload(ctx context.Context, parentID, name string, encryptedSize int64) (*remote.UploadTarget, error)
	GetChunk(ctx context.Context, url string, offset, length int64) ([]byte, error)
	PutChunk(ctx context.Context, url string, data []byte, offset, total int64) error
	CommitUpload(ctx context.Context, commitURL string, contentMAC []byte) (*remote.NodeEntry, error)
	AbortUpload(ctx context.Context, uploadURL string) error
}

// Config tunes the engine. Zero values select the defaults above.
type Config struct {
	// ChunkSize is the plaintext bytes per chunk.
	ChunkSize int64

	// Parallel is the number of concurrent chunk workers per transfer.
	Parallel int

	// ChunkRetries is the retry count per chunk for transient failures.
	ChunkRetries int

	// ChunkBackoff is the initial retry delay. Doubles per attempt with
	// +/-25% jitter, capped at 30s.
	ChunkBackoff time.Duration
}

// Engine runs downloads and uploads. One engine serves a whole session;
// each transfer gets its own worker pool and cancellation scope.
type Engine struct {
	remote Remote
	ring   *keyring.Ring
	ledger *Ledger // nil disables resume persistence
	cfg    Config
	logger *slog.Logger

	notifier *notifier

	// sleepFunc is the backoff delay; tests replace it to avoid real sleeps.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine. ledger may be nil to disable the resume
// ledger (transfers then always start from scratch). onProgress may be nil.
func NewEngine(rm Remote, ring *keyring.Ring, ledger *Ledger, cfg Config, onProgress func(Progress), logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunkplan.DefaultChunkSize
	}

	if cfg.Parallel <= 0 {
		cfg.Parallel = defaultParallel
	}

	if cfg.ChunkRetries <= 0 {
		cfg.ChunkRetries = defaultChunkRetries
	}

	if cfg.ChunkBackoff <= 0 {
		cfg.ChunkBackoff = defaultChunkBackoff
	}

	return &Engine{
		remote:   rm,
		ring:     ring,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		notifier: newNotifier(onProgress, progressInterval),
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Download fetches the encrypted content of nodeID, decrypts it chunk by
// chunk into localPath, and verifies the plaintext MAC against declaredMAC.
// size is the plaintext size from the tree entry. The returned Transfer is
// already terminal when Download returns; the call blocks until done.
//
// On integrity failure or mid-transfer error the partial file is left at
// localPath+".partial" so a later attempt can resume completed chunks.
func (e *Engine) Download(ctx context.Context, nodeID, remotePath, localPath string, size int64, declaredMAC []byte) (*Transfer, error) {
	t := newTransfer(KindDownload, nodeID, remotePath, localPath, size)

	ctx, t.cancel = context.WithCancel(ctx)
	defer t.cancel()

	err := e.runDownload(ctx, t, declaredMAC)
	e.settle(ctx, t, err)

	return t, err
}

// Upload encrypts the file at localPath chunk by chunk and streams it to a
// fresh upload target under parentID, then commits with the plaintext MAC.
// Returns the created node entry on success. Blocks until terminal.
func (e *Engine) Upload(ctx context.Context, parentID, name, localPath string) (*Transfer, *remote.NodeEntry, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: stat upload source: %w", err)
	}

	t := newTransfer(KindUpload, "", "/"+name, localPath, info.Size())

	ctx, t.cancel = context.WithCancel(ctx)
	defer t.cancel()

	entry, err := e.runUpload(ctx, t, parentID, name)
	e.settle(ctx, t, err)

	return t, entry, err
}

// settle moves the transfer to its terminal state, persists it, and emits
// the final progress snapshot.
func (e *Engine) settle(ctx context.Context, t *Transfer, err error) {
	switch {
	case err == nil:
		t.finish(StateCompleted, nil)
	case errors.Is(err, context.Canceled):
		t.finish(StateCancelled, err)
	default:
		t.finish(StateFailed, err)
	}

	if e.ledger != nil {
		// Persist with a fresh context: the transfer context may already be
		// canceled, but the terminal state must still be recorded.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if lerr := e.ledger.SetState(persistCtx, t.ID, t.State(), errMsg(err)); lerr != nil {
			e.logger.Warn("transfer: recording terminal state failed",
				slog.String("id", t.ID),
				slog.String("error", lerr.Error()),
			)
		}
	}

	e.notifier.final(t)

	e.logger.Info("transfer finished",
		slog.String("id", t.ID),
		slog.String("kind", string(t.Kind)),
		slog.String("state", t.State().String()),
		slog.Int64("bytes", t.Transferred()),
	)
}

func (e *Engine) runDownload(ctx context.Context, t *Transfer, declaredMAC []byte) error {
	target, err := e.remote.RequestDownload(ctx, t.NodeID)
	if err != nil {
		return err
	}

	if len(declaredMAC) == 0 {
		declaredMAC = target.ContentMAC
	}

	key, err := e.ring.DeriveFileKey(t.NodeID)
	if err != nil {
		return err
	}

	plan, err := chunkplan.New(t.Total, e.cfg.ChunkSize)
	if err != nil {
		return err
	}

	partialPath := t.LocalPath + partialSuffix

	if err := os.MkdirAll(filepath.Dir(t.LocalPath), 0o700); err != nil {
		return fmt.Errorf("transfer: creating destination directory: %w", err)
	}

	out, err := os.OpenFile(partialPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("transfer: opening partial file: %w", err)
	}
	defer out.Close()

	if err := out.Truncate(t.Total); err != nil {
		return fmt.Errorf("transfer: sizing partial file: %w", err)
	}

	done, err := e.beginLedger(ctx, t)
	if err != nil {
		return err
	}

	t.run()
	e.notifier.track(t)

	e.logger.Info("download started",
		slog.String("id", t.ID),
		slog.String("node_id", t.NodeID),
		slog.Int64("size", t.Total),
		slog.Int("chunks", plan.Len()),
		slog.Int("resumed_chunks", len(done)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallel)

	for _, chunk := range plan.Chunks {
		if done[chunk.Index] {
			t.addBytes(chunk.Length)
			continue
		}

		g.Go(func() error {
			return e.downloadChunk(gctx, t, key, target.URL, chunk, out)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("transfer: syncing partial file: %w", err)
	}

	if err := e.verifyFile(partialPath, key, declaredMAC); err != nil {
		return err
	}

	if err := os.Rename(partialPath, t.LocalPath); err != nil {
		return fmt.Errorf("transfer: finalizing download: %w", err)
	}

	return nil
}

// downloadChunk fetches, decrypts, and writes one chunk, with transient
// retry. Offsets on the wire include the per-chunk AEAD overhead; the
// nonce offset is the plaintext offset.
func (e *Engine) downloadChunk(ctx context.Context, t *Transfer, key *keyring.FileKey, url string, chunk chunkplan.Chunk, out *os.File) error {
	// Cancellation is honored at chunk boundaries: a canceled transfer
	// issues no further requests.
	if err := ctx.Err(); err != nil {
		return err
	}

	encOffset := encryptedOffset(chunk)
	encLength := chunk.Length + keyring.ChunkOverhead

	ciphertext, err := e.withChunkRetry(ctx, chunk.Index, func() ([]byte, error) {
		return e.remote.GetChunk(ctx, url, encOffset, encLength)
	})
	if err != nil {
		return err
	}

	plaintext, err := key.DecryptChunk(chunk.Offset, ciphertext)
	if err != nil {
		return err
	}

	if _, err := out.WriteAt(plaintext, chunk.Offset); err != nil {
		return fmt.Errorf("transfer: writing chunk %d: %w", chunk.Index, err)
	}

	t.addBytes(chunk.Length)
	e.markChunkDone(ctx, t, chunk.Index)

	return nil
}

func (e *Engine) runUpload(ctx context.Context, t *Transfer, parentID, name string) (*remote.NodeEntry, error) {
	plan, err := chunkplan.New(t.Total, e.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	encryptedSize := t.Total + int64(plan.Len())*keyring.ChunkOverhead

	target, err := e.remote.RequestUpload(ctx, parentID, name, encryptedSize)
	if err != nil {
		return nil, err
	}

	// The authority reserves the node ID at target creation, so upload
	// chunks are keyed under the same identity later downloads will use.
	t.NodeID = target.NodeID

	key, err := e.ring.DeriveFileKey(target.NodeID)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(t.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening upload source: %w", err)
	}
	defer src.Close()

	done, err := e.beginLedger(ctx, t)
	if err != nil {
		return nil, err
	}

	t.run()
	e.notifier.track(t)

	e.logger.Info("upload started",
		slog.String("id", t.ID),
		slog.String("name", name),
		slog.Int64("size", t.Total),
		slog.Int("chunks", plan.Len()),
		slog.Int("resumed_chunks", len(done)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallel)

	for _, chunk := range plan.Chunks {
		if done[chunk.Index] {
			t.addBytes(chunk.Length)
			continue
		}

		g.Go(func() error {
			return e.uploadChunk(gctx, t, key, target.UploadURL, chunk, encryptedSize, src)
		})
	}

	if err := g.Wait(); err != nil {
		e.abort(ctx, target.UploadURL)
		return nil, err
	}

	mac, err := e.fileMAC(t.LocalPath, key)
	if err != nil {
		e.abort(ctx, target.UploadURL)
		return nil, err
	}

	entry, err := e.remote.CommitUpload(ctx, target.CommitURL, mac)
	if err != nil {
		e.abort(ctx, target.UploadURL)
		return nil, err
	}

	return entry, nil
}

// uploadChunk reads, encrypts, and sends one chunk, with transient retry.
func (e *Engine) uploadChunk(ctx context.Context, t *Transfer, key *keyring.FileKey, url string, chunk chunkplan.Chunk, encryptedSize int64, src *os.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	plaintext := make([]byte, chunk.Length)
	if _, err := src.ReadAt(plaintext, chunk.Offset); err != nil {
		return fmt.Errorf("transfer: reading chunk %d: %w", chunk.Index, err)
	}

	ciphertext, err := key.EncryptChunk(chunk.Offset, plaintext)
	if err != nil {
		return err
	}

	_, err = e.withChunkRetry(ctx, chunk.Index, func() ([]byte, error) {
		return nil, e.remote.PutChunk(ctx, url, ciphertext, encryptedOffset(chunk), encryptedSize)
	})
	if err != nil {
		return err
	}

	t.addBytes(chunk.Length)
	e.markChunkDone(ctx, t, chunk.Index)

	return nil
}

// withChunkRetry runs op with transient-error retry: up to ChunkRetries
// extra attempts with exponential backoff and jitter. Non-transient errors
// and context cancellation fail immediately.
func (e *Engine) withChunkRetry(ctx context.Context, chunkIndex int, op func() ([]byte, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= e.cfg.ChunkRetries; attempt++ {
		if attempt > 0 {
			delay := chunkBackoff(e.cfg.ChunkBackoff, attempt)

			e.logger.Debug("retrying chunk",
				slog.Int("chunk", chunkIndex),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)

			if err := e.sleepFunc(ctx, delay); err != nil {
				return nil, err
			}
		}

		data, err := op()
		if err == nil {
			return data, nil
		}

		if !remote.IsTransient(err) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("transfer: chunk %d failed after %d attempts: %w", chunkIndex, e.cfg.ChunkRetries+1, lastErr)
}

// verifyFile checks the plaintext MAC of path against the declared value.
func (e *Engine) verifyFile(path string, key *keyring.FileKey, declaredMAC []byte) error {
	mac, err := e.fileMAC(path, key)
	if err != nil {
		return err
	}

	if !bytes.Equal(mac, declaredMAC) {
		return fmt.Errorf("%w: computed %x, declared %x", ErrIntegrity, mac, declaredMAC)
	}

	return nil
}

// fileMAC streams the whole plaintext file through the keyed content MAC.
func (e *Engine) fileMAC(path string, key *keyring.FileKey) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening file for MAC: %w", err)
	}
	defer f.Close()

	return key.ContentMAC(f)
}

// beginLedger records the transfer and returns the set of chunks already
// completed by a previous attempt against the same local path.
func (e *Engine) beginLedger(ctx context.Context, t *Transfer) (map[int]bool, error) {
	if e.ledger == nil {
		return nil, nil
	}

	resumed, err := e.ledger.Adopt(ctx, t, e.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	return resumed, nil
}

// markChunkDone persists chunk completion for resume. Failures are logged,
// not fatal: the ledger is an optimization, not a correctness dependency.
func (e *Engine) markChunkDone(ctx context.Context, t *Transfer, index int) {
	if e.ledger == nil {
		return
	}

	if err := e.ledger.MarkChunkDone(ctx, t.ID, index, t.Transferred()); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("transfer: recording chunk completion failed",
			slog.String("id", t.ID),
			slog.Int("chunk", index),
			slog.String("error", err.Error()),
		)
	}
}

// abort tears down a failed upload session, best-effort.
func (e *Engine) abort(ctx context.Context, uploadURL string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.remote.AbortUpload(abortCtx, uploadURL); err != nil {
		e.logger.Warn("transfer: upload abort failed", slog.String("error", err.Error()))
	}
}

// encryptedOffset maps a plaintext chunk to its offset in the encrypted
// stream, where every preceding chunk carries the AEAD tag overhead.
func encryptedOffset(chunk chunkplan.Chunk) int64 {
	return chunk.Offset + int64(chunk.Index)*keyring.ChunkOverhead
}

// chunkBackoff computes the delay before the given retry attempt (1-based)
// with exponential growth and +/-25% jitter.
func chunkBackoff(base time.Duration, attempt int) time.Duration {
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
	}

	if delay > float64(maxChunkBackoff) {
		delay = float64(maxChunkBackoff)
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1) //nolint:gosec // jitter needs no cryptographic randomness

	return time.Duration(delay * jitter)
}

// errMsg renders an error for ledger storage.
func errMsg(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
