package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skyvault/skyvault-go/internal/keyring"
	"github.com/skyvault/skyvault-go/internal/remote"
	"github.com/skyvault/skyvault-go/pkg/chunkplan"
)

const testChunkSize = 1024

// fakeRemote is an in-memory authority: it serves a pre-encrypted blob for
// downloads and collects encrypted chunks for uploads.
type fakeRemote struct {
	mu sync.Mutex

	// Download side.
	blob        []byte
	declaredMAC []byte
	getCalls    atomic.Int32
	getOffsets  []int64
	failGets    int32 // transient 503s before the first success
	failAt      int64 // offset that fails permanently with 404; -1 disables
	onGet       func(offset int64)

	// Upload side.
	assignNodeID string
	uploaded     map[int64][]byte
	committedMAC []byte
	commitEntry  *remote.NodeEntry
	failPuts     bool
	aborted      bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{failAt: -1, uploaded: make(map[int64][]byte)}
}

func (f *fakeRemote) RequestDownload(_ context.Context, nodeID string) (*remote.DownloadTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &remote.DownloadTarget{
		URL:           "https://storage.invalid/dl/" + nodeID,
		EncryptedSize: int64(len(f.blob)),
		ContentMAC:    f.declaredMAC,
	}, nil
}

func (f *fakeRemote) GetChunk(_ context.Context, _ string, offset, length int64) ([]byte, error) {
	f.getCalls.Add(1)

	f.mu.Lock()
	f.getOffsets = append(f.getOffsets, offset)
	transientLeft := f.failGets
	if transientLeft > 0 {
		f.failGets--
	}
	onGet := f.onGet
	failAt := f.failAt
	blob := f.blob
	f.mu.Unlock()

	if onGet != nil {
		onGet(offset)
	}

	if transientLeft > 0 {
		return nil, &remote.APIError{StatusCode: http.StatusServiceUnavailable, Err: remote.ErrServer}
	}

	if failAt >= 0 && offset == failAt {
		return nil, &remote.APIError{StatusCode: http.StatusNotFound, Err: remote.ErrNotFound}
	}

	if offset+length > int64(len(blob)) {
		return nil, fmt.Errorf("%w: range beyond blob", remote.ErrBadRequest)
	}

	return blob[offset : offset+length], nil
}

func (f *fakeRemote) RequestUpload(_ context.Context, _, name string, _ int64) (*remote.UploadTarget, error) {
	return &remote.UploadTarget{
		NodeID:    f.assignNodeID,
		UploadURL: "https://storage.invalid/ul/" + name,
		CommitURL: "https://storage.invalid/commit/" + name,
	}, nil
}

func (f *fakeRemote) PutChunk(_ context.Context, _ string, data []byte, offset, _ int64) error {
	if f.failPuts {
		return &remote.APIError{StatusCode: http.StatusBadRequest, Err: remote.ErrBadRequest}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploaded[offset] = append([]byte(nil), data...)

	return nil
}

func (f *fakeRemote) CommitUpload(_ context.Context, _ string, contentMAC []byte) (*remote.NodeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.committedMAC = append([]byte(nil), contentMAC...)

	if f.commitEntry != nil {
		return f.commitEntry, nil
	}

	return &remote.NodeEntry{ID: f.assignNodeID, Kind: remote.KindFile}, nil
}

func (f *fakeRemote) AbortUpload(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.aborted = true

	return nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testRing(t *testing.T) *keyring.Ring {
	t.Helper()

	ring, err := keyring.New(keyring.MasterKey("test@example.com", "secret"))
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}

	return ring
}

// encryptBlob produces the contiguous encrypted stream for plaintext as the
// authority would store it, plus the keyed content MAC.
func encryptBlob(t *testing.T, ring *keyring.Ring, nodeID string, plaintext []byte) (blob, mac []byte) {
	t.Helper()

	key, err := ring.DeriveFileKey(nodeID)
	if err != nil {
		t.Fatalf("DeriveFileKey: %v", err)
	}

	plan, err := chunkplan.New(int64(len(plaintext)), testChunkSize)
	if err != nil {
		t.Fatalf("chunkplan.New: %v", err)
	}

	for _, chunk := range plan.Chunks {
		ct, encErr := key.EncryptChunk(chunk.Offset, plaintext[chunk.Offset:chunk.End()])
		if encErr != nil {
			t.Fatalf("EncryptChunk: %v", encErr)
		}

		blob = append(blob, ct...)
	}

	mac, err = key.ContentMAC(bytes.NewReader(plaintext))
	if err != nil {
		t.Fatalf("ContentMAC: %v", err)
	}

	return blob, mac
}

func newTestEngine(t *testing.T, rm Remote, ring *keyring.Ring, ledger *Ledger, onProgress func(Progress)) *Engine {
	t.Helper()

	e := NewEngine(rm, ring, ledger, Config{
		ChunkSize:    testChunkSize,
		Parallel:     3,
		ChunkRetries: 3,
	}, onProgress, testLogger(t))

	// No real sleeps in tests.
	e.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}

	return e
}

func testPayload(t *testing.T, size int) []byte {
	t.Helper()

	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	return payload
}

func TestDownload_EndToEnd(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, 3*testChunkSize+600) // short final chunk

	fake := newFakeRemote()
	fake.blob, fake.declaredMAC = encryptBlob(t, ring, "node-1", plaintext)

	var final Progress

	e := newTestEngine(t, fake, ring, nil, func(p Progress) {
		if p.State.Terminal() {
			final = p
		}
	})

	dest := filepath.Join(t.TempDir(), "out.bin")

	tr, err := e.Download(context.Background(), "node-1", "/docs/out.bin", dest, int64(len(plaintext)), fake.declaredMAC)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if tr.State() != StateCompleted {
		t.Errorf("state = %v, want completed", tr.State())
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Error("downloaded content differs from original")
	}

	if final.Transferred != final.Total || final.Total != int64(len(plaintext)) {
		t.Errorf("final progress = %d/%d, want %d/%d", final.Transferred, final.Total, len(plaintext), len(plaintext))
	}
}

func TestDownload_EmptyFile(t *testing.T) {
	ring := testRing(t)

	fake := newFakeRemote()
	_, fake.declaredMAC = encryptBlob(t, ring, "node-empty", nil)

	e := newTestEngine(t, fake, ring, nil, nil)
	dest := filepath.Join(t.TempDir(), "empty.bin")

	tr, err := e.Download(context.Background(), "node-empty", "/empty.bin", dest, 0, fake.declaredMAC)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if tr.State() != StateCompleted {
		t.Errorf("state = %v, want completed", tr.State())
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if info.Size() != 0 {
		t.Errorf("size = %d, want 0", info.Size())
	}

	if got := fake.getCalls.Load(); got != 0 {
		t.Errorf("empty file issued %d chunk requests", got)
	}
}

func TestDownload_IntegrityMismatchFails(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, 2*testChunkSize)

	fake := newFakeRemote()
	fake.blob, _ = encryptBlob(t, ring, "node-2", plaintext)
	fake.declaredMAC = bytes.Repeat([]byte{0xAA}, keyring.MACSize)

	e := newTestEngine(t, fake, ring, nil, nil)
	dest := filepath.Join(t.TempDir(), "out.bin")

	tr, err := e.Download(context.Background(), "node-2", "/out.bin", dest, int64(len(plaintext)), fake.declaredMAC)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}

	if tr.State() != StateFailed {
		t.Errorf("state = %v, want failed", tr.State())
	}

	// The finished file must not exist; the partial stays for resume.
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("destination file exists despite integrity failure")
	}

	if _, statErr := os.Stat(dest + partialSuffix); statErr != nil {
		t.Errorf("partial file missing: %v", statErr)
	}
}

func TestDownload_TransientErrorsRetried(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, 2*testChunkSize)

	fake := newFakeRemote()
	fake.blob, fake.declaredMAC = encryptBlob(t, ring, "node-3", plaintext)
	fake.failGets = 2 // first two chunk requests hit a 503

	e := newTestEngine(t, fake, ring, nil, nil)
	dest := filepath.Join(t.TempDir(), "out.bin")

	tr, err := e.Download(context.Background(), "node-3", "/out.bin", dest, int64(len(plaintext)), fake.declaredMAC)
	if err != nil {
		t.Fatalf("Download with transient failures: %v", err)
	}

	if tr.State() != StateCompleted {
		t.Errorf("state = %v, want completed", tr.State())
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Error("downloaded content differs after retries")
	}
}

func TestDownload_PermanentErrorFails(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, 2*testChunkSize)

	fake := newFakeRemote()
	fake.blob, fake.declaredMAC = encryptBlob(t, ring, "node-4", plaintext)
	fake.failAt = 0 // first chunk 404s

	e := newTestEngine(t, fake, ring, nil, nil)
	dest := filepath.Join(t.TempDir(), "out.bin")

	tr, err := e.Download(context.Background(), "node-4", "/out.bin", dest, int64(len(plaintext)), fake.declaredMAC)
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if tr.State() != StateFailed {
		t.Errorf("state = %v, want failed", tr.State())
	}
}

func TestDownload_CancelIssuesNoFurtherRequests(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, 5*testChunkSize)

	fake := newFakeRemote()
	fake.blob, fake.declaredMAC = encryptBlob(t, ring, "node-5", plaintext)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel from inside the second chunk request. With one worker, chunks
	// run strictly in order, so no request may follow the cancellation.
	var served atomic.Int32

	fake.onGet = func(int64) {
		if served.Add(1) == 2 {
			cancel()
		}
	}

	e := newTestEngine(t, fake, ring, nil, nil)
	e.cfg.Parallel = 1

	dest := filepath.Join(t.TempDir(), "out.bin")

	tr, err := e.Download(ctx, "node-5", "/out.bin", dest, int64(len(plaintext)), fake.declaredMAC)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if tr.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", tr.State())
	}

	if got := fake.getCalls.Load(); got != 2 {
		t.Errorf("%d chunk requests issued, want exactly 2", got)
	}
}

func TestUpload_EndToEnd(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, 2*testChunkSize+100)

	src := filepath.Join(t.TempDir(), "in.bin")
	if err := os.WriteFile(src, plaintext, 0o600); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	fake := newFakeRemote()
	fake.assignNodeID = "node-up"

	e := newTestEngine(t, fake, ring, nil, nil)

	tr, entry, err := e.Upload(context.Background(), "parent-1", "in.bin", src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if tr.State() != StateCompleted {
		t.Errorf("state = %v, want completed", tr.State())
	}

	if entry.ID != "node-up" {
		t.Errorf("entry ID = %q", entry.ID)
	}

	// Reassemble and decrypt what the authority received.
	key, err := ring.DeriveFileKey("node-up")
	if err != nil {
		t.Fatalf("DeriveFileKey: %v", err)
	}

	plan, err := chunkplan.New(int64(len(plaintext)), testChunkSize)
	if err != nil {
		t.Fatalf("chunkplan.New: %v", err)
	}

	var reassembled []byte

	for _, chunk := range plan.Chunks {
		ct, ok := fake.uploaded[encryptedOffset(chunk)]
		if !ok {
			t.Fatalf("chunk %d missing from upload", chunk.Index)
		}

		pt, decErr := key.DecryptChunk(chunk.Offset, ct)
		if decErr != nil {
			t.Fatalf("decrypting uploaded chunk %d: %v", chunk.Index, decErr)
		}

		reassembled = append(reassembled, pt...)
	}

	if !bytes.Equal(reassembled, plaintext) {
		t.Error("uploaded content differs from source")
	}

	// The committed MAC must match the plaintext MAC.
	wantMAC, err := key.ContentMAC(bytes.NewReader(plaintext))
	if err != nil {
		t.Fatalf("ContentMAC: %v", err)
	}

	if !bytes.Equal(fake.committedMAC, wantMAC) {
		t.Error("committed MAC does not match plaintext MAC")
	}
}

func TestUpload_FailureAbortsSession(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, testChunkSize)

	src := filepath.Join(t.TempDir(), "in.bin")
	if err := os.WriteFile(src, plaintext, 0o600); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	fake := newFakeRemote()
	fake.assignNodeID = "node-up2"
	fake.failPuts = true

	e := newTestEngine(t, fake, ring, nil, nil)

	tr, _, err := e.Upload(context.Background(), "parent-1", "in.bin", src)
	if !errors.Is(err, remote.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}

	if tr.State() != StateFailed {
		t.Errorf("state = %v, want failed", tr.State())
	}

	if !fake.aborted {
		t.Error("failed upload did not abort the session")
	}
}

func TestDownload_ResumeSkipsCompletedChunks(t *testing.T) {
	ring := testRing(t)
	plaintext := testPayload(t, 4*testChunkSize)

	fake := newFakeRemote()
	fake.blob, fake.declaredMAC = encryptBlob(t, ring, "node-res", plaintext)

	ledger, err := OpenLedger(":memory:", testLogger(t))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer ledger.Close()

	// First attempt: chunk at plaintext offset 2048 (index 2) 404s. With a
	// single worker, chunks 0 and 1 complete and are recorded.
	fake.failAt = encryptedOffset(chunkplan.Chunk{Index: 2, Offset: 2 * testChunkSize})

	e := newTestEngine(t, fake, ring, ledger, nil)
	e.cfg.Parallel = 1

	dest := filepath.Join(t.TempDir(), "out.bin")

	if _, err := e.Download(context.Background(), "node-res", "/out.bin", dest, int64(len(plaintext)), fake.declaredMAC); err == nil {
		t.Fatal("first attempt succeeded, want failure")
	}

	// Second attempt: the remote works again. Only chunks 2 and 3 may be
	// refetched.
	fake.mu.Lock()
	fake.failAt = -1
	fake.getOffsets = nil
	fake.mu.Unlock()

	tr, err := e.Download(context.Background(), "node-res", "/out.bin", dest, int64(len(plaintext)), fake.declaredMAC)
	if err != nil {
		t.Fatalf("resumed download: %v", err)
	}

	if tr.State() != StateCompleted {
		t.Errorf("state = %v, want completed", tr.State())
	}

	fake.mu.Lock()
	refetched := append([]int64(nil), fake.getOffsets...)
	fake.mu.Unlock()

	if len(refetched) != 2 {
		t.Fatalf("resume refetched %d chunks (%v), want 2", len(refetched), refetched)
	}

	for _, off := range refetched {
		if off < encryptedOffset(chunkplan.Chunk{Index: 2, Offset: 2 * testChunkSize}) {
			t.Errorf("resume refetched already-completed chunk at encrypted offset %d", off)
		}
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Error("resumed content differs from original")
	}
}

func TestChunkBackoff_Bounds(t *testing.T) {
	base := 500 * time.Millisecond

	for attempt := 1; attempt <= 10; attempt++ {
		d := chunkBackoff(base, attempt)

		if d <= 0 {
			t.Errorf("attempt %d: non-positive delay %v", attempt, d)
		}

		// Cap plus max jitter.
		if d > time.Duration(float64(maxChunkBackoff)*(1+backoffJitter)) {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}
}
