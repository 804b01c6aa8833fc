// Package keyring holds per-session key material and performs all chunk
// cryptography: per-file key derivation, chunk AEAD, and whole-content MAC.
//
// Chunk nonces are derived deterministically from the chunk offset, so
// encryption and decryption are stateless per call and chunks can be
// processed out of order across concurrent workers. Each (file key, offset)
// pair is used at most once per file version, which keeps deterministic
// nonces safe for XChaCha20-Poly1305.
package keyring

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of all symmetric keys: the session master
// key, per-file encryption keys, and per-file MAC keys.
const KeySize = 32

// ChunkOverhead is the ciphertext expansion per encrypted chunk (the
// Poly1305 tag). The nonce is not stored with the chunk because it is
// derived from the offset.
const ChunkOverhead = chacha20poly1305.Overhead

// MACSize is the size in bytes of a content MAC (keyed BLAKE3 digest).
const MACSize = 32

// ErrIntegrity is returned when chunk authentication fails: wrong key,
// wrong offset, or tampered ciphertext. Never retried by callers.
var ErrIntegrity = errors.New("keyring: chunk authentication failed")

// ErrClosed is returned when deriving keys from a closed ring.
var ErrClosed = errors.New("keyring: ring is closed")

// HKDF info strings providing domain separation between derivation paths.
// Changing any of these invalidates all ciphertext under that path.
var (
	hkdfInfoMaster  = []byte("skyvault.master.v1")
	hkdfInfoFileEnc = []byte("skyvault.file.enc.v1")
	hkdfInfoFileMAC = []byte("skyvault.file.mac.v1")
)

// Ring owns the session master key and derives per-file keys from it.
// Lifetime is bound to the session: Close zeroes the master key and all
// subsequent derivations fail with ErrClosed.
type Ring struct {
	mu     sync.RWMutex
	master []byte
	closed bool
}

// MasterKey derives the session master key from login credentials.
// The email acts as the HKDF salt so two accounts with the same password
// derive different keys.
func MasterKey(email, password string) []byte {
	reader := hkdf.New(sha256.New, []byte(password), []byte(email), hkdfInfoMaster)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		// HKDF-SHA256 cannot fail for a KeySize read.
		panic("keyring: master key derivation failed: " + err.Error())
	}

	return key
}

// New creates a ring from a master key, which must be exactly KeySize bytes.
// The ring copies the key; the caller should zero its own copy.
func New(master []byte) (*Ring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("keyring: master key must be %d bytes, got %d", KeySize, len(master))
	}

	m := make([]byte, KeySize)
	copy(m, master)

	return &Ring{master: m}, nil
}

// DeriveFileKey derives the encryption and MAC keys for a single node.
// Derivation is deterministic: the same ring and node ID always produce
// the same keys.
func (r *Ring) DeriveFileKey(nodeID string) (*FileKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	encKey, err := deriveKey(r.master, hkdfInfoFileEnc, nodeID)
	if err != nil {
		return nil, err
	}

	macKey, err := deriveKey(r.master, hkdfInfoFileMAC, nodeID)
	if err != nil {
		Zero(encKey)
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		Zero(encKey)
		Zero(macKey)

		return nil, fmt.Errorf("keyring: creating chunk cipher: %w", err)
	}

	Zero(encKey)

	fk := &FileKey{NodeID: nodeID, aead: aead}
	copy(fk.macKey[:], macKey)
	Zero(macKey)

	return fk, nil
}

// Close zeroes the master key. Idempotent. Derived FileKeys remain usable;
// their lifetime is managed by the transfers holding them.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	Zero(r.master)
	r.closed = true
}

// FileKey holds the derived per-file cipher and MAC key.
type FileKey struct {
	NodeID string

	aead   cipher.AEAD
	macKey [KeySize]byte
}

// EncryptChunk encrypts a chunk at the given file offset. The returned
// ciphertext is len(plaintext)+ChunkOverhead bytes. The offset is bound
// into both the nonce and the AAD, so a chunk decrypted at the wrong
// offset fails authentication.
func (k *FileKey) EncryptChunk(offset int64, plaintext []byte) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("keyring: negative chunk offset %d", offset)
	}

	nonce := chunkNonce(offset)

	return k.aead.Seal(nil, nonce[:], plaintext, nonce[:8]), nil
}

// DecryptChunk decrypts a chunk produced by EncryptChunk at the same
// offset. Authentication failure returns ErrIntegrity.
func (k *FileKey) DecryptChunk(offset int64, ciphertext []byte) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("keyring: negative chunk offset %d", offset)
	}

	if len(ciphertext) < ChunkOverhead {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, minimum is %d", ErrIntegrity, len(ciphertext), ChunkOverhead)
	}

	nonce := chunkNonce(offset)

	plaintext, err := k.aead.Open(nil, nonce[:], ciphertext, nonce[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	return plaintext, nil
}

// ContentMAC computes the keyed BLAKE3 MAC over the full plaintext content
// read from r. Used for the end-of-transfer integrity check against the
// server-declared value.
func (k *FileKey) ContentMAC(r io.Reader) ([]byte, error) {
	hasher, err := blake3.NewKeyed(k.macKey[:])
	if err != nil {
		return nil, fmt.Errorf("keyring: initializing content MAC: %w", err)
	}

	if _, err := io.Copy(hasher, r); err != nil {
		return nil, fmt.Errorf("keyring: hashing content: %w", err)
	}

	return hasher.Sum(nil), nil
}

// deriveKey runs HKDF-SHA256 over the master key with the given info
// prefix and node ID appended, per RFC 5869. The master key is already
// uniformly random, so a nil salt is appropriate.
func deriveKey(master, info []byte, nodeID string) ([]byte, error) {
	full := make([]byte, 0, len(info)+len(nodeID))
	full = append(full, info...)
	full = append(full, nodeID...)

	reader := hkdf.New(sha256.New, master, nil, full)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		Zero(key)
		return nil, fmt.Errorf("keyring: key derivation failed: %w", err)
	}

	return key, nil
}

// Zero overwrites b with zero bytes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// chunkNonce derives the 24-byte XChaCha20-Poly1305 nonce for a chunk:
// the big-endian offset in the first 8 bytes, remainder zero.
func chunkNonce(offset int64) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	binary.BigEndian.PutUint64(nonce[:8], uint64(offset))

	return nonce
}
