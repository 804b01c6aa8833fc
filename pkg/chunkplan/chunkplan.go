// Package chunkplan computes the fixed-range chunk layout used to split a
// file transfer into independently transferable, independently encryptable
// byte ranges.
//
// A plan is an ordered sequence of (offset, length) pairs that is contiguous,
// non-overlapping, and covers the total size exactly. Transfer workers rely
// on these properties to write disjoint regions of the same file without
// locking.
package chunkplan

import (
	"errors"
	"fmt"
)

// DefaultChunkSize is the chunk size used when the caller does not specify
// one. 4 MiB balances per-request overhead against per-worker memory.
const DefaultChunkSize = 4 * 1024 * 1024

// ErrInvalidChunkSize is returned when the requested chunk size is not positive.
var ErrInvalidChunkSize = errors.New("chunkplan: chunk size must be positive")

// ErrInvalidTotal is returned when the total size is negative.
var ErrInvalidTotal = errors.New("chunkplan: total size must be non-negative")

// Chunk is a single byte range within a transfer.
type Chunk struct {
	// Index is the position of the chunk within the plan, starting at 0.
	Index int

	// Offset is the byte offset of the chunk within the file.
	Offset int64

	// Length is the number of bytes in the chunk. Always positive; only the
	// final chunk may be shorter than the plan's chunk size.
	Length int64
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Length
}

// Plan is an ordered, contiguous, non-overlapping chunk layout for a file
// of a known total size.
type Plan struct {
	Chunks    []Chunk
	Total     int64
	ChunkSize int64
}

// New computes a plan covering total bytes using the given chunk size.
// A chunkSize of 0 selects DefaultChunkSize. A total of 0 yields an empty
// plan (zero-byte files transfer no chunks).
func New(total, chunkSize int64) (*Plan, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTotal, total)
	}

	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	if chunkSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}

	count := total / chunkSize
	if total%chunkSize != 0 {
		count++
	}

	chunks := make([]Chunk, 0, count)

	for offset := int64(0); offset < total; offset += chunkSize {
		length := chunkSize
		if remaining := total - offset; remaining < length {
			length = remaining
		}

		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Offset: offset,
			Length: length,
		})
	}

	return &Plan{Chunks: chunks, Total: total, ChunkSize: chunkSize}, nil
}

// Validate checks the plan invariants: chunks are contiguous from offset 0,
// non-overlapping, have positive lengths, and sum to Total.
func (p *Plan) Validate() error {
	var next int64

	for i, c := range p.Chunks {
		if c.Index != i {
			return fmt.Errorf("chunkplan: chunk %d has index %d", i, c.Index)
		}

		if c.Length <= 0 {
			return fmt.Errorf("chunkplan: chunk %d has non-positive length %d", i, c.Length)
		}

		if c.Offset != next {
			return fmt.Errorf("chunkplan: chunk %d starts at %d, want %d (gap or overlap)", i, c.Offset, next)
		}

		next = c.End()
	}

	if next != p.Total {
		return fmt.Errorf("chunkplan: chunks cover %d bytes, total is %d", next, p.Total)
	}

	return nil
}

// Len returns the number of chunks in the plan.
func (p *Plan) Len() int {
	return len(p.Chunks)
}
