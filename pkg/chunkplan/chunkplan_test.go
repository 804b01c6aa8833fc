package chunkplan

import (
	"errors"
	"testing"
)

func TestNew_ExactMultiple(t *testing.T) {
	t.Parallel()

	p, err := New(1024, 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p.Len() != 4 {
		t.Fatalf("Len = %d, want 4", p.Len())
	}

	for i, c := range p.Chunks {
		if c.Length != 256 {
			t.Errorf("chunk %d length = %d, want 256", i, c.Length)
		}
	}

	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNew_ShortFinalChunk(t *testing.T) {
	t.Parallel()

	p, err := New(1000, 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p.Len() != 4 {
		t.Fatalf("Len = %d, want 4", p.Len())
	}

	last := p.Chunks[p.Len()-1]
	if last.Length != 232 {
		t.Errorf("final chunk length = %d, want 232", last.Length)
	}

	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNew_ZeroTotal(t *testing.T) {
	t.Parallel()

	p, err := New(0, 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0 for zero-byte file", p.Len())
	}

	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNew_SmallerThanChunkSize(t *testing.T) {
	t.Parallel()

	p, err := New(10, 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}

	if p.Chunks[0].Offset != 0 || p.Chunks[0].Length != 10 {
		t.Errorf("chunk = %+v, want offset 0 length 10", p.Chunks[0])
	}
}

func TestNew_DefaultChunkSize(t *testing.T) {
	t.Parallel()

	p, err := New(DefaultChunkSize+1, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", p.ChunkSize, DefaultChunkSize)
	}

	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
}

func TestNew_InvalidArguments(t *testing.T) {
	t.Parallel()

	if _, err := New(-1, 256); !errors.Is(err, ErrInvalidTotal) {
		t.Errorf("New(-1, 256) err = %v, want ErrInvalidTotal", err)
	}

	if _, err := New(100, -4); !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("New(100, -4) err = %v, want ErrInvalidChunkSize", err)
	}
}

// TestPlanCoverage checks contiguity and coverage across a spread of sizes,
// including sizes around chunk boundaries.
func TestPlanCoverage(t *testing.T) {
	t.Parallel()

	sizes := []int64{0, 1, 255, 256, 257, 511, 512, 513, 1<<20 - 1, 1 << 20, 1<<20 + 1}

	for _, total := range sizes {
		p, err := New(total, 256)
		if err != nil {
			t.Fatalf("New(%d): %v", total, err)
		}

		if err := p.Validate(); err != nil {
			t.Errorf("Validate(total=%d): %v", total, err)
		}

		var sum int64
		for _, c := range p.Chunks {
			sum += c.Length
		}

		if sum != total {
			t.Errorf("total=%d: chunk lengths sum to %d", total, sum)
		}
	}
}

func TestValidate_DetectsGapAndOverlap(t *testing.T) {
	t.Parallel()

	p, err := New(1024, 256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Introduce a gap.
	p.Chunks[2].Offset++
	if err := p.Validate(); err == nil {
		t.Error("Validate accepted a plan with a gap")
	}

	// Introduce an overlap.
	p.Chunks[2].Offset -= 2
	if err := p.Validate(); err == nil {
		t.Error("Validate accepted a plan with an overlap")
	}
}
