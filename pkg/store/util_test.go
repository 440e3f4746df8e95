package store

import (
	"errors"
	"testing"
)

func TestChunkRange_CoversTotal(t *testing.T) {
	var got [][2]int
	err := ChunkRange(10, 4, func(start, end int) error {
		got = append(got, [2]int{start, end})
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	want := [][2]int{{0, 4}, {4, 8}, {8, 10}}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestChunkRange_ZeroTotal(t *testing.T) {
	calls := 0
	if err := ChunkRange(0, 4, func(start, end int) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no calls for empty range, got %d", calls)
	}
}

func TestChunkRange_NonPositiveChunkSize(t *testing.T) {
	calls := 0
	if err := ChunkRange(5, 0, func(start, end int) error {
		calls++
		if start != 0 || end != 5 {
			t.Fatalf("expected one full chunk, got [%d, %d)", start, end)
		}
		return nil
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestChunkRange_PropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	calls := 0
	err := ChunkRange(10, 4, func(start, end int) error {
		calls++
		if calls == 2 {
			return wantErr
		}
		return nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected propagated error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected iteration to stop at the error, got %d calls", calls)
	}
}
