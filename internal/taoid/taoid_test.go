package taoid

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

// fakeClock lets tests script an exact sequence of NowMillis() results.
type fakeClock struct {
	mu     sync.Mutex
	millis []int64
	idx    int
}

func (f *fakeClock) NowMillis() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.millis) {
		return f.millis[len(f.millis)-1]
	}
	v := f.millis[f.idx]
	f.idx++
	return v
}

func TestNewRejectsOversizedShard(t *testing.T) {
	if _, err := New(1024); err == nil {
		t.Fatal("expected error for shard id over 10 bits")
	}
	if _, err := New(1023); err != nil {
		t.Fatalf("shard id 1023 should be valid: %v", err)
	}
}

func TestNextEmbedsShard(t *testing.T) {
	tests := []struct {
		name    string
		shardID uint16
	}{
		{"shard 0", 0},
		{"shard 5", 5},
		{"shard max", 1023},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewWithClock(tt.shardID, &fakeClock{millis: []int64{100}})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			id, err := a.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got := ShardOf(id); got != tt.shardID {
				t.Errorf("ShardOf(%d) = %d, want %d", id, got, tt.shardID)
			}
		})
	}
}

func TestNextMonotoneWithinMillisecond(t *testing.T) {
	clock := &fakeClock{millis: []int64{100, 100, 100, 100}}
	a, err := NewWithClock(3, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var prev model.TaoID = -1
	for i := 0; i < 4; i++ {
		id, err := a.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d is not strictly greater than previous %d", id, prev)
		}
		if SeqOf(id) != uint16(i) {
			t.Errorf("SeqOf(%d) = %d, want %d", id, SeqOf(id), i)
		}
		prev = id
	}
}

func TestNextClockRegression(t *testing.T) {
	clock := &fakeClock{millis: []int64{200, 100}}
	a, err := NewWithClock(0, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	_, err = a.Next()
	if !errors.Is(err, model.ErrClockSkew) {
		t.Fatalf("expected ErrClockSkew, got %v", err)
	}
}

func TestExtractRoundTrip(t *testing.T) {
	clock := &fakeClock{millis: []int64{123456}}
	a, err := NewWithClock(77, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := a.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ShardOf(id) != 77 {
		t.Errorf("ShardOf = %d, want 77", ShardOf(id))
	}
	if TimestampOf(id) != 123456 {
		t.Errorf("TimestampOf = %d, want 123456", TimestampOf(id))
	}
	if SeqOf(id) != 0 {
		t.Errorf("SeqOf = %d, want 0", SeqOf(id))
	}
	if int64(id) < 0 {
		t.Errorf("id %d must be non-negative", id)
	}
}

// TestConcurrentAllocationMonotone is scenario S6: 10,000 ids from 16
// concurrent goroutines on one allocator; sorted, the sequence must be
// strictly increasing (spec §8).
func TestConcurrentAllocationMonotone(t *testing.T) {
	a, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const goroutines = 16
	const perGoroutine = 625 // 16 * 625 = 10,000

	ids := make([]model.TaoID, 0, goroutines*perGoroutine)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]model.TaoID, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				id, err := a.Next()
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			ids = append(ids, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != goroutines*perGoroutine {
		t.Fatalf("got %d ids, want %d", len(ids), goroutines*perGoroutine)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing at index %d: %d <= %d", i, ids[i], ids[i-1])
		}
	}
}
