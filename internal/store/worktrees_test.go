package store

import (
	"fmt"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestAllocateWorktreeRecordConcurrentIsCollisionFree reproduces many
// concurrent create_worktree calls for the same repository and checks
// that every allocated index_number is unique — the index allocator
// and the record insert must share one lock acquisition, not two.
func TestAllocateWorktreeRecordConcurrentIsCollisionFree(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateRepository(Repository{Name: "r", Path: "/tmp/r"})
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	results := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.AllocateWorktreeRecord(repo.ID, fmt.Sprintf("branch-%d", i), func(index int) string {
				return fmt.Sprintf("/tmp/r/worktrees/wt-%03d", index)
			})
			if err != nil {
				errs <- err
				return
			}
			results <- rec.IndexNumber
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("AllocateWorktreeRecord() error: %v", err)
	}

	seen := make(map[int]bool)
	for idx := range results {
		if seen[idx] {
			t.Fatalf("index %d allocated more than once", idx)
		}
		seen[idx] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct indices, want %d", len(seen), n)
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Fatalf("index %d never allocated", i)
		}
	}
}

func TestAllocateWorktreeRecordReusesLowestFreedIndex(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.CreateRepository(Repository{Name: "r", Path: "/tmp/r"})
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}

	pathFor := func(index int) string { return fmt.Sprintf("/tmp/r/worktrees/wt-%03d", index) }

	first, err := s.AllocateWorktreeRecord(repo.ID, "a", pathFor)
	if err != nil {
		t.Fatalf("AllocateWorktreeRecord() error: %v", err)
	}
	if first.IndexNumber != 1 {
		t.Fatalf("first index = %d, want 1", first.IndexNumber)
	}

	second, err := s.AllocateWorktreeRecord(repo.ID, "b", pathFor)
	if err != nil {
		t.Fatalf("AllocateWorktreeRecord() error: %v", err)
	}
	if second.IndexNumber != 2 {
		t.Fatalf("second index = %d, want 2", second.IndexNumber)
	}

	if err := s.DeleteWorktreeRecord(first.ID); err != nil {
		t.Fatalf("DeleteWorktreeRecord() error: %v", err)
	}

	third, err := s.AllocateWorktreeRecord(repo.ID, "c", pathFor)
	if err != nil {
		t.Fatalf("AllocateWorktreeRecord() error: %v", err)
	}
	if third.IndexNumber != 1 {
		t.Fatalf("third index = %d, want reused index 1", third.IndexNumber)
	}
}
