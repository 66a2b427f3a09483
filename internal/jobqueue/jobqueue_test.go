package jobqueue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent-console/server/internal/store"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, cfg), s
}

// TestEnqueueRetryThenComplete reproduces the enqueue/retry timing
// scenario: a handler that fails once then succeeds ends up completed,
// having waited roughly one backoff interval between attempts.
func TestEnqueueRetryThenComplete(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		Concurrency:  1,
		BackoffBase:  30 * time.Millisecond,
		BackoffCap:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})

	var attempts int32
	done := make(chan struct{})
	q.RegisterHandler("probe", func(ctx context.Context, payload json.RawMessage) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return transientErr{}
		}
		close(done)
		return nil
	})

	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	if _, err := q.Enqueue("probe", map[string]string{"k": "v"}, EnqueueOptions{MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to succeed after retry")
	}

	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

type transientErr struct{}

func (transientErr) Error() string { return "transient failure" }

// TestPriorityOrderingWithSingleWorker reproduces the priority-ordering
// scenario: with concurrency=1, higher-priority jobs claim ahead of
// lower-priority jobs enqueued earlier.
func TestPriorityOrderingWithSingleWorker(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	})

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	first := make(chan struct{})

	q.RegisterHandler("ordered", func(ctx context.Context, payload json.RawMessage) error {
		var body struct{ Name string }
		json.Unmarshal(payload, &body)

		mu.Lock()
		order = append(order, body.Name)
		n := len(order)
		mu.Unlock()

		if n == 1 {
			close(first)
			<-release
		}
		return nil
	})

	if _, err := q.Enqueue("ordered", map[string]string{"Name": "low"}, EnqueueOptions{Priority: 0}); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}

	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first job to be claimed")
	}

	if _, err := q.Enqueue("ordered", map[string]string{"Name": "mid"}, EnqueueOptions{Priority: 5}); err != nil {
		t.Fatalf("enqueue mid: %v", err)
	}
	if _, err := q.Enqueue("ordered", map[string]string{"Name": "high"}, EnqueueOptions{Priority: 10}); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	close(release)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for all three jobs to run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"low", "high", "mid"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("run order = %v, want %v", order, want)
		}
	}
}

// TestConcurrentClaimIsUnique reproduces the concurrent-claim scenario:
// many jobs under concurrency>1 are each claimed and run exactly once,
// with no two workers ever processing the same job simultaneously.
func TestConcurrentClaimIsUnique(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		Concurrency:  4,
		PollInterval: 10 * time.Millisecond,
	})

	const jobCount = 20
	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(jobCount)

	q.RegisterHandler("work", func(ctx context.Context, payload json.RawMessage) error {
		var body struct{ ID string }
		json.Unmarshal(payload, &body)
		mu.Lock()
		seen[body.ID]++
		mu.Unlock()
		wg.Done()
		return nil
	})

	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	for i := 0; i < jobCount; i++ {
		id := uuidLike(i)
		if _, err := q.Enqueue("work", map[string]string{"ID": id}, EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for all jobs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != jobCount {
		t.Fatalf("distinct jobs processed = %d, want %d", len(seen), jobCount)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s processed %d times, want exactly 1", id, n)
		}
	}
}

func uuidLike(i int) string {
	return time.Now().Add(time.Duration(i)).String()
}

// TestStallAfterMaxAttempts verifies a handler that always fails ends
// up stalled once it exhausts max attempts, not stuck retrying forever.
func TestStallAfterMaxAttempts(t *testing.T) {
	q, s := newTestQueue(t, Config{
		Concurrency:  1,
		BackoffBase:  5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})

	q.RegisterHandler("always-fails", func(ctx context.Context, payload json.RawMessage) error {
		return transientErr{}
	})

	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	job, err := q.Enqueue("always-fails", map[string]string{}, EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		current, err := s.GetJob(job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if current.Status == store.JobStalled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never stalled, last status = %s", current.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
