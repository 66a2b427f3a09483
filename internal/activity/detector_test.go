package activity

import (
	"sync"
	"testing"
	"time"
)

func TestActivityTransitionSequence(t *testing.T) {
	patterns, err := CompilePatterns([]string{`Do you want to.*\?`})
	if err != nil {
		t.Fatalf("compile patterns: %v", err)
	}

	var mu sync.Mutex
	var seen []State

	d := New(Config{
		IdleTimeout:  60 * time.Millisecond,
		ActiveWindow: 1 * time.Second,
	}, patterns, func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer d.Close()

	d.Feed([]byte("Doing work..."))
	if d.State() != Active {
		t.Fatalf("state after first chunk = %s, want active", d.State())
	}

	time.Sleep(150 * time.Millisecond)
	if d.State() != Idle {
		t.Fatalf("state after idle timeout = %s, want idle", d.State())
	}

	d.Feed([]byte("Do you want to continue?"))
	if d.State() != Waiting {
		t.Fatalf("state after asking pattern = %s, want waiting", d.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("saw %d transitions (%v), want exactly 3", len(seen), seen)
	}
	want := []State{Active, Idle, Waiting}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("transition[%d] = %s, want %s", i, seen[i], w)
		}
	}
}

func TestIdenticalStateSuppressed(t *testing.T) {
	var count int
	d := New(Config{IdleTimeout: time.Hour}, nil, func(State) { count++ })
	defer d.Close()

	d.Feed([]byte("a"))
	d.Feed([]byte("b"))
	d.Feed([]byte("c"))

	if count != 1 {
		t.Fatalf("transitions fired %d times, want 1 (repeated active states suppressed)", count)
	}
}

func TestValidatePatternRejectsReDoS(t *testing.T) {
	cases := []string{
		`(a+)+`,
		`(a|b)+`,
	}
	for _, c := range cases {
		if err := ValidatePattern(c); err == nil {
			t.Errorf("ValidatePattern(%q) = nil, want ReDoS rejection", c)
		}
	}
}

func TestValidatePatternRejectsOverLength(t *testing.T) {
	long := make([]byte, MaxPatternLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidatePattern(string(long)); err == nil {
		t.Error("ValidatePattern accepted an over-length pattern")
	}
}

func TestValidatePatternRejectsUncompilable(t *testing.T) {
	if err := ValidatePattern("(unclosed"); err == nil {
		t.Error("ValidatePattern accepted an uncompilable pattern")
	}
}
