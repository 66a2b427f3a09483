package worktrees

import "testing"

func TestExpandText(t *testing.T) {
	text := "num={{WORKTREE_NUM}} port={{WORKTREE_NUM + 3000}} branch={{BRANCH}} repo={{REPO}} back={{WORKTREE_NUM - 1}}"
	got, err := expandText(text, 7, "feature/x", "my-repo", "/tmp/wt")
	if err != nil {
		t.Fatalf("expandText() error: %v", err)
	}
	want := "num=7 port=3007 branch=feature/x repo=my-repo back=6"
	if got != want {
		t.Fatalf("expandText() = %q, want %q", got, want)
	}
}

func TestExpandTextUnknownVarLeftAlone(t *testing.T) {
	got, err := expandText("{{UNKNOWN}}", 1, "b", "r", "/p")
	if err != nil {
		t.Fatalf("expandText() error: %v", err)
	}
	if got != "{{UNKNOWN}}" {
		t.Fatalf("expandText() = %q, want unchanged", got)
	}
}

func TestExpandTextArithmeticOnNonIntegerBaseIsRejected(t *testing.T) {
	if _, err := expandText("{{BRANCH + 3}}", 1, "feature/x", "r", "/p"); err == nil {
		t.Fatal("expandText() on a non-integer base with an arithmetic form = nil error, want validation error")
	}
}

func TestParseWorktreePorcelain(t *testing.T) {
	output := "worktree /repo\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /repo/worktrees/wt-001-abcd\nHEAD def456\nbranch refs/heads/feature/foo\n\n"

	got := parseWorktreePorcelain(output)
	if len(got) != 2 {
		t.Fatalf("parseWorktreePorcelain() returned %d entries, want 2", len(got))
	}
	if !got[0].IsPrimary || got[0].Branch != "main" {
		t.Fatalf("first entry = %+v, want primary/main", got[0])
	}
	if got[1].IsPrimary || got[1].Branch != "feature/foo" {
		t.Fatalf("second entry = %+v, want non-primary/feature/foo", got[1])
	}
}

func TestRandomSuffixLength(t *testing.T) {
	s := randomSuffix(4)
	if len(s) != 4 {
		t.Fatalf("randomSuffix(4) length = %d, want 4", len(s))
	}
}
