package workers

import (
	"strings"
	"testing"
	"time"

	"github.com/agent-console/server/internal/activity"
	"github.com/agent-console/server/internal/events"
	"github.com/agent-console/server/internal/outputlog"
	"github.com/agent-console/server/internal/store"
)

// resolveCommand substitutes {{prompt}} verbatim, not shell-quoted:
// §4.C makes quoting the template author's concern, not this layer's.
func TestResolveCommandSubstitutesPromptVerbatim(t *testing.T) {
	got := resolveCommand("claude {{prompt}}", "fix it; rm -rf /", "/wt")
	want := `claude fix it; rm -rf /`
	if got != want {
		t.Fatalf("resolveCommand() = %q, want %q", got, want)
	}
}

func TestResolveCommandSubstitutesCwd(t *testing.T) {
	got := resolveCommand("cd {{cwd}} && claude {{prompt}}", "go", "/repos/wt-001")
	want := "cd /repos/wt-001 && claude go"
	if got != want {
		t.Fatalf("resolveCommand() = %q, want %q", got, want)
	}
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *events.Hub) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	out := outputlog.New(outputlog.Config{Root: t.TempDir()})
	hub := events.New(events.Config{})
	reg := New(Config{
		Store:     st,
		Output:    out,
		Hub:       hub,
		Activity:  activity.Config{},
		KillGrace: 500 * time.Millisecond,
	})
	return reg, st, hub
}

// TestRestartAgentWorkerSuppressesStaleOnExit reproduces the race where
// the outgoing process's on_exit callback fires after the replacement
// process has already been spawned on the same liveWorker: it must not
// mark the just-restarted worker dead, clear its PID, close its
// detector, or broadcast a spurious worker-exited.
func TestRestartAgentWorkerSuppressesStaleOnExit(t *testing.T) {
	reg, st, hub := newTestRegistry(t)

	sess, err := st.CreateSession(store.Session{Type: store.SessionTypeQuick, LocationPath: "/tmp"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	agentDef, err := st.CreateAgentDefinition(store.AgentDefinition{
		Name:            "test-agent",
		CommandTemplate: "sleep 5; : {{prompt}}",
		AskingPatterns:  []string{},
	})
	if err != nil {
		t.Fatalf("create agent definition: %v", err)
	}

	worker, err := reg.CreateWorker(sess, CreateRequest{
		Type: store.WorkerTypeAgent, AgentID: agentDef.ID, Prompt: "hi",
	}, &agentDef, "")
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}

	sub := hub.Subscribe("test")
	defer hub.Unsubscribe(sub)

	restarted, err := reg.RestartAgentWorker(sess.ID, worker.ID, false, "hi-again", "")
	if err != nil {
		t.Fatalf("restart worker: %v", err)
	}

	// Give the superseded process's pump goroutine time to observe the
	// SIGTERM-induced exit and run its (suppressed) on_exit path.
	time.Sleep(300 * time.Millisecond)

	if !reg.IsAlive(sess.ID, worker.ID) {
		t.Fatal("worker marked dead after restart, want alive")
	}
	if _, ok := reg.GetActivityState(sess.ID, worker.ID); !ok {
		t.Fatal("detector not rebuilt after restart")
	}

	row, err := st.GetWorker(worker.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if row.PID != restarted.PID {
		t.Fatalf("persisted PID = %d, want %d (restarted worker's PID)", row.PID, restarted.PID)
	}
	if row.PID == 0 {
		t.Fatal("persisted PID is 0, want the restarted process's PID")
	}

	drainLoop:
	for {
		select {
		case data := <-sub.Send:
			if strings.Contains(string(data), "worker-exited") {
				t.Fatalf("got spurious worker-exited event after restart: %s", data)
			}
		default:
			break drainLoop
		}
	}
}
