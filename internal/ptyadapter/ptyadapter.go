// Package ptyadapter spawns a child process inside a pseudo-terminal
// and exposes write/resize/close plus on_data/on_exit callbacks. It is
// the only component allowed to assemble the final process environment:
// callers pass additional env vars, and the adapter enforces the
// blocked/protected lists and forces terminal-capability variables.
package ptyadapter

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// protectedVars can never be overridden by caller-supplied env.
var protectedVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"TERM": true, "COLORTERM": true, "LD_PRELOAD": true, "LD_LIBRARY_PATH": true,
}

func isDYLD(key string) bool {
	return strings.HasPrefix(key, "DYLD_")
}

// blockedVars are server-internal configuration that must never reach
// the child even transiently; they are unset in a shell prefix since
// the spawn primitive otherwise merges parent env with overrides.
var blockedVars = []string{
	"AGENT_CONSOLE_HOME", "GITHUB_WEBHOOK_SECRET", "SLACK_WEBHOOK_URL",
}

// SpawnConfig configures a new PTY-backed child process.
type SpawnConfig struct {
	Command  string // full shell command line to run
	Dir      string
	Rows     int
	Cols     int
	Env      []string // repository/agent-supplied KEY=VALUE pairs
	OnData   func(data []byte)
	OnExit   func(exitCode int, signaled bool)
	KillGrace time.Duration
}

// Adapter wraps one spawned PTY child.
type Adapter struct {
	mu           sync.Mutex
	cmd          *exec.Cmd
	pty          *os.File
	pid          int
	killGrace    time.Duration
	closed       bool
	exited       bool
	suppressExit bool
	exitedCh     chan struct{}
}

// Spawn starts the child and begins pumping its output to cfg.OnData.
func Spawn(cfg SpawnConfig) (*Adapter, error) {
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	env := assembleEnv(cfg.Env)
	shellCmd := buildShellCommand(cfg.Command)

	cmd := exec.Command("/bin/sh", "-c", shellCmd)
	cmd.Env = env
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("spawn pty: %w", err)
	}

	grace := cfg.KillGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}

	a := &Adapter{
		cmd:       cmd,
		pty:       ptmx,
		pid:       cmd.Process.Pid,
		killGrace: grace,
		exitedCh:  make(chan struct{}),
	}

	go a.pump(cfg.OnData, cfg.OnExit)

	return a, nil
}

// assembleEnv builds the child environment: starts from the parent
// process env (for PATH/HOME/etc.), applies the protected-var rule
// against caller-supplied entries, and forces terminal capability vars.
func assembleEnv(callerEnv []string) []string {
	base := os.Environ()
	merged := make(map[string]string, len(base)+len(callerEnv))
	for _, kv := range base {
		if k, v, ok := splitEnv(kv); ok {
			merged[k] = v
		}
	}
	for _, kv := range callerEnv {
		k, v, ok := splitEnv(kv)
		if !ok {
			continue
		}
		if protectedVars[k] || isDYLD(k) {
			continue
		}
		merged[k] = v
	}

	merged["TERM"] = "xterm-256color"
	merged["COLORTERM"] = "truecolor"
	merged["FORCE_COLOR"] = "1"

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func splitEnv(kv string) (key, value string, ok bool) {
	idx := strings.IndexByte(kv, '=')
	if idx < 0 {
		return "", "", false
	}
	return kv[:idx], kv[idx+1:], true
}

// buildShellCommand prepends an unset prefix for blocked vars so they
// never reach the child even if the shell re-reads the parent env.
func buildShellCommand(command string) string {
	var b strings.Builder
	for _, v := range blockedVars {
		b.WriteString("unset ")
		b.WriteString(v)
		b.WriteString("; ")
	}
	b.WriteString(command)
	return b.String()
}

func (a *Adapter) pump(onData func([]byte), onExit func(int, bool)) {
	buf := make([]byte, 4096)
	for {
		n, err := a.pty.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			a.mu.Lock()
			a.exited = true
			suppress := a.suppressExit
			a.mu.Unlock()

			_ = a.cmd.Wait()
			code := -1
			signaled := false
			if a.cmd.ProcessState != nil {
				code = a.cmd.ProcessState.ExitCode()
				if ws, ok := a.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
					signaled = ws.Signaled()
				}
			}
			close(a.exitedCh)
			if onExit != nil && !suppress {
				onExit(code, signaled)
			}
			return
		}
	}
}

// Write sends bytes to the child's stdin via the PTY master.
func (a *Adapter) Write(data []byte) error {
	_, err := a.pty.Write(data)
	return err
}

// Resize changes the PTY window size.
func (a *Adapter) Resize(rows, cols int) error {
	return pty.Setsize(a.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// PID returns the child's process id, or 0 once it has exited.
func (a *Adapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exited {
		return 0
	}
	return a.pid
}

// Close sends SIGTERM, waits up to killGrace, then sends SIGKILL, and
// closes the PTY master. Safe to call multiple times.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.cmd.Process != nil {
		_ = a.cmd.Process.Signal(unix.SIGTERM)

		select {
		case <-a.exitedCh:
		case <-time.After(a.killGrace):
			_ = a.cmd.Process.Kill()
			<-a.exitedCh
		}
	}

	return a.pty.Close()
}

// CloseAndSuppressExit behaves like Close but marks the on_exit
// callback for this child as delivered-by-the-caller: pump will not
// invoke it. Used when a caller kills the process as part of
// replacing it (a restart) and drives the resulting state transition
// itself, so the outgoing process's exit does not race the incoming
// one's startup.
func (a *Adapter) CloseAndSuppressExit() error {
	a.mu.Lock()
	a.suppressExit = true
	a.mu.Unlock()
	return a.Close()
}
