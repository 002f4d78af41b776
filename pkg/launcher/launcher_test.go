package launcher_test

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"taskrun/pkg/broker"
	"taskrun/pkg/launcher"
	"taskrun/pkg/protocol"
)

func newToken(t *testing.T) broker.Token {
	t.Helper()
	tok, err := broker.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	return tok
}

// shell runs script under /bin/sh. The port lands in $0.
func shell(script string) launcher.Spec {
	return launcher.Spec{Path: "/bin/sh", Args: []string{"-c", script}}
}

func spawn(t *testing.T, spec launcher.Spec, port int) *launcher.Process {
	t.Helper()
	p, err := launcher.Spawn(context.Background(), spec, port, newToken(t), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Escalate(500 * time.Millisecond)
		_ = p.Stdout().Close()
		_ = p.Stderr().Close()
	})
	return p
}

func waitExit(t *testing.T, p *launcher.Process) {
	t.Helper()
	if !p.Wait(10 * time.Second) {
		t.Fatalf("process %d did not exit", p.Pid())
	}
}

func TestSpawn_PortIsLastArgAndTokenArrivesOnStdin(t *testing.T) {
	p := spawn(t, shell(`read tok; printf '%s %s\n' "$0" "${#tok}"`), 12345)
	waitExit(t, p)

	out, err := io.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if got, want := strings.TrimSpace(string(out)), "12345 64"; got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
	if code := p.ExitCode(); code != 0 {
		t.Fatalf("ExitCode = %d, want 0", code)
	}
}

func TestSpawn_TokenNotInEnvironment(t *testing.T) {
	script := `read tok; if env | grep -q "$tok"; then echo leaked; else echo clean; fi`
	p := spawn(t, shell(script), 1)
	waitExit(t, p)

	out, _ := io.ReadAll(p.Stdout())
	if got := strings.TrimSpace(string(out)); got != "clean" {
		t.Fatalf("environment check = %q, want clean", got)
	}
}

func TestSpawn_StderrIsSeparate(t *testing.T) {
	p := spawn(t, shell(`echo out; echo err >&2`), 1)
	waitExit(t, p)

	out, _ := io.ReadAll(p.Stdout())
	errOut, _ := io.ReadAll(p.Stderr())
	if string(out) != "out\n" || string(errOut) != "err\n" {
		t.Fatalf("stdout=%q stderr=%q", out, errOut)
	}
}

func TestSpawn_ExtraEnv(t *testing.T) {
	spec := shell(`echo "$TASKRUN_TEST_MARK"`)
	spec.Env = []string{"TASKRUN_TEST_MARK=present"}
	p := spawn(t, spec, 1)
	waitExit(t, p)

	out, _ := io.ReadAll(p.Stdout())
	if got := strings.TrimSpace(string(out)); got != "present" {
		t.Fatalf("stdout = %q, want present", got)
	}
}

func TestSpawn_MissingExecutable(t *testing.T) {
	_, err := launcher.Spawn(context.Background(),
		launcher.Spec{Path: "/nonexistent/worker"}, 1, newToken(t), nil)
	var se *protocol.SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SpawnError", err)
	}
	if se.Path != "/nonexistent/worker" {
		t.Fatalf("SpawnError.Path = %q", se.Path)
	}
}

func TestSpawn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := launcher.Spawn(ctx, shell("true"), 1, newToken(t), nil)
	if !errors.Is(err, protocol.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "exit 0", 0},
		{"failure", "exit 5", 5},
		{"killed", "kill -9 $$", 137},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := spawn(t, shell(tt.script), 1)
			waitExit(t, p)
			if got := p.ExitCode(); got != tt.want {
				t.Fatalf("ExitCode = %d, want %d", got, tt.want)
			}
			if p.Running() {
				t.Fatal("Running after exit")
			}
		})
	}
}

func TestExitCode_WhileRunning(t *testing.T) {
	p := spawn(t, shell("sleep 30"), 1)
	if !p.Running() {
		t.Fatal("Running = false for a sleeping worker")
	}
	if got := p.ExitCode(); got != -1 {
		t.Fatalf("ExitCode while running = %d, want -1", got)
	}
}

func TestEscalate_SIGTERMIsEnough(t *testing.T) {
	p := spawn(t, shell("exec sleep 30"), 1)

	if err := p.Escalate(2 * time.Second); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got := p.ExitCode(); got != 128+15 {
		t.Fatalf("ExitCode = %d, want %d", got, 128+15)
	}
}

func TestEscalate_KillsTermIgnoringGroup(t *testing.T) {
	// The shell and its sleeping children all ignore SIGTERM.
	p := spawn(t, shell(`trap '' TERM; echo ready; while :; do sleep 0.05; done`), 1)

	buf := make([]byte, 6)
	if _, err := io.ReadFull(p.Stdout(), buf); err != nil {
		t.Fatalf("wait for ready: %v", err)
	}

	start := time.Now()
	grace := 300 * time.Millisecond
	if err := p.Escalate(grace); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if time.Since(start) < grace {
		t.Fatalf("escalated to SIGKILL without waiting the grace period")
	}
	if got := p.ExitCode(); got != 128+9 {
		t.Fatalf("ExitCode = %d, want %d", got, 128+9)
	}
}

func TestEscalate_AfterExitIsNoop(t *testing.T) {
	p := spawn(t, shell("exit 0"), 1)
	waitExit(t, p)
	if err := p.Escalate(time.Millisecond); err != nil {
		t.Fatalf("Escalate after exit: %v", err)
	}
}

func TestPid_IsProcessGroupLeader(t *testing.T) {
	p := spawn(t, shell(`ps -o pgid= -p $$`), 1)
	waitExit(t, p)

	out, _ := io.ReadAll(p.Stdout())
	pgid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		t.Skipf("ps output not usable here: %q", out)
	}
	if pgid != p.Pid() {
		t.Fatalf("pgid = %d, want %d", pgid, p.Pid())
	}
}
