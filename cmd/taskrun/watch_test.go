package main

import (
	"context"
	"os"
	"testing"
	"time"

	"taskrun/pkg/forward"
	"taskrun/pkg/launcher"
	"taskrun/pkg/orchestrator"
	"taskrun/pkg/protocol"

	"go.uber.org/zap"
)

func TestWatchTask_RestartsOnChange(t *testing.T) {
	t.Setenv(cliWorkerEnv, "1")
	taskPath := writeFile(t, "task.json", `{"n": 2, "wait": true}`)

	waiting := make(chan struct{}, 1)
	obs := orchestrator.ObserverFuncs{
		OnMessage: func(msg forward.Message) {
			if msg.Text == "waiting" {
				select {
				case waiting <- struct{}{}:
				default:
				}
			}
		},
	}
	o := orchestrator.New(orchestrator.Config{
		Worker:       launcher.Spec{Path: os.Args[0]},
		StartPort:    24000,
		GracePeriod:  300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Logger:       zap.NewNop(),
	}, obs)

	outcomes := make(chan orchestrator.Outcome, 4)
	runOnce := func(ctx context.Context) orchestrator.Outcome {
		task, err := loadTask(taskPath, nil)
		if err != nil {
			t.Errorf("loadTask: %v", err)
			return orchestrator.Outcome{State: protocol.StateFailed, Err: err}
		}
		out := o.Run(ctx, task)
		outcomes <- out
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type watchResult struct {
		out orchestrator.Outcome
		err error
	}
	done := make(chan watchResult, 1)
	go func() {
		out, err := watchTask(ctx, taskPath, o, runOnce, zap.NewNop())
		done <- watchResult{out, err}
	}()

	select {
	case <-waiting:
	case <-time.After(10 * time.Second):
		t.Fatal("first run never started working")
	}
	if err := os.WriteFile(taskPath, []byte(`{"n": 3}`), 0o600); err != nil {
		t.Fatalf("rewrite task: %v", err)
	}

	first := nextOutcome(t, outcomes)
	if !first.Aborted() {
		t.Fatalf("first outcome = %+v, want aborted", first)
	}
	second := nextOutcome(t, outcomes)
	if second.State != protocol.StateCompleted || second.Result == nil {
		t.Fatalf("second outcome = %+v, want completed with result", second)
	}
	var res struct {
		N int `json:"n"`
	}
	if err := second.Result.Decode(&res); err != nil || res.N != 9 {
		t.Fatalf("second result = %+v (%v), want n=9", res, err)
	}

	cancel()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("watchTask: %v", r.err)
		}
		if r.out.RunID != second.RunID {
			t.Fatalf("returned run %s, want last run %s", r.out.RunID, second.RunID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watchTask did not return after cancel")
	}
}

func nextOutcome(t *testing.T, ch <-chan orchestrator.Outcome) orchestrator.Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for a run outcome")
		return orchestrator.Outcome{}
	}
}
