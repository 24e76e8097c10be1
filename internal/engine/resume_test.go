package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/danshapiro/attractor/internal/runtime"
)

func TestResumeAfterCrashMatchesCleanRun(t *testing.T) {
	// Clean run: implement/test where the first test fails and the goal
	// gate loops back.
	cleanBackend := &ScriptedBackend{Responses: map[string][]ScriptedResult{
		"test": {
			{Response: "red", Outcome: runtime.Outcome{Status: runtime.StatusFail, FailureReason: "tests failed"}},
			{Response: "green", Outcome: costedSuccess(0)},
		},
	}}
	cleanEng := newTestEngine(t, goalGateSrc, RunOptions{}, cleanBackend)
	cleanRes, err := cleanEng.Run(context.Background())
	if err != nil {
		t.Fatalf("clean run: %v", err)
	}

	// Crashing run: same pipeline, but the step limit kills the process
	// right after the failing test's checkpoint.
	logsRoot := t.TempDir()
	three := 3
	crashBackend := &ScriptedBackend{Responses: map[string][]ScriptedResult{
		"test": {{Response: "red", Outcome: runtime.Outcome{Status: runtime.StatusFail, FailureReason: "tests failed"}}},
	}}
	crashEng := newTestEngine(t, goalGateSrc, RunOptions{LogsRoot: logsRoot, MaxSteps: &three}, crashBackend)
	_, err = crashEng.Run(context.Background())
	var sle *StepLimitExceeded
	if !errors.As(err, &sle) {
		t.Fatalf("expected simulated crash, got %v", err)
	}

	// Relaunch from the checkpoint. The resumed engine re-evaluates
	// routing from the failed test, hits the goal gate at the exit, loops
	// back to implement, and completes.
	res, err := Resume(context.Background(), logsRoot, ResumeOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !reflect.DeepEqual(res.CompletedNodes, cleanRes.CompletedNodes) {
		t.Fatalf("resumed completed %v != clean %v", res.CompletedNodes, cleanRes.CompletedNodes)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final: %v", res.FinalStatus)
	}
}

func TestResumeWaitHumanWithResponse(t *testing.T) {
	logsRoot := t.TempDir()
	eng := newTestEngine(t, waitHumanSrc, RunOptions{LogsRoot: logsRoot}, nil)
	eng.Interviewer = nil
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Suspended {
		t.Fatal("expected suspension")
	}

	resumed, err := Resume(context.Background(), logsRoot, ResumeOptions{HumanResponse: "Hold"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := []string{"start", "gate", "hold", "done"}
	if !reflect.DeepEqual(resumed.CompletedNodes, want) {
		t.Fatalf("resumed completed: %v want %v", resumed.CompletedNodes, want)
	}
}

func TestResumeMissingCheckpointFails(t *testing.T) {
	_, err := Resume(context.Background(), t.TempDir(), ResumeOptions{})
	var re *ResumeError
	if !errors.As(err, &re) {
		t.Fatalf("want ResumeError, got %v", err)
	}
}

func TestResumeRejectsCheckpointWithUnknownNodes(t *testing.T) {
	logsRoot := t.TempDir()
	// Persist a graph without the node the checkpoint references.
	src := []byte(`
digraph G {
  start [shape=Mdiamond]
  done [shape=Msquare]
  start -> done
}
`)
	if err := os.WriteFile(filepath.Join(logsRoot, "graph.dot"), src, 0o644); err != nil {
		t.Fatal(err)
	}
	cp := runtime.NewCheckpoint()
	cp.SessionID = "s1"
	cp.CurrentNode = "vanished"
	cp.CompletedNodes = []string{"start"}
	if err := cp.Save(runtime.Path(logsRoot, cp.SessionID)); err != nil {
		t.Fatal(err)
	}
	_, err := Resume(context.Background(), logsRoot, ResumeOptions{})
	var re *ResumeError
	if !errors.As(err, &re) {
		t.Fatalf("want ResumeError for missing node, got %v", err)
	}
}

func TestResumeCompletedRunReturnsSuccess(t *testing.T) {
	logsRoot := t.TempDir()
	backend := &ScriptedBackend{Responses: map[string][]ScriptedResult{}}
	eng := newTestEngine(t, linearSrc, RunOptions{LogsRoot: logsRoot}, backend)
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Resuming a finished run finds the exit checkpoint and reports
	// success without re-executing anything.
	res, err := Resume(context.Background(), logsRoot, ResumeOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final: %v", res.FinalStatus)
	}
}
