package executor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/ripforge/ripforge/internal/planner"
)

func TestRunCapturesExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lastPct float64
	res, err := Run(ctx, planner.ToolVideoToolA, []string{"sh", "-c", "exit 3"}, t.TempDir(), 10, func(p float64) {
		lastPct = p
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("got exit code %d, want 3", res.ExitCode)
	}
	_ = lastPct
}

func TestParseProgressLineVideoToolA(t *testing.T) {
	pct, ok := parseProgressLine(planner.ToolVideoToolA, "frame=100 fps=25 time=00:00:30.00 bitrate=1000kbits/s", 60)
	if !ok {
		t.Fatal("expected match")
	}
	if pct != 50 {
		t.Fatalf("got %v, want 50", pct)
	}
}

func TestParseProgressLineVideoToolB(t *testing.T) {
	pct, ok := parseProgressLine(planner.ToolVideoToolB, "Encoding: task 1 of 1, 42.50 %", 0)
	if !ok {
		t.Fatal("expected match")
	}
	if pct != 42.5 {
		t.Fatalf("got %v, want 42.5", pct)
	}
}

func TestRunCancelKillsProcessGroup(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var res Result
	go func() {
		res, _ = Run(ctx, planner.ToolVideoToolA, []string{"sh", "-c", "sleep 30"}, t.TempDir(), 0, nil)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
	_ = res
}
