// Package executor spawns a transcode subprocess, parses its progress
// output, and enforces graceful-then-forceful cancellation.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ripforge/ripforge/internal/logger"
	"github.com/ripforge/ripforge/internal/planner"
)

// stderrTailCap is the number of trailing bytes of combined stderr kept
// for the job's error field on nonzero exit, per spec.md §4.8.
const stderrTailCap = 8 * 1024

// gracePeriod is how long Run waits after a graceful termination signal
// before escalating to a forceful kill.
const gracePeriod = 10 * time.Second

// Result is what a subprocess run produced.
type Result struct {
	ExitCode   int
	StderrTail string
}

// OnProgress is called with a progress percentage in [0,100] each time the
// subprocess reports one. Implementations must not block.
type OnProgress func(percent float64)

// videoToolATime matches VideoTool-A's `time=HH:MM:SS.sss` progress line.
var videoToolATime = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)

// videoToolBTask matches VideoTool-B's `Encoding: task N of M, P.PP %` line.
var videoToolBTask = regexp.MustCompile(`Encoding: task \d+ of \d+, ([\d.]+) %`)

// Run spawns argv in a new process group and drives it to completion,
// feeding progress callbacks and honoring ctx cancellation with a graceful
// term then forceful kill.
func Run(ctx context.Context, tool planner.Tool, argv []string, cwd string, durationSeconds float64, onProgress OnProgress) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("executor: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	var stderrTail tailBuffer

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("executor: start: %w", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		scanProgress(tool, stdout, durationSeconds, onProgress)
		return nil
	})
	eg.Go(func() error {
		scanStderr(stderrPipe, tool, durationSeconds, onProgress, &stderrTail)
		return nil
	})

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		pgid, pgErr := syscall.Getpgid(cmd.Process.Pid)
		if pgErr == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		}
		select {
		case waitErr := <-waitDone:
			_ = eg.Wait()
			return buildResult(waitErr, stderrTail.String()), ctx.Err()
		case <-time.After(gracePeriod):
			if pgErr == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			}
			waitErr := <-waitDone
			_ = eg.Wait()
			return buildResult(waitErr, stderrTail.String()), ctx.Err()
		}
	case waitErr := <-waitDone:
		_ = eg.Wait()
		return buildResult(waitErr, stderrTail.String()), nil
	}
}

func buildResult(waitErr error, tail string) Result {
	code := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	return Result{ExitCode: code, StderrTail: tail}
}

func scanProgress(tool planner.Tool, r io.Reader, durationSeconds float64, onProgress OnProgress) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if pct, ok := parseProgressLine(tool, line, durationSeconds); ok {
			emit(onProgress, pct)
		}
	}
}

func scanStderr(r io.Reader, tool planner.Tool, durationSeconds float64, onProgress OnProgress, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Write(line)
		if pct, ok := parseProgressLine(tool, line, durationSeconds); ok {
			emit(onProgress, pct)
		}
	}
}

func emit(onProgress OnProgress, pct float64) {
	if onProgress == nil {
		return
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	onProgress(pct)
}

// parseProgressLine extracts a progress percentage from one line of
// subprocess output, per the two distinct conventions named in
// spec.md §4.7.
func parseProgressLine(tool planner.Tool, line string, durationSeconds float64) (float64, bool) {
	switch tool {
	case planner.ToolVideoToolB:
		m := videoToolBTask.FindStringSubmatch(line)
		if m == nil {
			return 0, false
		}
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return pct, true
	default:
		m := videoToolATime.FindStringSubmatch(line)
		if m == nil || durationSeconds <= 0 {
			return 0, false
		}
		h, _ := strconv.ParseFloat(m[1], 64)
		min, _ := strconv.ParseFloat(m[2], 64)
		s, _ := strconv.ParseFloat(m[3], 64)
		elapsed := h*3600 + min*60 + s
		return elapsed / durationSeconds * 100, true
	}
}

// tailBuffer keeps only the last stderrTailCap bytes of appended lines.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if t.buf.Len() > stderrTailCap {
		excess := t.buf.Len() - stderrTailCap
		t.buf.Next(excess)
	}
	logger.Debug("executor stderr", "line", line)
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
