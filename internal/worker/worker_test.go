package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ripforge/ripforge/internal/config"
	"github.com/ripforge/ripforge/internal/model"
	"github.com/ripforge/ripforge/internal/probe"
	"github.com/ripforge/ripforge/internal/store"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Inception (2010)", "Inception (2010)"},
		{"Who? What: Why/How\\*", "Who_ What_ Why_How__"},
		{"  extra   spaces  ", "extra spaces"},
		{"", "untitled"},
	}
	for _, tt := range tests {
		if got := cleanTitle(tt.in); got != tt.want {
			t.Errorf("cleanTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanTitleTrimsToMaxLen(t *testing.T) {
	long := ""
	for i := 0; i < 300; i++ {
		long += "a"
	}
	got := cleanTitle(long)
	if len(got) != maxTitleLen {
		t.Fatalf("got length %d, want %d", len(got), maxTitleLen)
	}
}

func TestPickMainVideoFileChoosesLargest(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "sample.mkv"), make([]byte, 10), 0644)
	os.WriteFile(filepath.Join(dir, "feature.mkv"), make([]byte, 1000), 0644)
	os.WriteFile(filepath.Join(dir, "readme.txt"), make([]byte, 5000), 0644)

	got := pickMainVideoFile(dir, []string{"sample.mkv", "feature.mkv", "readme.txt"})
	if filepath.Base(got) != "feature.mkv" {
		t.Fatalf("got %q, want feature.mkv", got)
	}
}

func TestSubdirFor(t *testing.T) {
	cfg := &config.Config{MoviesSubdir: "movies", TVSubdir: "tv", AudioSubdir: "audio"}
	cases := map[model.Classification]string{
		model.ClassificationMovie: "movies",
		model.ClassificationTV:    "tv",
		model.ClassificationAudio: "audio",
	}
	for c, want := range cases {
		if got := subdirFor(cfg, c); got != want {
			t.Errorf("subdirFor(%v) = %q, want %q", c, got, want)
		}
	}
}

func TestNextFallback(t *testing.T) {
	if got := nextFallback(model.EncoderNVENC); got != model.EncoderVAAPI {
		t.Errorf("got %v, want vaapi", got)
	}
	if got := nextFallback(model.EncoderSoftX265); got != "" {
		t.Errorf("got %v, want empty (end of chain)", got)
	}
}

func TestAtomicMoveMovesFileAndRemovesSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	os.WriteFile(src, []byte("hello"), 0644)

	if err := atomicMove(src, dst); err != nil {
		t.Fatalf("atomicMove: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v, want \"hello\"", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source removed after move")
	}
}

// fakeStore is a minimal in-memory store.Store used to exercise the
// worker's audio-passthrough path without a real database.
type fakeStore struct {
	mu                  sync.Mutex
	jobs                map[int64]*model.Job
	finishCalls         int
	resetToPendingCalls int
	lastResetKind       model.ErrorKind
}

func newFakeStore() *fakeStore { return &fakeStore{jobs: map[int64]*model.Job{}} }

func (f *fakeStore) Insert(ctx context.Context, j *model.Job) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j.ID = int64(len(f.jobs) + 1)
	f.jobs[j.ID] = j
	return j.ID, nil
}
func (f *fakeStore) ClaimNext(ctx context.Context) (*model.Job, error) { return nil, nil }
func (f *fakeStore) UpdateProgress(ctx context.Context, id int64, progress float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Progress = progress
	}
	return nil
}
func (f *fakeStore) Finish(ctx context.Context, id int64, status model.Status, kind model.ErrorKind, errMsg, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishCalls++
	if j, ok := f.jobs[id]; ok {
		j.Status = status
		j.ErrorKind = kind
		j.Error = errMsg
		j.OutputPath = outputPath
	}
	return nil
}
func (f *fakeStore) Requeue(ctx context.Context, id int64, max int) (bool, error) { return false, nil }
func (f *fakeStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id], nil
}
func (f *fakeStore) List(ctx context.Context, status model.Status, limit, offset int) ([]*model.Job, error) {
	return nil, nil
}
func (f *fakeStore) Stats(ctx context.Context) (store.Stats, error)  { return store.Stats{}, nil }
func (f *fakeStore) RecoverOrphans(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) ResetToPending(ctx context.Context, id int64, kind model.ErrorKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetToPendingCalls++
	f.lastResetKind = kind
	if j, ok := f.jobs[id]; ok {
		j.Status = model.StatusPending
		j.ErrorKind = kind
	}
	return nil
}
func (f *fakeStore) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}
func (f *fakeStore) Close() error { return nil }

func TestRunAudioPassthroughCopiesAndSkipsEncoder(t *testing.T) {
	raw := t.TempDir()
	completed := t.TempDir()
	srcDir := filepath.Join(raw, "Best Of")
	os.MkdirAll(srcDir, 0755)
	os.WriteFile(filepath.Join(srcDir, "track01.flac"), []byte("audio-data"), 0644)

	cfg := &config.Config{RawPath: raw, CompletedPath: completed, AudioSubdir: "audio", DeleteSource: false}
	w := &Worker{cfg: cfg, st: newFakeStore(), prober: probe.NewProber("ffprobe"), detector: probe.NewEncoderDetector("ffmpeg", "")}

	job := &model.Job{ID: 1, Title: "Best Of", SourceHint: "Best Of", SourceResolved: srcDir}
	fs := w.st.(*fakeStore)
	fs.jobs[job.ID] = job
	w.runAudioPassthrough(context.Background(), job, srcDir, []string{"track01.flac"})

	stored, _ := fs.Get(context.Background(), job.ID)
	if stored.Status != model.StatusCompleted {
		t.Fatalf("got status %q, want completed", stored.Status)
	}
	dst := filepath.Join(completed, "audio", "Best Of", "track01.flac")
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected copied file at %s: %v", dst, err)
	}
	if _, err := os.Stat(srcDir); err != nil {
		t.Fatalf("expected source retained when DELETE_SOURCE=false: %v", err)
	}
}

// TestStabilizeAndResolveMissingDirectoryIsMissingNotShutdown covers the
// case where the source vanishes before it ever stabilizes: the stabilizer
// fails on its very first tree hash (no context cancellation involved), so
// this must surface as a missing source, not a shutdown.
func TestStabilizeAndResolveMissingDirectoryIsMissingNotShutdown(t *testing.T) {
	raw := t.TempDir()
	cfg := &config.Config{RawPath: raw, StabilizeSeconds: 1}
	w := &Worker{cfg: cfg}

	job := &model.Job{ID: 1, SourceHint: "never-existed"}
	_, kind, err := w.stabilizeAndResolve(context.Background(), job)
	if kind != model.ErrorKindMissing {
		t.Fatalf("got kind %q, want missing", kind)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("got context.Canceled wrapped in a missing-source error: %v", err)
	}
}

// TestStabilizeAndResolveCancellationDuringWaitIsShutdown covers true
// cancellation: the source exists but never reaches a stable streak before
// the worker's context is cancelled out from under it. This must surface
// as a shutdown, never as a terminal failure.
func TestStabilizeAndResolveCancellationDuringWaitIsShutdown(t *testing.T) {
	raw := t.TempDir()
	srcDir := filepath.Join(raw, "Still Ripping")
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	os.WriteFile(filepath.Join(srcDir, "part1.mkv"), []byte("x"), 0644)

	// StabilizeSeconds large enough that the stabilizer's fixed 5s poll
	// interval requires at least two samples before declaring stability,
	// so Wait parks on its ctx.Done()/timer select instead of returning
	// immediately on the first hash.
	cfg := &config.Config{RawPath: raw, StabilizeSeconds: 11}
	w := &Worker{cfg: cfg}

	ctx, cancel := context.WithCancel(context.Background())
	job := &model.Job{ID: 1, SourceHint: "Still Ripping"}

	type result struct {
		kind model.ErrorKind
		err  error
	}
	done := make(chan result, 1)
	go func() {
		_, kind, err := w.stabilizeAndResolve(ctx, job)
		done <- result{kind, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case r := <-done:
		if r.kind != model.ErrorKindShutdown {
			t.Fatalf("got kind %q, want shutdown", r.kind)
		}
		if !errors.Is(r.err, context.Canceled) {
			t.Fatalf("got err %v, want context.Canceled", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stabilizeAndResolve did not return promptly after cancellation")
	}
}

// TestProcessJobRoutesShutdownToResetToPendingNotFinish pins the
// processJob-level wiring: a shutdown classification from
// stabilizeAndResolve must reach the store as ResetToPending (job stays
// alive as PENDING), never as Finish (which would fail it permanently).
func TestProcessJobRoutesShutdownToResetToPendingNotFinish(t *testing.T) {
	raw := t.TempDir()
	srcDir := filepath.Join(raw, "Still Ripping")
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	os.WriteFile(filepath.Join(srcDir, "part1.mkv"), []byte("x"), 0644)

	cfg := &config.Config{RawPath: raw, StabilizeSeconds: 11}
	fs := newFakeStore()
	w := &Worker{cfg: cfg, st: fs}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	job := &model.Job{SourceHint: "Still Ripping"}
	fs.Insert(context.Background(), job)

	done := make(chan struct{})
	go func() {
		w.processJob(job)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	w.cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processJob did not return promptly after cancellation")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.resetToPendingCalls != 1 {
		t.Fatalf("got resetToPendingCalls=%d, want 1", fs.resetToPendingCalls)
	}
	if fs.lastResetKind != model.ErrorKindShutdown {
		t.Fatalf("got reset kind %q, want shutdown", fs.lastResetKind)
	}
	if fs.finishCalls != 0 {
		t.Fatalf("got finishCalls=%d, want 0 (shutdown must not be recorded as a terminal failure)", fs.finishCalls)
	}
}
