// Package worker drives the single-flight job state machine: stabilize,
// resolve, admit, plan, execute, publish, clean up.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ripforge/ripforge/internal/cmdguard"
	"github.com/ripforge/ripforge/internal/config"
	"github.com/ripforge/ripforge/internal/executor"
	"github.com/ripforge/ripforge/internal/logger"
	"github.com/ripforge/ripforge/internal/metrics"
	"github.com/ripforge/ripforge/internal/model"
	"github.com/ripforge/ripforge/internal/pathguard"
	"github.com/ripforge/ripforge/internal/planner"
	"github.com/ripforge/ripforge/internal/probe"
	"github.com/ripforge/ripforge/internal/stabilizer"
	"github.com/ripforge/ripforge/internal/store"
)

// pollInterval is how often the worker checks for a PENDING job when the
// queue is empty.
var pollInterval = time.Second

// fallbackOrder is the configured encoder-family fallback chain tried,
// once, after an EXECUTING failure, per the enrichment to spec.md §4.7.
var fallbackOrder = []model.EncoderFamily{
	model.EncoderNVENC, model.EncoderVAAPI, model.EncoderQSV, model.EncoderAMF, model.EncoderSoftX265,
}

var audioExtensions = map[string]bool{
	".flac": true, ".mp3": true, ".wav": true, ".ogg": true,
}

// reservedChars are filesystem-hostile characters replaced in a cleaned
// title, per spec.md §4.7's PUBLISHING rule.
const reservedChars = `<>:"/\|?*`

const maxTitleLen = 240

// Worker is the single background task that claims and drives jobs.
type Worker struct {
	cfg      *config.Config
	st       store.Store
	prober   *probe.Prober
	detector *probe.EncoderDetector
	presets  *cmdguard.PresetAllowlist

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	currentJob *model.Job
	jobCancel  context.CancelFunc
	jobDone    chan struct{}
}

// New constructs a Worker bound to the given store and probes.
func New(cfg *config.Config, st store.Store, prober *probe.Prober, detector *probe.EncoderDetector) *Worker {
	return &Worker{cfg: cfg, st: st, prober: prober, detector: detector, presets: cmdguard.DefaultPresetAllowlist()}
}

// Start launches the worker loop as a background goroutine.
func (w *Worker) Start(parentCtx context.Context) {
	w.ctx, w.cancel = context.WithCancel(parentCtx)
	w.wg.Add(1)
	go w.run()
}

// Stop cancels any in-flight job and waits for the loop to exit.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// CurrentJob reports the job presently being processed, if any. It
// implements httpapi.StatusSource for GET /health.
func (w *Worker) CurrentJob() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentJob == nil {
		return 0, false
	}
	return w.currentJob.ID, true
}

func (w *Worker) run() {
	defer w.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		job, err := w.st.ClaimNext(w.ctx)
		if err != nil {
			logger.Error("worker: claim next failed", "error", err)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
		w.refreshQueueDepth()

		if job == nil {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		w.processJob(job)
	}
}

// refreshQueueDepth republishes the queue-depth gauge from a fresh Stats
// read; errors are logged and otherwise ignored since this is best-effort
// observability, not state the worker depends on.
func (w *Worker) refreshQueueDepth() {
	st, err := w.st.Stats(w.ctx)
	if err != nil {
		logger.Warn("worker: stats refresh failed", "error", err)
		return
	}
	metrics.SetQueueDepth(st.Pending, st.Running, st.Completed, st.Failed, st.Cancelled)
}

func (w *Worker) processJob(job *model.Job) {
	jobCtx, jobCancel := context.WithCancel(w.ctx)
	defer jobCancel()

	w.mu.Lock()
	w.currentJob = job
	w.jobCancel = jobCancel
	w.jobDone = make(chan struct{})
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.currentJob = nil
		w.jobCancel = nil
		close(w.jobDone)
		w.jobDone = nil
		w.mu.Unlock()
	}()

	jlog := logger.Job(job.ID)
	jlog.Info("job started", "source_hint", job.SourceHint)

	resolved, kind, err := w.stabilizeAndResolve(jobCtx, job)
	if err != nil {
		if kind == model.ErrorKindShutdown {
			w.handleShutdown(jobCtx, job)
			return
		}
		w.finishWithErr(jobCtx, job, kind, err)
		return
	}
	job.SourceResolved = resolved

	sourceFiles, err := listFiles(resolved)
	if err != nil {
		w.finishWithErr(jobCtx, job, model.ErrorKindMissing, err)
		return
	}

	classification := planner.Classify(sourceFiles, job.SourceHint)
	job.Classification = classification

	if classification == model.ClassificationAudio {
		w.runAudioPassthrough(jobCtx, job, resolved, sourceFiles)
		return
	}

	if err := w.admitDiskSpace(resolved); err != nil {
		w.finishWithErr(jobCtx, job, model.ErrorKindNoSpace, err)
		return
	}

	w.runVideoTranscode(jobCtx, job, resolved, sourceFiles)
}

// stabilizeAndResolve waits for the source to go quiet, then resolves it
// through PathGuard. Candidate resolution happens twice: once (without
// requiring existence) to get a path to watch, once more (requiring
// existence) after stability to catch a source that vanished mid-wait.
func (w *Worker) stabilizeAndResolve(ctx context.Context, job *model.Job) (string, model.ErrorKind, error) {
	candidate, err := pathguard.Resolve(w.cfg.RawPath, job.SourceHint, false)
	if err != nil {
		return "", model.ErrorKindMissing, fmt.Errorf("resolve source: %w", err)
	}

	stableFor := time.Duration(w.cfg.StabilizeSeconds) * time.Second
	if err := stabilizer.Wait(ctx, candidate, stableFor); err != nil {
		if err == stabilizer.ErrTimeout {
			return "", model.ErrorKindUnstable, err
		}
		if ctx.Err() != nil {
			return "", model.ErrorKindShutdown, err
		}
		// A non-timeout, non-cancellation error (e.g. the source directory
		// vanished mid-wait) is a missing source, not a shutdown.
		return "", model.ErrorKindMissing, err
	}

	resolved, err := pathguard.Resolve(w.cfg.RawPath, job.SourceHint, true)
	if err != nil {
		return "", model.ErrorKindMissing, fmt.Errorf("resolve source: %w", err)
	}
	return resolved, "", nil
}

// admitDiskSpace enforces spec.md §4.7's ADMIT rule: required space is
// 60% of the source size plus the configured floor.
func (w *Worker) admitDiskSpace(sourceDir string) error {
	sourceSize, err := dirSize(sourceDir)
	if err != nil {
		return fmt.Errorf("admit: measure source: %w", err)
	}

	free, err := freeBytes(w.cfg.WorkPath)
	if err != nil {
		return fmt.Errorf("admit: free space: %w", err)
	}

	required := uint64(float64(sourceSize)*0.6) + uint64(w.cfg.MinimumFreeSpaceGB)*1024*1024*1024
	if free < required {
		return fmt.Errorf("admit: %s free, %s required", humanize.Bytes(free), humanize.Bytes(required))
	}
	return nil
}

func (w *Worker) runVideoTranscode(ctx context.Context, job *model.Job, resolved string, sourceFiles []string) {
	mainFile := pickMainVideoFile(resolved, sourceFiles)
	if mainFile == "" {
		w.finishWithErr(ctx, job, model.ErrorKindMissing, fmt.Errorf("no video file found under %s", resolved))
		return
	}

	info, err := w.prober.Probe(ctx, mainFile)
	if err != nil {
		w.finishWithErr(ctx, job, model.ErrorKindMissing, fmt.Errorf("probe: %w", err))
		return
	}
	resClass := info.Classify()

	family := w.resolveEncoderFamily(job)
	job.EncoderFamily = family

	workDir := w.cfg.WorkDirFor(job.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		w.finishWithErr(ctx, job, model.ErrorKindEncode, fmt.Errorf("create work dir: %w", err))
		return
	}
	defer os.RemoveAll(workDir)

	ext := "mkv"
	dst := filepath.Join(workDir, "output."+ext)

	settings := w.settings()
	useHandbrakePreset := family == model.EncoderNVENC && w.cfg.HandbrakePreset != "" &&
		w.presets.Validate(w.cfg.HandbrakePreset) == nil && w.presets.Validate(w.cfg.HandbrakePreset4K) == nil

	encodeStart := time.Now()
	res, tool, err := w.attemptEncode(ctx, family, resClass, mainFile, dst, settings, useHandbrakePreset, job, info)
	if err != nil {
		if ctx.Err() != nil {
			w.handleShutdown(ctx, job)
			return
		}
		w.finishWithErr(ctx, job, model.ErrorKindEncode, err)
		return
	}
	_ = tool

	if res.ExitCode != 0 {
		if ctx.Err() != nil {
			w.handleShutdown(ctx, job)
			return
		}
		logger.Job(job.ID).Warn("job encode failed, trying fallback encoder", "family", family, "stderr_tail", res.StderrTail)
		next := nextFallback(family)
		if next == "" {
			w.finishWithErr(ctx, job, model.ErrorKindEncode, fmt.Errorf("encode failed (rc=%d): %s", res.ExitCode, res.StderrTail))
			return
		}
		useHandbrakePreset = next == model.EncoderNVENC && useHandbrakePreset
		res2, _, err := w.attemptEncode(ctx, next, resClass, mainFile, dst, settings, useHandbrakePreset, job, info)
		if err != nil || res2.ExitCode != 0 {
			if ctx.Err() != nil {
				w.handleShutdown(ctx, job)
				return
			}
			tail := res.StderrTail
			if err == nil {
				tail = res2.StderrTail
			}
			w.finishWithErr(ctx, job, model.ErrorKindEncode, fmt.Errorf("encode failed after fallback to %s: %s", next, tail))
			return
		}
		job.EncoderFamily = next
	}

	metrics.RecordEncodeDuration(job.EncoderFamily, time.Since(encodeStart).Seconds())
	w.publishVideo(ctx, job, dst)
}

func (w *Worker) attemptEncode(ctx context.Context, family model.EncoderFamily, resClass probe.ResolutionClass, src, dst string, settings planner.Settings, useHandbrakePreset bool, job *model.Job, info probe.MediaInfo) (executor.Result, planner.Tool, error) {
	plan, err := planner.Build(family, resClass, src, dst, settings, useHandbrakePreset)
	if err != nil {
		return executor.Result{}, "", err
	}

	bin := w.cfg.FFmpegPath
	if plan.Tool == planner.ToolVideoToolB {
		bin = w.cfg.HandbrakeCLIPath
	}
	argv := append([]string{bin}, plan.Argv...)

	res, err := executor.Run(ctx, plan.Tool, argv, w.cfg.WorkDirFor(job.ID), info.Duration.Seconds(), func(pct float64) {
		_ = w.st.UpdateProgress(ctx, job.ID, pct)
	})
	return res, plan.Tool, err
}

func (w *Worker) resolveEncoderFamily(job *model.Job) model.EncoderFamily {
	configured, err := cmdguard.NormalizeVideoEncoder(w.cfg.VideoEncoder)
	if err != nil {
		logger.Job(job.ID).Warn("worker: invalid configured video_encoder, using software x265", "error", err)
		return model.EncoderSoftX265
	}

	family := familyOf(configured)
	available := w.detector.Available()
	if available[family] {
		return family
	}

	logger.Job(job.ID).Warn("job configured encoder unavailable, falling back", "configured", family)
	for _, f := range fallbackOrder {
		if available[f] {
			return f
		}
	}
	return model.EncoderSoftX265
}

func familyOf(enc cmdguard.VideoEncoder) model.EncoderFamily {
	switch enc {
	case cmdguard.NVENCH265, cmdguard.NVENCH264:
		return model.EncoderNVENC
	case cmdguard.VAAPIH265, cmdguard.VAAPIH264:
		return model.EncoderVAAPI
	case cmdguard.AMFH265, cmdguard.AMFH264:
		return model.EncoderAMF
	case cmdguard.QSVH265, cmdguard.QSVH264:
		return model.EncoderQSV
	case cmdguard.X264:
		return model.EncoderSoftX264
	default:
		return model.EncoderSoftX265
	}
}

func nextFallback(current model.EncoderFamily) model.EncoderFamily {
	for i, f := range fallbackOrder {
		if f == current && i+1 < len(fallbackOrder) {
			return fallbackOrder[i+1]
		}
	}
	return ""
}

func (w *Worker) settings() planner.Settings {
	audioEnc, err := cmdguard.ValidateAudioEncoder(w.cfg.AudioEncoder)
	if err != nil {
		audioEnc = cmdguard.AudioCopy
	}
	subMode, err := cmdguard.ValidateSubtitleMode(w.cfg.SubtitleMode)
	if err != nil {
		subMode = cmdguard.SubtitleAll
	}
	return planner.Settings{
		Quality:           w.cfg.VideoQuality,
		AudioEncoder:      audioEnc,
		SubtitleMode:      subMode,
		HandbrakePreset:   w.cfg.HandbrakePreset,
		HandbrakePreset4K: w.cfg.HandbrakePreset4K,
		VAAPIDevice:       w.cfg.VAAPIDevice,
	}
}

func (w *Worker) publishVideo(ctx context.Context, job *model.Job, workFile string) {
	subdir := subdirFor(w.cfg, job.Classification)
	dstDir := filepath.Join(w.cfg.CompletedPath, subdir)
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		w.finishWithErr(ctx, job, model.ErrorKindPublish, fmt.Errorf("publish: %w", err))
		return
	}

	dst := filepath.Join(dstDir, cleanTitle(job.Title)+filepath.Ext(workFile))
	if err := atomicMove(workFile, dst); err != nil {
		w.finishWithErr(ctx, job, model.ErrorKindPublish, fmt.Errorf("publish: %w", err))
		return
	}

	job.OutputPath = dst
	w.cleanupAndComplete(ctx, job)
}

func (w *Worker) runAudioPassthrough(ctx context.Context, job *model.Job, resolved string, sourceFiles []string) {
	dstDir := filepath.Join(w.cfg.CompletedPath, w.cfg.AudioSubdir, cleanTitle(job.Title))
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		w.finishWithErr(ctx, job, model.ErrorKindPublish, fmt.Errorf("audio publish: %w", err))
		return
	}

	for _, rel := range sourceFiles {
		if !audioExtensions[strings.ToLower(filepath.Ext(rel))] {
			continue
		}
		src := filepath.Join(resolved, rel)
		dst := filepath.Join(dstDir, filepath.Base(rel))
		if err := copyFile(src, dst); err != nil {
			w.finishWithErr(ctx, job, model.ErrorKindPublish, fmt.Errorf("audio publish: %w", err))
			return
		}
	}

	job.OutputPath = dstDir
	_ = w.st.UpdateProgress(ctx, job.ID, 100)
	w.cleanupAndComplete(ctx, job)
}

func (w *Worker) cleanupAndComplete(ctx context.Context, job *model.Job) {
	if w.cfg.DeleteSource && job.SourceResolved != "" {
		if err := os.RemoveAll(job.SourceResolved); err != nil {
			logger.Job(job.ID).Warn("cleanup: failed to remove source (non-fatal)", "error", err)
		}
	}

	jlog := logger.Job(job.ID)
	if err := w.st.Finish(ctx, job.ID, model.StatusCompleted, "", "", job.OutputPath); err != nil {
		jlog.Error("worker: failed to record completion", "error", err)
		return
	}
	metrics.RecordJobOutcome(model.StatusCompleted, "")
	jlog.Info("job completed", "output_path", job.OutputPath)
}

func (w *Worker) finishWithErr(ctx context.Context, job *model.Job, kind model.ErrorKind, cause error) {
	jlog := logger.Job(job.ID)
	jlog.Warn("job failed", "error_kind", kind, "error", cause)
	if err := w.st.Finish(ctx, job.ID, model.StatusFailed, kind, cause.Error(), ""); err != nil {
		jlog.Error("worker: failed to record failure", "error", err)
	}
	metrics.RecordJobOutcome(model.StatusFailed, kind)
}

// handleShutdown persists the job as PENDING with error_kind=shutdown
// rather than failing it, per spec.md §5's graceful-shutdown contract.
func (w *Worker) handleShutdown(ctx context.Context, job *model.Job) {
	jlog := logger.Job(job.ID)
	jlog.Info("job interrupted by shutdown")
	bg := context.Background()
	if err := w.st.ResetToPending(bg, job.ID, model.ErrorKindShutdown); err != nil {
		jlog.Error("worker: failed to persist shutdown state", "error", err)
	}
}

func subdirFor(cfg *config.Config, c model.Classification) string {
	switch c {
	case model.ClassificationTV:
		return cfg.TVSubdir
	case model.ClassificationAudio:
		return cfg.AudioSubdir
	default:
		return cfg.MoviesSubdir
	}
}

// cleanTitle strips control characters, collapses whitespace, swaps
// filesystem-reserved characters for underscores, and trims to
// maxTitleLen, per spec.md §4.7's PUBLISHING rule.
func cleanTitle(title string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range title {
		switch {
		case r < 0x20:
			continue
		case strings.ContainsRune(reservedChars, r):
			b.WriteByte('_')
			lastSpace = false
		case r == ' ' || r == '\t':
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	cleaned := strings.TrimSpace(b.String())
	if len(cleaned) > maxTitleLen {
		cleaned = cleaned[:maxTitleLen]
	}
	if cleaned == "" {
		cleaned = "untitled"
	}
	return cleaned
}

func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}

var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".m4v": true, ".avi": true, ".ts": true, ".m2ts": true,
}

func pickMainVideoFile(root string, relFiles []string) string {
	var best string
	var bestSize int64
	for _, rel := range relFiles {
		if !videoExtensions[strings.ToLower(filepath.Ext(rel))] {
			continue
		}
		full := filepath.Join(root, rel)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = full, info.Size()
		}
	}
	return best
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func freeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

func atomicMove(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 1024*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
	}
	return out.Sync()
}
