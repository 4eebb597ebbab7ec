package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"transcriptpro/internal/transcriber"
	"transcriptpro/pkg/store"
)

// ErrQueueFull signals backpressure: the submit queue is at capacity and
// the job was not scheduled. Callers must surface this, never drop it.
var ErrQueueFull = errors.New("transcription queue is full")

// BlobFetcher retrieves uploaded file content by storage key.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, key string) ([]byte, error)
}

type job struct {
	ID     string
	FileID string
	UserID string
}

// Config wires the runner's collaborators and bounds.
type Config struct {
	Store      store.Store
	Blobs      BlobFetcher
	Engine     transcriber.Transcriber
	Workers    int
	QueueDepth int
	TempDir    string // defaults to the OS temp dir
}

// Runner executes transcription jobs on a bounded worker pool. Each job
// moves pending→processing→{completed|failed}; terminal states are
// absorbing and failures are not retried.
type Runner struct {
	store   store.Store
	blobs   BlobFetcher
	engine  transcriber.Transcriber
	queue   chan job
	workers int
	tempDir string

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewRunner constructs the runner. Start must be called before Enqueue.
func NewRunner(cfg Config) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	return &Runner{
		store:   cfg.Store,
		blobs:   cfg.Blobs,
		engine:  cfg.Engine,
		queue:   make(chan job, depth),
		workers: workers,
		tempDir: cfg.TempDir,
		group:   &errgroup.Group{},
		cancel:  func() {},
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Close is called; in-flight jobs run to a terminal state first.
func (r *Runner) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.workers; i++ {
		r.group.Go(func() error {
			for {
				select {
				case <-workerCtx.Done():
					return nil
				case j, ok := <-r.queue:
					if !ok {
						return nil
					}
					r.runSafely(workerCtx, j)
				}
			}
		})
	}
}

// Close stops accepting work and waits for in-flight jobs.
func (r *Runner) Close() error {
	r.cancel()
	return r.group.Wait()
}

// Enqueue schedules a job without blocking the caller. A full queue
// returns ErrQueueFull immediately.
func (r *Runner) Enqueue(jobID, fileID, userID string) error {
	select {
	case r.queue <- job{ID: jobID, FileID: fileID, UserID: userID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// runSafely guarantees a terminal state even if the pipeline panics; a
// job must never stay stuck in processing after an observed failure.
func (r *Runner) runSafely(ctx context.Context, j job) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("transcription job panicked", "job_id", j.ID, "panic", rec)
			r.fail(j.ID, fmt.Errorf("%v", rec))
		}
	}()
	r.run(ctx, j)
}

func (r *Runner) run(ctx context.Context, j job) {
	started, err := r.store.MarkProcessing(j.ID)
	if err != nil {
		r.fail(j.ID, fmt.Errorf("mark processing: %w", err))
		return
	}
	if !started {
		// Already processing or terminal; double invocation is a no-op.
		slog.Warn("transcription job not pending, skipping", "job_id", j.ID)
		return
	}
	begin := time.Now()

	file, ok, err := r.store.GetFile(j.FileID, j.UserID)
	if err != nil {
		r.fail(j.ID, fmt.Errorf("resolve file: %w", err))
		return
	}
	if !ok {
		r.fail(j.ID, fmt.Errorf("file not found: %s", j.FileID))
		return
	}

	blob, err := r.blobs.FetchBlob(ctx, file.StorageKey)
	if err != nil {
		r.fail(j.ID, fmt.Errorf("fetch blob: %w", err))
		return
	}

	tempPath, err := r.writeTemp(file.OriginalFilename, blob)
	if err != nil {
		r.fail(j.ID, fmt.Errorf("write temp file: %w", err))
		return
	}
	defer os.Remove(tempPath)

	content, err := os.Open(tempPath)
	if err != nil {
		r.fail(j.ID, fmt.Errorf("open temp file: %w", err))
		return
	}
	result, err := r.engine.Transcribe(ctx, file.OriginalFilename, content)
	content.Close()
	if err != nil {
		r.fail(j.ID, err)
		return
	}

	if err := r.store.CompleteTranscription(j.ID, store.CompletionResult{
		Text:           result.Text,
		Segments:       result.Segments,
		Language:       result.Language,
		ProcessingSecs: time.Since(begin).Seconds(),
	}); err != nil {
		slog.Error("persist completed transcription", "job_id", j.ID, "error", err)
		r.fail(j.ID, fmt.Errorf("persist result: %w", err))
		return
	}
	slog.Info("transcription completed", "job_id", j.ID, "duration_ms", time.Since(begin).Milliseconds())
}

// fail is the single failure path: one terminal update carrying the cause.
func (r *Runner) fail(jobID string, cause error) {
	errText := "Error: " + cause.Error()
	if err := r.store.FailTranscription(jobID, errText); err != nil {
		slog.Error("persist failed transcription", "job_id", jobID, "error", err)
		return
	}
	slog.Warn("transcription failed", "job_id", jobID, "cause", cause.Error())
}

func (r *Runner) writeTemp(filename string, blob []byte) (string, error) {
	ext := filepath.Ext(filename)
	tmpFile, err := os.CreateTemp(r.tempDir, "transcriptpro-*"+ext)
	if err != nil {
		return "", err
	}
	defer tmpFile.Close()
	if _, err := tmpFile.Write(blob); err != nil {
		os.Remove(tmpFile.Name())
		return "", err
	}
	return tmpFile.Name(), nil
}
