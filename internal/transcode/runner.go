// Package transcode runs a single conversion job against an engine and turns
// the engine's signals into exactly one outcome.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mediaConverter/internal/engine"
	"mediaConverter/internal/metrics"
	"mediaConverter/internal/models"
)

// ErrNoSignal is reported when the engine went away without saying how it ended.
var ErrNoSignal = errors.New("engine exited without a completion signal")

type Config struct {
	MaxConcurrent int
	AdmissionWait time.Duration
	JobTimeout    time.Duration
}

// Runner executes TranscodeJobs, never more than Config.MaxConcurrent at a time.
type Runner struct {
	logger *slog.Logger
	engine engine.Engine
	config Config
	slots  *semaphore.Weighted
}

func NewRunner(logger *slog.Logger, eng engine.Engine, config Config) *Runner {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &Runner{
		logger: logger,
		engine: eng,
		config: config,
		slots:  semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Run executes job and returns either the output artifact or an error, never
// both. It only returns once the engine has reached a terminal state. On
// failure any partial output is removed.
func (r *Runner) Run(ctx context.Context, job models.TranscodeJob, onProgress engine.ProgressFunc) (models.OutputArtifact, error) {
	logger := r.logger.With("job_id", job.ID, "class", job.Class.String())

	if err := r.admit(ctx); err != nil {
		metrics.AdmissionRejectTotal.Inc()
		return models.OutputArtifact{}, err
	}
	defer r.slots.Release(1)

	if r.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.JobTimeout)
		defer cancel()
	}

	metrics.TranscodesInFlight.Inc()
	start := time.Now()
	logger.Info("transcode started", "directive", strings.Join(job.Directive.Args(), " "))

	res := newResolution()
	signals := r.engine.Convert(ctx, job.Input, job.Output, job.Directive, onProgress)
	go func() {
		for sig := range signals {
			if !res.resolve(sig.Err) {
				metrics.DuplicateSignalTotal.Inc()
				logger.Warn("ignoring engine signal received after resolution", "error", sig.Err)
			}
		}
		res.resolve(ErrNoSignal)
		close(res.engineGone)
	}()

	<-res.done
	<-res.engineGone

	elapsed := time.Since(start)
	metrics.TranscodesInFlight.Dec()
	metrics.TranscodeDuration.WithLabelValues(job.Class.String()).Observe(elapsed.Seconds())

	artifact, err := r.verify(job, res.err)
	if err != nil {
		r.discardOutput(logger, job.Output)
		metrics.ConversionsTotal.WithLabelValues(job.Class.String(), "failed").Inc()
		logger.Warn("transcode failed", "duration", elapsed, "error", err)
		return models.OutputArtifact{}, err
	}

	metrics.ConversionsTotal.WithLabelValues(job.Class.String(), "succeeded").Inc()
	logger.Info("transcode succeeded", "duration", elapsed, "output_bytes", artifact.SizeBytes)
	return artifact, nil
}

func (r *Runner) admit(ctx context.Context) error {
	waitCtx := ctx
	if r.config.AdmissionWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.config.AdmissionWait)
		defer cancel()
	}
	if err := r.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return models.ClientInput("Request cancelled", ctx.Err())
		}
		return models.Unavailable(fmt.Errorf("no engine slot within %s: %w", r.config.AdmissionWait, err))
	}
	return nil
}

// verify maps the engine outcome to an artifact, checking the output on success.
func (r *Runner) verify(job models.TranscodeJob, engineErr error) (models.OutputArtifact, error) {
	if engineErr != nil {
		return models.OutputArtifact{}, models.Engine(scrubPaths(engineErr.Error(), job), engineErr)
	}

	info, err := os.Stat(job.Output)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return models.OutputArtifact{}, models.Engine("no output produced", models.ErrEngineOutputMissing)
	}
	return models.OutputArtifact{Path: job.Output, SizeBytes: info.Size()}, nil
}

func (r *Runner) discardOutput(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		metrics.CleanupFailuresTotal.WithLabelValues("output").Inc()
		logger.Warn("failed to remove partial output", "file", filepath.Base(path), "error", err)
	}
}

// scrubPaths replaces staged paths in engine messages so they can be shown to callers.
func scrubPaths(msg string, job models.TranscodeJob) string {
	msg = strings.ReplaceAll(msg, job.Input, "input")
	msg = strings.ReplaceAll(msg, job.Output, "output")
	for _, dir := range []string{filepath.Dir(job.Input), filepath.Dir(job.Output)} {
		if dir != "." && dir != string(filepath.Separator) {
			msg = strings.ReplaceAll(msg, dir, "")
		}
	}
	return msg
}

// resolution is a single-assignment outcome. The first resolve wins.
type resolution struct {
	once       sync.Once
	done       chan struct{}
	engineGone chan struct{}
	err        error
}

func newResolution() *resolution {
	return &resolution{done: make(chan struct{}), engineGone: make(chan struct{})}
}

func (r *resolution) resolve(err error) bool {
	resolved := false
	r.once.Do(func() {
		r.err = err
		resolved = true
		close(r.done)
	})
	return resolved
}
