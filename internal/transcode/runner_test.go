package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mediaConverter/internal/engine"
	"mediaConverter/internal/formats"
	"mediaConverter/internal/metrics"
	"mediaConverter/internal/models"
)

// fakeEngine writes output (when set) and then emits the configured signals.
type fakeEngine struct {
	output  []byte
	signals []engine.Signal
	block   chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeEngine) Convert(ctx context.Context, _, outputPath string, _ formats.Directive, cb engine.ProgressFunc) <-chan engine.Signal {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	ch := make(chan engine.Signal, len(f.signals)+1)
	go func() {
		defer close(ch)
		if f.block != nil {
			select {
			case <-f.block:
			case <-ctx.Done():
				ch <- engine.Signal{Err: ctx.Err()}
				return
			}
		}
		if f.output != nil {
			_ = os.WriteFile(outputPath, f.output, 0o644)
		}
		if cb != nil {
			cb(engine.Progress{Percent: 50})
		}
		for _, s := range f.signals {
			ch <- s
		}
	}()
	return ch
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newJob(t *testing.T) models.TranscodeJob {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	require.NoError(t, os.WriteFile(in, []byte("png"), 0o644))
	return models.TranscodeJob{
		ID:        "job",
		Input:     in,
		Output:    filepath.Join(dir, "out.mp3"),
		Format:    "mp3",
		Class:     formats.Audio,
		Directive: formats.PolicyFor(formats.Audio, "mp3"),
	}
}

func newRunner(eng engine.Engine, cfg Config) *Runner {
	return NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)), eng, cfg)
}

func TestRunSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{output: []byte("mp3 data"), signals: []engine.Signal{{}}}

	var progress []int
	art, err := newRunner(eng, Config{MaxConcurrent: 2}).Run(context.Background(), job, func(p engine.Progress) {
		progress = append(progress, p.Percent)
	})
	require.NoError(t, err)
	assert.Equal(t, job.Output, art.Path)
	assert.EqualValues(t, 8, art.SizeBytes)
	assert.Equal(t, []int{50}, progress)
}

func TestRunIgnoresSignalsAfterResolution(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	before := testutil.ToFloat64(metrics.DuplicateSignalTotal)
	job := newJob(t)
	eng := &fakeEngine{
		output:  []byte("mp3 data"),
		signals: []engine.Signal{{}, {Err: errors.New("late error")}, {}},
	}

	art, err := newRunner(eng, Config{}).Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.FileExists(t, art.Path)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.DuplicateSignalTotal))
}

func TestRunFirstErrorWins(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{
		output:  []byte("partial"),
		signals: []engine.Signal{{Err: errors.New("Invalid data found when processing input")}, {}},
	}

	_, err := newRunner(eng, Config{}).Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindEngine, models.KindOf(err))
	assert.NoFileExists(t, job.Output, "partial output must be removed")
}

func TestRunSuccessWithoutOutputFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{signals: []engine.Signal{{}}}

	_, err := newRunner(eng, Config{}).Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEngineOutputMissing)
	assert.Equal(t, models.KindEngine, models.KindOf(err))
}

func TestRunSuccessWithEmptyOutputFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{output: []byte{}, signals: []engine.Signal{{}}}

	_, err := newRunner(eng, Config{}).Run(context.Background(), job, nil)
	require.ErrorIs(t, err, models.ErrEngineOutputMissing)
	assert.NoFileExists(t, job.Output)
}

func TestRunWithoutSignalFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{output: []byte("data")}

	_, err := newRunner(eng, Config{}).Run(context.Background(), job, nil)
	require.ErrorIs(t, err, ErrNoSignal)
	assert.NoFileExists(t, job.Output)
}

func TestRunScrubsPathsFromEngineErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{signals: []engine.Signal{{Err: errors.New(job.Input + ": Invalid data found")}}}

	_, err := newRunner(eng, Config{}).Run(context.Background(), job, nil)
	require.Error(t, err)
	msg := models.PublicMessage(err)
	assert.NotContains(t, msg, filepath.Dir(job.Input))
	assert.Contains(t, msg, "input: Invalid data found")
}

func TestRunRejectsWhenSaturated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	slow := &fakeEngine{output: []byte("x"), signals: []engine.Signal{{}}, block: release}
	runner := newRunner(slow, Config{MaxConcurrent: 1, AdmissionWait: 20 * time.Millisecond})

	firstJob := newJob(t)
	first := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), firstJob, nil)
		first <- err
	}()
	require.Eventually(t, func() bool { return slow.callCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := runner.Run(context.Background(), newJob(t), nil)
	require.Error(t, err)
	assert.Equal(t, models.KindUnavailable, models.KindOf(err))
	assert.Equal(t, 1, slow.callCount(), "rejected job must not reach the engine")

	close(release)
	assert.NoError(t, <-first)
}

func TestRunCancelledContextStopsEngine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{output: []byte("x"), signals: []engine.Signal{{}}, block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := newRunner(eng, Config{}).Run(ctx, job, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return eng.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, job.Output)
}

func TestRunAppliesJobTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	job := newJob(t)
	eng := &fakeEngine{signals: []engine.Signal{{}}, block: make(chan struct{})}

	_, err := newRunner(eng, Config{JobTimeout: 20 * time.Millisecond}).Run(context.Background(), job, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
