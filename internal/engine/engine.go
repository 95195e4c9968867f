// Package engine wraps the external transcoding program. An Engine only starts
// a conversion and reports how it ended; it never inspects the output.
package engine

import (
	"context"
	"fmt"

	"mediaConverter/internal/formats"
)

// Signal is a terminal notification from an engine invocation. A nil Err means
// the engine considers the conversion complete.
type Signal struct {
	Err error
}

// Progress is a best-effort snapshot of a running conversion.
type Progress struct {
	Percent     int
	CurrentTime string
	Speed       string
}

// ProgressFunc receives progress snapshots. It may be nil.
type ProgressFunc func(Progress)

// Engine starts a conversion of inputPath into outputPath. The returned channel
// delivers the terminal signal and is closed once the engine process is gone.
// Cancelling ctx must stop the engine.
type Engine interface {
	Convert(ctx context.Context, inputPath, outputPath string, d formats.Directive, onProgress ProgressFunc) <-chan Signal
}

// Config selects and configures an engine backend.
type Config struct {
	Backend        string
	FfmpegBinPath  string
	FfprobeBinPath string
}

const (
	BackendExec       = "exec"
	BackendTranscoder = "transcoder"
)

// New builds the engine named by cfg.Backend.
func New(cfg Config, logger Logger) (Engine, error) {
	switch cfg.Backend {
	case BackendExec, "":
		return NewExec(logger, cfg.FfmpegBinPath, cfg.FfprobeBinPath), nil
	case BackendTranscoder:
		return NewTranscoder(logger, cfg.FfmpegBinPath, cfg.FfprobeBinPath), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

// Logger is the subset of *slog.Logger used by the engines.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

func report(cb ProgressFunc, p Progress) {
	if cb != nil {
		cb(p)
	}
}

func clampPercent(ratio float64) int {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return int(ratio * 100)
}
