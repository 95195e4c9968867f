package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"mediaConverter/internal/formats"
)

// Exec runs the ffmpeg binary directly and reads machine readable progress
// from its stdout. A failed run reports the last stderr line.
type Exec struct {
	logger     Logger
	ffmpegBin  string
	ffprobeBin string
}

func NewExec(logger Logger, ffmpegBin, ffprobeBin string) *Exec {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &Exec{logger: logger, ffmpegBin: ffmpegBin, ffprobeBin: ffprobeBin}
}

func (e *Exec) Convert(ctx context.Context, inputPath, outputPath string, d formats.Directive, onProgress ProgressFunc) <-chan Signal {
	out := make(chan Signal, 1)
	go func() {
		defer close(out)
		out <- Signal{Err: e.run(ctx, inputPath, outputPath, d, onProgress)}
	}()
	return out
}

// Args builds the full ffmpeg argument list for one conversion.
func Args(inputPath, outputPath string, d formats.Directive) []string {
	args := []string{"-y", "-hide_banner", "-i", inputPath}
	args = append(args, d.Args()...)
	args = append(args,
		"-progress", "pipe:1",
		"-nostats",
		outputPath,
	)
	return args
}

func (e *Exec) run(ctx context.Context, inputPath, outputPath string, d formats.Directive, cb ProgressFunc) error {
	duration, err := e.probeDuration(ctx, inputPath)
	if err != nil {
		e.logger.Debug("could not probe duration, progress will be coarse", "error", err)
	}

	cmd := exec.CommandContext(ctx, e.ffmpegBin, Args(inputPath, outputPath, d)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var lastErrLine string
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lastErrLine = line
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "out_time_ms=") && duration > 0:
			outMs, convErr := strconv.ParseFloat(strings.TrimPrefix(line, "out_time_ms="), 64)
			if convErr == nil {
				report(cb, Progress{Percent: clampPercent(outMs / 1_000_000.0 / duration)})
			}
		case strings.HasPrefix(line, "speed="):
			report(cb, Progress{Speed: strings.TrimPrefix(line, "speed=")})
		case line == "progress=end":
			report(cb, Progress{Percent: 100})
		}
	}
	scanErr := scanner.Err()
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if lastErrLine != "" {
			return fmt.Errorf("ffmpeg failed: %s", lastErrLine)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("failed while reading ffmpeg output: %w", scanErr)
	}
	return nil
}

func (e *Exec) probeDuration(ctx context.Context, inputPath string) (float64, error) {
	cmd := exec.CommandContext(ctx,
		e.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}
	val := strings.TrimSpace(string(out))
	if val == "" || val == "N/A" {
		return 0, errors.New("empty duration response")
	}
	dur, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration from ffprobe: %w", err)
	}
	return dur, nil
}
