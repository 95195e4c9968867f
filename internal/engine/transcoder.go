package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/floostack/transcoder/ffmpeg"

	"mediaConverter/internal/formats"
)

// Transcoder drives ffmpeg through github.com/floostack/transcoder. The progress
// channel is closed only after the process has been waited on, so the exit
// status is read from the running command once the channel drains.
type Transcoder struct {
	logger Logger
	config *ffmpeg.Config
}

func NewTranscoder(logger Logger, ffmpegBin, ffprobeBin string) *Transcoder {
	return &Transcoder{
		logger: logger,
		config: &ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   ffmpegBin,
			FfprobeBinPath:  ffprobeBin,
		},
	}
}

// Options converts a directive into transcoder options.
func Options(d formats.Directive) ffmpeg.Options {
	overwrite := true
	opts := ffmpeg.Options{Overwrite: &overwrite}
	if d.AudioCodec != "" {
		codec := d.AudioCodec
		opts.AudioCodec = &codec
	}
	if d.Frames > 0 {
		frames := d.Frames
		opts.Vframes = &frames
	}
	if d.NoAudio {
		skip := true
		opts.SkipAudio = &skip
	}
	if d.Muxer != "" {
		muxer := d.Muxer
		opts.OutputFormat = &muxer
	}
	return opts
}

func (t *Transcoder) Convert(ctx context.Context, inputPath, outputPath string, d formats.Directive, onProgress ProgressFunc) <-chan Signal {
	out := make(chan Signal, 1)
	go func() {
		defer close(out)

		runCtx := ctx
		inst := ffmpeg.
			New(t.config).
			Input(inputPath).
			Output(outputPath).
			WithContext(&runCtx)

		progress, err := inst.Start(Options(d))
		if err != nil {
			out <- Signal{Err: parseFfmpegError(err)}
			return
		}

		for prog := range progress {
			report(onProgress, Progress{
				Percent:     clampPercent(prog.GetProgress() / 100),
				CurrentTime: prog.GetCurrentTime(),
				Speed:       prog.GetSpeed(),
			})
		}

		if err := ctx.Err(); err != nil {
			out <- Signal{Err: err}
			return
		}
		if cmd := inst.GetRunningCmdInstance(); cmd != nil && cmd.ProcessState != nil && !cmd.ProcessState.Success() {
			out <- Signal{Err: fmt.Errorf("ffmpeg failed: %s", cmd.ProcessState)}
			return
		}
		out <- Signal{}
	}()
	return out
}

var ffmpegMessageMatcher = regexp.MustCompile(`(?s)message: ({.*})`)

// parseFfmpegError picks the ffprobe/ffmpeg error string out of the JSON blob
// the library embeds in its error, falling back to the raw error.
func parseFfmpegError(err error) error {
	groups := ffmpegMessageMatcher.FindStringSubmatch(err.Error())
	if len(groups) < 2 {
		return err
	}

	var out struct {
		Error struct {
			String string `json:"string"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil || out.Error.String == "" {
		return errors.New(groups[1])
	}
	return errors.New(out.Error.String)
}
