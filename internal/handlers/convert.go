package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"mediaConverter/internal/engine"
	"mediaConverter/internal/formats"
	"mediaConverter/internal/metrics"
	"mediaConverter/internal/models"
	"mediaConverter/internal/storage"
)

const maxFormatFieldBytes = 64

const invalidFileType = "Invalid file type. Only image, video and audio files are allowed."

// job is the per-request state threaded through the conversion pipeline.
type job struct {
	id        string
	logger    *slog.Logger
	lifecycle *models.Lifecycle
	guard     *storage.Guard
}

func (a *App) convert(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if _, err := uuid.Parse(jobID); err != nil {
		jobID = uuid.NewString()
	}
	w.Header().Set("X-Job-ID", jobID)

	logger := a.logger.With("request_id", middleware.GetReqID(r.Context()), "job_id", jobID)
	j := &job{
		id:        jobID,
		logger:    logger,
		lifecycle: models.NewLifecycle(),
		guard:     a.stager.NewGuard(logger),
	}
	defer func() {
		j.guard.Release()
		a.advance(j, models.StatusCleanedUp, "")
	}()

	out, name, format, err := a.process(w, r, j)
	if err != nil {
		a.respondError(w, logger, err)
		a.advance(j, models.StatusResponded, models.PublicMessage(err))
		return
	}

	j.guard.TrackOutput(out.Path)
	a.deliver(w, logger, out, name, format)
	a.advance(j, models.StatusResponded, "")
}

// process runs the pipeline up to a verified output. Every staged file is
// registered with j.guard as soon as it exists.
func (a *App) process(w http.ResponseWriter, r *http.Request, j *job) (models.OutputArtifact, string, string, error) {
	artifact, format, err := a.receive(w, r, j)
	if err != nil {
		return models.OutputArtifact{}, "", "", err
	}

	req, err := models.NewConversionRequest(artifact, format)
	if err != nil {
		return models.OutputArtifact{}, "", "", err
	}

	class := formats.Classify(req.RequestedFormat)
	tj := models.TranscodeJob{
		ID:        j.id,
		Input:     artifact.StagedPath,
		Output:    a.stager.AllocateOutputPath(req.RequestedFormat),
		Format:    req.RequestedFormat,
		Class:     class,
		Directive: formats.PolicyFor(class, req.RequestedFormat),
	}
	a.advance(j, models.StatusClassified, class.String())
	a.advance(j, models.StatusTranscoding, "")

	out, err := a.runner.Run(r.Context(), tj, func(p engine.Progress) {
		if p.Percent <= 0 {
			return
		}
		a.hub.broadcast(j.id, models.ProgressEvent{ID: j.id, Status: models.StatusTranscoding, Progress: p.Percent, Message: p.Speed})
	})
	if err != nil {
		a.advance(j, models.StatusFailed, models.PublicMessage(err))
		return models.OutputArtifact{}, "", "", err
	}
	a.advance(j, models.StatusSucceeded, "")

	return out, downloadName(artifact.OriginalName, req.RequestedFormat), req.RequestedFormat, nil
}

// receive streams the multipart body. The file part goes straight to the input
// root; the format part may come before or after it.
func (a *App) receive(w http.ResponseWriter, r *http.Request, j *job) (models.UploadArtifact, string, error) {
	if r.ContentLength > a.opts.MaxBodyBytes {
		return models.UploadArtifact{}, "", models.TooLarge(fmt.Errorf("content length %d exceeds %d", r.ContentLength, a.opts.MaxBodyBytes))
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		return models.UploadArtifact{}, "", models.ClientInput("File and format are required", err)
	}

	var (
		artifact *models.UploadArtifact
		format   string
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return models.UploadArtifact{}, "", models.TooLarge(err)
			}
			return models.UploadArtifact{}, "", models.ClientInput("Malformed upload", err)
		}

		switch part.FormName() {
		case "file":
			if artifact != nil || part.FileName() == "" {
				break
			}
			if err := a.checkUpload(part.FileName(), part.Header.Get("Content-Type")); err != nil {
				part.Close()
				return models.UploadArtifact{}, "", err
			}
			staged, err := a.stager.Stage(part, part.FileName(), a.opts.MaxFileBytes)
			if err != nil {
				part.Close()
				return models.UploadArtifact{}, "", err
			}
			j.guard.TrackInput(staged.StagedPath)
			artifact = &staged
			a.advance(j, models.StatusStaged, "")
		case "format":
			b, err := io.ReadAll(io.LimitReader(part, maxFormatFieldBytes))
			if err != nil {
				part.Close()
				return models.UploadArtifact{}, "", models.ClientInput("Malformed upload", err)
			}
			format = string(b)
		}
		part.Close()
	}

	if artifact == nil || strings.TrimSpace(format) == "" {
		return models.UploadArtifact{}, "", models.ClientInput("File and format are required", nil)
	}
	return *artifact, format, nil
}

// checkUpload accepts a file by extension. A declared media type, when
// present and specific, must also be image, audio or video.
func (a *App) checkUpload(name, contentType string) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if _, ok := a.allowed[ext]; !ok {
		return models.ClientInput(invalidFileType, fmt.Errorf("extension %q", ext))
	}

	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return models.ClientInput(invalidFileType, err)
	}
	if mediaType == "application/octet-stream" {
		return nil
	}
	for _, prefix := range []string{"image/", "audio/", "video/"} {
		if strings.HasPrefix(mediaType, prefix) {
			return nil
		}
	}
	return models.ClientInput(invalidFileType, fmt.Errorf("media type %q", mediaType))
}

func (a *App) deliver(w http.ResponseWriter, logger *slog.Logger, out models.OutputArtifact, name, format string) {
	f, err := os.Open(out.Path)
	if err != nil {
		a.respondError(w, logger, models.Storage(fmt.Errorf("failed to open output: %w", err)))
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", formats.ContentType(format))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	h.Set("Content-Length", strconv.FormatInt(out.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		derr := models.Delivery(err)
		metrics.RequestErrorsTotal.WithLabelValues(derr.Kind.String()).Inc()
		logger.Warn("download interrupted", "error", derr)
		return
	}
	logger.Info("conversion delivered", "bytes", out.SizeBytes, "format", format)
}

func (a *App) respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := models.KindOf(err)
	metrics.RequestErrorsTotal.WithLabelValues(kind.String()).Inc()

	status := kind.Status()
	if status >= http.StatusInternalServerError && kind != models.KindUnavailable {
		logger.Error("conversion failed", "kind", kind.String(), "error", err)
	} else {
		logger.Warn("conversion rejected", "kind", kind.String(), "error", err)
	}

	http.Error(w, models.PublicMessage(err), status)
}

// advance moves the request lifecycle and publishes the new state to
// progress subscribers.
func (a *App) advance(j *job, status models.JobStatus, message string) {
	if err := j.lifecycle.Advance(status); err != nil {
		j.logger.Warn("lifecycle", "error", err)
		return
	}
	j.logger.Debug("job state", "status", status)

	evt := models.ProgressEvent{ID: j.id, Status: status, Message: message}
	switch status {
	case models.StatusSucceeded:
		evt.Progress = 100
	case models.StatusFailed:
		evt.Error = message
	}
	a.hub.broadcast(j.id, evt)
}

// downloadName keeps the caller's base name and swaps in the new extension.
func downloadName(original, format string) string {
	base := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	if base == "" || base == "." {
		base = "converted"
	}
	return sanitizeFileName(base) + "." + format
}
