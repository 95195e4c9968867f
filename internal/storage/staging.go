package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"mediaConverter/internal/metrics"
	"mediaConverter/internal/models"
)

// Stager allocates unique paths under the input and output roots and persists
// uploads into the input root.
type Stager struct {
	logger    *slog.Logger
	inputDir  string
	outputDir string
}

func New(logger *slog.Logger, inputDir, outputDir string) *Stager {
	return &Stager{logger: logger, inputDir: inputDir, outputDir: outputDir}
}

func (s *Stager) InputDir() string  { return s.inputDir }
func (s *Stager) OutputDir() string { return s.outputDir }

// EnsureDirs creates both roots if they are missing. It is safe to call repeatedly.
func (s *Stager) EnsureDirs() error {
	for _, dir := range []string{s.inputDir, s.outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to ensure staging dir %s: %w", dir, err)
		}
	}
	return nil
}

// Stage streams r into a new uniquely named file in the input root. The file
// only appears under its final name once the whole body has been written; on
// any error nothing is left behind. A limit <= 0 disables the size check.
func (s *Stager) Stage(r io.Reader, originalName string, limit int64) (models.UploadArtifact, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	path := filepath.Join(s.inputDir, uuid.NewString()+ext)

	pending, err := renameio.NewPendingFile(path, renameio.WithTempDir(s.inputDir), renameio.WithPermissions(0o644))
	if err != nil {
		return models.UploadArtifact{}, models.Storage(fmt.Errorf("failed to create pending upload: %w", err))
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug("pending upload cleanup", "error", err)
		}
	}()

	src := &trackingReader{r: r}
	var body io.Reader = src
	if limit > 0 {
		body = io.LimitReader(src, limit+1)
	}

	n, err := io.Copy(pending, body)
	if err != nil {
		if src.err == nil {
			return models.UploadArtifact{}, models.Storage(fmt.Errorf("failed to write upload: %w", err))
		}
		var maxErr *http.MaxBytesError
		if errors.As(src.err, &maxErr) {
			return models.UploadArtifact{}, models.TooLarge(src.err)
		}
		return models.UploadArtifact{}, models.ClientInput("Upload interrupted", src.err)
	}
	if limit > 0 && n > limit {
		return models.UploadArtifact{}, models.TooLarge(fmt.Errorf("upload exceeds %d bytes", limit))
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return models.UploadArtifact{}, models.Storage(fmt.Errorf("failed to commit upload: %w", err))
	}

	return models.UploadArtifact{
		StagedPath:        path,
		OriginalName:      originalName,
		OriginalExtension: ext,
		SizeBytes:         uint64(n),
	}, nil
}

// AllocateOutputPath returns a fresh path in the output root for format.
// Paths come from random UUIDs, so concurrent callers never collide.
func (s *Stager) AllocateOutputPath(format string) string {
	return filepath.Join(s.outputDir, uuid.NewString()+"."+format)
}

// remove deletes path, logging and swallowing any failure.
func (s *Stager) remove(logger *slog.Logger, path, role string) {
	if path == "" {
		return
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		logger.Debug("removed staged file", "role", role, "file", filepath.Base(path))
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("staged file already gone", "role", role, "file", filepath.Base(path))
	default:
		metrics.CleanupFailuresTotal.WithLabelValues(role).Inc()
		logger.Warn("failed to remove staged file", "role", role, "file", filepath.Base(path), "error", err)
	}
}

// trackingReader remembers the first non-EOF error of the underlying reader so
// read failures (client side) can be told apart from write failures (disk side).
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
