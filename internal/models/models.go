package models

import (
	"fmt"
	"os"
	"regexp"

	"mediaConverter/internal/formats"
)

// JobStatus represents the current lifecycle state of a conversion request.
type JobStatus string

const (
	StatusReceived    JobStatus = "received"
	StatusStaged      JobStatus = "staged"
	StatusClassified  JobStatus = "classified"
	StatusTranscoding JobStatus = "transcoding"
	StatusSucceeded   JobStatus = "succeeded"
	StatusFailed      JobStatus = "failed"
	StatusResponded   JobStatus = "responded"
	StatusCleanedUp   JobStatus = "cleaned_up"
)

// UploadArtifact is an uploaded file persisted in the input root.
type UploadArtifact struct {
	StagedPath        string
	OriginalName      string
	OriginalExtension string
	SizeBytes         uint64
}

// ConversionRequest pairs a staged upload with the format it should become.
type ConversionRequest struct {
	Artifact        UploadArtifact
	RequestedFormat string
}

var formatPattern = regexp.MustCompile(`^[a-z0-9]{1,10}$`)

// NewConversionRequest normalizes format and checks that the artifact is still
// on disk. The format ends up inside a filename, so anything that is not a
// short alphanumeric extension is rejected.
func NewConversionRequest(artifact UploadArtifact, format string) (ConversionRequest, error) {
	format = formats.Normalize(format)
	if format == "" {
		return ConversionRequest{}, ClientInput("File and format are required", nil)
	}
	if !formatPattern.MatchString(format) {
		return ConversionRequest{}, ClientInput("Unsupported output format", fmt.Errorf("format %q", format))
	}
	if _, err := os.Stat(artifact.StagedPath); err != nil {
		return ConversionRequest{}, Storage(fmt.Errorf("staged upload missing: %w", err))
	}
	return ConversionRequest{Artifact: artifact, RequestedFormat: format}, nil
}

// TranscodeJob is a single invocation of the engine. It is never reused.
type TranscodeJob struct {
	ID        string
	Input     string
	Output    string
	Format    string
	Class     formats.Class
	Directive formats.Directive
}

// OutputArtifact is the engine's product, present only once a job succeeded.
type OutputArtifact struct {
	Path      string
	SizeBytes int64
}

// ProgressEvent is sent to clients over WebSocket.
type ProgressEvent struct {
	ID       string    `json:"id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}
