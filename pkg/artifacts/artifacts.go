// Package artifacts persists per-job inputs, results and error details.
//
// The lifecycle engine treats the artifact store as an optional collaborator:
// jobs run the same with or without one. The only value that flows back into a
// job record is the opaque reference returned by SaveError.
//
// Layout (relative to the store root or bucket prefix):
//
//	<job_id>/input/job.yaml
//	<job_id>/input/program.txt
//	<job_id>/results/counts.json
//	<job_id>/results/metadata.json
//	<job_id>/results/error.json
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidJobID indicates a job id that cannot be used as a path segment.
var ErrInvalidJobID = errors.New("invalid job_id for artifact path")

// Store persists job artifacts.
type Store interface {
	SaveInput(ctx context.Context, jobID string, in Input) error
	SaveResults(ctx context.Context, jobID string, res Results) error

	// SaveError writes error.json and returns a reference to it that is
	// meaningful to this store.
	SaveError(ctx context.Context, jobID string, det ErrorDetails) (string, error)
}

// Input is the submission bundle.
type Input struct {
	Name        string
	Labels      map[string]string
	Program     []byte
	SubmittedAt time.Time
}

// Results is the success bundle.
type Results struct {
	Counts      map[string]int64
	Metadata    map[string]string
	CompletedAt time.Time
}

// ErrorDetails is the failure bundle.
type ErrorDetails struct {
	Code    string         `json:"code"`
	Summary string         `json:"summary"`
	Phase   string         `json:"phase,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Relative artifact paths.
const (
	JobYAMLFile  = "input/job.yaml"
	ProgramFile  = "input/program.txt"
	CountsFile   = "results/counts.json"
	MetadataFile = "results/metadata.json"
	ErrorFile    = "results/error.json"
)

// Key returns the slash-separated key of file for jobID.
func Key(jobID, file string) (string, error) {
	if err := ValidateJobID(jobID); err != nil {
		return "", err
	}
	return path.Join(jobID, file), nil
}

// ValidateJobID rejects ids that would escape the job directory.
func ValidateJobID(jobID string) error {
	if strings.TrimSpace(jobID) == "" || jobID == "." || jobID == ".." ||
		strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}

type jobDocument struct {
	Name        string            `yaml:"name"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	SubmittedAt time.Time         `yaml:"submitted_at"`
	HasProgram  bool              `yaml:"has_program"`
}

// File is one encoded artifact ready to be written.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// EncodeInput renders the submission bundle.
func EncodeInput(in Input) ([]File, error) {
	doc, err := yaml.Marshal(jobDocument{
		Name:        in.Name,
		Labels:      in.Labels,
		SubmittedAt: in.SubmittedAt.UTC(),
		HasProgram:  len(in.Program) > 0,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job.yaml: %w", err)
	}

	files := []File{{Name: JobYAMLFile, ContentType: "application/yaml", Data: doc}}
	if len(in.Program) > 0 {
		files = append(files, File{Name: ProgramFile, ContentType: "text/plain", Data: in.Program})
	}
	return files, nil
}

// EncodeResults renders the success bundle.
func EncodeResults(res Results) ([]File, error) {
	counts := res.Counts
	if counts == nil {
		counts = map[string]int64{}
	}
	countsJSON, err := marshalJSON(counts)
	if err != nil {
		return nil, fmt.Errorf("marshal counts.json: %w", err)
	}

	meta := map[string]any{
		"completed_at": res.CompletedAt.UTC(),
	}
	if len(res.Metadata) > 0 {
		meta["metadata"] = res.Metadata
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata.json: %w", err)
	}

	return []File{
		{Name: CountsFile, ContentType: "application/json", Data: countsJSON},
		{Name: MetadataFile, ContentType: "application/json", Data: metaJSON},
	}, nil
}

// EncodeError renders error.json.
func EncodeError(det ErrorDetails) (File, error) {
	det.At = det.At.UTC()
	b, err := marshalJSON(det)
	if err != nil {
		return File{}, fmt.Errorf("marshal error.json: %w", err)
	}
	return File{Name: ErrorFile, ContentType: "application/json", Data: b}, nil
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
