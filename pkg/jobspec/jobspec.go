// Package jobspec loads job submission files.
//
// A job spec is a YAML or JSON document naming the job, its labels and the
// program to run. It is validated against an embedded JSON schema that
// rejects unknown fields.
//
// Example (YAML):
//
//	version: "1.0"
//	name: bell-state
//	labels:
//	  team: research
//	program_file: ./bell.qasm
package jobspec

import "strings"

// Version is the only supported spec version.
const Version = "1.0"

// Spec is a validated job submission.
type Spec struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Version string            `json:"version" yaml:"version"`
	Name    string            `json:"name" yaml:"name"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Program is the inline program text.
	Program string `json:"program,omitempty" yaml:"program,omitempty"`

	// ProgramFile points at the program text, relative to the spec file.
	// Load replaces it with the file contents in Program.
	ProgramFile string `json:"program_file,omitempty" yaml:"program_file,omitempty"`
}

// ApplyDefaults normalizes optional fields.
func (s *Spec) ApplyDefaults() {
	s.Name = strings.TrimSpace(s.Name)
	if s.Labels == nil {
		s.Labels = map[string]string{}
	}
}
