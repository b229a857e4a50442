package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and resolves the job spec at path. A program_file
// is read relative to the spec's directory.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job spec not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job spec: %s", path)
		}
		return nil, fmt.Errorf("read job spec: %w", err)
	}

	spec, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if err := spec.resolveProgramFile(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return spec, nil
}

// LoadFromReader reads and validates a spec from r. The path is used only
// for format detection; a program_file is resolved against the working
// directory.
func LoadFromReader(r io.Reader, path string) (*Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	spec, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if err := spec.resolveProgramFile("."); err != nil {
		return nil, err
	}
	return spec, nil
}

// LoadFromBytes validates raw YAML or JSON and parses it. It does not read
// program_file.
//
// Validation runs on the raw document so unknown fields are rejected.
func LoadFromBytes(data []byte, path string) (*Spec, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("job spec is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var spec Spec
	if err := json.Unmarshal(jsonData, &spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	spec.ApplyDefaults()
	return &spec, nil
}

func (s *Spec) resolveProgramFile(baseDir string) error {
	if s.ProgramFile == "" {
		return nil
	}
	p := s.ProgramFile
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read program_file %s: %w", s.ProgramFile, err)
	}
	s.Program = string(data)
	return nil
}

// toJSON converts the document to JSON for schema validation. YAML is a
// superset of JSON, so unknown extensions go through the YAML path.
func toJSON(data []byte, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in job spec: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in job spec: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert job spec to JSON: %w", err)
	}
	return out, nil
}
