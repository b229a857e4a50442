package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes artifacts to a directory tree.
//
// Every file is written to a temp file in the destination directory and then
// renamed into place, so readers never see a partial artifact.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: strings.TrimSpace(root)}
}

func (s *LocalStore) RootDir() string {
	return s.root
}

// Path returns the absolute-or-root-relative path of file for jobID.
func (s *LocalStore) Path(jobID, file string) (string, error) {
	key, err := Key(jobID, file)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *LocalStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("artifact root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *LocalStore) SaveInput(ctx context.Context, jobID string, in Input) error {
	files, err := EncodeInput(in)
	if err != nil {
		return err
	}
	return s.writeAll(ctx, jobID, files)
}

func (s *LocalStore) SaveResults(ctx context.Context, jobID string, res Results) error {
	files, err := EncodeResults(res)
	if err != nil {
		return err
	}
	return s.writeAll(ctx, jobID, files)
}

// SaveError writes error.json and returns its root-relative key.
func (s *LocalStore) SaveError(ctx context.Context, jobID string, det ErrorDetails) (string, error) {
	f, err := EncodeError(det)
	if err != nil {
		return "", err
	}
	if err := s.writeAll(ctx, jobID, []File{f}); err != nil {
		return "", err
	}
	return Key(jobID, ErrorFile)
}

func (s *LocalStore) writeAll(ctx context.Context, jobID string, files []File) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := s.Path(jobID, f.Name)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(p, f.Data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(finalPath string, data []byte) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(finalPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
