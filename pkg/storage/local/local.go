package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/feichai0017/ocr-batch/pkg/logger"
)

var ErrNotFound = errors.New("object not found")

type Config struct {
	Root string
}

// LocalStorage keeps objects as files below Root. Keys use "/" separators.
type LocalStorage struct {
	root   string
	logger logger.Logger
}

func New(cfg Config, log logger.Logger) (*LocalStorage, error) {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "ocr-batch")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &LocalStorage{root: root, logger: log}, nil
}

func (s *LocalStorage) Root() string { return s.root }

func (s *LocalStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalStorage) Store(ctx context.Context, key string, r io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	f, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		s.logger.Error("Failed to store file", logger.String("key", key), logger.Error(err))
		return fmt.Errorf("failed to store file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to store file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to store file: %w", err)
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// Delete is idempotent.
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("Failed to delete file", logger.String("key", key), logger.Error(err))
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (s *LocalStorage) RemoveDir(_ context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to remove %s: %w", prefix, err)
	}
	return nil
}

func (s *LocalStorage) CleanupBefore(ctx context.Context, threshold time.Time) error {
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(threshold) {
			if err := os.Remove(p); err != nil {
				s.logger.Error("Failed to delete expired object", logger.String("path", p), logger.Error(err))
				return nil
			}
			s.logger.Info("Deleted expired object",
				logger.String("path", p),
				logger.Time("lastModified", info.ModTime()),
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clean up storage: %w", err)
	}
	s.removeEmptyDirs()
	return nil
}

func (s *LocalStorage) removeEmptyDirs() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if children, err := os.ReadDir(dir); err == nil && len(children) == 0 {
			_ = os.Remove(dir)
		}
	}
}
