package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

// Storage keeps document artifacts on the local filesystem. Keys map to
// relative paths under basePath.
type Storage struct {
	basePath string
}

var _ ports.ContentStore = (*Storage)(nil)

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: abs}, nil
}

func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat file: %w", err)
	}
}

// Put writes through a temp file in the target directory so a reader never
// observes a partial artifact.
func (s *Storage) Put(_ context.Context, key, _ string, data io.Reader) (domain.StoredArtifact, error) {
	path, err := s.path(key)
	if err != nil {
		return domain.StoredArtifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.StoredArtifact{}, fmt.Errorf("create dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return domain.StoredArtifact{}, fmt.Errorf("create file: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return domain.StoredArtifact{}, fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return domain.StoredArtifact{}, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return domain.StoredArtifact{}, fmt.Errorf("rename file: %w", err)
	}
	return domain.StoredArtifact{Key: key, Location: s.Location(key)}, nil
}

func (s *Storage) Location(key string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.basePath, filepath.FromSlash(key)))}
	return u.String()
}

func (s *Storage) path(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve artifact path", fmt.Errorf("key %q escapes storage root", key))
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}
