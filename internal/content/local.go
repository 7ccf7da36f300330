package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes uploads under a base directory. Refs are keys relative
// to that directory.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./uploads"
	}
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) Save(_ context.Context, name, _ string, r io.Reader) (string, int64, error) {
	key := newKey(name)
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("write file: %w", err)
	}
	return key, n, nil
}

// Remove deletes the backing file. A ref that is already gone is not an
// error; deletion only has to be eventually effective.
func (l *LocalStore) Remove(_ context.Context, ref string) error {
	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("refusing to remove ref outside base dir: %q", ref)
	}
	err := os.Remove(filepath.Join(l.baseDir, clean))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
