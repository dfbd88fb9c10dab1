package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrInvalidBodyRef = errors.New("queue: invalid body reference")

// FileBodyStore keeps bodies on disk as <dir>/YYYY/MM/DD/<sha256(id)>.eml.
// Files are written to <dir>/tmp first and renamed into place.
type FileBodyStore struct {
	dir string
	now func() time.Time
}

// NewFileBodyStore creates the store and its directories
func NewFileBodyStore(dir string) (*FileBodyStore, error) {
	fs := &FileBodyStore{dir: dir, now: time.Now}
	if err := fs.EnsureDirectories(); err != nil {
		return nil, err
	}
	return fs, nil
}

// EnsureDirectories creates the base and staging directories
func (fs *FileBodyStore) EnsureDirectories() error {
	if err := os.MkdirAll(fs.dir, 0750); err != nil {
		return fmt.Errorf("failed to create body directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(fs.dir, "tmp"), 0750); err != nil {
		return fmt.Errorf("failed to create tmp directory: %w", err)
	}
	return nil
}

func (fs *FileBodyStore) Put(_ context.Context, id string, data []byte) (string, error) {
	sum := sha256.Sum256([]byte(id))
	name := hex.EncodeToString(sum[:]) + ".eml"
	ref := filepath.ToSlash(filepath.Join(fs.now().UTC().Format("2006/01/02"), name))

	target := filepath.Join(fs.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return "", fmt.Errorf("failed to create date directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(fs.dir, "tmp"), name+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to sync body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close body: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move body into place: %w", err)
	}
	return ref, nil
}

func (fs *FileBodyStore) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := fs.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: body %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return data, nil
}

func (fs *FileBodyStore) Delete(_ context.Context, ref string) error {
	path, err := fs.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete body: %w", err)
	}
	return nil
}

// path resolves ref inside the store, rejecting anything that escapes it
func (fs *FileBodyStore) path(ref string) (string, error) {
	if ref == "" || filepath.IsAbs(ref) || strings.Contains(ref, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidBodyRef, ref)
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBodyRef, ref)
	}
	return filepath.Join(fs.dir, clean), nil
}
