// Package storage keeps attachment bytes on a filesystem abstraction so the
// OCR workers can read them by storage key.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const maxNameLength = 100

// FileStore writes attachments under baseDir using keys of the form
// owner/yyyy/mm/dd/<uuid>-<name>.
type FileStore struct {
	fs      afero.Fs
	baseDir string
	now     func() time.Time
}

// NewFileStore creates a store on any afero filesystem.
func NewFileStore(fs afero.Fs, baseDir string) *FileStore {
	return &FileStore{fs: fs, baseDir: baseDir, now: time.Now}
}

// NewOSFileStore creates a store on the local disk.
func NewOSFileStore(baseDir string) *FileStore {
	return NewFileStore(afero.NewOsFs(), baseDir)
}

// Save writes data and returns its storage key.
func (s *FileStore) Save(ctx context.Context, owner, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := path.Join(
		sanitizeSegment(owner, "unassigned"),
		s.now().UTC().Format("2006/01/02"),
		uuid.New().String()+"-"+SanitizeName(name),
	)
	full := s.fullPath(key)

	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, full, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return key, nil
}

// Read returns the bytes stored under key.
func (s *FileStore) Read(key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the stored bytes. A missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := s.fs.Remove(s.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete attachment %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) fullPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(path.Clean("/" + key)))
}

// SanitizeName reduces a client supplied file name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return sanitizeSegment(path.Base(name), "attachment")
}

func sanitizeSegment(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > maxNameLength {
		out = out[len(out)-maxNameLength:]
	}
	if out == "" || strings.Trim(out, "_") == "" {
		return fallback
	}
	return out
}
