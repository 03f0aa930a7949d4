// Package media stores post images and videos on the local file system.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Directory names under the media root.
const (
	ImagesDir = "Images"
	VideosDir = "Videos"
)

// ErrInvalidRef is returned for references that escape the media root.
var ErrInvalidRef = errors.New("media: invalid reference")

// FileStore keeps media files under a root directory. References are
// slash-separated paths relative to the root, such as "Images/<uuid>.jpg".
type FileStore struct {
	root string
}

// NewFileStore creates the root and its subdirectories if missing.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{ImagesDir, VideosDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

// Root returns the media root directory.
func (s *FileStore) Root() string { return s.root }

// Save writes data as a new file and returns its reference. kind selects the
// directory and extension: MediaImages for jpg, MediaVideo for mp4.
func (s *FileStore) Save(data []byte, kind model.MediaKind) (string, error) {
	var dir, ext string
	switch kind {
	case model.MediaImages:
		dir, ext = ImagesDir, ".jpg"
	case model.MediaVideo:
		dir, ext = VideosDir, ".mp4"
	default:
		return "", fmt.Errorf("save media: unsupported kind %d", kind)
	}
	ref := dir + "/" + uuid.NewString() + ext
	path, err := s.Path(ref)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save media %s: %w", ref, err)
	}
	return ref, nil
}

// Path resolves a reference to a file path inside the root.
func (s *FileStore) Path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.root, clean), nil
}

// Exists reports whether the referenced file is present.
func (s *FileStore) Exists(ref string) bool {
	path, err := s.Path(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes one referenced file. A missing file is not an error.
func (s *FileStore) Delete(ref string) error {
	path, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete media %s: %w", ref, err)
	}
	return nil
}

// DeleteAll removes every referenced file. It is best-effort: failures are
// logged and the remaining references are still processed. Remote URLs are
// ignored.
func (s *FileStore) DeleteAll(refs []string) {
	for _, ref := range refs {
		if isRemote(ref) {
			continue
		}
		if err := s.Delete(ref); err != nil {
			log.WithField("ref", ref).Warnf("Error deleting media: %v", err)
		}
	}
}

// Size returns the total size in bytes of all stored media.
func (s *FileStore) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure media: %w", err)
	}
	return total, nil
}

// Clear removes all stored media and recreates the empty directories.
func (s *FileStore) Clear() error {
	for _, dir := range []string{ImagesDir, VideosDir} {
		path := filepath.Join(s.root, dir)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("clear media: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("clear media: %w", err)
		}
	}
	return nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
