package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ImageStore persists processed images. Save returns the reference recorded on
// the comment; Delete removes it again and ignores missing objects.
type ImageStore interface {
	Save(ctx context.Context, f *File) (string, error)
	Delete(ctx context.Context, ref string) error
}

// DiskStore keeps images under a local media root.
type DiskStore struct {
	root string
}

// NewDiskStore creates the media root if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	const op = "media.NewDiskStore"

	if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(Prefix)), 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) Save(_ context.Context, f *File) (string, error) {
	key := f.Key()
	if err := os.WriteFile(s.path(key), f.Data, 0o644); err != nil {
		return "", fmt.Errorf("media.DiskStore.Save: %w", err)
	}
	return key, nil
}

func (s *DiskStore) Delete(_ context.Context, ref string) error {
	if !strings.HasPrefix(ref, Prefix+"/") || strings.Contains(ref, "..") {
		return fmt.Errorf("media.DiskStore.Delete: unexpected ref %q", ref)
	}
	err := os.Remove(s.path(ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("media.DiskStore.Delete: %w", err)
	}
	return nil
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

var _ ImageStore = (*DiskStore)(nil)
