package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const docExt = ".json"

// FileBackend stores one JSON document per key under a root directory:
// listings/<id>.json, expired/<seller>/<id>.json, history/<player>.json and
// timeouts.json. Writes go to a temp file that is renamed into place.
type FileBackend struct {
	root string
}

// NewFileBackend creates the root directory if needed
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (f *FileBackend) path(key Key) string {
	if key.ID == "" {
		return filepath.Join(f.root, key.Namespace+docExt)
	}
	if key.Owner == "" {
		return filepath.Join(f.root, key.Namespace, key.ID+docExt)
	}
	return filepath.Join(f.root, key.Namespace, key.Owner, key.ID+docExt)
}

func (f *FileBackend) Put(ctx context.Context, key Key, doc []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := f.path(key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename %s: %w", key, err)
	}
	return nil
}

func (f *FileBackend) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (f *FileBackend) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	doc, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return doc, nil
}

// List reads every document in the namespace, including the namespace-wide
// document if present. Leftover temp files are ignored.
func (f *FileBackend) List(ctx context.Context, namespace string) ([]Record, error) {
	var recs []Record
	if doc, err := f.Get(ctx, Key{Namespace: namespace}); err == nil {
		recs = append(recs, Record{Key: Key{Namespace: namespace}, Doc: doc})
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	base := filepath.Join(f.root, namespace)
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), docExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := Key{Namespace: namespace}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		switch len(parts) {
		case 1:
			key.ID = strings.TrimSuffix(parts[0], docExt)
		case 2:
			key.Owner = parts[0]
			key.ID = strings.TrimSuffix(parts[1], docExt)
		default:
			return nil
		}
		doc, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		recs = append(recs, Record{Key: key, Doc: doc})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	return recs, nil
}
