package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSBlobStore keeps blobs as plain files below root. Content types are not
// persisted; callers keep them alongside the blob reference.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates root if needed and returns a store rooted there.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blobstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes the blob to a temporary file and renames it into place so a
// reader never observes a partial blob.
func (s *FSBlobStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("blobstore: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("blobstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("blobstore: rename: %w", err)
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: stat: %w", err)
	}
	h := sha256.Sum256(data)
	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}

func (s *FSBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("blobstore: read: %w", err)
	}
	obj, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), obj, nil
}

func (s *FSBlobStore) Stat(_ context.Context, key string) (*Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("blobstore: read: %w", err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: stat: %w", err)
	}
	h := sha256.Sum256(data)
	return &Object{
		Key:       key,
		Size:      info.Size(),
		Hash:      fmt.Sprintf("%x", h),
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

func (s *FSBlobStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("blobstore: remove: %w", err)
	}
	return nil
}

func (s *FSBlobStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	var out []*Object
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		obj, err := s.Stat(ctx, key)
		if err != nil {
			return err
		}
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
