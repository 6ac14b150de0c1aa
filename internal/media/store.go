package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned by Open when no bytes exist under a key.
var ErrBlobNotFound = errors.New("blob not found")

// Writer is a handle on one in-progress blob. Exactly one of Commit or
// Abort takes effect; Abort after Commit is a no-op, so callers can defer
// it unconditionally.
type Writer interface {
	io.Writer
	Commit() (key string, err error)
	Abort() error
}

// BlobStore keeps uploaded bytes. Keys are opaque and generated by the
// store.
type BlobStore interface {
	Create() (Writer, error)
	Open(key string) (io.ReadSeekCloser, error)
	Remove(key string) error
}

// DiskStore writes blobs as flat files under one directory. Uploads land
// in a hidden temp file and only appear under their key once committed.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (d *DiskStore) Create() (Writer, error) {
	f, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	return &diskWriter{store: d, f: f}, nil
}

func (d *DiskStore) path(key string) (string, error) {
	// Keys are uuids; anything else could escape the directory.
	if _, err := uuid.Parse(key); err != nil {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(d.dir, key), nil
}

func (d *DiskStore) Open(key string) (io.ReadSeekCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, ErrBlobNotFound
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (d *DiskStore) Remove(key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

type diskWriter struct {
	store *DiskStore
	f     *os.File
	done  bool
}

func (w *diskWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *diskWriter) Commit() (string, error) {
	if w.done {
		return "", errors.New("blob writer already finished")
	}
	w.done = true
	tmp := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close blob: %w", err)
	}
	key := uuid.NewString()
	if err := os.Rename(tmp, filepath.Join(w.store.dir, key)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return key, nil
}

func (w *diskWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard blob: %w", err)
	}
	return nil
}
