// Package blobstore is ShadowBox's content-addressed ciphertext store
// (component A). Every blob lives at a path derived from the plaintext's
// SHA-256 hash and the owning Box, written atomically via temp-then-rename,
// so a crash mid-write never leaves a partially-written blob visible under
// its final name.
package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/shadowbox/shadowbox/pkg/shadowerr"
)

// Store is a content-addressed store of per-box ciphertext blobs rooted at
// a single directory on disk.
type Store struct {
	root string
}

// Open returns a Store rooted at root, creating the directory if needed.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "create storage root", err)
	}
	return &Store{root: root}, nil
}

// pathFor returns the on-disk path for a blob, fanned out by the first two
// hex characters of its hash to keep any one directory from growing
// unbounded (storage_root/<box_id>/<aa>/<rest-of-hash>).
func (s *Store) pathFor(boxID, hash string) (string, error) {
	if len(hash) < 3 {
		return "", shadowerr.Newf(shadowerr.IOError, "hash %q too short to address", hash)
	}
	return filepath.Join(s.root, boxID, hash[:2], hash[2:]), nil
}

// checkCtx reports a shadowerr.Cancelled/Timeout error if ctx has already
// ended. os has no context-aware file API, so every method checks at entry
// and again before any step that would leave a partial trace on disk.
func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return shadowerr.Wrap(shadowerr.Timeout, "blob operation", ctx.Err())
		}
		return shadowerr.Wrap(shadowerr.Cancelled, "blob operation", ctx.Err())
	default:
		return nil
	}
}

// Put writes ciphertext atomically under (boxID, hash), returning the final
// on-disk path. If a blob already exists at that path it is left untouched
// and the existing path is returned — callers are expected to have already
// decided, via the Metadata Index's ref count, whether a write is needed.
// A cancelled Put leaves no temp file or partial blob behind.
func (s *Store) Put(ctx context.Context, boxID, hash string, ciphertext []byte) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}

	finalPath, err := s.pathFor(boxID, hash)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(finalPath); err == nil {
		return finalPath, nil
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", shadowerr.Wrap(shadowerr.IOError, "create blob directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", shadowerr.Wrap(shadowerr.IOError, "create temp blob", err)
	}
	tmpPath := tmp.Name()

	if err := checkCtx(ctx); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}

	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", shadowerr.Wrap(shadowerr.IOError, "write temp blob", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", shadowerr.Wrap(shadowerr.IOError, "sync temp blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", shadowerr.Wrap(shadowerr.IOError, "close temp blob", err)
	}

	if err := checkCtx(ctx); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", shadowerr.Wrap(shadowerr.IOError, "rename temp blob into place", err)
	}

	return finalPath, nil
}

// Get reads the full ciphertext stored at (boxID, hash). wantSize, when
// non-negative, is checked against the file's actual size so a blob that
// was externally truncated or extended is caught before decryption rather
// than surfacing a confusing AEAD failure.
func (s *Store) Get(ctx context.Context, boxID, hash string, wantSize int64) ([]byte, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	path, err := s.pathFor(boxID, hash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, shadowerr.Wrapf(shadowerr.NotFound, "blob %s/%s not found", err, boxID, hash)
		}
		return nil, shadowerr.Wrap(shadowerr.IOError, "open blob", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "stat blob", err)
	}
	if wantSize >= 0 && info.Size() != wantSize {
		return nil, shadowerr.Newf(shadowerr.IntegrityFailure, "blob %s/%s size mismatch: recorded %d, on disk %d", boxID, hash, wantSize, info.Size())
	}

	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "read blob", err)
	}
	return data, nil
}

// Delete removes the blob stored at (boxID, hash). It is not an error to
// delete a blob that does not exist, so callers can delete defensively
// after a ref count reaches zero without a prior existence check.
func (s *Store) Delete(ctx context.Context, boxID, hash string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	path, err := s.pathFor(boxID, hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return shadowerr.Wrap(shadowerr.IOError, "delete blob", err)
	}
	return nil
}

// Exists reports whether a blob is present at (boxID, hash).
func (s *Store) Exists(ctx context.Context, boxID, hash string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	path, err := s.pathFor(boxID, hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, shadowerr.Wrap(shadowerr.IOError, "stat blob", err)
}

// DeleteBox removes every blob belonging to boxID, used when a Box is
// permanently destroyed.
func (s *Store) DeleteBox(ctx context.Context, boxID string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	dir := filepath.Join(s.root, boxID)
	if err := os.RemoveAll(dir); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "delete box storage", err)
	}
	return nil
}
