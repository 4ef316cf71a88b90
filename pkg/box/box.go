// Package box implements the Box Engine (component E): the single write
// path tying the Metadata Index, the blob store, and the Session Manager
// together. Every mutating operation is serialized per-Box behind a write
// mutex; reads take a shared lock, so concurrent searches and lists never
// block on each other but never race a concurrent write either. Every
// public method except CloseBox accepts a context.Context and checks it before any step
// that would leave a partial trace on disk or in the index — a cancelled
// AddFile either commits entirely or leaves nothing behind.
package box

import (
	"context"
	"mime"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shadowbox/shadowbox/pkg/blobstore"
	"github.com/shadowbox/shadowbox/pkg/cryptoutil"
	"github.com/shadowbox/shadowbox/pkg/index"
	"github.com/shadowbox/shadowbox/pkg/log"
	"github.com/shadowbox/shadowbox/pkg/metrics"
	"github.com/shadowbox/shadowbox/pkg/session"
	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/shadowbox/shadowbox/pkg/types"
)

// Engine is the Box Engine: the core object the daemon, the TUI, and the
// Share Server all drive.
type Engine struct {
	idx         *index.Index
	blobs       *blobstore.Store
	sessions    *session.Manager
	maxFileSize int64

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

// New builds an Engine over an already-open Metadata Index and blob store,
// sharing the given Session Manager with any other component (e.g. the
// Share Server) that needs to read the same Boxes' keys. maxFileSize caps
// the plaintext size AddFile will accept; <= 0 means unlimited.
func New(idx *index.Index, blobs *blobstore.Store, sessions *session.Manager, maxFileSize int64) *Engine {
	return &Engine{
		idx:         idx,
		blobs:       blobs,
		sessions:    sessions,
		maxFileSize: maxFileSize,
		locks:       make(map[string]*sync.RWMutex),
	}
}

func (e *Engine) lockFor(boxID string) *sync.RWMutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[boxID]
	if !ok {
		l = &sync.RWMutex{}
		e.locks[boxID] = l
	}
	return l
}

// CreateBox provisions a new Box: generates a fresh DEK and KDF salt, wraps
// the DEK under a key derived from password, and records the Box. The Box
// starts locked; callers must OpenBox with the same password before adding
// content.
func (e *Engine) CreateBox(ctx context.Context, name, owner, password string, isPublic bool) (*types.Box, error) {
	salt, err := cryptoutil.NewSalt()
	if err != nil {
		return nil, err
	}
	masterKey, err := cryptoutil.DeriveMasterKey(password, salt)
	if err != nil {
		return nil, err
	}
	wrapKey, err := cryptoutil.SubKey(masterKey, cryptoutil.InfoDEKWrap)
	if err != nil {
		return nil, err
	}
	dek, err := cryptoutil.NewDEK()
	if err != nil {
		return nil, err
	}
	wrapped, err := cryptoutil.WrapDEK(wrapKey, dek)
	if err != nil {
		return nil, err
	}

	b := &types.Box{
		ID:         uuid.New().String(),
		Name:       name,
		Owner:      owner,
		CreatedAt:  time.Now(),
		IsPublic:   isPublic,
		KDFSalt:    salt,
		WrappedDEK: wrapped,
	}
	if err := e.idx.CreateBox(ctx, b); err != nil {
		return nil, err
	}

	log.WithBox(b.ID).Info().Str("name", name).Msg("box created")
	return b, nil
}

// OpenBox derives the Box's DEK from password and caches it in the Session
// Manager. A wrong password surfaces as shadowerr.AuthFailure.
func (e *Engine) OpenBox(ctx context.Context, boxID, password string) error {
	b, err := e.idx.GetBox(ctx, boxID)
	if err != nil {
		return err
	}

	masterKey, err := cryptoutil.DeriveMasterKey(password, b.KDFSalt)
	if err != nil {
		return err
	}
	wrapKey, err := cryptoutil.SubKey(masterKey, cryptoutil.InfoDEKWrap)
	if err != nil {
		return err
	}
	dek, err := cryptoutil.UnwrapDEK(wrapKey, b.WrappedDEK)
	if err != nil {
		return err
	}
	defer cryptoutil.Zero(dek)

	if err := e.sessions.Unlock(ctx, boxID, dek); err != nil {
		return err
	}
	log.WithBox(boxID).Info().Msg("box opened")
	return nil
}

// CloseBox locks a Box, discarding its cached DEK.
func (e *Engine) CloseBox(boxID string) {
	e.sessions.Lock(boxID)
	log.WithBox(boxID).Info().Msg("box closed")
}

// ListBoxes returns every non-deleted Box.
func (e *Engine) ListBoxes(ctx context.Context) ([]*types.Box, error) {
	return e.idx.ListBoxes(ctx)
}

// AddFile adds plaintext content to a Box under the given name. If a File
// with the same name already exists in the Box, this creates a new Version
// of it instead of a second File (see DESIGN.md). Returns the File and the
// newly created Version. Plaintext larger than the Engine's configured
// MaxFileSize is rejected with shadowerr.QuotaExceeded before any hashing
// or encryption happens.
func (e *Engine) AddFile(ctx context.Context, boxID, name, description string, tags []string, plaintext []byte) (*types.File, *types.Version, error) {
	if e.maxFileSize > 0 && int64(len(plaintext)) > e.maxFileSize {
		return nil, nil, shadowerr.Newf(shadowerr.QuotaExceeded, "file size %d exceeds limit of %d bytes", len(plaintext), e.maxFileSize)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AddFileDuration)

	lock := e.lockFor(boxID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, shadowerr.Wrap(shadowerr.Cancelled, "add file", err)
	}

	dek, err := e.sessions.DEK(ctx, boxID)
	if err != nil {
		return nil, nil, err
	}
	defer cryptoutil.Zero(dek)

	hash := cryptoutil.SHA256Hex(plaintext)

	existing, err := e.findFileByName(ctx, boxID, name)
	if err != nil {
		return nil, nil, err
	}

	newFile := existing == nil
	var f *types.File
	if existing != nil {
		f = existing
	} else {
		f = &types.File{
			ID:          uuid.New().String(),
			BoxID:       boxID,
			Name:        name,
			Description: description,
			Tags:        tags,
			CreatedAt:   time.Now(),
		}
	}
	f.UpdatedAt = time.Now()
	if !newFile {
		f.Description = description
		f.Tags = tags
	}

	maxSeq, err := e.idx.MaxVersionSeq(ctx, f.ID)
	if err != nil {
		return nil, nil, err
	}

	exists, err := e.blobs.Exists(ctx, boxID, hash)
	if err != nil {
		return nil, nil, err
	}

	var nonce, tag []byte
	var ciphertext []byte
	var path string
	var ctSize int64

	if !exists {
		nonce, err = cryptoutil.NewNonce()
		if err != nil {
			return nil, nil, err
		}
		ciphertext, tag, err = cryptoutil.Seal(dek, nonce, plaintext)
		if err != nil {
			return nil, nil, err
		}
		path, err = e.blobs.Put(ctx, boxID, hash, ciphertext)
		if err != nil {
			return nil, nil, err
		}
		ctSize = int64(len(ciphertext))
	} else {
		// Content already stored under this Box; reuse its recorded nonce/tag.
		existingBlob, err := e.idx.GetBlob(ctx, boxID, hash)
		if err != nil {
			return nil, nil, err
		}
		nonce, tag, path, ctSize = existingBlob.Nonce, existingBlob.Tag, existingBlob.PathOnDisk, existingBlob.CTSize
		metrics.DedupHitsTotal.Inc()
	}

	version := &types.Version{
		ID:        uuid.New().String(),
		FileID:    f.ID,
		BlobHash:  hash,
		Size:      int64(len(plaintext)),
		Mime:      guessMime(name),
		CreatedAt: time.Now(),
		Seq:       maxSeq + 1,
	}
	f.CurrentVersionID = version.ID

	blob := &types.Blob{
		Hash:       hash,
		BoxID:      boxID,
		Nonce:      nonce,
		Tag:        tag,
		CTSize:     ctSize,
		PathOnDisk: path,
	}

	blobCreated, err := e.idx.CommitVersion(ctx, f, version, blob, newFile)
	if err != nil {
		// If the blob bytes were freshly written but the index write failed,
		// remove them so the store doesn't accumulate unreferenced content.
		if !exists {
			_ = e.blobs.Delete(context.Background(), boxID, hash)
		}
		return nil, nil, err
	}

	if newFile {
		metrics.FilesTotal.WithLabelValues(boxID).Inc()
	}
	if blobCreated {
		metrics.BlobsTotal.Inc()
		metrics.BlobBytesStored.Add(float64(ctSize))
	}

	log.WithFile(f.ID).Info().Str("box_id", boxID).Int("seq", version.Seq).Msg("version added")
	return f, version, nil
}

func (e *Engine) findFileByName(ctx context.Context, boxID, name string) (*types.File, error) {
	files, err := e.idx.ListFiles(ctx, boxID)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, nil
}

// ReadFile decrypts and returns the plaintext of a File's current Version.
func (e *Engine) ReadFile(ctx context.Context, boxID, fileID string) ([]byte, error) {
	lock := e.lockFor(boxID)
	lock.RLock()
	defer lock.RUnlock()

	dek, err := e.sessions.DEK(ctx, boxID)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zero(dek)

	f, err := e.idx.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.CurrentVersionID == "" {
		return nil, shadowerr.Newf(shadowerr.NotFound, "file %s has no content", fileID)
	}
	return e.readVersion(ctx, boxID, dek, f.CurrentVersionID)
}

// ReadVersion decrypts and returns the plaintext of a specific Version.
func (e *Engine) ReadVersion(ctx context.Context, boxID, versionID string) ([]byte, error) {
	lock := e.lockFor(boxID)
	lock.RLock()
	defer lock.RUnlock()

	dek, err := e.sessions.DEK(ctx, boxID)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zero(dek)

	return e.readVersion(ctx, boxID, dek, versionID)
}

func (e *Engine) readVersion(ctx context.Context, boxID string, dek []byte, versionID string) ([]byte, error) {
	v, err := e.idx.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	b, err := e.idx.GetBlob(ctx, boxID, v.BlobHash)
	if err != nil {
		return nil, err
	}
	ciphertext, err := e.blobs.Get(ctx, boxID, v.BlobHash, b.CTSize)
	if err != nil {
		return nil, err
	}
	return cryptoutil.Open(dek, b.Nonce, ciphertext, b.Tag)
}

// ListVersions returns every Version of a File, newest first (highest Seq
// first).
func (e *Engine) ListVersions(ctx context.Context, fileID string) ([]*types.Version, error) {
	return e.idx.ListVersions(ctx, fileID)
}

// RestoreVersion makes an older Version the File's current one by creating
// a brand-new Version that points at the same blob hash, so history is
// never rewritten — restoring is itself a new, forward-only edit.
func (e *Engine) RestoreVersion(ctx context.Context, boxID, fileID, versionID string) (*types.Version, error) {
	lock := e.lockFor(boxID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.sessions.DEK(ctx, boxID); err != nil {
		return nil, err
	}

	f, err := e.idx.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	old, err := e.idx.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if old.FileID != fileID {
		return nil, shadowerr.Newf(shadowerr.NotFound, "version %s does not belong to file %s", versionID, fileID)
	}

	existingBlob, err := e.idx.GetBlob(ctx, boxID, old.BlobHash)
	if err != nil {
		return nil, err
	}

	maxSeq, err := e.idx.MaxVersionSeq(ctx, fileID)
	if err != nil {
		return nil, err
	}

	newVersion := &types.Version{
		ID:        uuid.New().String(),
		FileID:    fileID,
		BlobHash:  old.BlobHash,
		Size:      old.Size,
		Mime:      old.Mime,
		CreatedAt: time.Now(),
		Seq:       maxSeq + 1,
	}
	f.CurrentVersionID = newVersion.ID
	f.UpdatedAt = time.Now()

	if _, err := e.idx.CommitVersion(ctx, f, newVersion, existingBlob, false); err != nil {
		return nil, err
	}
	log.WithFile(fileID).Info().Str("restored_from", versionID).Msg("version restored")
	return newVersion, nil
}

// SoftDeleteFile marks a File (and its current content) as deleted without
// reclaiming blob storage, so it can still be recovered by an
// administrative undelete if one is ever added.
func (e *Engine) SoftDeleteFile(ctx context.Context, boxID, fileID string) error {
	lock := e.lockFor(boxID)
	lock.Lock()
	defer lock.Unlock()

	f, err := e.idx.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	f.SoftDeleted = true
	f.UpdatedAt = time.Now()
	return e.idx.UpdateFile(ctx, f)
}

// HardDeleteFile permanently removes a File and every one of its Version
// rows, decrementing the ref count of every Blob they referenced and
// deleting any blob whose ref count reaches zero. Unlike SoftDeleteFile,
// this leaves nothing behind for the File to be recovered from.
func (e *Engine) HardDeleteFile(ctx context.Context, boxID, fileID string) error {
	lock := e.lockFor(boxID)
	lock.Lock()
	defer lock.Unlock()

	versions, err := e.idx.ListVersions(ctx, fileID)
	if err != nil {
		return err
	}

	// CommitVersion adds one reference per Version, so release one per Version.
	for _, v := range versions {
		zero, err := e.idx.DecrefBlob(ctx, boxID, v.BlobHash)
		if err != nil {
			return err
		}
		if zero {
			if err := e.blobs.Delete(ctx, boxID, v.BlobHash); err != nil {
				return err
			}
		}
	}

	if err := e.idx.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	metrics.FilesTotal.WithLabelValues(boxID).Dec()

	log.WithFile(fileID).Info().Str("box_id", boxID).Msg("file hard deleted")
	return nil
}

// Search runs a full-text query over a Box's files.
func (e *Engine) Search(ctx context.Context, boxID, query string) ([]*types.File, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SearchDuration)

	lock := e.lockFor(boxID)
	lock.RLock()
	defer lock.RUnlock()
	return e.idx.Search(ctx, boxID, query)
}

// FilterByTag returns every File in a Box carrying the given tag.
func (e *Engine) FilterByTag(ctx context.Context, boxID, tag string) ([]*types.File, error) {
	lock := e.lockFor(boxID)
	lock.RLock()
	defer lock.RUnlock()
	return e.idx.FilterByTag(ctx, boxID, tag)
}

// ListFiles returns every non-deleted File in a Box.
func (e *Engine) ListFiles(ctx context.Context, boxID string) ([]*types.File, error) {
	lock := e.lockFor(boxID)
	lock.RLock()
	defer lock.RUnlock()
	return e.idx.ListFiles(ctx, boxID)
}

func guessMime(name string) string {
	t := mime.TypeByExtension(filepath.Ext(name))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}
