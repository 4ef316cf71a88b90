// Package index is ShadowBox's Metadata Index: a single embedded
// relational database file holding every Box, File, Version, Blob, and tag
// row, plus a full-text search index over file names, descriptions, and
// tags. It is backed by modernc.org/sqlite, a cgo-free SQLite driver, so
// the whole engine stays a single static binary with no system SQLite
// dependency.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/shadowbox/shadowbox/pkg/types"
	_ "modernc.org/sqlite"
)

// schemaVersion is the value PRAGMA user_version holds after migrate runs.
// migrate applies migrationV1 as a whole whenever user_version is below it;
// there is no list of later migration steps.
const schemaVersion = 1

// Index is a handle onto the metadata database. All methods are safe for
// concurrent use; SQLite's own locking, combined with the single
// *sql.DB connection pool, serializes writers.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and brings
// its schema up to date.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "open index db", err)
	}
	// A content-addressed write-heavy workload is better served by one
	// writer at a time than by SQLite's default connection-per-goroutine
	// pool silently serializing through SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) migrate() error {
	ctx := context.Background()
	if _, err := idx.db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "enable foreign keys", err)
	}

	var current int
	if err := idx.db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&current); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "read schema version", err)
	}

	if current >= schemaVersion {
		return nil
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "begin migration", err)
	}
	defer tx.Rollback()

	for _, stmt := range migrationV1 {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return shadowerr.Wrapf(shadowerr.IOError, "run migration statement %q", err, stmt)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", schemaVersion)); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "set schema version", err)
	}

	if err := tx.Commit(); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "commit migration", err)
	}
	return nil
}

var migrationV1 = []string{
	`CREATE TABLE boxes (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		owner        TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		is_public    INTEGER NOT NULL,
		kdf_salt     BLOB NOT NULL,
		wrapped_dek  BLOB,
		soft_deleted INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE files (
		id                 TEXT PRIMARY KEY,
		box_id             TEXT NOT NULL REFERENCES boxes(id),
		name               TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		current_version_id TEXT,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		soft_deleted       INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX idx_files_box ON files(box_id);`,
	`CREATE TABLE versions (
		id         TEXT PRIMARY KEY,
		file_id    TEXT NOT NULL REFERENCES files(id),
		blob_hash  TEXT NOT NULL,
		size       INTEGER NOT NULL,
		mime       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		seq        INTEGER NOT NULL
	);`,
	`CREATE INDEX idx_versions_file_seq ON versions(file_id, seq);`,
	`CREATE TABLE blobs (
		hash         TEXT NOT NULL,
		box_id       TEXT NOT NULL REFERENCES boxes(id),
		ref_count    INTEGER NOT NULL DEFAULT 0,
		nonce        BLOB NOT NULL,
		tag          BLOB NOT NULL,
		ct_size      INTEGER NOT NULL,
		path_on_disk TEXT NOT NULL,
		PRIMARY KEY (box_id, hash)
	);`,
	`CREATE TABLE file_tags (
		file_id TEXT NOT NULL REFERENCES files(id),
		tag     TEXT NOT NULL,
		PRIMARY KEY (file_id, tag)
	);`,
	`CREATE INDEX idx_file_tags_tag ON file_tags(tag);`,
	`CREATE VIRTUAL TABLE files_fts USING fts5(
		file_id UNINDEXED,
		name,
		description,
		tags
	);`,
}

func unixMillis(t time.Time) int64  { return t.UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateBox inserts a new Box row.
func (idx *Index) CreateBox(ctx context.Context, b *types.Box) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO boxes (id, name, owner, created_at, is_public, kdf_salt, wrapped_dek, soft_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Owner, unixMillis(b.CreatedAt), boolToInt(b.IsPublic), b.KDFSalt, b.WrappedDEK, boolToInt(b.SoftDeleted),
	)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "insert box", err)
	}
	return nil
}

// GetBox fetches a Box by ID.
func (idx *Index) GetBox(ctx context.Context, id string) (*types.Box, error) {
	row := idx.db.QueryRowContext(ctx,
		`SELECT id, name, owner, created_at, is_public, kdf_salt, wrapped_dek, soft_deleted FROM boxes WHERE id = ?`, id)
	b := &types.Box{}
	var isPublic, softDeleted int
	var createdAt int64
	if err := row.Scan(&b.ID, &b.Name, &b.Owner, &createdAt, &isPublic, &b.KDFSalt, &b.WrappedDEK, &softDeleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, shadowerr.Newf(shadowerr.NotFound, "box %s not found", id)
		}
		return nil, shadowerr.Wrap(shadowerr.IOError, "query box", err)
	}
	b.CreatedAt = fromMillis(createdAt)
	b.IsPublic = isPublic != 0
	b.SoftDeleted = softDeleted != 0
	return b, nil
}

// ListBoxes returns every Box that has not been soft-deleted.
func (idx *Index) ListBoxes(ctx context.Context) ([]*types.Box, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT id, name, owner, created_at, is_public, kdf_salt, wrapped_dek, soft_deleted FROM boxes WHERE soft_deleted = 0 ORDER BY created_at`)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "query boxes", err)
	}
	defer rows.Close()

	var out []*types.Box
	for rows.Next() {
		b := &types.Box{}
		var isPublic, softDeleted int
		var createdAt int64
		if err := rows.Scan(&b.ID, &b.Name, &b.Owner, &createdAt, &isPublic, &b.KDFSalt, &b.WrappedDEK, &softDeleted); err != nil {
			return nil, shadowerr.Wrap(shadowerr.IOError, "scan box row", err)
		}
		b.CreatedAt = fromMillis(createdAt)
		b.IsPublic = isPublic != 0
		b.SoftDeleted = softDeleted != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateFile inserts a new File row and its tag rows, plus an FTS entry.
func (idx *Index) CreateFile(ctx context.Context, f *types.File) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO files (id, box_id, name, description, current_version_id, created_at, updated_at, soft_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.BoxID, f.Name, f.Description, nullIfEmpty(f.CurrentVersionID), unixMillis(f.CreatedAt), unixMillis(f.UpdatedAt), boolToInt(f.SoftDeleted),
	)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "insert file", err)
	}
	if err := idx.setTags(ctx, f.ID, f.Tags); err != nil {
		return err
	}
	return idx.reindexFTS(ctx, f)
}

func (idx *Index) setTags(ctx context.Context, fileID string, tags []string) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ?`, fileID); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "clear tags", err)
	}
	for _, t := range tags {
		if _, err := idx.db.ExecContext(ctx, `INSERT INTO file_tags (file_id, tag) VALUES (?, ?)`, fileID, t); err != nil {
			return shadowerr.Wrap(shadowerr.IOError, "insert tag", err)
		}
	}
	return nil
}

func (idx *Index) reindexFTS(ctx context.Context, f *types.File) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM files_fts WHERE file_id = ?`, f.ID); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "clear fts row", err)
	}
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO files_fts (file_id, name, description, tags) VALUES (?, ?, ?, ?)`,
		f.ID, f.Name, f.Description, strings.Join(f.Tags, " "),
	)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "insert fts row", err)
	}
	return nil
}

// UpdateFile overwrites an existing File row's mutable fields, tags, and
// FTS entry.
func (idx *Index) UpdateFile(ctx context.Context, f *types.File) error {
	_, err := idx.db.ExecContext(ctx,
		`UPDATE files SET name = ?, description = ?, current_version_id = ?, updated_at = ?, soft_deleted = ? WHERE id = ?`,
		f.Name, f.Description, nullIfEmpty(f.CurrentVersionID), unixMillis(f.UpdatedAt), boolToInt(f.SoftDeleted), f.ID,
	)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "update file", err)
	}
	if err := idx.setTags(ctx, f.ID, f.Tags); err != nil {
		return err
	}
	return idx.reindexFTS(ctx, f)
}

// GetFile fetches a File by ID, including its tags.
func (idx *Index) GetFile(ctx context.Context, id string) (*types.File, error) {
	row := idx.db.QueryRowContext(ctx,
		`SELECT id, box_id, name, description, current_version_id, created_at, updated_at, soft_deleted FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if err != nil {
		return nil, err
	}
	tags, err := idx.tagsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	f.Tags = tags
	return f, nil
}

func scanFile(row *sql.Row) (*types.File, error) {
	f := &types.File{}
	var currentVersionID sql.NullString
	var createdAt, updatedAt int64
	var softDeleted int
	if err := row.Scan(&f.ID, &f.BoxID, &f.Name, &f.Description, &currentVersionID, &createdAt, &updatedAt, &softDeleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, shadowerr.New(shadowerr.NotFound, "file not found")
		}
		return nil, shadowerr.Wrap(shadowerr.IOError, "query file", err)
	}
	f.CurrentVersionID = currentVersionID.String
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	f.SoftDeleted = softDeleted != 0
	return f, nil
}

func (idx *Index) tagsFor(ctx context.Context, fileID string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT tag FROM file_tags WHERE file_id = ? ORDER BY tag`, fileID)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "query tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, shadowerr.Wrap(shadowerr.IOError, "scan tag", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ListFiles returns every non-soft-deleted File in a Box, most recently
// updated first, ties broken by name.
func (idx *Index) ListFiles(ctx context.Context, boxID string) ([]*types.File, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT id, box_id, name, description, current_version_id, created_at, updated_at, soft_deleted
		 FROM files WHERE box_id = ? AND soft_deleted = 0 ORDER BY updated_at DESC, name ASC`, boxID)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "query files", err)
	}
	defer rows.Close()

	var out []*types.File
	for rows.Next() {
		f := &types.File{}
		var currentVersionID sql.NullString
		var createdAt, updatedAt int64
		var softDeleted int
		if err := rows.Scan(&f.ID, &f.BoxID, &f.Name, &f.Description, &currentVersionID, &createdAt, &updatedAt, &softDeleted); err != nil {
			return nil, shadowerr.Wrap(shadowerr.IOError, "scan file row", err)
		}
		f.CurrentVersionID = currentVersionID.String
		f.CreatedAt = fromMillis(createdAt)
		f.UpdatedAt = fromMillis(updatedAt)
		f.SoftDeleted = softDeleted != 0
		tags, err := idx.tagsFor(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		f.Tags = tags
		out = append(out, f)
	}
	return out, rows.Err()
}

// FilterByTag returns every non-soft-deleted File in boxID carrying tag,
// most recently updated first, ties broken by name.
func (idx *Index) FilterByTag(ctx context.Context, boxID, tag string) ([]*types.File, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT f.id FROM files f
		 JOIN file_tags t ON t.file_id = f.id
		 WHERE f.box_id = ? AND f.soft_deleted = 0 AND t.tag = ?
		 ORDER BY f.updated_at DESC, f.name ASC`, boxID, tag)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "query files by tag", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, shadowerr.Wrap(shadowerr.IOError, "scan file id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.File, 0, len(ids))
	for _, id := range ids {
		f, err := idx.GetFile(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// maxSearchHits caps how many rows Search returns, so an overly broad query
// term never pulls an entire large Box's file list into memory at once.
const maxSearchHits = 500

// Search runs a token-prefix full-text query over file name, description,
// and tags within a single Box.
func (idx *Index) Search(ctx context.Context, boxID, query string) ([]*types.File, error) {
	ftsQuery := toPrefixQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := idx.db.QueryContext(ctx,
		`SELECT f.id FROM files_fts
		 JOIN files f ON f.id = files_fts.file_id
		 WHERE files_fts MATCH ? AND f.box_id = ? AND f.soft_deleted = 0
		 ORDER BY rank LIMIT ?`, ftsQuery, boxID, maxSearchHits)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "fts query", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, shadowerr.Wrap(shadowerr.IOError, "scan fts row", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.File, 0, len(ids))
	for _, id := range ids {
		f, err := idx.GetFile(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// toPrefixQuery turns free text into an FTS5 MATCH expression where every
// token is treated as a prefix, giving fuzzy "starts with" matching per
// word instead of requiring exact tokens.
func toPrefixQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		cleaned := strings.Map(func(r rune) rune {
			if r == '"' {
				return -1
			}
			return r
		}, f)
		if cleaned == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`%s*`, cleaned))
	}
	return strings.Join(parts, " ")
}

// CreateVersion inserts a new immutable Version row.
func (idx *Index) CreateVersion(ctx context.Context, v *types.Version) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO versions (id, file_id, blob_hash, size, mime, created_at, seq) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.FileID, v.BlobHash, v.Size, v.Mime, unixMillis(v.CreatedAt), v.Seq,
	)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "insert version", err)
	}
	return nil
}

// GetVersion fetches a Version by ID.
func (idx *Index) GetVersion(ctx context.Context, id string) (*types.Version, error) {
	row := idx.db.QueryRowContext(ctx, `SELECT id, file_id, blob_hash, size, mime, created_at, seq FROM versions WHERE id = ?`, id)
	v := &types.Version{}
	var createdAt int64
	if err := row.Scan(&v.ID, &v.FileID, &v.BlobHash, &v.Size, &v.Mime, &createdAt, &v.Seq); err != nil {
		if err == sql.ErrNoRows {
			return nil, shadowerr.Newf(shadowerr.NotFound, "version %s not found", id)
		}
		return nil, shadowerr.Wrap(shadowerr.IOError, "query version", err)
	}
	v.CreatedAt = fromMillis(createdAt)
	return v, nil
}

// ListVersions returns every Version of a File, newest first (highest Seq
// first).
func (idx *Index) ListVersions(ctx context.Context, fileID string) ([]*types.Version, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT id, file_id, blob_hash, size, mime, created_at, seq FROM versions WHERE file_id = ? ORDER BY seq DESC`, fileID)
	if err != nil {
		return nil, shadowerr.Wrap(shadowerr.IOError, "query versions", err)
	}
	defer rows.Close()

	var out []*types.Version
	for rows.Next() {
		v := &types.Version{}
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.FileID, &v.BlobHash, &v.Size, &v.Mime, &createdAt, &v.Seq); err != nil {
			return nil, shadowerr.Wrap(shadowerr.IOError, "scan version row", err)
		}
		v.CreatedAt = fromMillis(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// MaxVersionSeq returns the highest Seq recorded for fileID, or 0 if the
// file has no versions yet.
func (idx *Index) MaxVersionSeq(ctx context.Context, fileID string) (int, error) {
	row := idx.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM versions WHERE file_id = ?`, fileID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, shadowerr.Wrap(shadowerr.IOError, "query max seq", err)
	}
	return max, nil
}

// UpsertBlob inserts a new Blob row with ref_count 1, or increments the ref
// count of an existing one (dedup). It reports whether a new blob row was
// created (false means an existing blob was reused).
func (idx *Index) UpsertBlob(ctx context.Context, b *types.Blob) (created bool, err error) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "begin upsert blob", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE box_id = ? AND hash = ?`, b.BoxID, b.Hash)
	var refCount int
	switch err := row.Scan(&refCount); err {
	case nil:
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE box_id = ? AND hash = ?`, b.BoxID, b.Hash); err != nil {
			return false, shadowerr.Wrap(shadowerr.IOError, "increment blob ref count", err)
		}
		created = false
	case sql.ErrNoRows:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (hash, box_id, ref_count, nonce, tag, ct_size, path_on_disk) VALUES (?, ?, 1, ?, ?, ?, ?)`,
			b.Hash, b.BoxID, b.Nonce, b.Tag, b.CTSize, b.PathOnDisk,
		)
		if err != nil {
			return false, shadowerr.Wrap(shadowerr.IOError, "insert blob", err)
		}
		created = true
	default:
		return false, shadowerr.Wrap(shadowerr.IOError, "query blob", err)
	}

	if err := tx.Commit(); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "commit upsert blob", err)
	}
	return created, nil
}

// GetBlob fetches a Blob by (boxID, hash).
func (idx *Index) GetBlob(ctx context.Context, boxID, hash string) (*types.Blob, error) {
	row := idx.db.QueryRowContext(ctx,
		`SELECT hash, box_id, ref_count, nonce, tag, ct_size, path_on_disk FROM blobs WHERE box_id = ? AND hash = ?`, boxID, hash)
	b := &types.Blob{}
	if err := row.Scan(&b.Hash, &b.BoxID, &b.RefCount, &b.Nonce, &b.Tag, &b.CTSize, &b.PathOnDisk); err != nil {
		if err == sql.ErrNoRows {
			return nil, shadowerr.Newf(shadowerr.NotFound, "blob %s/%s not found", boxID, hash)
		}
		return nil, shadowerr.Wrap(shadowerr.IOError, "query blob", err)
	}
	return b, nil
}

// DecrefBlob decrements a Blob's ref count and reports whether it reached
// zero, meaning the caller should delete the underlying bytes from the
// blob store.
func (idx *Index) DecrefBlob(ctx context.Context, boxID, hash string) (reachedZero bool, err error) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "begin decref blob", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count - 1 WHERE box_id = ? AND hash = ?`, boxID, hash); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "decrement blob ref count", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE box_id = ? AND hash = ?`, boxID, hash)
	var refCount int
	if err := row.Scan(&refCount); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "read blob ref count", err)
	}

	if refCount <= 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE box_id = ? AND hash = ?`, boxID, hash); err != nil {
			return false, shadowerr.Wrap(shadowerr.IOError, "delete exhausted blob row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "commit decref blob", err)
	}
	return refCount <= 0, nil
}

// DeleteFile permanently removes a File row, every Version row that
// belongs to it, and its tag and FTS entries. Callers must have already
// decremented (and, where zero, reclaimed) the blobs those Versions
// referenced — DeleteFile only ever touches file/version/tag/fts rows.
func (idx *Index) DeleteFile(ctx context.Context, fileID string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "begin delete file", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE file_id = ?`, fileID); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "delete versions", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ?`, fileID); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "delete file tags", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files_fts WHERE file_id = ?`, fileID); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "delete fts row", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "delete file", err)
	}

	if err := tx.Commit(); err != nil {
		return shadowerr.Wrap(shadowerr.IOError, "commit delete file", err)
	}
	return nil
}

// CommitVersion atomically applies the write-path of adding a file version:
// it creates file (if newFile is true) or updates its current_version_id
// and tags otherwise, inserts the Version row, and upserts the Blob row —
// all inside one SQLite transaction, so a crash or error partway through
// never leaves a Version pointing at a Blob that was never recorded, or a
// File pointing at a Version that doesn't exist. This is the single
// cross-table atomic step the Box Engine's add-file flow relies on.
func (idx *Index) CommitVersion(ctx context.Context, f *types.File, v *types.Version, b *types.Blob, newFile bool) (blobCreated bool, err error) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "begin commit version", err)
	}
	defer tx.Rollback()

	if newFile {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO files (id, box_id, name, description, current_version_id, created_at, updated_at, soft_deleted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.BoxID, f.Name, f.Description, nullIfEmpty(f.CurrentVersionID), unixMillis(f.CreatedAt), unixMillis(f.UpdatedAt), boolToInt(f.SoftDeleted),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET current_version_id = ?, updated_at = ? WHERE id = ?`,
			f.CurrentVersionID, unixMillis(f.UpdatedAt), f.ID,
		)
	}
	if err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "write file row", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ?`, f.ID); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "clear tags", err)
	}
	for _, t := range f.Tags {
		if _, err = tx.ExecContext(ctx, `INSERT INTO file_tags (file_id, tag) VALUES (?, ?)`, f.ID, t); err != nil {
			return false, shadowerr.Wrap(shadowerr.IOError, "insert tag", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM files_fts WHERE file_id = ?`, f.ID); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "clear fts row", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO files_fts (file_id, name, description, tags) VALUES (?, ?, ?, ?)`,
		f.ID, f.Name, f.Description, strings.Join(f.Tags, " "),
	); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "insert fts row", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO versions (id, file_id, blob_hash, size, mime, created_at, seq) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.FileID, v.BlobHash, v.Size, v.Mime, unixMillis(v.CreatedAt), v.Seq,
	); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "insert version", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE box_id = ? AND hash = ?`, b.BoxID, b.Hash)
	var refCount int
	switch scanErr := row.Scan(&refCount); scanErr {
	case nil:
		if _, err = tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE box_id = ? AND hash = ?`, b.BoxID, b.Hash); err != nil {
			return false, shadowerr.Wrap(shadowerr.IOError, "increment blob ref count", err)
		}
		blobCreated = false
	case sql.ErrNoRows:
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO blobs (hash, box_id, ref_count, nonce, tag, ct_size, path_on_disk) VALUES (?, ?, 1, ?, ?, ?, ?)`,
			b.Hash, b.BoxID, b.Nonce, b.Tag, b.CTSize, b.PathOnDisk,
		); err != nil {
			return false, shadowerr.Wrap(shadowerr.IOError, "insert blob", err)
		}
		blobCreated = true
	default:
		return false, shadowerr.Wrap(shadowerr.IOError, "query blob", scanErr)
	}

	if err = tx.Commit(); err != nil {
		return false, shadowerr.Wrap(shadowerr.IOError, "commit version", err)
	}
	return blobCreated, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
