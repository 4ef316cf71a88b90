package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/shadowbox/shadowbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCreateAndGetBox(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	box := &types.Box{ID: "box1", Name: "Personal", Owner: "alice", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}
	require.NoError(t, idx.CreateBox(ctx, box))

	got, err := idx.GetBox(ctx, "box1")
	require.NoError(t, err)
	assert.Equal(t, "Personal", got.Name)
	assert.Equal(t, "alice", got.Owner)
}

func TestGetBoxMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	_, err := idx.GetBox(ctx, "nope")
	assert.True(t, shadowerr.Is(err, shadowerr.NotFound))
}

func TestListBoxesExcludesSoftDeleted(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	live := &types.Box{ID: "b1", Name: "Live", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}
	dead := &types.Box{ID: "b2", Name: "Dead", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef"), SoftDeleted: true}
	require.NoError(t, idx.CreateBox(ctx, live))
	require.NoError(t, idx.CreateBox(ctx, dead))

	boxes, err := idx.ListBoxes(ctx)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "b1", boxes[0].ID)
}

func seedFile(t *testing.T, ctx context.Context, idx *Index) *types.File {
	t.Helper()
	f := &types.File{
		ID: "f1", BoxID: "box1", Name: "notes.txt", Description: "my notes",
		Tags: []string{"personal", "todo"}, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, idx.CreateFile(ctx, f))
	return f
}

func TestCreateAndGetFileWithTags(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	require.NoError(t, idx.CreateBox(ctx, &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}))
	seedFile(t, ctx, idx)

	got, err := idx.GetFile(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, got.Tags, 2)
	assert.Equal(t, "personal", got.Tags[0])
}

func TestFilterByTag(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	require.NoError(t, idx.CreateBox(ctx, &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}))
	seedFile(t, ctx, idx)

	files, err := idx.FilterByTag(ctx, "box1", "todo")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "f1", files[0].ID)

	none, err := idx.FilterByTag(ctx, "box1", "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchPrefixMatch(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	require.NoError(t, idx.CreateBox(ctx, &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}))
	seedFile(t, ctx, idx)

	results, err := idx.Search(ctx, "box1", "not")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].ID)

	none, err := idx.Search(ctx, "box1", "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCommitVersionNewFileAndBlobDedup(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	box := &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}
	require.NoError(t, idx.CreateBox(ctx, box))

	f := &types.File{ID: "f1", BoxID: "box1", Name: "a.txt", CurrentVersionID: "v1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	v := &types.Version{ID: "v1", FileID: "f1", BlobHash: "hash1", Size: 10, Seq: 1, CreatedAt: time.Now()}
	b := &types.Blob{Hash: "hash1", BoxID: "box1", Nonce: []byte("nonce"), Tag: []byte("tagtagtagtagtag1"), CTSize: 10, PathOnDisk: "/x"}

	created, err := idx.CommitVersion(ctx, f, v, b, true)
	require.NoError(t, err)
	assert.True(t, created, "expected first write to create the blob row")

	got, err := idx.GetBlob(ctx, "box1", "hash1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RefCount)

	// Second file pointing at the same content dedupes against the same blob.
	f2 := &types.File{ID: "f2", BoxID: "box1", Name: "b.txt", CurrentVersionID: "v2", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	v2 := &types.Version{ID: "v2", FileID: "f2", BlobHash: "hash1", Size: 10, Seq: 1, CreatedAt: time.Now()}
	created2, err := idx.CommitVersion(ctx, f2, v2, b, true)
	require.NoError(t, err)
	assert.False(t, created2, "expected dedup to reuse the existing blob row")

	got, err = idx.GetBlob(ctx, "box1", "hash1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RefCount)
}

func TestDecrefBlobReachesZero(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	box := &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}
	require.NoError(t, idx.CreateBox(ctx, box))
	b := &types.Blob{Hash: "hash1", BoxID: "box1", Nonce: []byte("nonce"), Tag: []byte("tagtagtagtagtag1"), CTSize: 10, PathOnDisk: "/x"}
	_, err := idx.UpsertBlob(ctx, b)
	require.NoError(t, err)

	zero, err := idx.DecrefBlob(ctx, "box1", "hash1")
	require.NoError(t, err)
	assert.True(t, zero, "expected ref count to reach zero")

	_, err = idx.GetBlob(ctx, "box1", "hash1")
	assert.True(t, shadowerr.Is(err, shadowerr.NotFound))
}

func TestVersionSeqMonotonic(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	box := &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}
	require.NoError(t, idx.CreateBox(ctx, box))

	max, err := idx.MaxVersionSeq(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, max)

	f := &types.File{ID: "f1", BoxID: "box1", Name: "a.txt", CurrentVersionID: "v1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	v := &types.Version{ID: "v1", FileID: "f1", BlobHash: "h1", Size: 1, Seq: 1, CreatedAt: time.Now()}
	b := &types.Blob{Hash: "h1", BoxID: "box1", Nonce: []byte("nonce"), Tag: []byte("tagtagtagtagtag1"), CTSize: 1, PathOnDisk: "/x"}
	_, err = idx.CommitVersion(ctx, f, v, b, true)
	require.NoError(t, err)

	max, err = idx.MaxVersionSeq(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, max)
}

func TestListVersionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	box := &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}
	require.NoError(t, idx.CreateBox(ctx, box))

	f := &types.File{ID: "f1", BoxID: "box1", Name: "a.txt", CurrentVersionID: "v1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	v1 := &types.Version{ID: "v1", FileID: "f1", BlobHash: "h1", Size: 1, Seq: 1, CreatedAt: time.Now()}
	b1 := &types.Blob{Hash: "h1", BoxID: "box1", Nonce: []byte("nonce"), Tag: []byte("tagtagtagtagtag1"), CTSize: 1, PathOnDisk: "/x"}
	_, err := idx.CommitVersion(ctx, f, v1, b1, true)
	require.NoError(t, err)

	v2 := &types.Version{ID: "v2", FileID: "f1", BlobHash: "h2", Size: 1, Seq: 2, CreatedAt: time.Now()}
	b2 := &types.Blob{Hash: "h2", BoxID: "box1", Nonce: []byte("nonce"), Tag: []byte("tagtagtagtagtag2"), CTSize: 1, PathOnDisk: "/y"}
	_, err = idx.CommitVersion(ctx, f, v2, b2, false)
	require.NoError(t, err)

	versions, err := idx.ListVersions(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v2", versions[0].ID, "expected newest version (highest seq) first")
}

func TestDeleteFileRemovesVersionsTagsAndFTS(t *testing.T) {
	ctx := context.Background()
	idx := openTest(t)
	box := &types.Box{ID: "box1", Name: "B", Owner: "a", CreatedAt: time.Now(), KDFSalt: []byte("0123456789abcdef")}
	require.NoError(t, idx.CreateBox(ctx, box))
	seedFile(t, ctx, idx)

	require.NoError(t, idx.DeleteFile(ctx, "f1"))

	_, err := idx.GetFile(ctx, "f1")
	assert.True(t, shadowerr.Is(err, shadowerr.NotFound))

	none, err := idx.FilterByTag(ctx, "box1", "todo")
	require.NoError(t, err)
	assert.Empty(t, none, "expected tag rows to be removed with the file")
}
