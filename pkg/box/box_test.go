package box

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shadowbox/shadowbox/pkg/blobstore"
	"github.com/shadowbox/shadowbox/pkg/index"
	"github.com/shadowbox/shadowbox/pkg/session"
	"github.com/shadowbox/shadowbox/pkg/shadowerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	idx, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	sessions := session.NewManager(0)
	t.Cleanup(sessions.Stop)

	return New(idx, blobs, sessions, 0)
}

func TestAddFileAndReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, e.OpenBox(ctx, b.ID, "hunter2"))

	content := []byte("hello, shadowbox")
	f, v, err := e.AddFile(ctx, b.ID, "hello.txt", "a greeting", []string{"misc"}, content)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Seq)

	got, err := e.ReadFile(ctx, b.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestOpenBoxWrongPassword(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)

	err = e.OpenBox(ctx, b.ID, "wrong-password")
	assert.True(t, shadowerr.Is(err, shadowerr.AuthFailure))
}

func TestAddFileOnLockedBox(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)

	_, _, err = e.AddFile(ctx, b.ID, "x.txt", "", nil, []byte("x"))
	assert.True(t, shadowerr.Is(err, shadowerr.Locked))
}

func TestAddFileOverMaxSizeIsQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	sessions := session.NewManager(0)
	t.Cleanup(sessions.Stop)

	e := New(idx, blobs, sessions, 4)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, e.OpenBox(ctx, b.ID, "hunter2"))

	_, _, err = e.AddFile(ctx, b.ID, "big.txt", "", nil, []byte("too big"))
	assert.True(t, shadowerr.Is(err, shadowerr.QuotaExceeded))
}

func TestSameNameCreatesNewVersionNotNewFile(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, e.OpenBox(ctx, b.ID, "hunter2"))

	f1, v1, err := e.AddFile(ctx, b.ID, "notes.txt", "v1", nil, []byte("first draft"))
	require.NoError(t, err)
	f2, v2, err := e.AddFile(ctx, b.ID, "notes.txt", "v2", nil, []byte("second draft"))
	require.NoError(t, err)

	assert.Equal(t, f1.ID, f2.ID)
	assert.Equal(t, v1.Seq+1, v2.Seq)

	versions, err := e.ListVersions(ctx, f1.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v2.ID, versions[0].ID, "expected newest version first")
}

func TestDedupSharesBlobAcrossFiles(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, e.OpenBox(ctx, b.ID, "hunter2"))

	content := []byte("shared bytes")
	f1, _, err := e.AddFile(ctx, b.ID, "a.txt", "", nil, content)
	require.NoError(t, err)
	f2, _, err := e.AddFile(ctx, b.ID, "b.txt", "", nil, content)
	require.NoError(t, err)

	gotA, err := e.ReadFile(ctx, b.ID, f1.ID)
	require.NoError(t, err)
	gotB, err := e.ReadFile(ctx, b.ID, f2.ID)
	require.NoError(t, err)
	assert.Equal(t, content, gotA)
	assert.Equal(t, content, gotB)
}

func TestRestoreVersionCreatesNewForwardVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, e.OpenBox(ctx, b.ID, "hunter2"))

	f, v1, err := e.AddFile(ctx, b.ID, "notes.txt", "", nil, []byte("original"))
	require.NoError(t, err)
	_, _, err = e.AddFile(ctx, b.ID, "notes.txt", "", nil, []byte("overwritten"))
	require.NoError(t, err)

	restored, err := e.RestoreVersion(ctx, b.ID, f.ID, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Seq)

	got, err := e.ReadFile(ctx, b.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestHardDeleteReclaimsUnreferencedBlob(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, e.OpenBox(ctx, b.ID, "hunter2"))

	f, _, err := e.AddFile(ctx, b.ID, "a.txt", "", nil, []byte("only copy"))
	require.NoError(t, err)

	require.NoError(t, e.HardDeleteFile(ctx, b.ID, f.ID))

	_, err = e.ReadFile(ctx, b.ID, f.ID)
	assert.Error(t, err, "expected reading a hard-deleted file to fail")

	files, err := e.ListFiles(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, files, "expected the File row itself to be gone, not just soft-deleted")
}

func TestSearchAndFilterByTag(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	b, err := e.CreateBox(ctx, "Personal", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, e.OpenBox(ctx, b.ID, "hunter2"))

	_, _, err = e.AddFile(ctx, b.ID, "invoice.pdf", "march invoice", []string{"finance"}, []byte("pdf bytes"))
	require.NoError(t, err)

	results, err := e.Search(ctx, b.ID, "invoice")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	tagged, err := e.FilterByTag(ctx, b.ID, "finance")
	require.NoError(t, err)
	assert.Len(t, tagged, 1)
}
