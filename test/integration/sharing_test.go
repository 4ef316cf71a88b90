// Package integration exercises ShadowBox's full write and share paths
// end to end: two independent Box Engines (one "local", one "remote")
// wired to their own storage, talking over a real loopback TCP
// connection through the Share Server/Client pair.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shadowbox/shadowbox/pkg/blobstore"
	"github.com/shadowbox/shadowbox/pkg/box"
	"github.com/shadowbox/shadowbox/pkg/index"
	"github.com/shadowbox/shadowbox/pkg/session"
	"github.com/shadowbox/shadowbox/pkg/shareclient"
	"github.com/shadowbox/shadowbox/pkg/shareserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resolveTimeout = 3 * time.Second

type staticResolver struct{ addr string }

func (s staticResolver) Resolve(ctx context.Context, code string, timeout time.Duration) (string, error) {
	return s.addr, nil
}

func newEngine(t *testing.T, label string) *box.Engine {
	t.Helper()
	dir := t.TempDir()

	idx, err := index.Open(filepath.Join(dir, label+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	blobs, err := blobstore.Open(filepath.Join(dir, label+"-blobs"))
	require.NoError(t, err)

	sessions := session.NewManager(0)
	t.Cleanup(sessions.Stop)

	return box.New(idx, blobs, sessions, 0)
}

// TestPrivateShareRoundTrip covers the full private-share scenario: a
// source box adds a file, advertises it under a private code, and a
// separate destination box pulls and re-encrypts it under its own key.
func TestPrivateShareRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newEngine(t, "source")
	sourceBox, err := source.CreateBox(ctx, "Docs", "alice", "correct-horse", false)
	require.NoError(t, err)
	require.NoError(t, source.OpenBox(ctx, sourceBox.ID, "correct-horse"))
	_, _, err = source.AddFile(ctx, sourceBox.ID, "report.txt", "quarterly report", []string{"finance"}, []byte("numbers go here"))
	require.NoError(t, err)

	srv := shareserver.New(source, sourceBox.ID, "PULL", false, nil)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)
	defer srv.Close()

	dest := newEngine(t, "dest")
	destBox, err := dest.CreateBox(ctx, "Inbox", "bob", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, dest.OpenBox(ctx, destBox.ID, "hunter2"))

	pulled, err := shareclient.Pull(ctx, staticResolver{addr: addr}, "PULL", nil, resolveTimeout)
	require.NoError(t, err)
	require.Len(t, pulled, 1)

	require.NoError(t, shareclient.ImportInto(ctx, dest, destBox.ID, pulled))

	files, err := dest.ListFiles(ctx, destBox.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "report.txt", files[0].Name)

	got, err := dest.ReadFile(ctx, destBox.ID, files[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "numbers go here", string(got))
}

// TestWrongCodeIsRejected covers the negative case: a peer presenting an
// unrelated code is never shown the manifest.
func TestWrongCodeIsRejected(t *testing.T) {
	ctx := context.Background()
	source := newEngine(t, "source")
	sourceBox, err := source.CreateBox(ctx, "Docs", "alice", "correct-horse", false)
	require.NoError(t, err)
	require.NoError(t, source.OpenBox(ctx, sourceBox.ID, "correct-horse"))
	_, _, err = source.AddFile(ctx, sourceBox.ID, "secret.txt", "", nil, []byte("shh"))
	require.NoError(t, err)

	srv := shareserver.New(source, sourceBox.ID, "RIGHTCODE"[:4], false, nil)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)
	defer srv.Close()

	_, err = shareclient.Pull(ctx, staticResolver{addr: addr}, "NOPE", nil, resolveTimeout)
	assert.Error(t, err, "expected wrong code to be rejected")
}
