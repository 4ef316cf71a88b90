package shareserver

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct{ addr string }

func (s staticResolver) Resolve(ctx context.Context, code string, timeout time.Duration) (string, error) {
	return s.addr, nil
}

func newTestEngine(t *testing.T) *box.Engine {
	t.Helper()
	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	sessions := session.NewManager(0)
	t.Cleanup(sessions.Stop)

	return box.New(idx, blobs, sessions, 0)
}

func TestPublicBoxRoundTripPull(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	b, err := engine.CreateBox(ctx, "Shared", "alice", "hunter2", true)
	require.NoError(t, err)
	require.NoError(t, engine.OpenBox(ctx, b.ID, "hunter2"))
	_, _, err = engine.AddFile(ctx, b.ID, "hello.txt", "", nil, []byte("hello from the share server"))
	require.NoError(t, err)

	srv := New(engine, b.ID, "ABCD", true, nil)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)
	defer srv.Close()

	files, err := shareclient.Pull(ctx, staticResolver{addr: addr}, "ABCD", nil, discoveryTimeout)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "hello from the share server", string(files[0].Plaintext))
}

func TestPrivateBoxRejectsWrongCode(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	b, err := engine.CreateBox(ctx, "Private", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, engine.OpenBox(ctx, b.ID, "hunter2"))
	_, _, err = engine.AddFile(ctx, b.ID, "secret.txt", "", nil, []byte("top secret"))
	require.NoError(t, err)

	srv := New(engine, b.ID, "WXYZ", false, nil)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)
	defer srv.Close()

	_, err = shareclient.Pull(ctx, staticResolver{addr: addr}, "WRONG", nil, discoveryTimeout)
	assert.Error(t, err, "expected wrong code to be rejected")
}

func TestPrivateBoxRoundTripWithAuth(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	b, err := engine.CreateBox(ctx, "Private", "alice", "hunter2", false)
	require.NoError(t, err)
	require.NoError(t, engine.OpenBox(ctx, b.ID, "hunter2"))
	_, _, err = engine.AddFile(ctx, b.ID, "secret.txt", "", nil, []byte("top secret"))
	require.NoError(t, err)

	srv := New(engine, b.ID, "WXYZ", false, nil)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)
	defer srv.Close()

	files, err := shareclient.Pull(ctx, staticResolver{addr: addr}, "WXYZ", nil, discoveryTimeout)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "top secret", string(files[0].Plaintext))
}

func TestSelectionNarrowsManifest(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	b, err := engine.CreateBox(ctx, "Shared", "alice", "hunter2", true)
	require.NoError(t, err)
	require.NoError(t, engine.OpenBox(ctx, b.ID, "hunter2"))
	f1, _, err := engine.AddFile(ctx, b.ID, "a.txt", "", nil, []byte("a"))
	require.NoError(t, err)
	_, _, err = engine.AddFile(ctx, b.ID, "b.txt", "", nil, []byte("b"))
	require.NoError(t, err)

	srv := New(engine, b.ID, "ABCD", true, []string{f1.ID})
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)
	defer srv.Close()

	files, err := shareclient.Pull(ctx, staticResolver{addr: addr}, "ABCD", nil, discoveryTimeout)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Name)
}

const discoveryTimeout = 3 * time.Second
