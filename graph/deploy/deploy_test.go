package deploy_test

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dataflow-go/graph"
	"github.com/dshills/dataflow-go/graph/deploy"
)

func newFileStore(t *testing.T) *deploy.FileStore {
	t.Helper()
	s, err := deploy.NewFileStore(t.TempDir(), logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

func upload(t *testing.T, s *deploy.FileStore, desc deploy.Descriptor, data []byte, chunk int) {
	t.Helper()
	// Upload back to front: parts may arrive in any order.
	for off := ((len(data) - 1) / chunk) * chunk; off >= 0; off -= chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		require.NoError(t, s.UpdateResource(deploy.Part{Descriptor: desc, Offset: int64(off), Bytes: data[off:end]}))
	}
	require.NoError(t, s.CompleteResource(desc))
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("dir/")
	require.NoError(t, err)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFileStore_DataAndCode(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("0123456789"), 100)
	upload(t, s, deploy.Descriptor{ID: "table.csv", Kind: deploy.KindData}, payload, 64)
	upload(t, s, deploy.Descriptor{ID: "udf.wasm", Kind: deploy.KindCode}, []byte("\x00asm"), 3)

	got, err := s.Lookup(ctx, "table.csv")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = s.Lookup(ctx, "udf.wasm")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00asm"), got)

	assert.Equal(t, []string{"table.csv"}, s.IDs(deploy.KindData))
	assert.Equal(t, []string{"udf.wasm"}, s.IDs(deploy.KindCode))
}

func TestFileStore_Archive(t *testing.T) {
	s := newFileStore(t)
	archive := zipOf(t, map[string]string{
		"dir/a.txt": "alpha",
		"b.txt":     "beta",
	})
	upload(t, s, deploy.Descriptor{ID: "bundle.zip", Kind: deploy.KindArchive}, archive, 128)

	assert.Equal(t, []string{"b.txt", "dir/a.txt"}, s.IDs(deploy.KindArchive))

	got, err := s.Lookup(context.Background(), "dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))

	_, err = s.Lookup(context.Background(), "bundle.zip")
	assert.ErrorIs(t, err, graph.ErrResourceUnavailable)
}

func TestFileStore_Errors(t *testing.T) {
	s := newFileStore(t)

	_, err := s.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, graph.ErrResourceUnavailable)

	err = s.CompleteResource(deploy.Descriptor{ID: "never-uploaded"})
	assert.ErrorIs(t, err, deploy.ErrUnknownResource)

	bad := deploy.Descriptor{ID: "broken.zip", Kind: deploy.KindArchive}
	require.NoError(t, s.UpdateResource(deploy.Part{Descriptor: bad, Bytes: []byte("not a zip")}))
	assert.Error(t, s.CompleteResource(bad))
}

func TestFileStore_Destroy(t *testing.T) {
	s := newFileStore(t)
	upload(t, s, deploy.Descriptor{ID: "x"}, []byte("x"), 1)
	dir := s.Dir()

	require.NoError(t, s.Destroy())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "directory still exists: %v", err)
	assert.Empty(t, s.Dir())

	_, err = s.Lookup(context.Background(), "x")
	assert.ErrorIs(t, err, graph.ErrResourceUnavailable)
	assert.ErrorIs(t, s.UpdateResource(deploy.Part{Descriptor: deploy.Descriptor{ID: "y"}}), deploy.ErrDestroyed)
	assert.ErrorIs(t, s.CompleteResource(deploy.Descriptor{ID: "x"}), deploy.ErrDestroyed)
	require.NoError(t, s.Destroy())
}

func TestParseKind(t *testing.T) {
	for _, k := range []deploy.Kind{deploy.KindData, deploy.KindCode, deploy.KindArchive} {
		got, err := deploy.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := deploy.ParseKind("jar")
	assert.Error(t, err)
}

func newRedisStore(t *testing.T, opts ...deploy.RedisOption) (*deploy.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	s := deploy.NewRedisStoreFromClient(client, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_PublishLookup(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, "model.bin", []byte("weights")))
	assert.True(t, mr.Exists("dataflow:resource:model.bin"))

	got, err := s.Lookup(ctx, "model.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), got)

	require.NoError(t, s.Delete(ctx, "model.bin", "unknown"))
	_, err = s.Lookup(ctx, "model.bin")
	assert.ErrorIs(t, err, graph.ErrResourceUnavailable)
}

func TestRedisStore_PublishAllAndTTL(t *testing.T) {
	s, mr := newRedisStore(t, deploy.WithPrefix("test:"), deploy.WithTTL(time.Minute))
	fs := newFileStore(t)
	upload(t, fs, deploy.Descriptor{ID: "a"}, []byte("A"), 1)
	upload(t, fs, deploy.Descriptor{ID: "bundle.zip", Kind: deploy.KindArchive}, zipOf(t, map[string]string{"b": "B"}), 64)

	n, err := s.PublishAll(context.Background(), fs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, time.Minute, mr.TTL("test:a"))

	mr.FastForward(2 * time.Minute)
	_, err = s.Lookup(context.Background(), "a")
	assert.ErrorIs(t, err, graph.ErrResourceUnavailable)
}

// TestRedisStore_FeedsVertexRunner starts a vertex whose resource is served
// from Redis.
func TestRedisStore_FeedsVertexRunner(t *testing.T) {
	s, _ := newRedisStore(t)
	require.NoError(t, s.Publish(context.Background(), "greeting", []byte("hello")))

	engine, err := graph.NewNodeEngine(graph.WithResources(s))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	got := make(chan string, 1)
	r, err := graph.NewVertexRunner(graph.NewApplicationContext("job"), engine, graph.Vertex{
		Name:      "reader",
		Resources: []string{"greeting"},
		Supplier: func(int) graph.Processor {
			return graph.NewFuncProcessor(nil, func(ctx *graph.ProcessorContext, _ *graph.Outbox) (bool, error) {
				b, _ := ctx.Resource("greeting")
				select {
				case got <- string(b):
				default:
				}
				return true, nil
			})
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = r.Start().Get(ctx)
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", <-got)
}
