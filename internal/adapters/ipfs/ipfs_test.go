package ipfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"c2dagent/internal/logging"
)

var testModule = []byte("\x00asm\x01\x00\x00\x00")

func TestGatewayFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bafy-algo":
			w.Header().Set("Content-Type", "application/wasm")
			_, _ = w.Write(testModule)
		case "/bafy-input":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"entry":"add","args":[1,2]}`))
		default:
			http.Error(w, "no such object", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g, err := NewGatewayClient(srv.URL+"/", logging.Discard)
	require.NoError(t, err)

	data, err := g.FetchModule(context.Background(), "ipfs://bafy-algo")
	require.NoError(t, err)
	require.Equal(t, testModule, data)

	data, err = g.FetchInput(context.Background(), "/ipfs/bafy-input")
	require.NoError(t, err)
	require.JSONEq(t, `{"entry":"add","args":[1,2]}`, string(data))

	_, err = g.FetchModule(context.Background(), "/ipfs/missing")
	require.ErrorContains(t, err, "404")

	_, err = NewGatewayClient("  ", logging.Discard)
	require.Error(t, err)
}

func TestGatewayAppliesAssetPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html>gateway error</html>"))
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"entry":"add"}`))
		case "/big":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`"` + strings.Repeat("x", 9<<20) + `"`))
		}
	}))
	defer srv.Close()

	g, err := NewGatewayClient(srv.URL, logging.Discard)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = g.FetchModule(ctx, "html")
	require.ErrorContains(t, err, "text/html")
	_, err = g.FetchInput(ctx, "html")
	require.ErrorContains(t, err, "text/html")

	_, err = g.FetchModule(ctx, "json")
	require.ErrorContains(t, err, "not a wasm module")

	_, err = g.FetchInput(ctx, "big")
	require.ErrorContains(t, err, "larger than")
}

func TestMirrorFetch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bafy-input"), []byte(`{"entry":"add"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bafy-algo"), testModule, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bafy-text"), []byte("not json"), 0o644))
	m := NewMirrorClient(dir, logging.Discard)
	ctx := context.Background()

	data, err := m.FetchInput(ctx, "bafy-input")
	require.NoError(t, err)
	require.JSONEq(t, `{"entry":"add"}`, string(data))

	data, err = m.FetchModule(ctx, "bafy-algo")
	require.NoError(t, err)
	require.Equal(t, testModule, data)

	_, err = m.FetchModule(ctx, "bafy-input")
	require.ErrorContains(t, err, "not a wasm module")
	_, err = m.FetchInput(ctx, "bafy-text")
	require.ErrorContains(t, err, "not valid JSON")

	_, err = m.FetchInput(ctx, "../etc/passwd")
	require.Error(t, err)
	_, err = m.FetchInput(ctx, "absent")
	require.Error(t, err)
}
