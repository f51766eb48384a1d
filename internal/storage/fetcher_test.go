package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glin-ai/glin-client/internal/errdefs"
)

func newTestClient(gatewayURL, apiURL string) *IPFSClient {
	c := NewIPFSClient(gatewayURL, apiURL)
	c.retryDelay = 10 * time.Millisecond
	return c
}

func TestFetchSucceedsAfterTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "model-bytes")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "models", "QmModel")
	c := newTestClient(srv.URL, srv.URL)
	require.NoError(t, c.Fetch(context.Background(), "QmModel", dest))

	assert.EqualValues(t, 3, hits.Load())
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(content))
}

func TestFetchExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "models", "QmMissing")
	c := newTestClient(srv.URL, srv.URL)
	err := c.Fetch(context.Background(), "QmMissing", dest)

	var storageErr *errdefs.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.EqualValues(t, maxFetchAttempts, hits.Load())

	// Neither a final file nor a partial one may be left behind.
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".partial")
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchStopsBetweenAttemptsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(srv.URL, srv.URL)
	err := c.Fetch(ctx, "QmX", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUploadParsesCID(t *testing.T) {
	var gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		gotFile = header.Filename
		body, _ := io.ReadAll(f)
		assert.Equal(t, "gradient-bytes", string(body))
		fmt.Fprint(w, `{"Name":"gradients.pt","Hash":"QmGradient","Size":"14"}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "gradients.pt")
	require.NoError(t, os.WriteFile(path, []byte("gradient-bytes"), 0o644))

	c := newTestClient(srv.URL, srv.URL)
	cid, err := c.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "QmGradient", cid)
	assert.Equal(t, "gradients.pt", gotFile)
}

func TestUploadRejectsResponseWithoutHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "gradients.pt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c := newTestClient(srv.URL, srv.URL)
	_, err := c.Upload(context.Background(), path)
	var storageErr *errdefs.StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ipfs/QmKnown" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	assert.True(t, c.Probe(context.Background(), "QmKnown"))
	assert.False(t, c.Probe(context.Background(), "QmUnknown"))

	srv.Close()
	assert.False(t, c.Probe(context.Background(), "QmKnown"))
}
