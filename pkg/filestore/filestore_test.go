package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftwell/courier/pkg/gateway"
	"github.com/siftwell/courier/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	session := gateway.NewSession(srv.URL, "key", "container", 5*time.Second, "")
	session.SetSleep(func(time.Duration) {})
	return NewClient(session, t.TempDir(), 5*time.Second), srv
}

func TestDownloadRejectsInvalidHashWithoutNetworkCall(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for _, bad := range []string{
		"",
		"abc123",
		strings.Repeat("g", 64),
		strings.Repeat("A", 64), // uppercase is not accepted
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
	} {
		_, err := client.Download(context.Background(), bad, "sid-1")
		assert.ErrorIs(t, err, ErrInvalidHash, "hash %q", bad)
	}

	assert.Equal(t, 0, calls, "malformed hashes must not reach the network")
}

func TestDownloadSuccess(t *testing.T) {
	content := []byte("file body bytes")
	digest := hashOf(content)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/file/"+digest+"/", r.URL.Path)
		w.Write(content)
	}))

	path, err := client.Download(context.Background(), digest, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, digest, filepath.Base(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	path, err := client.Download(context.Background(), strings.Repeat("a", 64), "sid-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, path)
}

func TestDownloadHashMismatch(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not the requested content"))
	}))

	path, err := client.Download(context.Background(), strings.Repeat("a", 64), "sid-1")
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Empty(t, path)
}

func TestDownloadUnknownStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Download(context.Background(), strings.Repeat("a", 64), "sid-1")
	var statusErr *gateway.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func TestUploadSendsMetadataHeaders(t *testing.T) {
	content := []byte("extracted file")
	digest := hashOf(content)

	var gotHeaders http.Header
	var gotBody []byte
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		buf := make([]byte, 1024)
		n, _ := f.Read(buf)
		gotBody = buf[:n]
		w.Write([]byte(`{"api_response": {"success": true}}`))
	}))

	dir := t.TempDir()
	path := filepath.Join(dir, "extracted.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))

	err := client.Upload(context.Background(), path, UploadMeta{
		SHA256:          digest,
		Classification:  "U",
		TTL:             15,
		IsSectionImage:  false,
		IsSupplementary: true,
	})
	require.NoError(t, err)

	assert.Equal(t, digest, gotHeaders.Get("Sha256"))
	assert.Equal(t, "U", gotHeaders.Get("Classification"))
	assert.Equal(t, "15", gotHeaders.Get("Ttl"))
	assert.Equal(t, "false", gotHeaders.Get("Is-Section-Image"))
	assert.Equal(t, "true", gotHeaders.Get("Is-Supplementary"))
	assert.Equal(t, content, gotBody)
}

func TestUploadHashRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"api_error_message": "uploaded file does not match expected file hash"}`))
	}))

	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.bin")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0644))

	err := client.Upload(context.Background(), path, UploadMeta{SHA256: strings.Repeat("a", 64)})
	assert.ErrorIs(t, err, ErrUploadRejected)
}

func TestUploadBodyRewindReplaysFullContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("replay me"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	body, contentType, err := newUploadBody(f, "file.bin")
	require.NoError(t, err)
	assert.Contains(t, contentType, "multipart/form-data")

	first := readAll(t, body)
	require.NoError(t, body.Rewind())
	second := readAll(t, body)

	assert.Equal(t, first, second, "rewound body must replay the identical envelope")
	assert.Contains(t, string(first), "replay me")
}

func readAll(t *testing.T, b *uploadBody) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := b.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return out
		}
	}
}
