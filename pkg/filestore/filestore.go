package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/siftwell/courier/pkg/gateway"
	"github.com/siftwell/courier/pkg/log"
	"github.com/siftwell/courier/pkg/metrics"
)

// downloadRetries bounds download attempts so a missing or flaky filestore
// surfaces as a task error instead of wedging the handler forever.
const downloadRetries = 3

var (
	// ErrInvalidHash is returned for hashes that are not 64 lowercase hex
	// characters. No network call is made for these.
	ErrInvalidHash = errors.New("invalid sha256 hash")

	// ErrNotFound is returned when the filestore does not hold the file
	ErrNotFound = errors.New("file not found in filestore")

	// ErrHashMismatch is returned when downloaded content does not hash to
	// the requested digest
	ErrHashMismatch = errors.New("downloaded file hash does not match requested hash")

	// ErrUploadRejected is returned when the server reports that uploaded
	// content does not match the hash it expected. Retrying the same
	// content cannot succeed.
	ErrUploadRejected = errors.New("uploaded file rejected by filestore hash check")
)

var sha256Pattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Client moves file content between the local tasking directory and the
// remote filestore, always verified by content hash.
type Client struct {
	session *gateway.Session
	dir     string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a filestore client writing downloads into dir
func NewClient(session *gateway.Session, dir string, timeout time.Duration) *Client {
	return &Client{
		session: session,
		dir:     dir,
		timeout: timeout,
		logger:  log.WithComponent("filestore"),
	}
}

// Download fetches the file identified by sha256 into the tasking directory
// and returns its local path. The returned path is non-empty iff the locally
// computed hash equals the requested hash. Errors distinguish a malformed
// hash (ErrInvalidHash), an absent file (ErrNotFound), corrupt content
// (ErrHashMismatch), retry exhaustion (gateway.ErrNoResponse) and generic
// failures, because each maps to a different task outcome.
func (c *Client) Download(ctx context.Context, sha256Hex, sid string) (string, error) {
	slog := c.logger.With().Str("sid", sid).Str("sha256", sha256Hex).Logger()

	if !sha256Pattern.MatchString(sha256Hex) {
		slog.Error().Msg("invalid sha256 provided")
		return "", ErrInvalidHash
	}

	slog.Info().Msg("downloading file")
	resp, err := c.session.Do(ctx, http.MethodGet, c.session.APIPath("file", sha256Hex), gateway.Options{
		Timeout:  c.timeout,
		MaxRetry: downloadRetries,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrNoResponse) {
			slog.Error().Msg("no response from filestore, reporting task error")
			metrics.FileDownloads.WithLabelValues("no_response").Inc()
		}
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to streaming below
	case resp.StatusCode == http.StatusNotFound:
		slog.Error().Msg("requested file not found in the system")
		metrics.FileDownloads.WithLabelValues("not_found").Inc()
		return "", ErrNotFound
	default:
		slog.Warn().Str("status", resp.Status).Msg("unknown response during file retrieval")
		metrics.FileDownloads.WithLabelValues("failed").Inc()
		return "", &gateway.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	path := filepath.Join(c.dir, sha256Hex)
	received, err := c.writeVerified(path, resp.Body)
	if err != nil {
		metrics.FileDownloads.WithLabelValues("failed").Inc()
		return "", err
	}

	if received != sha256Hex {
		slog.Error().Str("received", received).
			Msg("downloaded file does not match requested hash, reporting task error")
		metrics.FileDownloads.WithLabelValues("hash_mismatch").Inc()
		return "", ErrHashMismatch
	}

	metrics.FileDownloads.WithLabelValues("completed").Inc()
	return path, nil
}

// writeVerified streams body to path while hashing it, returning the hex
// digest of what was actually written
func (c *Client) writeVerified(path string, body io.Reader) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create download target: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), body); err != nil {
		return "", fmt.Errorf("failed to stream file content: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// UploadMeta carries the per-file headers of an upload
type UploadMeta struct {
	SHA256          string
	Classification  string
	TTL             int
	IsSectionImage  bool
	IsSupplementary bool
}

// Upload PUTs a local file to the filestore. A server-side hash rejection is
// returned as ErrUploadRejected so the caller does not blindly retry corrupt
// content.
func (c *Client) Upload(ctx context.Context, path string, meta UploadMeta) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open upload source: %w", err)
	}
	defer f.Close()

	body, contentType, err := newUploadBody(f, filepath.Base(path))
	if err != nil {
		return err
	}

	c.logger.Info().Str("path", path).Str("sha256", meta.SHA256).Msg("uploading file")
	_, err = c.session.DoAPI(ctx, http.MethodPut, c.session.APIPath("file"), gateway.Options{
		Headers: map[string]string{
			"Sha256":           meta.SHA256,
			"Classification":   meta.Classification,
			"Ttl":              strconv.Itoa(meta.TTL),
			"Is-Section-Image": strconv.FormatBool(meta.IsSectionImage),
			"Is-Supplementary": strconv.FormatBool(meta.IsSupplementary),
		},
		Body:        body,
		ContentType: contentType,
		Timeout:     c.timeout,
	})
	if err != nil {
		var serverErr *gateway.ServerError
		if errors.As(err, &serverErr) && strings.Contains(serverErr.Message, "does not match expected file hash") {
			c.logger.Warn().Str("path", path).Msg("file upload failed filestore hash check")
			metrics.FileUploads.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %s", ErrUploadRejected, serverErr.Message)
		}
		metrics.FileUploads.WithLabelValues("failed").Inc()
		return err
	}

	metrics.FileUploads.WithLabelValues("completed").Inc()
	return nil
}

// uploadBody is a multipart/form-data body over an open file. It implements
// gateway.Rewindable: rewinding seeks the file back to the start and
// rebuilds the envelope reader, so a retried upload resends full content.
type uploadBody struct {
	file    *os.File
	header  []byte
	trailer []byte
	r       io.Reader
}

func newUploadBody(f *os.File, filename string) (*uploadBody, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if _, err := w.CreateFormFile("file", filename); err != nil {
		return nil, "", fmt.Errorf("failed to build multipart envelope: %w", err)
	}
	header := append([]byte(nil), buf.Bytes()...)

	buf.Reset()
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to build multipart envelope: %w", err)
	}
	trailer := append([]byte(nil), buf.Bytes()...)

	b := &uploadBody{file: f, header: header, trailer: trailer}
	if err := b.Rewind(); err != nil {
		return nil, "", err
	}
	return b, w.FormDataContentType(), nil
}

func (b *uploadBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// Rewind resets the body so the next Read replays the whole request
func (b *uploadBody) Rewind() error {
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload source: %w", err)
	}
	b.r = io.MultiReader(bytes.NewReader(b.header), b.file, bytes.NewReader(b.trailer))
	return nil
}
