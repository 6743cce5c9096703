package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadBackend fakes the two-phase upload flow: POST / issues a target
// pointing back at PUT /put, which records what it received.
type uploadBackend struct {
	mu       sync.Mutex
	reqBody  map[string]string
	putBody  []byte
	putCtype string

	requestStatus  int // non-zero forces phase-1 failure
	transferStatus int // non-zero forces phase-2 failure
	malformedBody  bool
}

func (b *uploadBackend) handler(t *testing.T, baseURL func() string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		if b.requestStatus != 0 {
			http.Error(w, "nope", b.requestStatus)
			return
		}
		if b.malformedBody {
			_, _ = w.Write([]byte(`{truncated`))
			return
		}
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		b.mu.Lock()
		b.reqBody = req
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uploadUrl": baseURL() + "/put",
			"fileUrl":   baseURL() + "/files/final.png",
		})
	})
	mux.HandleFunc("PUT /put", func(w http.ResponseWriter, r *http.Request) {
		if b.transferStatus != 0 {
			http.Error(w, "denied", b.transferStatus)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		b.mu.Lock()
		b.putBody = body
		b.putCtype = r.Header.Get("Content-Type")
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newUploadServer(t *testing.T, b *uploadBackend) *httptest.Server {
	var srv *httptest.Server
	srv = httptest.NewServer(b.handler(t, func() string { return srv.URL }))
	t.Cleanup(srv.Close)
	return srv
}

func pngFile() File {
	return File{Name: "cat.png", Type: "image/png", Bytes: []byte("pretend-png-bytes")}
}

func TestUploadSuccess(t *testing.T) {
	backend := &uploadBackend{}
	srv := newUploadServer(t, backend)
	u := NewUploader(srv.URL)

	att, err := u.Upload(context.Background(), pngFile())
	require.NoError(t, err)
	defer att.Release()

	assert.Equal(t, srv.URL+"/files/final.png", att.FileURL)
	assert.Equal(t, "cat.png", att.Name)
	assert.Equal(t, "image/png", att.Type)

	backend.mu.Lock()
	assert.Equal(t, "cat.png", backend.reqBody["fileName"])
	assert.Equal(t, "image/png", backend.reqBody["fileType"])
	assert.Equal(t, []byte("pretend-png-bytes"), backend.putBody)
	assert.Equal(t, "image/png", backend.putCtype)
	backend.mu.Unlock()

	// Preview is available locally, independent of the remote copy.
	data, err := os.ReadFile(att.Preview)
	require.NoError(t, err)
	assert.Equal(t, []byte("pretend-png-bytes"), data)
}

func TestAttachmentReleaseRemovesPreview(t *testing.T) {
	backend := &uploadBackend{}
	srv := newUploadServer(t, backend)
	u := NewUploader(srv.URL)

	att, err := u.Upload(context.Background(), pngFile())
	require.NoError(t, err)

	att.Release()
	_, err = os.Stat(att.Preview)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	att.Release()
}

func TestUploadRequestFailure(t *testing.T) {
	backend := &uploadBackend{requestStatus: http.StatusInternalServerError}
	srv := newUploadServer(t, backend)
	u := NewUploader(srv.URL)

	att, err := u.Upload(context.Background(), pngFile())
	require.Error(t, err)
	assert.Nil(t, att)
	assert.ErrorIs(t, err, ErrUploadRequest)
	assert.NotErrorIs(t, err, ErrUploadTransfer)
}

func TestUploadRequestMalformedResponse(t *testing.T) {
	backend := &uploadBackend{malformedBody: true}
	srv := newUploadServer(t, backend)
	u := NewUploader(srv.URL)

	_, err := u.Upload(context.Background(), pngFile())
	assert.ErrorIs(t, err, ErrUploadRequest)
}

func TestUploadTransferFailure(t *testing.T) {
	backend := &uploadBackend{transferStatus: http.StatusForbidden}
	srv := newUploadServer(t, backend)
	u := NewUploader(srv.URL)

	att, err := u.Upload(context.Background(), pngFile())
	require.Error(t, err)
	assert.Nil(t, att)
	assert.ErrorIs(t, err, ErrUploadTransfer)
	assert.NotErrorIs(t, err, ErrUploadRequest)
}

func TestUploadUnreachableEndpoint(t *testing.T) {
	u := NewUploader("http://127.0.0.1:1/nope")
	_, err := u.Upload(context.Background(), pngFile())
	assert.ErrorIs(t, err, ErrUploadRequest)
}
