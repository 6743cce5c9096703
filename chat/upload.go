package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Upload failure phases. Phase 1 asks the endpoint for a write target,
// phase 2 transfers the bytes; either failure aborts the whole upload.
var (
	ErrUploadRequest  = errors.New("upload request failed")
	ErrUploadTransfer = errors.New("upload failed")
)

// File is a locally selected file to be uploaded.
type File struct {
	Name  string
	Type  string
	Bytes []byte
}

// Attachment is the result of a completed upload: the durable remote
// reference plus a locally renderable preview. The preview is a temp file
// that must be released when the attachment is cleared or replaced.
type Attachment struct {
	FileURL string
	Name    string
	Type    string
	Preview string

	releaseOnce sync.Once
}

// Release deletes the local preview file. Idempotent.
func (a *Attachment) Release() {
	if a == nil {
		return
	}
	a.releaseOnce.Do(func() {
		if a.Preview == "" {
			return
		}
		if err := os.Remove(a.Preview); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("preview", a.Preview).Msg("[chat] remove preview")
		}
	})
}

// Uploader turns a local file into a durable remote object via the
// two-phase upload protocol: POST to Endpoint for {uploadUrl, fileUrl},
// then PUT the raw bytes to uploadUrl. Stateless across calls; no retry.
type Uploader struct {
	Endpoint string
	Client   *http.Client
}

func NewUploader(endpoint string) *Uploader {
	return &Uploader{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type uploadTarget struct {
	UploadURL string `json:"uploadUrl"`
	FileURL   string `json:"fileUrl"`
}

func (u *Uploader) Upload(ctx context.Context, file File) (*Attachment, error) {
	target, err := u.requestTarget(ctx, file)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, bytes.NewReader(file.Bytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadTransfer, err)
	}
	if file.Type != "" {
		req.Header.Set("Content-Type", file.Type)
	}
	resp, err := u.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadTransfer, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUploadTransfer, resp.StatusCode)
	}

	preview, err := writePreview(file)
	if err != nil {
		// The remote copy exists either way; a missing preview only
		// degrades local rendering.
		log.Warn().Err(err).Str("file", file.Name).Msg("[chat] write preview")
	}
	return &Attachment{
		FileURL: target.FileURL,
		Name:    file.Name,
		Type:    file.Type,
		Preview: preview,
	}, nil
}

func (u *Uploader) requestTarget(ctx context.Context, file File) (uploadTarget, error) {
	body, err := json.Marshal(struct {
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
	}{FileName: file.Name, FileType: file.Type})
	if err != nil {
		return uploadTarget{}, fmt.Errorf("%w: %v", ErrUploadRequest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, bytes.NewReader(body))
	if err != nil {
		return uploadTarget{}, fmt.Errorf("%w: %v", ErrUploadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := u.client().Do(req)
	if err != nil {
		return uploadTarget{}, fmt.Errorf("%w: %v", ErrUploadRequest, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return uploadTarget{}, fmt.Errorf("%w: status %d", ErrUploadRequest, resp.StatusCode)
	}
	var target uploadTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return uploadTarget{}, fmt.Errorf("%w: %v", ErrUploadRequest, err)
	}
	if target.UploadURL == "" || target.FileURL == "" {
		return uploadTarget{}, fmt.Errorf("%w: incomplete response", ErrUploadRequest)
	}
	return target, nil
}

func (u *Uploader) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return http.DefaultClient
}

func writePreview(file File) (string, error) {
	f, err := os.CreateTemp("", "relay-chat-preview-*"+filepath.Ext(file.Name))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(file.Bytes); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
