// Package media uploads image attachments to external object storage and
// returns the public URL embedded in image messages.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// MaxUploadBytes bounds a single image upload.
const MaxUploadBytes = 10 << 20 // 10 MiB

// allowedExtensions are the image types clients may attach.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Uploader stores an image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader, size int64) (string, error)
}

// HTTPUploader uploads images to an HTTP storage gateway via multipart POST.
type HTTPUploader struct {
	http *resty.Client
}

// Config holds storage gateway settings.
type Config struct {
	BaseURL string        // gateway endpoint, e.g. https://media.example.com
	APIKey  string        // bearer token for the gateway
	Timeout time.Duration // per-upload budget
}

// NewHTTPUploader creates an uploader against the storage gateway.
func NewHTTPUploader(cfg Config) *HTTPUploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &HTTPUploader{http: c}
}

// Upload validates the file and streams it to the gateway. The stored
// object gets a fresh UUID name; the original filename only contributes
// its extension.
func (u *HTTPUploader) Upload(ctx context.Context, filename string, r io.Reader, size int64) (string, error) {
	if size <= 0 || size > MaxUploadBytes {
		return "", fmt.Errorf("media: size %d outside (0, %d]", size, MaxUploadBytes)
	}
	ext := strings.ToLower(path.Ext(filename))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("media: unsupported type %q", ext)
	}

	object := uuid.New().String() + ext
	resp, err := u.http.R().
		SetContext(ctx).
		SetFileReader("file", object, io.LimitReader(r, MaxUploadBytes)).
		Post("/v1/upload")
	if err != nil {
		return "", fmt.Errorf("media: upload: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("media: gateway returned %s", resp.Status())
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.URL == "" {
		return "", fmt.Errorf("media: bad gateway response")
	}
	return out.URL, nil
}
