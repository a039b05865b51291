// Package fetch downloads source bytes for pipelines.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/UniQw/botqueue"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 20 << 20
)

// ErrTooLarge is returned when the body exceeds the configured cap.
var ErrTooLarge = errors.New("download exceeds size limit")

// Config holds configuration for the downloader.
type Config struct {
	// Timeout bounds one download (default: 30s).
	Timeout time.Duration
	// MaxBytes caps the body size (default: 20MB).
	MaxBytes int64
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client downloads files over HTTP.
type Client struct {
	httpClient *http.Client
	maxBytes   int64
}

// New creates a downloader.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		maxBytes:   cfg.MaxBytes,
	}
}

// Get downloads url. Every failure is a *botqueue.JobError of kind
// DOWNLOAD_FAILURE, except a cancelled ctx which is returned as is.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, botqueue.NewError(botqueue.KindDownload, "download", fmt.Errorf("build request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, botqueue.NewError(botqueue.KindDownload, "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, botqueue.Errorf(botqueue.KindDownload, "download", "unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > c.maxBytes {
		return nil, botqueue.NewError(botqueue.KindDownload, "download", ErrTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, botqueue.NewError(botqueue.KindDownload, "download", fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > c.maxBytes {
		return nil, botqueue.NewError(botqueue.KindDownload, "download", ErrTooLarge)
	}
	return data, nil
}
