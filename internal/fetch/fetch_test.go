package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/stretchr/testify/require"
)

func TestGet_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pixels"))
	}))
	defer srv.Close()

	data, err := New(Config{}).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "pixels", string(data))
}

func TestGet_BadStatusIsDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(Config{}).Get(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, botqueue.KindDownload, botqueue.KindOf(err))
}

func TestGet_TooLarge(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	_, err := New(Config{MaxBytes: 16}).Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrTooLarge)
	require.Equal(t, botqueue.KindDownload, botqueue.KindOf(err))
}

func TestGet_TimeoutIsDownloadFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Config{Timeout: 50 * time.Millisecond}).Get(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, botqueue.KindDownload, botqueue.KindOf(err))
}

func TestGet_CancelledContextPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Get(ctx, srv.URL)
	require.True(t, errors.Is(err, context.Canceled))
}
