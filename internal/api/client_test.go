package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"busy","busy":true,"active_downloads":2,"active_sessions":["a","b"],"safe_to_restart":false}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	c.retryDelay = time.Millisecond
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "busy", st.Status)
	assert.True(t, st.Busy)
	assert.Equal(t, 2, st.ActiveCount)
	assert.Equal(t, []string{"a", "b"}, st.ActiveSessions)
}

func TestValidateReportsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if len(body["urls"]) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"No links provided"}`))
			return
		}
		_, _ = w.Write([]byte(`{"valid":[{"url":"a","title":"A"}],"invalid":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	res, err := c.Validate(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	assert.Equal(t, "A", res.Valid[0].Title)

	_, err = c.Validate(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadRequest))
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "No links provided", se.Message)
}

func TestDownloadFollowsSessionArchive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"has_file":true,"session_id":"session-1","successful":[{"url":"a","title":"A"}],"rejected":[{"url":"b","title":"B","reason":"too long"}]}`))
	})
	mux.HandleFunc("GET /download_file/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "session-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK-archive"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var buf bytes.Buffer
	res, err := NewClient(srv.URL, nil).Download(context.Background(), []string{"a", "b"}, &buf)
	require.NoError(t, err)
	assert.True(t, res.HasFile)
	assert.Equal(t, "session-1", res.SessionID)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "too long", res.Rejected[0].Reason)
	assert.Equal(t, "PK-archive", buf.String())

	err = NewClient(srv.URL, nil).FetchArchive(context.Background(), "session-x", &buf)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDownloadStreamsArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("X-Archive-Blake3", "D1GE57")
		_, _ = w.Write([]byte("PK-direct"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	res, err := NewClient(srv.URL, nil).Download(context.Background(), []string{"a"}, &buf)
	require.NoError(t, err)
	assert.True(t, res.HasFile)
	assert.Empty(t, res.SessionID)
	assert.Equal(t, "D1GE57", res.ArchiveDigest)
	assert.Equal(t, "PK-direct", buf.String())
}

func TestDownloadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"No files were downloaded."}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Download(context.Background(), []string{"a"}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrServerError))
	assert.Contains(t, err.Error(), "No files were downloaded.")
}

func TestLoggingTransportWritesJSONBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"idle"}`))
	}))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "http.log")
	lt, err := NewLoggingTransport(nil, logPath)
	require.NoError(t, err)

	c := NewClient(srv.URL, &http.Client{Transport: lt})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", st.Status)
	require.NoError(t, lt.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "GET /status")
	assert.Contains(t, string(data), `{"status":"idle"}`)
}
