// Package api is a client for a running link-downloader server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go-link-downloader/internal/models"

	log "github.com/sirupsen/logrus"
)

var (
	ErrBadRequest  = errors.New("request rejected by server")
	ErrNotFound    = errors.New("resource not found")
	ErrServerError = errors.New("server error")
)

const DefaultBaseURL = "http://127.0.0.1:5000"

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status string `json:"status"`
	models.StatusReport
}

// ValidateResponse is the body of POST /validate.
type ValidateResponse struct {
	Valid   []models.ItemReport `json:"valid"`
	Invalid []models.ItemReport `json:"invalid"`
}

// DownloadResponse is the JSON variant of POST /download, returned when some
// links could not be downloaded.
type DownloadResponse struct {
	HasFile       bool                `json:"has_file"`
	SessionID     string              `json:"session_id"`
	ArchiveDigest string              `json:"archive_blake3"`
	Successful    []models.ItemReport `json:"successful"`
	Rejected      []models.ItemReport `json:"rejected"`
}

// ServerError carries the server's {"error": ...} message.
type ServerError struct {
	StatusCode int
	Message    string
	Rejected   []models.ItemReport
	kind       error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%v (status %d): %s", e.kind, e.StatusCode, e.Message)
}

func (e *ServerError) Unwrap() error { return e.kind }

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// StatusRetries is how many times an idempotent GET is retried on a
	// transport error or 5xx.
	StatusRetries int
	retryDelay    time.Duration
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		HTTPClient:    httpClient,
		StatusRetries: 2,
		retryDelay:    time.Second,
	}
}

// Status fetches the busy/idle report.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	var lastErr error
	for attempt := 0; attempt <= c.StatusRetries; attempt++ {
		if attempt > 0 {
			log.WithError(lastErr).Warnf("Retrying status request (%d/%d)...", attempt, c.StatusRetries)
			select {
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status", nil)
		if err != nil {
			return out, fmt.Errorf("error creating request: %w", err)
		}
		lastErr = c.doJSON(req, &out)
		if lastErr == nil {
			return out, nil
		}
		if errors.Is(lastErr, ErrBadRequest) || errors.Is(lastErr, ErrNotFound) {
			break
		}
	}
	return out, lastErr
}

// Validate asks the server to probe and budget-check urls.
func (c *Client) Validate(ctx context.Context, urls []string) (ValidateResponse, error) {
	var out ValidateResponse
	req, err := c.newLinksRequest(ctx, "/validate", urls)
	if err != nil {
		return out, err
	}
	return out, c.doJSON(req, &out)
}

// Download submits urls and writes any archive to w. The JSON summary is
// returned when the server reports partial results; a fully successful
// batch streams the archive directly and returns a zero summary with
// HasFile set.
func (c *Client) Download(ctx context.Context, urls []string, w io.Writer) (DownloadResponse, error) {
	var out DownloadResponse
	req, err := c.newLinksRequest(ctx, "/download", urls)
	if err != nil {
		return out, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return out, err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/zip" {
		if _, err := io.Copy(w, resp.Body); err != nil {
			return out, fmt.Errorf("error reading archive: %w", err)
		}
		out.HasFile = true
		out.ArchiveDigest = resp.Header.Get("X-Archive-Blake3")
		return out, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("error decoding response JSON: %w", err)
	}
	if out.HasFile && out.SessionID != "" {
		if err := c.FetchArchive(ctx, out.SessionID, w); err != nil {
			return out, err
		}
	}
	return out, nil
}

// FetchArchive downloads a session's archive while it is still available.
func (c *Client) FetchArchive(ctx context.Context, sessionID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/download_file/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("error reading archive: %w", err)
	}
	return nil
}

func (c *Client) newLinksRequest(ctx context.Context, path string, urls []string) (*http.Request, error) {
	body, err := json.Marshal(map[string][]string{"urls": urls})
	if err != nil {
		return nil, fmt.Errorf("error encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) doJSON(req *http.Request, v interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http request failed: %v", ErrServerError, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding response JSON: %w", err)
	}
	return nil
}

// checkStatus maps a non-2xx response to a *ServerError.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	se := &ServerError{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		se.kind = ErrNotFound
	case resp.StatusCode >= 500:
		se.kind = ErrServerError
	default:
		se.kind = ErrBadRequest
	}
	var body struct {
		Error    string              `json:"error"`
		Rejected []models.ItemReport `json:"rejected"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		se.Message = body.Error
		se.Rejected = body.Rejected
	} else {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}
