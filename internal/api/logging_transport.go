package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper and appends request and
// response dumps to a file. Only JSON bodies are written out.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open HTTP log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{Transport: transport, logFile: f, writer: bufio.NewWriter(f)}, nil
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	if dump, err := httputil.DumpRequestOut(req, isJSON(req.Header.Get("Content-Type"))); err != nil {
		log.WithError(err).Debug("Failed to dump HTTP request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", start.Format(time.RFC3339), dump))
	}

	resp, err := t.Transport.RoundTrip(req)
	elapsed := time.Since(start)
	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (Duration: %v) ---\n%s", elapsed, err))
		t.writer.Flush()
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	header, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		header = []byte("Status: " + resp.Status)
	}
	if isJSON(contentType) {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if readErr != nil {
			t.writeLog(fmt.Sprintf("--- Response (Duration: %v) ---\n%s\n(Body read failed: %v)", elapsed, header, readErr))
		} else {
			t.writeLog(fmt.Sprintf("--- Response (Duration: %v) ---\n%s\n%s", elapsed, header, body))
		}
	} else {
		t.writeLog(fmt.Sprintf("--- Response (Duration: %v, Type: %s) ---\n%s\n(Body not logged)", elapsed, contentType, header))
	}
	t.writer.Flush()
	return resp, nil
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json")
}

func (t *LoggingTransport) writeLog(s string) {
	if _, err := t.writer.WriteString(s + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to HTTP log file: %v\n", err)
	}
}

// Close flushes and closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush HTTP log buffer: %w", errFlush)
	}
	return errClose
}
