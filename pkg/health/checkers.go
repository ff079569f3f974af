package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// HTTPChecker probes an HTTP endpoint; any status below 400 is healthy.
// Used for the coordinator's /health endpoint and web-API data sources.
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPChecker) Name() string { return h.name }

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return failure(start, fmt.Sprintf("bad probe url: %v", err))
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return failure(start, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return failure(start, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return success(start, fmt.Sprintf("status %d", resp.StatusCode))
}

// TCPChecker probes a host:port, for database sources reached over the
// network.
type TCPChecker struct {
	name    string
	address string
	timeout time.Duration
}

func NewTCPChecker(name, address string) *TCPChecker {
	return &TCPChecker{name: name, address: address, timeout: 5 * time.Second}
}

func (t *TCPChecker) Name() string { return t.name }

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return failure(start, fmt.Sprintf("connection failed: %v", err))
	}
	conn.Close()
	return success(start, "reachable")
}

// FileChecker probes a file-backed source (csv, parquet, sqlite).
type FileChecker struct {
	name string
	path string
}

func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{name: name, path: path}
}

func (f *FileChecker) Name() string { return f.name }

func (f *FileChecker) Check(_ context.Context) Result {
	start := time.Now()

	info, err := os.Stat(f.path)
	if err != nil {
		return failure(start, fmt.Sprintf("stat failed: %v", err))
	}
	if info.IsDir() {
		return failure(start, "path is a directory")
	}
	return success(start, fmt.Sprintf("%d bytes", info.Size()))
}

// ForSource builds a checker for a database URI. File URIs get a stat
// probe, http(s) a request probe, anything with a host a TCP probe. URIs
// without a probeable target return nil.
func ForSource(name, uri string) Checker {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	switch {
	case u.Scheme == "file" || strings.HasPrefix(uri, "/"):
		path := u.Path
		if path == "" {
			path = uri
		}
		return NewFileChecker(name, path)
	case u.Scheme == "http" || u.Scheme == "https":
		return NewHTTPChecker(name, uri)
	case u.Host != "":
		host := u.Host
		if u.Port() == "" {
			return nil
		}
		return NewTCPChecker(name, host)
	}
	return nil
}

func success(start time.Time, msg string) Result {
	return Result{Healthy: true, Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

func failure(start time.Time, msg string) Result {
	return Result{Healthy: false, Message: msg, CheckedAt: start, Duration: time.Since(start)}
}
