// Package fetch retrieves page bodies over HTTP for the crawl loop.
package fetch

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/frontier-crawler/frontier/internal/config"
)

// Result is the outcome of fetching one URL.
type Result struct {
	RequestURL  string
	FinalURL    string
	StatusCode  int
	Status      string
	ContentType string
	Body        []byte
	BodySize    int64
	Redirects   int
	Elapsed     time.Duration
}

// Fetcher performs HTTP GET requests with manual redirect tracking.
type Fetcher struct {
	cfg       *config.FrontierConfig
	client    *http.Client
	transport *http.Transport
}

// New creates a fetcher from the crawl configuration.
func New(cfg *config.FrontierConfig) *Fetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{},
	}

	return &Fetcher{
		cfg:       cfg,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are followed manually so the chain stays
				// visible.
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch retrieves a URL, following redirects up to the configured
// limit.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	result := &Result{RequestURL: rawURL}
	currentURL := rawURL

	for hop := 0; hop <= f.cfg.MaxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		f.setRequestHeaders(req)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, categorizeError(err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			resp.Body.Close()

			if location != "" {
				redirectURL, err := resolveRedirect(currentURL, location)
				if err != nil {
					return nil, fmt.Errorf("invalid redirect location: %w", err)
				}
				result.Redirects++
				currentURL = redirectURL
				continue
			}
			// A redirect status without a location is treated as the
			// final response.
		}

		result.FinalURL = currentURL
		result.StatusCode = resp.StatusCode
		result.Status = resp.Status
		result.ContentType = contentType(resp.Header.Get("Content-Type"))

		body, err := f.readBody(resp)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}

		result.Body = body
		result.BodySize = int64(len(body))
		result.Elapsed = time.Since(start)
		return result, nil
	}

	return nil, fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
}

func (f *Fetcher) setRequestHeaders(req *http.Request) {
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip")
}

// readBody reads the response body up to the configured size cap,
// transparently decoding gzip.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode error: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	return io.ReadAll(io.LimitReader(reader, f.cfg.MaxBodySize))
}

// Close releases idle connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// categorizeError gives network failures a readable prefix.
func categorizeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("connection failed: %w", err)
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "certificate") {
		return fmt.Errorf("TLS error: %w", err)
	}
	return err
}

// Retryable reports whether a fetch error is worth retrying later.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"no such host",
		"eof",
		"broken pipe",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func resolveRedirect(baseURL, location string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(loc).String(), nil
}

func contentType(header string) string {
	if idx := strings.Index(header, ";"); idx != -1 {
		return strings.TrimSpace(header[:idx])
	}
	return strings.TrimSpace(header)
}
