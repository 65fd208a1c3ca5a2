package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"transcription-webhook-go/internal/types"
)

const (
	DefaultMaxBytes = 200 << 20
	DefaultTimeout  = 2 * time.Minute
)

type Config struct {
	MaxBytes int64
	Timeout  time.Duration
	// DriveEndpoint is the direct-download endpoint share links are
	// rewritten to.
	DriveEndpoint string
	Transport     http.RoundTripper
}

// Fetcher downloads audio into memory, bounded by size and wall-clock time.
type Fetcher struct {
	maxBytes      int64
	timeout       time.Duration
	driveEndpoint string
	transport     http.RoundTripper
}

func New(cfg Config) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DriveEndpoint == "" {
		cfg.DriveEndpoint = defaultDriveEndpoint
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	return &Fetcher{
		maxBytes:      cfg.MaxBytes,
		timeout:       cfg.Timeout,
		driveEndpoint: cfg.DriveEndpoint,
		transport:     cfg.Transport,
	}
}

// Fetch returns the bytes at rawURL or a DownloadError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &types.Error{Kind: types.KindDownload, Subkind: types.SubkindMalformed,
			Message: fmt.Sprintf("invalid audio url %q", rawURL)}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Transport: f.transport, Jar: jar}

	if id, ok := DriveFileID(u); ok {
		return f.fetchDrive(ctx, client, id)
	}
	resp, err := f.get(ctx, client, u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return f.read(ctx, resp)
}

func (f *Fetcher) fetchDrive(ctx context.Context, client *http.Client, id string) ([]byte, error) {
	endpoint := driveDownloadURL(f.driveEndpoint, id, "")
	resp, err := f.get(ctx, client, endpoint)
	if err != nil {
		return nil, err
	}

	token := confirmFromCookies(client.Jar, resp.Request.URL)
	if token == "" && isHTML(resp) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		token = confirmFromHTML(body)
		if token == "" {
			resp.Body.Close()
			return nil, &types.Error{Kind: types.KindDownload, Subkind: types.SubkindUnsupported,
				Message: "drive returned an html page without a download token"}
		}
	}
	if token != "" {
		resp.Body.Close()
		resp, err = f.get(ctx, client, driveDownloadURL(f.driveEndpoint, id, token))
		if err != nil {
			return nil, err
		}
		if isHTML(resp) {
			resp.Body.Close()
			return nil, &types.Error{Kind: types.KindDownload, Subkind: types.SubkindUnsupported,
				Message: "drive confirmation did not yield the file"}
		}
	}
	defer resp.Body.Close()
	return f.read(ctx, resp)
}

// get issues the request and classifies non-2xx responses. On success the
// caller owns resp.Body.
func (f *Fetcher) get(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &types.Error{Kind: types.KindDownload, Subkind: types.SubkindMalformed, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
	return nil, statusError(resp.StatusCode, target)
}

func (f *Fetcher) read(ctx context.Context, resp *http.Response) ([]byte, error) {
	if resp.ContentLength > f.maxBytes {
		return nil, &types.Error{Kind: types.KindDownload, Subkind: types.SubkindTooLarge,
			Message: fmt.Sprintf("content length %d exceeds limit of %d bytes", resp.ContentLength, f.maxBytes)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &types.Error{Kind: types.KindDownload, Subkind: types.SubkindTooLarge,
			Message: fmt.Sprintf("body exceeds limit of %d bytes", f.maxBytes)}
	}
	if len(data) == 0 {
		return nil, &types.Error{Kind: types.KindDownload, Subkind: types.SubkindMalformed,
			Message: "empty response body"}
	}
	return data, nil
}

func statusError(code int, target string) error {
	msg := fmt.Sprintf("GET %s: status %d", target, code)
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return &types.Error{Kind: types.KindDownload, Subkind: types.SubkindNotFound, Message: msg}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &types.Error{Kind: types.KindDownload, Subkind: types.SubkindForbidden, Message: msg}
	case code == http.StatusRequestEntityTooLarge:
		return &types.Error{Kind: types.KindDownload, Subkind: types.SubkindTooLarge, Message: msg}
	case code == http.StatusTooManyRequests:
		return &types.Error{Kind: types.KindDownload, Subkind: types.SubkindRateLimited, Transient: true, Message: msg}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return &types.Error{Kind: types.KindDownload, Subkind: types.SubkindTimeout, Transient: true, Message: msg}
	case code >= 500:
		return &types.Error{Kind: types.KindDownload, Subkind: types.SubkindUnavailable, Transient: true, Message: msg}
	default:
		return &types.Error{Kind: types.KindDownload, Subkind: types.SubkindUnsupported, Message: msg}
	}
}

func classifyTransportErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return types.Transient(types.KindDownload, types.SubkindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return types.Permanent(types.KindDownload, types.SubkindCanceled, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.Transient(types.KindDownload, types.SubkindTimeout, err)
	}
	return types.Transient(types.KindDownload, types.SubkindUnavailable, err)
}

func isHTML(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/html")
}
