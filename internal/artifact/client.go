package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/deployr/internal/metrics"
)

// Backoff bases: retry n of a metadata fetch waits 2^n seconds, retry n of a
// download waits 3^n seconds.
const (
	MetadataBackoffBase = 2
	DownloadBackoffBase = 3
	DefaultMaxRetries   = 3
)

// Asset is one downloadable archive of a release.
type Asset struct {
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Release is the subset of release metadata the agent consumes.
type Release struct {
	Tag         string         `json:"tag_name"`
	Name        string         `json:"name"`
	PublishedAt time.Time      `json:"published_at"`
	Assets      []ReleaseAsset `json:"assets"`
	etag        string
}

// ReleaseAsset is an asset entry of the release metadata document.
type ReleaseAsset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	BaseURL         string // default https://api.github.com
	Token           string // sent as "Authorization: token <Token>"
	Marker          string // asset name marker, default "portable"
	MetadataRetries int    // retries after the first attempt; default 3, negative disables
	DownloadRetries int    // retries after the first attempt; default 3, negative disables
	MetadataTimeout time.Duration
	DownloadTimeout time.Duration
	BackoffUnit     time.Duration // default time.Second
	HTTPClient      *http.Client
	Logger          *slog.Logger
	// Timer replaces the wall-clock timer used between retries.
	Timer backoff.Timer
	// OnRetry observes every scheduled retry with its wait.
	OnRetry func(op string, err error, wait time.Duration)
}

// Client fetches release metadata and downloads release assets with retries.
type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger
}

// New constructs a Client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Marker == "" {
		opts.Marker = "portable"
	}
	if opts.MetadataRetries == 0 {
		opts.MetadataRetries = DefaultMaxRetries
	}
	if opts.DownloadRetries == 0 {
		opts.DownloadRetries = DefaultMaxRetries
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = 10 * time.Second
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{opts: opts, http: hc, log: log.With("component", "artifact")}
}

// LatestRelease returns the latest release of repo ("owner/name").
// Transport errors are retried; HTTP error statuses are returned at once.
func (c *Client) LatestRelease(ctx context.Context, repo string) (Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", c.opts.BaseURL, repo)
	var rel Release
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, c.opts.MetadataTimeout)
		defer cancel()
		r, err := c.getRelease(actx, url)
		if err != nil {
			return err
		}
		rel = r
		return nil
	}
	b := policy(ctx, MetadataBackoffBase, c.opts.BackoffUnit, c.opts.MetadataRetries)
	if err := backoff.RetryNotifyWithTimer(op, b, c.notify("metadata", repo), c.opts.Timer); err != nil {
		if IsStatus(err, 0) {
			return Release{}, err
		}
		return Release{}, fmt.Errorf("%w: %s: %w", ErrMetadataFetchFailed, repo, err)
	}
	return rel, nil
}

// FetchLatest returns the deployable asset of the latest release of repo.
func (c *Client) FetchLatest(ctx context.Context, repo string) (Asset, error) {
	rel, err := c.LatestRelease(ctx, repo)
	if err != nil {
		return Asset{}, err
	}
	a, ok := SelectAsset(rel, c.opts.Marker)
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s %s", ErrNoAsset, repo, rel.Tag)
	}
	return a, nil
}

// SelectAsset picks the first archive whose name contains marker.
func SelectAsset(rel Release, marker string) (Asset, bool) {
	marker = strings.ToLower(marker)
	for _, a := range rel.Assets {
		name := strings.ToLower(a.Name)
		if !IsArchiveName(name) {
			continue
		}
		if marker != "" && !strings.Contains(name, marker) {
			continue
		}
		return Asset{Tag: rel.Tag, Name: a.Name, URL: a.URL, Size: a.Size, ETag: rel.etag, PublishedAt: rel.PublishedAt}, true
	}
	return Asset{}, false
}

// IsArchiveName reports whether name has an extension the installer can unpack.
func IsArchiveName(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")
}

func (c *Client) getRelease(ctx context.Context, url string) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Release{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return Release{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return Release{}, backoff.Permanent(&StatusError{URL: url, Code: resp.StatusCode})
	}
	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		err = fmt.Errorf("decode release: %w", err)
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return Release{}, backoff.Permanent(err)
		}
		return Release{}, err
	}
	rel.etag = resp.Header.Get("ETag")
	return rel, nil
}

// Download streams asset to dest. A failed attempt never leaves dest behind.
// progress, when non-nil, receives (written, total) after each chunk; total is
// -1 when the size is unknown.
func (c *Client) Download(ctx context.Context, asset Asset, dest string, progress func(written, total int64)) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	op := func() error {
		actx := ctx
		if c.opts.DownloadTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, c.opts.DownloadTimeout)
			defer cancel()
		}
		err := c.downloadOnce(actx, asset, dest, progress)
		if err != nil {
			_ = os.Remove(dest)
		}
		return err
	}
	b := policy(ctx, DownloadBackoffBase, c.opts.BackoffUnit, c.opts.DownloadRetries)
	if err := backoff.RetryNotifyWithTimer(op, b, c.notify("download", asset.Name), c.opts.Timer); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownloadFailed, asset.Name, err)
	}
	c.log.Info("download complete", "asset", asset.Name, "tag", asset.Tag, "dest", dest)
	return nil
}

func (c *Client) downloadOnce(ctx context.Context, asset Asset, dest string, progress func(written, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return backoff.Permanent(&StatusError{URL: asset.URL, Code: resp.StatusCode})
	}

	declared := resp.ContentLength
	if asset.Size > 0 {
		declared = asset.Size
	}
	f, err := os.OpenFile(filepath.Clean(dest), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return backoff.Permanent(err)
	}
	cw := &countingWriter{w: f, total: declared, progress: progress}
	_, copyErr := io.Copy(cw, resp.Body)
	closeErr := f.Close()
	metrics.AddDownloadedBytes(cw.n)
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return backoff.Permanent(closeErr)
	}
	if declared > 0 && cw.n != declared {
		return fmt.Errorf("%w: received %d of %d bytes", ErrIncomplete, cw.n, declared)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "token "+c.opts.Token)
	}
}

func (c *Client) notify(op, subject string) backoff.Notify {
	return func(err error, wait time.Duration) {
		metrics.IncFetchRetry(op)
		c.log.Warn("transient failure, retrying", "op", op, "subject", subject, "wait", wait, "error", err)
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(op, err, wait)
		}
	}
}

type countingWriter struct {
	w        io.Writer
	n        int64
	total    int64
	progress func(written, total int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.progress != nil {
		c.progress(c.n, c.total)
	}
	return n, err
}
