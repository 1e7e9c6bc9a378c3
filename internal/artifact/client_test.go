package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer records requested waits and fires immediately.
type instantTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
	t.mu.Unlock()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

func (t *instantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

func newTestClient(srv *httptest.Server, timer *instantTimer, mod func(*Options)) *Client {
	opts := Options{
		BaseURL:    srv.URL,
		Timer:      timer,
		HTTPClient: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
	}
	if mod != nil {
		mod(&opts)
	}
	return New(opts)
}

func releaseJSON(t *testing.T, base string) []byte {
	t.Helper()
	rel := Release{
		Tag:  "v1.2.3",
		Name: "1.2.3",
		Assets: []ReleaseAsset{
			{Name: "notes.txt", URL: base + "/notes.txt", Size: 10},
			{Name: "app-source.zip", URL: base + "/src.zip", Size: 20},
			{Name: "app-portable.zip", URL: base + "/portable.zip", Size: 30},
		},
	}
	b, err := json.Marshal(rel)
	require.NoError(t, err)
	return b
}

func TestFetchLatest_SelectsPortableAsset(t *testing.T) {
	var auth atomic.Value
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/frontend/releases/latest", r.URL.Path)
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write(releaseJSON(t, srvURL))
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := newTestClient(srv, &instantTimer{}, func(o *Options) { o.Token = "secret" })
	a, err := c.FetchLatest(context.Background(), "acme/frontend")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", a.Tag)
	assert.Equal(t, "app-portable.zip", a.Name)
	assert.Equal(t, int64(30), a.Size)
	assert.Equal(t, `"abc"`, a.ETag)
	assert.Equal(t, "token secret", auth.Load())
}

func TestFetchLatest_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			panic(http.ErrAbortHandler)
		}
		_, _ = w.Write(releaseJSON(t, srvURL))
	}))
	defer srv.Close()
	srvURL = srv.URL

	timer := &instantTimer{}
	c := newTestClient(srv, timer, nil)
	a, err := c.FetchLatest(context.Background(), "acme/backend")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", a.Tag)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, timer.Waits())
}

func TestFetchLatest_MalformedBodyNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	timer := &instantTimer{}
	_, err := newTestClient(srv, timer, nil).FetchLatest(context.Background(), "acme/backend")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMetadataFetchFailed)
	assert.Contains(t, err.Error(), "decode release")
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, timer.Waits())
}

func TestFetchLatest_StatusErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(srv, &instantTimer{}, nil)
	_, err := c.FetchLatest(context.Background(), "acme/backend")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.RateLimited())
	assert.Contains(t, err.Error(), "rate limit")
	assert.False(t, errors.Is(err, ErrMetadataFetchFailed))
}

func TestFetchLatest_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	timer := &instantTimer{}
	c := newTestClient(srv, timer, nil)
	_, err := c.FetchLatest(context.Background(), "acme/backend")
	require.ErrorIs(t, err, ErrMetadataFetchFailed)
	assert.Equal(t, int32(DefaultMaxRetries+1), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, timer.Waits())
}

func TestFetchLatest_NoDeployableAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v1","assets":[{"name":"src.zip","browser_download_url":"x"}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, &instantTimer{}, nil).FetchLatest(context.Background(), "a/b")
	assert.ErrorIs(t, err, ErrNoAsset)
}

func TestDownload_BackoffAndNoPartialFileBetweenAttempts(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if calls.Add(1) <= 2 {
			_, _ = w.Write(payload[:100])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "dl", "app.zip")
	var existedBetween []bool
	timer := &instantTimer{}
	c := newTestClient(srv, timer, func(o *Options) {
		o.OnRetry = func(op string, err error, wait time.Duration) {
			_, statErr := os.Stat(dest)
			existedBetween = append(existedBetween, statErr == nil)
		}
	})

	asset := Asset{Name: "app.zip", URL: srv.URL + "/app.zip"}
	require.NoError(t, c.Download(context.Background(), asset, dest, nil))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{3 * time.Second, 9 * time.Second}, timer.Waits())
	assert.Equal(t, []bool{false, false}, existedBetween)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_SizeMismatchIsRetriedThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "a.zip")
	c := newTestClient(srv, &instantTimer{}, func(o *Options) { o.DownloadRetries = 1 })
	err := c.Download(context.Background(), Asset{Name: "a.zip", URL: srv.URL, Size: 100}, dest, nil)
	require.ErrorIs(t, err, ErrDownloadFailed)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, int32(2), calls.Load())
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownload_StatusErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv, &instantTimer{}, nil).
		Download(context.Background(), Asset{Name: "a.zip", URL: srv.URL}, filepath.Join(t.TempDir(), "a.zip"), nil)
	require.ErrorIs(t, err, ErrDownloadFailed)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownload_ReportsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("y"), 1000))
	}))
	defer srv.Close()

	var last, total int64
	err := newTestClient(srv, &instantTimer{}, nil).Download(context.Background(),
		Asset{Name: "p.zip", URL: srv.URL, Size: 1000}, filepath.Join(t.TempDir(), "p.zip"),
		func(w, tot int64) { last, total = w, tot })
	require.NoError(t, err)
	assert.Equal(t, int64(1000), last)
	assert.Equal(t, int64(1000), total)
}

func TestSelectAssetAndArchiveNames(t *testing.T) {
	rel := Release{Tag: "v2", Assets: []ReleaseAsset{
		{Name: "portable.txt"},
		{Name: "App-Portable.TAR.GZ", URL: "u"},
	}}
	a, ok := SelectAsset(rel, "portable")
	require.True(t, ok)
	assert.Equal(t, "App-Portable.TAR.GZ", a.Name)

	_, ok = SelectAsset(rel, "windows")
	assert.False(t, ok)

	assert.True(t, IsArchiveName("x.tgz"))
	assert.False(t, IsArchiveName("x.exe"))
}
