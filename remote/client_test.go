package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filtersync/config"
	"filtersync/model"
)

const metadataJSON = `{
  "filters": [
    {"filterId": 2, "version": "2.3.100", "timeUpdated": "2024-05-01T10:00:00+0000", "expires": 345600},
    {"filterId": 3, "version": "1.9.5", "timeUpdated": 1714557600000, "expires": 86400},
    {"filterId": 4, "version": "7.0", "timeUpdated": "soon", "expires": 3600}
  ]
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/filters.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, metadataJSON)
	})
	mux.HandleFunc("/filters/2.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "! Title: Base\r\n! Version: 2.3.100\r\n||ads.example.com^\r\n")
	})
	mux.HandleFunc("/filters/2_optimized.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "||ads.example.com^\n")
	})
	mux.HandleFunc("/filters/5.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/big.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("||x.example^\n", 200))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*config.RemoteConfig)) *Client {
	t.Helper()
	cfg := &config.RemoteConfig{
		MetadataURL:        srv.URL + "/filters.json",
		FilterURL:          srv.URL + "/filters/%d.txt",
		OptimizedFilterURL: srv.URL + "/filters/%d_optimized.txt",
		TimeoutSeconds:     5,
		RateLimit:          1000,
		RateBurst:          100,
		MaxDownloadSize:    "1MB",
	}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestFetchMetadata(t *testing.T) {
	c := newTestClient(t, newTestServer(t), nil)

	metas, err := c.FetchMetadata(context.Background(), []model.FilterID{2, 3, 4, 99})
	require.NoError(t, err)
	require.Len(t, metas, 3)

	assert.Equal(t, model.FilterID(2), metas[0].FilterID)
	assert.Equal(t, "2.3.100", metas[0].Version)
	assert.Equal(t, 345600, metas[0].Expires)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), metas[0].TimeUpdated.UTC())

	assert.Equal(t, time.UnixMilli(1714557600000), metas[1].TimeUpdated)
	// 无法解析的时间按零值处理
	assert.True(t, metas[2].TimeUpdated.IsZero())

	metas, err = c.FetchMetadata(context.Background(), []model.FilterID{2})
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestFetchRuleContent(t *testing.T) {
	c := newTestClient(t, newTestServer(t), nil)
	ctx := context.Background()

	lines, err := c.FetchRuleContent(ctx, 2, true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"! Title: Base", "! Version: 2.3.100", "||ads.example.com^"}, lines)

	lines, err = c.FetchRuleContent(ctx, 2, true, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"||ads.example.com^"}, lines)
}

func TestNotFoundDistinctFromNetworkError(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	_, err := c.FetchRuleContent(ctx, 77, true, false)
	assert.ErrorIs(t, err, ErrNotFound)
	var netErr *NetworkError
	assert.False(t, errors.As(err, &netErr))

	_, err = c.FetchRuleContent(ctx, 5, true, false)
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, http.StatusInternalServerError, netErr.Status)
	assert.NotErrorIs(t, err, ErrNotFound)

	srv.Close()
	_, err = c.FetchMetadata(ctx, []model.FilterID{2})
	assert.True(t, errors.As(err, &netErr))
}

func TestDownloadLimit(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv, func(cfg *config.RemoteConfig) { cfg.MaxDownloadSize = "1KB" })

	_, err := c.FetchCustom(context.Background(), srv.URL+"/big.txt")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLocalFileLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("||x.example^\n", 100)), 0644))

	c := newTestClient(t, newTestServer(t), func(cfg *config.RemoteConfig) { cfg.MaxDownloadSize = "1KB" })
	lines, err := c.FetchCustom(context.Background(), "file://"+path)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Nil(t, lines)

	// 刚好等于上限的文件可以读取
	exact := filepath.Join(t.TempDir(), "exact.txt")
	require.NoError(t, os.WriteFile(exact, []byte(strings.Repeat("x", 1023)+"\n"), 0644))
	lines, err = c.FetchCustom(context.Background(), "file://"+exact)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestBundledCopyUsedUnlessForced(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "filter_2.txt"), []byte("||bundled.example^\n"), 0644))

	c := newTestClient(t, newTestServer(t), func(cfg *config.RemoteConfig) { cfg.BundledDir = dir })
	ctx := context.Background()

	lines, err := c.FetchRuleContent(ctx, 2, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"||bundled.example^"}, lines)

	lines, err = c.FetchRuleContent(ctx, 2, true, false)
	require.NoError(t, err)
	assert.Contains(t, lines, "||ads.example.com^")
}

func TestFetchCustomLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mine.txt")
	require.NoError(t, os.WriteFile(path, []byte("! Title: Mine\n||local.example^\n"), 0644))

	c := newTestClient(t, newTestServer(t), nil)
	lines, err := c.FetchCustom(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, []string{"! Title: Mine", "||local.example^"}, lines)

	_, err = c.FetchCustom(context.Background(), "file://"+path+".missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContextCancelled(t *testing.T) {
	c := newTestClient(t, newTestServer(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchMetadata(ctx, []model.FilterID{2})
	var netErr *NetworkError
	assert.True(t, errors.As(err, &netErr))
}
