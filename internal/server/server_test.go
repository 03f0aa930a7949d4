package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/feed"
	"github.com/bryan-buckman/feedsync/internal/ledger"
	"github.com/bryan-buckman/feedsync/internal/media"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/opml"
	"github.com/bryan-buckman/feedsync/internal/reconcile"
	"github.com/bryan-buckman/feedsync/internal/source"
)

type stubSource struct {
	mu      sync.Mutex
	records map[model.Category][]model.RemoteRecord
	err     error
}

func (s *stubSource) Fetch(_ context.Context, req source.Request) (source.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return source.Batch{}, &source.SourceError{Category: req.Category, Page: req.Page, Err: s.err}
	}
	return source.Batch{Records: s.records[req.Category]}, nil
}

func (s *stubSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func records(from int64, n int) []model.RemoteRecord {
	out := make([]model.RemoteRecord, n)
	for i := range out {
		id := from + int64(i)
		out[i] = model.RemoteRecord{ID: id, Name: fmt.Sprintf("user %d", id), Text: fmt.Sprintf("post %d", id), LikeCount: 3}
	}
	return out
}

type fixture struct {
	ts     *httptest.Server
	store  *database.MemoryStore
	src    *stubSource
	engine *feed.Engine
	media  *media.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemory()
	m := metrics.New()
	src := &stubSource{records: map[model.Category][]model.RemoteRecord{
		model.RecommendNetwork: records(1000, 12),
		model.HotNetwork:       records(2000, 3),
	}}
	engine := feed.NewEngine(src, reconcile.New(store, m), feed.Config{PageSize: 5, MaxItems: 10}, m,
		model.RecommendNetwork, model.HotNetwork)
	t.Cleanup(engine.Close)

	dir := t.TempDir()
	files, err := media.NewFileStore(filepath.Join(dir, "media"))
	require.NoError(t, err)

	s := New(Options{
		Store:   store,
		Engine:  engine,
		Ledger:  ledger.New(filepath.Join(dir, ledger.DefaultFileName), store, files),
		Media:   files,
		Metrics: m,
		Subscriptions: []opml.Subscription{
			{Category: model.HotNetwork, Title: "Hot", URL: "https://example.com/hot.xml"},
		},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: store, src: src, engine: engine, media: files}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	require.NoError(t, err)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

type feedResponse struct {
	Status string      `json:"status"`
	Result feed.Result `json:"result"`
	State  feed.State  `json:"state"`
}

func TestRefreshAndLoadMore(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/feeds/recommend/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var fr feedResponse
	require.NoError(t, json.Unmarshal(body, &fr))
	assert.Equal(t, "ok", fr.Status)
	assert.Len(t, fr.State.Posts, 5)
	assert.Equal(t, model.RecommendNetwork, fr.State.Category)

	resp, body = f.do(t, http.MethodPost, "/api/feeds/recommend/load-more", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fr))
	assert.Len(t, fr.State.Posts, 10)
	assert.Equal(t, 1, fr.State.PageIndex)

	resp, body = f.do(t, http.MethodPost, "/api/feeds/recommend/load-more", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"at_capacity"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/feeds/recommend", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st feed.State
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Len(t, st.Posts, 10)
}

func TestUnknownCategory(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/feeds/bogus", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/feeds/video/refresh", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSourceFailureIsBadGateway(t *testing.T) {
	f := newFixture(t)
	f.src.fail(errors.New("upstream down"))

	resp, body := f.do(t, http.MethodPost, "/api/feeds/hot/refresh", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "upstream down")

	fc, _ := f.engine.Controller(model.HotNetwork)
	assert.Contains(t, fc.State().LastError, "upstream down")
}

func TestWriteFeedError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeFeedError(rec, feed.ErrBusy)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	writeFeedError(rec, errors.New("disk"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLikeAndFollow(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/feeds/hot/refresh", nil)

	resp, body := f.do(t, http.MethodPut, "/api/posts/2001/like", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p model.Post
	require.NoError(t, json.Unmarshal(body, &p))
	assert.True(t, p.IsLiked)
	assert.Equal(t, 4, p.LikeCount)

	resp, body = f.do(t, http.MethodDelete, "/api/posts/2001/like", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &p))
	assert.False(t, p.IsLiked)
	assert.Equal(t, 3, p.LikeCount)

	resp, _ = f.do(t, http.MethodPut, "/api/posts/2002/follow", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fc, _ := f.engine.Controller(model.HotNetwork)
	assert.True(t, fc.View()[2].IsFollowed)

	resp, _ = f.do(t, http.MethodPut, "/api/posts/9999/like", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/api/posts/abc/like", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserPosts(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/media", strings.NewReader("jpeg"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var uploaded map[string]string
	require.NoError(t, json.Unmarshal(body, &uploaded))
	ref := uploaded["ref"]
	require.True(t, f.media.Exists(ref))

	draft := fmt.Sprintf(`{"name":"me","text":"first","images":[%q]}`, ref)
	resp, body = f.do(t, http.MethodPost, "/api/user-posts", strings.NewReader(draft))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created model.Post
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, int64(10000), created.ID)

	resp, _ = f.do(t, http.MethodPost, "/api/user-posts", strings.NewReader(`{"images":["a"],"video_url":"b"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/user-posts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"totalCount":1`)

	resp, body = f.do(t, http.MethodGet, "/api/user-posts/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"source": "user_created"`)

	resp, _ = f.do(t, http.MethodDelete, "/api/user-posts/10000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.media.Exists(ref))
	_, ok, err := f.store.GetPost(context.Background(), 10000)
	require.NoError(t, err)
	assert.False(t, ok)

	resp, _ = f.do(t, http.MethodDelete, "/api/user-posts/10000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/user-posts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExports(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/feeds/hot/refresh", nil)

	resp, body := f.do(t, http.MethodGet, "/api/feeds/hot/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing, err := source.ReadListing(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Len(t, listing, 3)

	resp, body = f.do(t, http.MethodGet, "/api/subscriptions.opml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	subs, err := opml.Parse(bytes.NewReader(body))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.HotNetwork, subs[0].Category)
}

func TestStatsSettingsAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/feeds/recommend/refresh", nil)

	resp, body := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		Categories map[string]int `json:"categories"`
		Total      int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 5, stats.Categories["recommend"])
	assert.Equal(t, 5, stats.Total)

	resp, body = f.do(t, http.MethodPost, "/api/settings", strings.NewReader(`{"polling_interval":5}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"polling_interval":15`)

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `feedsync_reconciled_records_total{category="recommend",outcome="inserted"} 5`)
}

func TestFeedWebSocket(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/feeds/hot/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "WebSocket dial failed, resp: %+v", resp)
	defer conn.Close()

	var evt stateEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "state", evt.Event)
	assert.Empty(t, evt.State.Posts)

	f.do(t, http.MethodPost, "/api/feeds/hot/refresh", nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		require.NoError(t, conn.ReadJSON(&evt))
		if !evt.State.Refreshing && len(evt.State.Posts) == 3 {
			break
		}
	}
	assert.Equal(t, model.HotNetwork, evt.State.Category)
}
