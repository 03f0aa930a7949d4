package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/reconcile"
	"github.com/bryan-buckman/feedsync/internal/source"
)

// listSource returns the whole listing of a category on every fetch.
type listSource struct {
	mu      sync.Mutex
	records map[model.Category][]model.RemoteRecord
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func newListSource(c model.Category, records []model.RemoteRecord) *listSource {
	return &listSource{records: map[model.Category][]model.RemoteRecord{c: records}}
}

func (s *listSource) Fetch(ctx context.Context, req source.Request) (source.Batch, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	recs := append([]model.RemoteRecord(nil), s.records[req.Category]...)
	started, release := s.started, s.release
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return source.Batch{}, ctx.Err()
		}
	}
	if err != nil {
		return source.Batch{}, &source.SourceError{Category: req.Category, Page: req.Page, Err: err}
	}
	return source.Batch{Records: recs}, nil
}

func (s *listSource) set(c model.Category, records []model.RemoteRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c] = records
	s.err = err
}

func (s *listSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// pagedSource pages on the server side and reports the page offset.
type pagedSource struct {
	records []model.RemoteRecord
}

func (s *pagedSource) Fetch(_ context.Context, req source.Request) (source.Batch, error) {
	skip := req.Skip()
	if skip >= len(s.records) {
		return source.Batch{Offset: skip}, nil
	}
	end := min(skip+req.PageSize, len(s.records))
	return source.Batch{Records: s.records[skip:end], Offset: skip}, nil
}

func remote(id int64) model.RemoteRecord {
	return model.RemoteRecord{
		ID:           id,
		Avatar:       fmt.Sprintf("avatar_%d.png", id),
		Name:         gofakeit.Name(),
		Date:         "2026-03-14 08:00",
		Text:         gofakeit.Sentence(6),
		CommentCount: 1,
		LikeCount:    5,
	}
}

func remoteRange(from int64, n int) []model.RemoteRecord {
	out := make([]model.RemoteRecord, n)
	for i := range out {
		out[i] = remote(from + int64(i))
	}
	return out
}

func viewIDs(posts []model.Post) []int64 {
	out := make([]int64, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func newTestController(t *testing.T, store database.Store, src source.Source, cfg Config) *Controller {
	t.Helper()
	fc := NewController(model.RecommendNetwork, src, reconcile.New(store, nil), cfg, nil)
	t.Cleanup(fc.Close)
	return fc
}

func TestPagingScenario(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 12))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5})

	res, err := fc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, viewIDs(fc.View()))
	assert.Equal(t, 0, fc.State().PageIndex)

	res, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
	assert.Len(t, fc.View(), 10)
	assert.Equal(t, 1, fc.State().PageIndex)

	res, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, remoteIDs(remoteRange(1000, 12)), viewIDs(fc.View()))
	assert.Equal(t, 2, fc.State().PageIndex)

	res, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	assert.True(t, res.NoMoreData)
	assert.Len(t, fc.View(), 12)
	assert.Equal(t, 2, fc.State().PageIndex)
	assert.Empty(t, fc.State().LastError)
}

func remoteIDs(records []model.RemoteRecord) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestServerPagedSource(t *testing.T) {
	ctx := context.Background()
	src := &pagedSource{records: remoteRange(2000, 7)}
	fc := NewController(model.HotNetwork, src, reconcile.New(database.NewMemory(), nil), Config{PageSize: 3}, nil)
	defer fc.Close()

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	_, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	_, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	res, err := fc.LoadMore(ctx)
	require.NoError(t, err)

	assert.True(t, res.NoMoreData)
	assert.Equal(t, remoteIDs(src.records), viewIDs(fc.View()))
}

func TestRefreshIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 8))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	first := fc.View()

	_, err = fc.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, fc.View()))
}

func TestRefreshResetsCursorAndReplacesView(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 12))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	_, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	require.Len(t, fc.View(), 10)

	src.set(model.RecommendNetwork, remoteRange(1005, 7), nil)
	_, err = fc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1005, 1006, 1007, 1008, 1009}, viewIDs(fc.View()))
	assert.Equal(t, 0, fc.State().PageIndex)
}

func TestRefreshDeduplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	records := []model.RemoteRecord{remote(1000), remote(1001), remote(1000), remote(1002), remote(1003)}
	src := newListSource(model.RecommendNetwork, records)
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5})

	res, err := fc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []int64{1000, 1001, 1002, 1003}, viewIDs(fc.View()))
	assert.Equal(t, records[1].Text, fc.View()[1].Text)
}

func TestLoadMoreDeduplicatesAgainstView(t *testing.T) {
	ctx := context.Background()
	records := []model.RemoteRecord{remote(1), remote(2), remote(3), remote(3), remote(4), remote(5)}
	for i := range records {
		records[i].ID += 999
	}
	src := newListSource(model.RecommendNetwork, records)
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 3})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	res, err := fc.LoadMore(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, viewIDs(fc.View()))
}

func TestLoadMoreAllDuplicatesAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	records := []model.RemoteRecord{remote(1000), remote(1001), remote(1000), remote(1001), remote(1002)}
	src := newListSource(model.RecommendNetwork, records)
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 2})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	res, err := fc.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 1, fc.State().PageIndex)

	res, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, []int64{1000, 1001, 1002}, viewIDs(fc.View()))
}

func TestRefreshPreservesLocalLike(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemory()
	liked := remote(1000).ToPost()
	liked.IsLiked = true
	require.NoError(t, store.UpsertPost(ctx, liked))

	src := newListSource(model.RecommendNetwork, remoteRange(1000, 3))
	fc := newTestController(t, store, src, Config{PageSize: 5})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, fc.View()[0].IsLiked)

	stored, _, err := store.GetPost(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, stored.IsLiked)
}

func TestStraysStayOutOfView(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemory()
	src := newListSource(model.RecommendNetwork, []model.RemoteRecord{remote(1000), remote(2001), remote(1001)})
	fc := newTestController(t, store, src, Config{PageSize: 5})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1001}, viewIDs(fc.View()))

	_, ok, err := store.GetPost(ctx, 2001)
	require.NoError(t, err)
	assert.True(t, ok)
}

// The recommend listing file spans the video range too. Read back, its video
// posts are stored but the recommend view only shows recommend ids.
func TestRecommendListingVideoPostsStayOutOfView(t *testing.T) {
	ctx := context.Background()
	exported := database.NewMemory()
	for _, id := range []int64{1000, 3000, 1001, 3001} {
		require.NoError(t, exported.UpsertPost(ctx, remote(id).ToPost()))
	}
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, source.DefaultListingFiles[model.RecommendNetwork]))
	require.NoError(t, err)
	n, err := source.WriteListing(ctx, exported, model.RecommendNetwork, f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, 4, n)

	store := database.NewMemory()
	fc := newTestController(t, store, source.NewFileSource(dir, nil), Config{PageSize: 5})
	res, err := fc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, []int64{1000, 1001}, viewIDs(fc.View()))

	for _, id := range []int64{3000, 3001} {
		_, ok, err := store.GetPost(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "post %d is stored", id)
	}
}

func TestBusyExclusion(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 10))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	before := fc.State()

	src.mu.Lock()
	src.started = make(chan struct{}, 1)
	src.release = make(chan struct{})
	src.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := fc.Refresh(ctx)
		done <- err
	}()
	<-src.started

	st := fc.State()
	require.True(t, st.Refreshing)

	_, err = fc.LoadMore(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = fc.Refresh(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	st = fc.State()
	assert.True(t, st.Refreshing)
	assert.False(t, st.LoadingMore)
	assert.Empty(t, st.LastError)
	assert.Equal(t, before.Posts, st.Posts)

	close(src.release)
	require.NoError(t, <-done)
	st = fc.State()
	assert.False(t, st.Refreshing)
	assert.False(t, st.LoadingMore)
	assert.Equal(t, 2, src.callCount())
}

func TestCapacityStop(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 60))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 50, MaxItems: 50})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, fc.View(), 50)
	calls := src.callCount()

	_, err = fc.LoadMore(ctx)
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Equal(t, calls, src.callCount())
	assert.Len(t, fc.View(), 50)
	assert.Empty(t, fc.State().LastError)
	assert.False(t, fc.State().LoadingMore)
}

func TestSourceFailureLeavesViewAndClears(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 5))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5, ErrorTTL: 30 * time.Millisecond})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)
	before := fc.View()

	src.set(model.RecommendNetwork, nil, errors.New("connection reset"))
	_, err = fc.Refresh(ctx)
	var srcErr *source.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, model.RecommendNetwork, srcErr.Category)

	st := fc.State()
	assert.Contains(t, st.LastError, "connection reset")
	assert.False(t, st.Refreshing)
	assert.Empty(t, cmp.Diff(before, st.Posts))

	_, err = fc.LoadMore(ctx)
	require.Error(t, err)
	assert.False(t, fc.State().LoadingMore)

	assert.Eventually(t, func() bool { return fc.State().LastError == "" }, time.Second, 5*time.Millisecond)
}

// brokenStore fails every write.
type brokenStore struct {
	*database.MemoryStore
}

func (b brokenStore) UpsertPost(_ context.Context, p model.Post) error {
	return &database.StoreError{Kind: database.IOFailure, Op: "upsert", ID: p.ID, Err: errors.New("read-only file system")}
}

func TestStoreFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 10))
	fc := newTestController(t, brokenStore{database.NewMemory()}, src, Config{PageSize: 5})

	res, err := fc.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, database.IsRetryable(err))
	assert.Equal(t, 5, res.Failed)
	assert.Empty(t, fc.View())
	assert.NotEmpty(t, fc.State().LastError)
	assert.False(t, fc.State().Refreshing)
}

func TestLoadMoreStoreFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	mem := database.NewMemory()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 10))
	good := reconcile.New(mem, nil)
	bad := reconcile.New(brokenStore{mem}, nil)

	fc := NewController(model.RecommendNetwork, src, good, Config{PageSize: 5}, nil)
	defer fc.Close()
	_, err := fc.Refresh(ctx)
	require.NoError(t, err)

	fc.rec = bad
	_, err = fc.LoadMore(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, fc.State().PageIndex)
	assert.Len(t, fc.View(), 5)

	fc.rec = good
	_, err = fc.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fc.State().PageIndex)
	assert.Len(t, fc.View(), 10)
}

func TestLoadIfNeeded(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 5))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5})

	_, err := fc.LoadIfNeeded(ctx)
	require.NoError(t, err)
	_, err = fc.LoadIfNeeded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.callCount())
	assert.Len(t, fc.View(), 5)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	src := newListSource(model.RecommendNetwork, remoteRange(1000, 5))
	fc := newTestController(t, database.NewMemory(), src, Config{PageSize: 5})

	var mu sync.Mutex
	var states []State
	unsubscribe := fc.Subscribe(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	_, err := fc.Refresh(ctx)
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, states, 2)
	assert.True(t, states[0].Refreshing)
	assert.Empty(t, states[0].Posts)
	assert.False(t, states[1].Refreshing)
	assert.Len(t, states[1].Posts, 5)
	mu.Unlock()

	unsubscribe()
	_, err = fc.Refresh(ctx)
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, states, 2)
	mu.Unlock()
}

func TestConfigDefaults(t *testing.T) {
	fc := NewController(model.HotNetwork, newListSource(model.HotNetwork, nil), reconcile.New(database.NewMemory(), nil), Config{}, nil)
	assert.Equal(t, Config{PageSize: 5, MaxItems: 50, ErrorTTL: 1500 * time.Millisecond}, fc.Config())
}
