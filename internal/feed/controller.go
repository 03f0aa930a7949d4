// Package feed drives per-category feed views over a Source and a Store.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/reconcile"
	"github.com/bryan-buckman/feedsync/internal/source"
)

// Control-flow signals. Neither is recorded as the controller's last error.
var (
	ErrBusy       = errors.New("feed: another operation is in progress")
	ErrAtCapacity = errors.New("feed: view is at capacity")
)

// Defaults used when a Config field is left zero.
const (
	DefaultPageSize = 5
	DefaultMaxItems = 50
	DefaultErrorTTL = 1500 * time.Millisecond
)

// Operation names used in metrics.
const (
	opRefresh  = "refresh"
	opLoadMore = "load_more"
)

// Config tunes a controller.
type Config struct {
	PageSize int
	// MaxItems is a soft cap: LoadMore refuses to fetch once the view
	// holds this many posts, but never truncates an append.
	MaxItems int
	// ErrorTTL is how long a failure stays visible in State.LastError.
	ErrorTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.ErrorTTL <= 0 {
		c.ErrorTTL = DefaultErrorTTL
	}
	return c
}

// Result describes what one Refresh or LoadMore did to the view.
type Result struct {
	Fetched    int // records in the page window
	Added      int // posts now in the view from this call
	Skipped    int // duplicates dropped before merging
	Failed     int // records the reconciler could not store
	NoMoreData bool
}

// State is a point-in-time snapshot of a controller.
type State struct {
	Category    model.Category `json:"category"`
	Posts       []model.Post   `json:"posts"`
	PageIndex   int            `json:"pageIndex"`
	Refreshing  bool           `json:"refreshing"`
	LoadingMore bool           `json:"loadingMore"`
	LastError   string         `json:"lastError,omitempty"`
}

// Controller owns the ordered view of one category. Refresh and LoadMore are
// single-flight and mutually exclusive: while either runs, both return
// ErrBusy. Different categories use different controllers and share nothing
// but the store.
type Controller struct {
	category model.Category
	source   source.Source
	rec      *reconcile.Reconciler
	cfg      Config
	metrics  *metrics.Metrics
	logger   *log.Entry

	mu          sync.Mutex
	posts       []model.Post
	index       map[int64]int
	pageIndex   int
	refreshing  bool
	loadingMore bool
	// patched holds ids patched while a fetch was in flight. Their merged
	// copies may predate the patch and are re-read before install.
	patched  map[int64]bool
	lastErr  error
	errGen   uint64
	errTimer *time.Timer
	subs     map[int]func(State)
	nextSub  int
}

// NewController creates an empty controller for category c. m may be nil.
func NewController(c model.Category, src source.Source, rec *reconcile.Reconciler, cfg Config, m *metrics.Metrics) *Controller {
	return &Controller{
		category: c,
		source:   src,
		rec:      rec,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   log.WithField("category", c.String()),
		index:    make(map[int64]int),
		patched:  make(map[int64]bool),
		subs:     make(map[int]func(State)),
	}
}

// Category returns the category this controller serves.
func (fc *Controller) Category() model.Category { return fc.category }

// Config returns the effective configuration.
func (fc *Controller) Config() Config { return fc.cfg }

// Refresh fetches page 0 and replaces the view with its first PageSize
// records, deduplicated by id and merged into the store. On a source failure
// the view is left as it was and the error is returned and shown in
// State.LastError until ErrorTTL elapses.
func (fc *Controller) Refresh(ctx context.Context) (Result, error) {
	fc.mu.Lock()
	if fc.refreshing || fc.loadingMore {
		fc.mu.Unlock()
		fc.metrics.Operation(fc.category, opRefresh, "busy")
		return Result{}, ErrBusy
	}
	fc.refreshing = true
	fc.pageIndex = 0
	clear(fc.patched)
	fc.mu.Unlock()
	fc.notify()

	defer func() {
		fc.mu.Lock()
		fc.refreshing = false
		clear(fc.patched)
		fc.mu.Unlock()
		fc.notify()
	}()

	req := source.Request{Category: fc.category, Page: 0, PageSize: fc.cfg.PageSize}
	batch, err := fc.source.Fetch(ctx, req)
	if err != nil {
		return Result{}, fc.fail(opRefresh, err)
	}

	window := batch.Window(0, fc.cfg.PageSize)
	fresh, skipped := fc.dedupe(window, nil)
	merged := fc.rec.Merge(ctx, fc.category, fresh)
	res := Result{Fetched: len(window), Skipped: skipped, Failed: len(merged.Failures)}

	if len(merged.Posts) == 0 && len(merged.Failures) > 0 {
		return res, fc.fail(opRefresh, merged.Err())
	}

	fc.mu.Lock()
	fc.posts = make([]model.Post, 0, len(merged.Posts))
	fc.index = make(map[int64]int, len(merged.Posts))
	for _, p := range merged.Posts {
		p = fc.latestLocked(ctx, p)
		fc.index[p.ID] = len(fc.posts)
		fc.posts = append(fc.posts, p)
	}
	size := len(fc.posts)
	fc.mu.Unlock()

	res.Added = len(merged.Posts)
	res.NoMoreData = len(window) == 0
	fc.metrics.ViewSize(fc.category, size)
	fc.metrics.Operation(fc.category, opRefresh, "ok")
	fc.logger.Debugf("Refreshed view: %d posts (%d duplicates skipped, %d failed)", size, skipped, res.Failed)
	return res, nil
}

// LoadMore fetches the page after the current cursor and appends the records
// not already in the view. An empty page is reported as NoMoreData, not as
// an error. The cursor only moves once the page has been merged.
func (fc *Controller) LoadMore(ctx context.Context) (Result, error) {
	fc.mu.Lock()
	if fc.refreshing || fc.loadingMore {
		fc.mu.Unlock()
		fc.metrics.Operation(fc.category, opLoadMore, "busy")
		return Result{}, ErrBusy
	}
	if len(fc.posts) >= fc.cfg.MaxItems {
		fc.mu.Unlock()
		fc.metrics.Operation(fc.category, opLoadMore, "at_capacity")
		return Result{}, ErrAtCapacity
	}
	fc.loadingMore = true
	next := fc.pageIndex + 1
	clear(fc.patched)
	fc.mu.Unlock()
	fc.notify()

	defer func() {
		fc.mu.Lock()
		fc.loadingMore = false
		clear(fc.patched)
		fc.mu.Unlock()
		fc.notify()
	}()

	req := source.Request{Category: fc.category, Page: next, PageSize: fc.cfg.PageSize}
	batch, err := fc.source.Fetch(ctx, req)
	if err != nil {
		return Result{}, fc.fail(opLoadMore, err)
	}

	window := batch.Window(req.Skip(), fc.cfg.PageSize)
	if len(window) == 0 {
		fc.metrics.Operation(fc.category, opLoadMore, "no_more_data")
		return Result{NoMoreData: true}, nil
	}

	fc.mu.Lock()
	known := make(map[int64]bool, len(fc.index))
	for id := range fc.index {
		known[id] = true
	}
	fc.mu.Unlock()

	fresh, skipped := fc.dedupe(window, known)
	merged := fc.rec.Merge(ctx, fc.category, fresh)
	res := Result{Fetched: len(window), Skipped: skipped, Failed: len(merged.Failures)}

	if len(merged.Posts) == 0 && len(merged.Failures) > 0 {
		return res, fc.fail(opLoadMore, merged.Err())
	}

	fc.mu.Lock()
	for _, p := range merged.Posts {
		if _, ok := fc.index[p.ID]; ok {
			continue
		}
		p = fc.latestLocked(ctx, p)
		fc.index[p.ID] = len(fc.posts)
		fc.posts = append(fc.posts, p)
		res.Added++
	}
	fc.pageIndex = next
	size := len(fc.posts)
	fc.mu.Unlock()

	fc.metrics.ViewSize(fc.category, size)
	fc.metrics.Operation(fc.category, opLoadMore, "ok")
	fc.logger.WithField("page", next).Debugf("Loaded more: %d added, %d duplicates skipped", res.Added, skipped)
	return res, nil
}

// LoadIfNeeded refreshes only when the view is empty.
func (fc *Controller) LoadIfNeeded(ctx context.Context) (Result, error) {
	fc.mu.Lock()
	empty := len(fc.posts) == 0
	fc.mu.Unlock()
	if !empty {
		return Result{}, nil
	}
	return fc.Refresh(ctx)
}

// View returns a copy of the ordered view.
func (fc *Controller) View() []model.Post {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return clonePosts(fc.posts)
}

// State returns a snapshot of the controller.
func (fc *Controller) State() State {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.stateLocked()
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that caused the change and must not block.
// The returned func removes the subscription.
func (fc *Controller) Subscribe(fn func(State)) func() {
	fc.mu.Lock()
	id := fc.nextSub
	fc.nextSub++
	fc.subs[id] = fn
	fc.mu.Unlock()

	return func() {
		fc.mu.Lock()
		delete(fc.subs, id)
		fc.mu.Unlock()
	}
}

// Patch replaces the view entry with the same id, keeping its position.
// It reports whether the id was in the view. A patch that lands while a
// Refresh or LoadMore is in flight also applies to the posts that operation
// installs.
func (fc *Controller) Patch(p model.Post) bool {
	fc.mu.Lock()
	if fc.refreshing || fc.loadingMore {
		fc.patched[p.ID] = true
	}
	i, ok := fc.index[p.ID]
	if ok {
		fc.posts[i] = p.Clone()
	}
	fc.mu.Unlock()
	if ok {
		fc.notify()
	}
	return ok
}

// Close stops the pending error-clear timer, if any.
func (fc *Controller) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.errTimer != nil {
		fc.errTimer.Stop()
		fc.errTimer = nil
	}
}

// latestLocked returns p, or the stored copy when p was patched during the
// current operation. fc.mu must be held.
func (fc *Controller) latestLocked(ctx context.Context, p model.Post) model.Post {
	if !fc.patched[p.ID] {
		return p
	}
	cur, ok, err := fc.rec.Current(ctx, p.ID)
	if err != nil || !ok {
		fc.logger.WithField("post_id", p.ID).Warnf("Error re-reading patched post: %v", err)
		return p
	}
	return cur
}

// dedupe drops records whose id is in known or appeared earlier in window.
func (fc *Controller) dedupe(window []model.RemoteRecord, known map[int64]bool) ([]model.RemoteRecord, int) {
	seen := make(map[int64]bool, len(window))
	out := make([]model.RemoteRecord, 0, len(window))
	skipped := 0
	for _, r := range window {
		if seen[r.ID] || known[r.ID] {
			fc.logger.WithField("post_id", r.ID).Debug("Skipping duplicate post")
			skipped++
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	if skipped > 0 {
		fc.metrics.Record(fc.category, metrics.OutcomeSkipped, skipped)
	}
	return out, skipped
}

// fail records err as the last error and schedules its removal.
func (fc *Controller) fail(op string, err error) error {
	fc.logger.Errorf("Error during %s: %v", op, err)
	fc.metrics.Operation(fc.category, op, "error")

	fc.mu.Lock()
	fc.lastErr = err
	fc.errGen++
	gen := fc.errGen
	if fc.errTimer != nil {
		fc.errTimer.Stop()
	}
	fc.errTimer = time.AfterFunc(fc.cfg.ErrorTTL, func() { fc.clearError(gen) })
	fc.mu.Unlock()
	fc.notify()
	return err
}

func (fc *Controller) clearError(gen uint64) {
	fc.mu.Lock()
	if fc.errGen != gen {
		fc.mu.Unlock()
		return
	}
	fc.lastErr = nil
	fc.errTimer = nil
	fc.mu.Unlock()
	fc.notify()
}

func (fc *Controller) stateLocked() State {
	st := State{
		Category:    fc.category,
		Posts:       clonePosts(fc.posts),
		PageIndex:   fc.pageIndex,
		Refreshing:  fc.refreshing,
		LoadingMore: fc.loadingMore,
	}
	if fc.lastErr != nil {
		st.LastError = fc.lastErr.Error()
	}
	return st
}

func (fc *Controller) notify() {
	fc.mu.Lock()
	if len(fc.subs) == 0 {
		fc.mu.Unlock()
		return
	}
	st := fc.stateLocked()
	subs := make([]func(State), 0, len(fc.subs))
	for _, fn := range fc.subs {
		subs = append(subs, fn)
	}
	fc.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

func clonePosts(posts []model.Post) []model.Post {
	out := make([]model.Post, len(posts))
	for i, p := range posts {
		out[i] = p.Clone()
	}
	return out
}
