// Package reconcile merges remote listings into the post store.
//
// Server-owned fields (counters, text, media, author display fields) always
// come from the incoming record. Client-owned fields (IsLiked, IsFollowed)
// are kept from the stored record, so a refresh never undoes a local like or
// follow. A record seen for the first time takes its client-owned fields from
// the record when supplied, false otherwise.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/identity"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// Failure is a record that could not be merged.
type Failure struct {
	ID  int64
	Err error
}

// Result summarizes one Merge.
type Result struct {
	// Posts holds the merged posts of the requested category, one per id, in
	// order of first appearance in the batch.
	Posts    []model.Post
	Inserted int
	Updated  int
	// Strays are ids stored from the batch that belong to another category.
	Strays   []int64
	Failures []Failure
}

// Err joins the per-record failures, or returns nil.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f.Err
	}
	return errors.Join(errs...)
}

// Reconciler applies remote batches and local edits to a store. Every write
// it makes to a post happens under that post's id lock, so a merge and a
// local edit of the same post never interleave. It is safe for concurrent use
// by several feed controllers.
type Reconciler struct {
	store   database.Store
	metrics *metrics.Metrics
	locks   *postLocks
}

// New creates a reconciler over store. m may be nil.
func New(store database.Store, m *metrics.Metrics) *Reconciler {
	return &Reconciler{store: store, metrics: m, locks: &postLocks{}}
}

// Merge stores every record of batch, in order. Each record is its own store
// transaction: failures are logged and collected, and the batch carries on.
// When an id repeats within the batch the later record wins.
func (r *Reconciler) Merge(ctx context.Context, c model.Category, batch []model.RemoteRecord) Result {
	var res Result
	position := make(map[int64]int)
	logger := log.WithField("category", c.String())

	for _, rec := range batch {
		post, inserted, err := r.mergeOne(ctx, rec)
		if err != nil {
			logger.WithField("post_id", rec.ID).Warnf("Error merging post: %v", err)
			res.Failures = append(res.Failures, Failure{ID: rec.ID, Err: err})
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}

		if identity.Classify(rec.ID) != c {
			logger.WithField("post_id", rec.ID).Debugf("Stored post outside category range (%s)", identity.Classify(rec.ID))
			res.Strays = append(res.Strays, rec.ID)
			continue
		}
		if i, seen := position[rec.ID]; seen {
			res.Posts[i] = post
			continue
		}
		position[rec.ID] = len(res.Posts)
		res.Posts = append(res.Posts, post)
	}

	r.metrics.Record(c, metrics.OutcomeInserted, res.Inserted)
	r.metrics.Record(c, metrics.OutcomeUpdated, res.Updated)
	r.metrics.Record(c, metrics.OutcomeStray, len(res.Strays))
	r.metrics.Record(c, metrics.OutcomeFailed, len(res.Failures))
	return res
}

func (r *Reconciler) mergeOne(ctx context.Context, rec model.RemoteRecord) (model.Post, bool, error) {
	if err := rec.Validate(); err != nil {
		return model.Post{}, false, err
	}
	unlock := r.locks.lock(rec.ID)
	defer unlock()

	existing, found, err := r.store.GetPost(ctx, rec.ID)
	if err != nil {
		return model.Post{}, false, fmt.Errorf("look up: %w", err)
	}
	var merged model.Post
	if found {
		merged = rec.ApplyTo(existing)
	} else {
		merged = rec.ToPost()
	}
	if err := r.store.UpsertPost(ctx, merged); err != nil {
		return model.Post{}, false, err
	}
	return merged, !found, nil
}

// Update applies fn to the stored post id under its id lock and stores the
// result when fn reports a change. found is false when id is not stored.
func (r *Reconciler) Update(ctx context.Context, id int64, fn func(*model.Post) bool) (model.Post, bool, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	p, found, err := r.store.GetPost(ctx, id)
	if err != nil || !found {
		return model.Post{}, found, err
	}
	if !fn(&p) {
		return p, true, nil
	}
	if err := r.store.UpsertPost(ctx, p); err != nil {
		return model.Post{}, true, err
	}
	return p, true, nil
}

// Current reads the stored post id.
func (r *Reconciler) Current(ctx context.Context, id int64) (model.Post, bool, error) {
	return r.store.GetPost(ctx, id)
}

// SeedResult summarizes one Seed.
type SeedResult struct {
	Inserted int
	Skipped  int
	Failed   int
}

// Seed inserts records whose id is not stored yet and leaves existing posts
// untouched. It is used to load bundled listings at startup.
func (r *Reconciler) Seed(ctx context.Context, records []model.RemoteRecord) SeedResult {
	var res SeedResult
	for _, rec := range records {
		logger := log.WithField("post_id", rec.ID)
		if err := rec.Validate(); err != nil {
			logger.Warnf("Skipping invalid post: %v", err)
			res.Failed++
			continue
		}
		switch inserted, err := r.seedOne(ctx, rec); {
		case err != nil:
			logger.Warnf("Error seeding post: %v", err)
			res.Failed++
		case !inserted:
			res.Skipped++
		default:
			res.Inserted++
			r.metrics.Record(identity.Classify(rec.ID), metrics.OutcomeInserted, 1)
		}
	}
	return res
}

func (r *Reconciler) seedOne(ctx context.Context, rec model.RemoteRecord) (bool, error) {
	unlock := r.locks.lock(rec.ID)
	defer unlock()

	_, found, err := r.store.GetPost(ctx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("look up: %w", err)
	}
	if found {
		return false, nil
	}
	return true, r.store.UpsertPost(ctx, rec.ToPost())
}
