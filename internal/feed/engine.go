package feed

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/reconcile"
	"github.com/bryan-buckman/feedsync/internal/source"
)

// ErrUnknownPost is returned by interactions on an id that is not stored.
var ErrUnknownPost = errors.New("feed: post not found")

// Engine holds one controller per category and applies user interactions
// to the store and to every view showing the post.
type Engine struct {
	rec         *reconcile.Reconciler
	categories  []model.Category
	controllers map[model.Category]*Controller
}

// NewEngine creates a controller for each category, all reading from src and
// merging through rec. Interactions write through rec as well.
func NewEngine(src source.Source, rec *reconcile.Reconciler, cfg Config, m *metrics.Metrics, categories ...model.Category) *Engine {
	e := &Engine{
		rec:         rec,
		controllers: make(map[model.Category]*Controller, len(categories)),
	}
	for _, c := range categories {
		if _, dup := e.controllers[c]; dup {
			continue
		}
		e.categories = append(e.categories, c)
		e.controllers[c] = NewController(c, src, rec, cfg, m)
	}
	return e
}

// Controller returns the controller for c.
func (e *Engine) Controller(c model.Category) (*Controller, bool) {
	fc, ok := e.controllers[c]
	return fc, ok
}

// Categories lists the served categories in construction order.
func (e *Engine) Categories() []model.Category {
	return append([]model.Category(nil), e.categories...)
}

// RefreshAll refreshes every category in parallel. Busy categories are
// skipped. It returns the first failure after all refreshes have finished.
func (e *Engine) RefreshAll(ctx context.Context) (map[model.Category]Result, error) {
	var g errgroup.Group
	results := make([]Result, len(e.categories))
	for i, c := range e.categories {
		fc := e.controllers[c]
		g.Go(func() error {
			res, err := fc.Refresh(ctx)
			if errors.Is(err, ErrBusy) {
				log.WithField("category", c.String()).Debug("Skipping busy category")
				return nil
			}
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	out := make(map[model.Category]Result, len(e.categories))
	for i, c := range e.categories {
		out[c] = results[i]
	}
	return out, err
}

// SetLiked sets the liked flag of a stored post and moves its like count by
// one in the same direction. Setting the current value is a no-op.
func (e *Engine) SetLiked(ctx context.Context, id int64, liked bool) (model.Post, error) {
	return e.interact(ctx, id, func(p *model.Post) bool {
		if p.IsLiked == liked {
			return false
		}
		p.IsLiked = liked
		if liked {
			p.LikeCount++
		} else if p.LikeCount > 0 {
			p.LikeCount--
		}
		return true
	})
}

// SetFollowed sets the followed flag of a stored post.
func (e *Engine) SetFollowed(ctx context.Context, id int64, followed bool) (model.Post, error) {
	return e.interact(ctx, id, func(p *model.Post) bool {
		if p.IsFollowed == followed {
			return false
		}
		p.IsFollowed = followed
		return true
	})
}

// interact runs apply through the reconciler's id lock, so it cannot
// interleave with a merge of the same post. Views are patched after the lock
// is released.
func (e *Engine) interact(ctx context.Context, id int64, apply func(*model.Post) bool) (model.Post, error) {
	changed := false
	p, ok, err := e.rec.Update(ctx, id, func(p *model.Post) bool {
		changed = apply(p)
		return changed
	})
	if err != nil {
		return model.Post{}, fmt.Errorf("update post %d: %w", id, err)
	}
	if !ok {
		return model.Post{}, fmt.Errorf("post %d: %w", id, ErrUnknownPost)
	}
	if !changed {
		return p, nil
	}
	for _, c := range e.categories {
		e.controllers[c].Patch(p)
	}
	return p, nil
}

// Close stops every controller's timers.
func (e *Engine) Close() {
	for _, fc := range e.controllers {
		fc.Close()
	}
}
