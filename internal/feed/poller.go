package feed

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/database"
)

// Poller runs continuous polling.
type Poller struct {
	engine   *Engine
	db       database.Store
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoller creates a background poller. The interval is read from the
// store's polling setting before every round.
func NewPoller(engine *Engine, db database.Store) *Poller {
	return &Poller{
		engine:   engine,
		db:       db,
		stopChan: make(chan struct{}),
	}
}

// RunOnce refreshes every category and returns the number of posts now in
// the refreshed views.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	results, err := p.engine.RefreshAll(ctx)
	total := 0
	for _, r := range results {
		total += r.Added
	}
	return total, err
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval := database.PollingInterval(context.Background(), p.db)
			log.Infof("Poller: Refreshing %d categories (interval: %dm)", len(p.engine.Categories()), interval)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			total, err := p.RunOnce(ctx)
			cancel()

			if err != nil {
				log.Errorf("Poller error: %v", err)
			} else {
				log.Infof("Poller: %d posts in refreshed views", total)
			}

			select {
			case <-p.stopChan:
				return
			case <-time.After(time.Duration(interval) * time.Minute):
			}
		}
	}()
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}
