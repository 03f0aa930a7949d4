package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Concurrency settings
const (
	// MaxConcurrentFeeds is the number of feeds of one category fetched in parallel.
	MaxConcurrentFeeds = 4
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

// newDomainLimiter creates a new per-domain rate limiter.
func newDomainLimiter(delay time.Duration) *domainLimiter {
	return &domainLimiter{
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	// Acquire semaphore slot
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Enforce delay between requests to same domain
	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		elapsed := time.Since(lastReq)
		if elapsed < dl.delay {
			select {
			case <-time.After(dl.delay - elapsed):
			case <-ctx.Done():
				// Release the semaphore on cancel
				<-sem
				return ctx.Err()
			}
		}
	}

	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL // fallback to full URL
	}
	return u.Host
}

// RSSSource turns RSS/Atom feeds into category listings. Each category is
// backed by one or more feed URLs; the listing is the concatenation of their
// items in subscription order. Every fetch returns the full listing.
type RSSSource struct {
	parser        *gofeed.Parser
	feeds         map[model.Category][]string
	ids           *GUIDMap
	domainLimiter *domainLimiter
}

// NewRSSSource creates a source over the given category -> feed URLs mapping.
// Item ids come from ids.
func NewRSSSource(feeds map[model.Category][]string, ids *GUIDMap) *RSSSource {
	return &RSSSource{
		parser:        gofeed.NewParser(),
		feeds:         feeds,
		ids:           ids,
		domainLimiter: newDomainLimiter(DelayBetweenDomainRequests),
	}
}

type feedResult struct {
	records []model.RemoteRecord
	err     error
}

// Fetch fetches every feed of the category. Individual feed failures are
// logged; the fetch fails only when no feed could be read.
func (s *RSSSource) Fetch(ctx context.Context, req Request) (Batch, error) {
	urls := s.feeds[req.Category]
	if len(urls) == 0 {
		return Batch{}, fetchError(req, fmt.Errorf("no feeds subscribed"))
	}

	results := make([]feedResult, len(urls))
	sem := make(chan struct{}, MaxConcurrentFeeds)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			records, err := s.fetchFeed(ctx, req.Category, u)
			results[i] = feedResult{records: records, err: err}
		}(i, u)
	}
	wg.Wait()

	var records []model.RemoteRecord
	var errs []error
	for i, r := range results {
		if r.err != nil {
			log.WithField("url", urls[i]).Errorf("Failed to fetch feed: %v", r.err)
			errs = append(errs, r.err)
			continue
		}
		records = append(records, r.records...)
	}
	if len(errs) == len(urls) {
		return Batch{}, fetchError(req, errors.Join(errs...))
	}
	return Batch{Records: records}, nil
}

func (s *RSSSource) fetchFeed(ctx context.Context, c model.Category, feedURL string) ([]model.RemoteRecord, error) {
	// Apply per-domain rate limiting
	domain := extractDomain(feedURL)
	if err := s.domainLimiter.acquire(ctx, domain); err != nil {
		return nil, fmt.Errorf("rate limit cancelled for %s: %w", feedURL, err)
	}
	defer s.domainLimiter.release(domain)

	parsed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return ItemsToRecords(ctx, c, parsed, s.ids)
}

// ItemsToRecords converts parsed feed items to remote records. Item ids come
// from the GUID (or link) through ids; items with neither, or for which the
// category's range has no id left, are skipped.
func ItemsToRecords(ctx context.Context, c model.Category, feed *gofeed.Feed, ids *GUIDMap) ([]model.RemoteRecord, error) {
	if c == model.UserLocal {
		return nil, nil
	}
	var avatar string
	if feed.Image != nil {
		avatar = feed.Image.URL
	}
	now := time.Now()
	records := make([]model.RemoteRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}
		id, ok, err := ids.ID(ctx, c, guid)
		if err != nil {
			return nil, fmt.Errorf("assign id: %w", err)
		}
		if !ok {
			continue
		}
		pubDate := now
		if item.PublishedParsed != nil {
			pubDate = *item.PublishedParsed
		}
		name := feed.Title
		if item.Author != nil && item.Author.Name != "" {
			name = item.Author.Name
		}
		rec := model.RemoteRecord{
			ID:     id,
			Avatar: avatar,
			Name:   name,
			Date:   pubDate.Format(model.DateLayout),
			Text:   itemText(item),
			Images: []string{},
		}
		if item.Image != nil && item.Image.URL != "" {
			rec.Images = append(rec.Images, item.Image.URL)
		}
		for _, enc := range item.Enclosures {
			switch {
			case strings.HasPrefix(enc.Type, "video/") && rec.VideoURL == "":
				rec.VideoURL = enc.URL
			case strings.HasPrefix(enc.Type, "image/") && !slices.Contains(rec.Images, enc.URL):
				rec.Images = append(rec.Images, enc.URL)
			}
		}
		if rec.VideoURL != "" {
			// Video bodies carry no images.
			rec.Images = []string{}
		}
		records = append(records, rec)
	}
	return records, nil
}

func itemText(item *gofeed.Item) string {
	body := item.Description
	if body == "" {
		body = item.Content
	}
	switch {
	case item.Title == "":
		return body
	case body == "":
		return item.Title
	default:
		return item.Title + "\n" + body
	}
}
