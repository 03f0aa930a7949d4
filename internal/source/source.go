// Package source provides paged access to remote post listings.
package source

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Request asks for one page of a category listing.
type Request struct {
	Category model.Category
	Page     int // zero-based
	PageSize int
}

// Skip is the absolute listing position of the page's first record.
func (r Request) Skip() int {
	return r.Page * r.PageSize
}

// Batch is one fetch result. Offset is the absolute listing position of
// Records[0]: sources that return the entire listing on every call report 0,
// sources that page on the server report the page start.
type Batch struct {
	Records []model.RemoteRecord
	Offset  int
}

// Window returns up to size records starting at absolute position skip.
func (b Batch) Window(skip, size int) []model.RemoteRecord {
	start := skip - b.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(b.Records) || size <= 0 {
		return nil
	}
	end := start + size
	if end > len(b.Records) {
		end = len(b.Records)
	}
	return b.Records[start:end]
}

// Source fetches category listings from somewhere remote.
type Source interface {
	Fetch(ctx context.Context, req Request) (Batch, error)
}

// SourceError reports a failed fetch (transport or decode).
type SourceError struct {
	Category model.Category
	Page     int
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("fetch %s page %d: %v", e.Category, e.Page, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func fetchError(req Request, err error) error {
	return &SourceError{Category: req.Category, Page: req.Page, Err: err}
}
