package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// pageResponse is the paged listing returned by the feed API.
type pageResponse struct {
	Listing
	Offset *int `json:"offset,omitempty"`
}

// HTTPSource fetches pages from a feed API:
//
//	GET {base}/posts/{category}?page=N&size=M -> {"list": [...], "offset": K}
//
// A response without "offset" is treated as starting at the requested page.
type HTTPSource struct {
	client *resty.Client
}

// NewHTTPSource creates a source against baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPSource{client: client}
}

// Fetch requests one page from the server.
func (s *HTTPSource) Fetch(ctx context.Context, req Request) (Batch, error) {
	var out pageResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("category", req.Category.String()).
		SetQueryParams(map[string]string{
			"page": strconv.Itoa(req.Page),
			"size": strconv.Itoa(req.PageSize),
		}).
		SetResult(&out).
		Get("/posts/{category}")
	if err != nil {
		return Batch{}, fetchError(req, err)
	}
	if resp.IsError() {
		return Batch{}, fetchError(req, fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}
	if out.List == nil {
		return Batch{}, fetchError(req, fmt.Errorf("decode listing: missing \"list\" field"))
	}
	offset := req.Skip()
	if out.Offset != nil {
		offset = *out.Offset
	}
	return Batch{Records: out.List, Offset: offset}, nil
}
