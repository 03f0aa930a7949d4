package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/identity"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// Listing is the bundled listing document: {"list": [...]}.
type Listing struct {
	List []model.RemoteRecord `json:"list"`
}

// DefaultListingFiles names the bundled listing of each network category.
var DefaultListingFiles = map[model.Category]string{
	model.RecommendNetwork: "PostListData_recommend.json",
	model.HotNetwork:       "PostListData_hot.json",
	model.VideoNetwork:     "PostListData_video.json",
}

// FileSource serves bundled JSON listings from a directory. Every fetch
// returns the full listing; paging is left to the caller.
type FileSource struct {
	dir   string
	files map[model.Category]string
}

// NewFileSource serves listings from dir. A nil files map uses DefaultListingFiles.
func NewFileSource(dir string, files map[model.Category]string) *FileSource {
	if files == nil {
		files = DefaultListingFiles
	}
	return &FileSource{dir: dir, files: files}
}

// Fetch reads the category's listing file.
func (s *FileSource) Fetch(ctx context.Context, req Request) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, fetchError(req, err)
	}
	records, err := s.Load(req.Category)
	if err != nil {
		return Batch{}, fetchError(req, err)
	}
	return Batch{Records: records}, nil
}

// Load reads the full listing for a category.
func (s *FileSource) Load(c model.Category) ([]model.RemoteRecord, error) {
	name, ok := s.files[c]
	if !ok {
		return nil, fmt.Errorf("no listing file for category %s", c)
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadListing(f)
}

// ReadListing decodes a listing document.
func ReadListing(r io.Reader) ([]model.RemoteRecord, error) {
	var doc Listing
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if doc.List == nil {
		return nil, fmt.Errorf("decode listing: missing \"list\" field")
	}
	return doc.List, nil
}

// WriteListing writes the stored posts of a category's listing range as a
// listing document, ordered by id. Returns the number of posts written.
func WriteListing(ctx context.Context, store database.Store, c model.Category, w io.Writer) (int, error) {
	min, max, ok := identity.ListingRange(c)
	if !ok {
		return 0, fmt.Errorf("no listing range for category %s", c)
	}
	posts, err := store.RangePosts(ctx, min, max)
	if err != nil {
		return 0, err
	}
	doc := Listing{List: make([]model.RemoteRecord, 0, len(posts))}
	for _, p := range posts {
		doc.List = append(doc.List, model.RecordFromPost(p))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("encode listing: %w", err)
	}
	return len(posts), nil
}
