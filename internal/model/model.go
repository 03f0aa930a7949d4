// Package model defines shared data structures.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// Category is a named bucket of posts sharing a fetch source and id range.
type Category int

const (
	Unknown Category = iota
	RecommendNetwork
	HotNetwork
	VideoNetwork
	UserLocal
)

var categoryNames = map[Category]string{
	Unknown:          "unknown",
	RecommendNetwork: "recommend",
	HotNetwork:       "hot",
	VideoNetwork:     "video",
	UserLocal:        "local",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name.
func (c *Category) UnmarshalText(text []byte) error {
	if string(text) == categoryNames[Unknown] {
		*c = Unknown
		return nil
	}
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory maps a category name (as used in URLs and config) back to a Category.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if c != Unknown && name == s {
			return c, nil
		}
	}
	return Unknown, fmt.Errorf("unknown category %q", s)
}

// NetworkCategories lists the categories backed by a remote source, in display order.
var NetworkCategories = []Category{RecommendNetwork, HotNetwork, VideoNetwork}

// MediaKind describes which body variant a post carries.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaImages
	MediaVideo
)

// ErrImagesAndVideo is returned when a body carries both images and a video.
var ErrImagesAndVideo = errors.New("post body has both images and video")

// Post is a feed item. IsLiked and IsFollowed are client-owned.
type Post struct {
	ID           int64    `json:"id"`
	Avatar       string   `json:"avatar"`
	VIP          bool     `json:"vip"`
	Name         string   `json:"name"`
	Date         string   `json:"date"`
	IsFollowed   bool     `json:"isFollowed"`
	Text         string   `json:"text"`
	Images       []string `json:"images"`
	VideoURL     string   `json:"video_url,omitempty"`
	CommentCount int      `json:"commentCount"`
	LikeCount    int      `json:"likeCount"`
	IsLiked      bool     `json:"isLiked"`
}

// Media reports the body variant of the post.
func (p Post) Media() MediaKind {
	return mediaKind(p.Images, p.VideoURL)
}

// MediaRefs returns every media reference owned by the post.
func (p Post) MediaRefs() []string {
	refs := append([]string{}, p.Images...)
	if p.VideoURL != "" {
		refs = append(refs, p.VideoURL)
	}
	return refs
}

// Validate rejects a body carrying both images and a video.
func (p Post) Validate() error {
	return validateBody(p.ID, p.Images, p.VideoURL)
}

// Clone returns a deep copy. Images is never nil in the copy.
func (p Post) Clone() Post {
	p.Images = append([]string{}, p.Images...)
	return p
}

// RemoteRecord is a post as delivered by a PostSource. Client-owned state is
// optional: a nil pointer means the source did not supply a value.
type RemoteRecord struct {
	ID           int64    `json:"id"`
	Avatar       string   `json:"avatar"`
	VIP          bool     `json:"vip"`
	Name         string   `json:"name"`
	Date         string   `json:"date"`
	Text         string   `json:"text"`
	Images       []string `json:"images"`
	VideoURL     string   `json:"video_url,omitempty"`
	CommentCount int      `json:"commentCount"`
	LikeCount    int      `json:"likeCount"`
	IsLiked      *bool    `json:"isLiked,omitempty"`
	IsFollowed   *bool    `json:"isFollowed,omitempty"`
}

// Validate rejects a body carrying both images and a video.
func (r RemoteRecord) Validate() error {
	return validateBody(r.ID, r.Images, r.VideoURL)
}

// Media reports the body variant of the record.
func (r RemoteRecord) Media() MediaKind {
	return mediaKind(r.Images, r.VideoURL)
}

// ToPost builds a fresh post from the record, with client-owned fields taken
// from the record when supplied and defaulted to false otherwise.
func (r RemoteRecord) ToPost() Post {
	p := Post{
		ID:           r.ID,
		Avatar:       r.Avatar,
		VIP:          r.VIP,
		Name:         r.Name,
		Date:         r.Date,
		Text:         r.Text,
		Images:       append([]string{}, r.Images...),
		VideoURL:     r.VideoURL,
		CommentCount: r.CommentCount,
		LikeCount:    r.LikeCount,
	}
	if r.IsLiked != nil {
		p.IsLiked = *r.IsLiked
	}
	if r.IsFollowed != nil {
		p.IsFollowed = *r.IsFollowed
	}
	return p
}

// ApplyTo overwrites the server-owned fields of existing with the record's
// values. Client-owned fields of existing are kept.
func (r RemoteRecord) ApplyTo(existing Post) Post {
	merged := existing.Clone()
	merged.Avatar = r.Avatar
	merged.VIP = r.VIP
	merged.Name = r.Name
	merged.Date = r.Date
	merged.Text = r.Text
	merged.Images = append([]string{}, r.Images...)
	merged.VideoURL = r.VideoURL
	merged.CommentCount = r.CommentCount
	merged.LikeCount = r.LikeCount
	return merged
}

// RecordFromPost converts a stored post back to the remote shape, carrying
// its client-owned state explicitly. Used for bundled listings and exports.
func RecordFromPost(p Post) RemoteRecord {
	liked, followed := p.IsLiked, p.IsFollowed
	return RemoteRecord{
		ID:           p.ID,
		Avatar:       p.Avatar,
		VIP:          p.VIP,
		Name:         p.Name,
		Date:         p.Date,
		Text:         p.Text,
		Images:       append([]string{}, p.Images...),
		VideoURL:     p.VideoURL,
		CommentCount: p.CommentCount,
		LikeCount:    p.LikeCount,
		IsLiked:      &liked,
		IsFollowed:   &followed,
	}
}

func mediaKind(images []string, video string) MediaKind {
	switch {
	case video != "":
		return MediaVideo
	case len(images) > 0:
		return MediaImages
	default:
		return MediaNone
	}
}

func validateBody(id int64, images []string, video string) error {
	if len(images) > 0 && video != "" {
		return fmt.Errorf("post %d: %w", id, ErrImagesAndVideo)
	}
	return nil
}

// DateLayout is the display format used for post dates.
const DateLayout = "2006-01-02 15:04"
