// Package identity maps post ids to their provenance category.
//
// Ids are allocated in fixed ranges:
//
//	[1000, 2000)  recommend network
//	[2000, 3000)  hot network
//	[3000, 4000)  video network
//	[10000, ...)  user-authored (local)
//
// Anything else is Unknown and passed through untouched by callers.
package identity

import (
	"math"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Range bounds.
const (
	RecommendMin int64 = 1000
	HotMin       int64 = 2000
	VideoMin     int64 = 3000
	VideoMax     int64 = 4000
	LocalMin     int64 = 10000
	LocalMax     int64 = math.MaxInt64
)

// Classify returns the category encoded by id.
func Classify(id int64) model.Category {
	switch {
	case id >= RecommendMin && id < HotMin:
		return model.RecommendNetwork
	case id >= HotMin && id < VideoMin:
		return model.HotNetwork
	case id >= VideoMin && id < VideoMax:
		return model.VideoNetwork
	case id >= LocalMin:
		return model.UserLocal
	default:
		return model.Unknown
	}
}

// Range returns the half-open id range [min, max) of a category.
func Range(c model.Category) (min, max int64, ok bool) {
	switch c {
	case model.RecommendNetwork:
		return RecommendMin, HotMin, true
	case model.HotNetwork:
		return HotMin, VideoMin, true
	case model.VideoNetwork:
		return VideoMin, VideoMax, true
	case model.UserLocal:
		return LocalMin, LocalMax, true
	}
	return 0, 0, false
}

// ListingRange is the id range exported as a category's bundled listing. The
// recommend listing also carries video posts.
func ListingRange(c model.Category) (min, max int64, ok bool) {
	if c == model.RecommendNetwork {
		return RecommendMin, VideoMax, true
	}
	return Range(c)
}

// Contains reports whether id falls within the category's range.
func Contains(c model.Category, id int64) bool {
	return c != model.Unknown && Classify(id) == c
}

// NextLocalID returns the id following lastAllocated in the local range.
func NextLocalID(lastAllocated int64) int64 {
	if lastAllocated < LocalMin-1 {
		lastAllocated = LocalMin - 1
	}
	return lastAllocated + 1
}
