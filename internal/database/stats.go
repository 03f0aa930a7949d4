package database

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bryan-buckman/feedsync/internal/identity"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// Stats counts stored posts per category.
func Stats(ctx context.Context, s Store) (map[model.Category]int, error) {
	stats := make(map[model.Category]int)
	for _, c := range []model.Category{model.RecommendNetwork, model.HotNetwork, model.VideoNetwork, model.UserLocal} {
		min, max, _ := identity.Range(c)
		posts, err := s.RangePosts(ctx, min, max)
		if err != nil {
			return nil, fmt.Errorf("count %s posts: %w", c, err)
		}
		stats[c] = len(posts)
	}
	return stats, nil
}

// MinPollingIntervalMinutes is the minimum allowed interval.
const MinPollingIntervalMinutes = 15

// PollingInterval returns the polling interval in minutes, with a minimum of 15.
func PollingInterval(ctx context.Context, s Store) int {
	val, ok, err := s.GetSetting(ctx, SettingPollingInterval)
	if err != nil || !ok {
		return MinPollingIntervalMinutes // default
	}
	mins, _ := strconv.Atoi(val)
	if mins < MinPollingIntervalMinutes {
		mins = MinPollingIntervalMinutes
	}
	return mins
}
