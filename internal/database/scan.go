package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bryan-buckman/feedsync/internal/model"
)

const postColumns = "id, avatar, vip, name, date, is_followed, text, images, video_url, comment_count, like_count, is_liked"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (model.Post, error) {
	var p model.Post
	var images string
	err := row.Scan(&p.ID, &p.Avatar, &p.VIP, &p.Name, &p.Date, &p.IsFollowed, &p.Text,
		&images, &p.VideoURL, &p.CommentCount, &p.LikeCount, &p.IsLiked)
	if err != nil {
		return p, err
	}
	if err := decodeImages(images, &p); err != nil {
		return p, corruptError("scan", p.ID, err)
	}
	return p, nil
}

func scanPosts(rows *sql.Rows) ([]model.Post, error) {
	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			if IsCorrupt(err) {
				return nil, err
			}
			return nil, ioError("range", 0, err)
		}
		posts = append(posts, p)
	}
	return posts, ioError("range", 0, rows.Err())
}

func encodeImages(p model.Post) (string, error) {
	images := p.Images
	if images == nil {
		images = []string{}
	}
	data, err := json.Marshal(images)
	if err != nil {
		return "", fmt.Errorf("encode images: %w", err)
	}
	return string(data), nil
}

func decodeImages(raw string, p *model.Post) error {
	p.Images = []string{}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &p.Images); err != nil {
		return fmt.Errorf("decode images: %w", err)
	}
	return nil
}
