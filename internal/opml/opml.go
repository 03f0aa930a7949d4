// Package opml reads and writes the OPML subscriptions file that assigns
// RSS/Atom feeds to post categories. Each top-level folder is named after a
// category ("recommend", "hot", "video"); feeds nested anywhere beneath it
// belong to that category.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Subscription is a feed URL assigned to a category. Feeds outside any
// category folder have Category model.Unknown.
type Subscription struct {
	Category model.Category
	Title    string
	URL      string
}

// Parse reads an OPML document and returns a flat list of subscriptions.
func Parse(r io.Reader) ([]Subscription, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var subs []Subscription
	var walk func(outlines []Outline, category model.Category, depth int)
	walk = func(outlines []Outline, category model.Category, depth int) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				// It's a feed.
				title := o.Title
				if title == "" {
					title = o.Text
				}
				subs = append(subs, Subscription{
					Category: category,
					Title:    title,
					URL:      o.XMLURL,
				})
			} else if len(o.Outlines) > 0 {
				// It's a folder. Only top-level folders pick the category.
				c := category
				if depth == 0 {
					name := o.Text
					if name == "" {
						name = o.Title
					}
					c, _ = model.ParseCategory(name)
				}
				walk(o.Outlines, c, depth+1)
			}
		}
	}
	walk(doc.Body.Outlines, model.Unknown, 0)
	return subs, nil
}

// Group returns the feed URLs of each known category, in file order.
func Group(subs []Subscription) map[model.Category][]string {
	grouped := make(map[model.Category][]string)
	for _, s := range subs {
		if s.Category == model.Unknown {
			continue
		}
		grouped[s.Category] = append(grouped[s.Category], s.URL)
	}
	return grouped
}

// Export generates an OPML document with one folder per category.
func Export(title string, subs []Subscription, created time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: created.Format(time.RFC1123Z),
		},
	}

	folders := make(map[model.Category]*Outline)
	var rootOutlines []Outline
	for _, s := range subs {
		feedOutline := Outline{
			Text:   s.Title,
			Title:  s.Title,
			Type:   "rss",
			XMLURL: s.URL,
		}
		if s.Category == model.Unknown {
			rootOutlines = append(rootOutlines, feedOutline)
			continue
		}
		if fo, ok := folders[s.Category]; ok {
			fo.Outlines = append(fo.Outlines, feedOutline)
		} else {
			folders[s.Category] = &Outline{
				Text:     s.Category.String(),
				Title:    s.Category.String(),
				Outlines: []Outline{feedOutline},
			}
		}
	}

	// Stable folder order.
	var outlines []Outline
	for _, c := range model.NetworkCategories {
		if fo, ok := folders[c]; ok {
			outlines = append(outlines, *fo)
		}
	}
	doc.Body.Outlines = append(outlines, rootOutlines...)

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
