// Package invidious provides a client for the search endpoint of an
// Invidious instance, a keyless YouTube front end.
package invidious

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/angleito/robustty/pkg/apierr"
)

const service = "invidious"

// Client defines the Invidious search operations.
type Client interface {
	Search(ctx context.Context, query string) ([]Video, error)
}

// Video is one entry of a search response.
type Video struct {
	Type           string      `json:"type"`
	Title          string      `json:"title"`
	VideoID        string      `json:"videoId"`
	Author         string      `json:"author"`
	AuthorID       string      `json:"authorId"`
	AuthorVerified bool        `json:"authorVerified"`
	LengthSeconds  int         `json:"lengthSeconds"`
	ViewCount      int64       `json:"viewCount"`
	Published      int64       `json:"published"`
	LiveNow        bool        `json:"liveNow"`
	Thumbnails     []Thumbnail `json:"videoThumbnails"`
}

// Thumbnail is one rendition of a video thumbnail.
type Thumbnail struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
	Width   int    `json:"width"`
}

// PublishedAt returns the publish time, or nil when the instance omitted it.
func (v Video) PublishedAt() *time.Time {
	if v.Published <= 0 {
		return nil
	}
	t := time.Unix(v.Published, 0).UTC()
	return &t
}

// ThumbnailURL returns the widest thumbnail.
func (v Video) ThumbnailURL() string {
	best := Thumbnail{}
	for _, t := range v.Thumbnails {
		if t.URL != "" && (best.URL == "" || t.Width > best.Width) {
			best = t
		}
	}
	return best.URL
}

// Option configures the Invidious client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the instance at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    apierr.NewHTTPClient(15 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string) ([]Video, error) {
	params := url.Values{"q": {query}, "type": {"video"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "invidious: create request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := apierr.Do(c.http, service, req)
	if err != nil {
		return nil, err
	}

	var raw []Video
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &apierr.DecodeError{Service: service, Err: err}
	}

	videos := raw[:0]
	for _, v := range raw {
		if v.Type == "video" && v.VideoID != "" && !v.LiveNow {
			videos = append(videos, v)
		}
	}
	return videos, nil
}
