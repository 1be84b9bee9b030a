// Package youtube provides a client for the YouTube Data API v3 search.
package youtube

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/angleito/robustty/pkg/apierr"
)

const service = "youtube"

// Client defines the YouTube search operations.
type Client interface {
	// Search returns up to maxResults videos for query with duration and
	// view counts filled in.
	Search(ctx context.Context, query string, maxResults int) ([]Video, error)
}

// Video is a search hit joined with its content details.
type Video struct {
	ID           string
	Title        string
	ChannelID    string
	ChannelTitle string
	ThumbnailURL string
	PublishedAt  time.Time
	Duration     time.Duration
	ViewCount    int64
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet snippet `json:"snippet"`
	} `json:"items"`
}

type snippet struct {
	Title        string    `json:"title"`
	ChannelID    string    `json:"channelId"`
	ChannelTitle string    `json:"channelTitle"`
	PublishedAt  time.Time `json:"publishedAt"`
	Thumbnails   map[string]struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
}

type videosResponse struct {
	Items []struct {
		ID             string `json:"id"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
		Statistics struct {
			ViewCount string `json:"viewCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// Option configures the YouTube client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a YouTube Data API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://www.googleapis.com/youtube/v3",
		http:    apierr.NewHTTPClient(15 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, maxResults int) ([]Video, error) {
	if maxResults <= 0 || maxResults > 50 {
		maxResults = 25
	}
	params := url.Values{
		"part":       {"snippet"},
		"type":       {"video"},
		"q":          {query},
		"maxResults": {strconv.Itoa(maxResults)},
		"key":        {c.apiKey},
	}
	var sr searchResponse
	if err := c.get(ctx, "/search", params, &sr); err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(sr.Items))
	ids := make([]string, 0, len(sr.Items))
	for _, it := range sr.Items {
		if it.ID.VideoID == "" {
			continue
		}
		videos = append(videos, Video{
			ID:           it.ID.VideoID,
			Title:        it.Snippet.Title,
			ChannelID:    it.Snippet.ChannelID,
			ChannelTitle: it.Snippet.ChannelTitle,
			ThumbnailURL: bestThumbnail(it.Snippet),
			PublishedAt:  it.Snippet.PublishedAt,
		})
		ids = append(ids, it.ID.VideoID)
	}
	if len(ids) == 0 {
		return videos, nil
	}

	var vr videosResponse
	err := c.get(ctx, "/videos", url.Values{
		"part": {"contentDetails,statistics"},
		"id":   {strings.Join(ids, ",")},
		"key":  {c.apiKey},
	}, &vr)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(videos))
	for i, v := range videos {
		byID[v.ID] = i
	}
	for _, it := range vr.Items {
		i, ok := byID[it.ID]
		if !ok {
			continue
		}
		if d, err := ParseDuration(it.ContentDetails.Duration); err == nil {
			videos[i].Duration = d
		}
		if n, err := strconv.ParseInt(it.Statistics.ViewCount, 10, 64); err == nil {
			videos[i].ViewCount = n
		}
	}
	return videos, nil
}

func (c *httpClient) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return eris.Wrap(err, "youtube: create request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := apierr.Do(c.http, service, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &apierr.DecodeError{Service: service, Err: err}
	}
	return nil
}

func bestThumbnail(s snippet) string {
	for _, q := range []string{"high", "medium", "default"} {
		if t, ok := s.Thumbnails[q]; ok && t.URL != "" {
			return t.URL
		}
	}
	return ""
}

// ParseDuration parses the ISO 8601 durations the API returns for videos,
// such as "PT1H2M3S" or "P1DT30M". Live streams report "P0D".
func ParseDuration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") {
		return 0, eris.Errorf("youtube: invalid duration %q", s)
	}
	var (
		total  time.Duration
		num    int64
		digits bool
		inTime bool
	)
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int64(r-'0')
			digits = true
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if !digits {
			return 0, eris.Errorf("youtube: invalid duration %q", s)
		}
		var unit time.Duration
		switch {
		case r == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			unit = 24 * time.Hour
		case r == 'H' && inTime:
			unit = time.Hour
		case r == 'M' && inTime:
			unit = time.Minute
		case r == 'S' && inTime:
			unit = time.Second
		default:
			return 0, eris.Errorf("youtube: invalid duration %q", s)
		}
		total += time.Duration(num) * unit
		num, digits = 0, false
	}
	if digits {
		return 0, eris.Errorf("youtube: invalid duration %q", s)
	}
	return total, nil
}
