// Package rumble scrapes Rumble's video search page, which has no public
// search API.
package rumble

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/angleito/robustty/pkg/apierr"
)

const service = "rumble"

// Client defines the Rumble search operations.
type Client interface {
	Search(ctx context.Context, query string) ([]Video, error)
}

// Video is one search hit scraped from the results page.
type Video struct {
	ID           string
	Title        string
	URL          string
	Channel      string
	Verified     bool
	ThumbnailURL string
	Duration     int
	Views        int64
	PublishedAt  *time.Time
}

// ErrLayoutChanged is wrapped in a DecodeError when a non-empty results page
// yields no parsable entries.
var ErrLayoutChanged = eris.New("rumble: no video entries recognised on results page")

// Option configures the Rumble client.
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

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

// NewClient creates a Rumble scraper.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://rumble.com",
		userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		http:      apierr.NewHTTPClient(15 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string) ([]Video, error) {
	reqURL := c.baseURL + "/search/video?" + url.Values{"q": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "rumble: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html")

	body, err := apierr.Do(c.http, service, req)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &apierr.DecodeError{Service: service, Err: err}
	}
	return parseResults(doc, c.baseURL)
}

// Both the older list layout and the current grid layout are recognised.
const entrySelector = "article.video-item, div.videostream[data-video-id]"

func parseResults(doc *goquery.Document, base string) ([]Video, error) {
	entries := doc.Find(entrySelector)
	var videos []Video
	seen := make(map[string]bool)

	entries.Each(func(_ int, s *goquery.Selection) {
		v, ok := parseEntry(s, base)
		if !ok || seen[v.ID] {
			return
		}
		seen[v.ID] = true
		videos = append(videos, v)
	})

	if len(videos) == 0 && entries.Length() > 0 {
		return nil, &apierr.DecodeError{Service: service, Err: ErrLayoutChanged}
	}
	return videos, nil
}

var videoIDPattern = regexp.MustCompile(`^/(v[0-9a-z]+)(?:-[^/]*)?\.html`)

func parseEntry(s *goquery.Selection, base string) (Video, bool) {
	href, _ := s.Find("a.video-item--a, a.videostream__link, a[href$='.html']").First().Attr("href")
	link, err := url.Parse(href)
	if err != nil {
		return Video{}, false
	}
	m := videoIDPattern.FindStringSubmatch(link.Path)
	if m == nil {
		return Video{}, false
	}

	v := Video{
		ID:    m[1],
		URL:   base + link.Path,
		Title: strings.TrimSpace(s.Find("h3.video-item--title, h3.thumbnail__title").First().Text()),
	}
	if v.Title == "" {
		v.Title, _ = s.Find("img").First().Attr("alt")
	}

	channel := s.Find(".video-item--by a[rel=author], a.channel__link").First()
	v.Channel = strings.TrimSpace(channel.Find(".ellipsis-1, .channel__name").First().Text())
	if v.Channel == "" {
		v.Channel = strings.TrimSpace(channel.Text())
	}
	v.Verified = s.Find(".video-item--by-verified, .channel__verified, .verification-badge-icon").Length() > 0

	if src, ok := s.Find("img.video-item--img, img.thumbnail__image").First().Attr("src"); ok {
		v.ThumbnailURL = src
	}

	dur := s.Find(".video-item--duration, .videostream__status--duration").First()
	if raw, ok := dur.Attr("data-value"); ok {
		v.Duration = ParseClock(raw)
	} else {
		v.Duration = ParseClock(dur.Text())
	}

	views := s.Find(".video-item--views, .videostream__views").First()
	raw, ok := views.Attr("data-views")
	if !ok {
		raw, ok = views.Attr("data-value")
	}
	if !ok {
		raw = views.Text()
	}
	v.Views = parseCount(raw)

	if dt, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, err := time.Parse(time.RFC3339, dt); err == nil {
			t = t.UTC()
			v.PublishedAt = &t
		}
	}
	return v, true
}

// ParseClock converts "h:mm:ss" or "m:ss" to seconds, returning 0 when the
// text is not a clock reading.
func ParseClock(s string) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// parseCount reads counts like "1,234", "12.5K" or "3M views".
func parseCount(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSpace(strings.TrimSuffix(s, "VIEWS"))
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K':
		mult, s = 1e3, s[:len(s)-1]
	case 'M':
		mult, s = 1e6, s[:len(s)-1]
	case 'B':
		mult, s = 1e9, s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f * mult)
}
