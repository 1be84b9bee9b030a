// Package peertube provides clients for federated PeerTube search: the
// SepiaSearch index API and per-instance RSS video feeds.
package peertube

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/angleito/robustty/pkg/apierr"
)

const service = "peertube"

// Client defines the PeerTube search operations.
type Client interface {
	// Search queries the federated search index.
	Search(ctx context.Context, query string, count int) ([]Video, error)
	// FeedSearch pulls the recent-videos feed of every configured instance
	// and keeps items whose title contains any query token.
	FeedSearch(ctx context.Context, query string, limit int) ([]Video, error)
}

// Video is a PeerTube video in either source's shape.
type Video struct {
	UUID          string     `json:"uuid"`
	Name          string     `json:"name"`
	Duration      int        `json:"duration"`
	Views         int64      `json:"views"`
	PublishedAt   *time.Time `json:"publishedAt"`
	URL           string     `json:"url"`
	ThumbnailURL  string     `json:"thumbnailUrl"`
	ThumbnailPath string     `json:"thumbnailPath"`
	Account       Actor      `json:"account"`
	Channel       Actor      `json:"channel"`
}

// Actor is an account or channel reference.
type Actor struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Host        string `json:"host"`
}

// Author returns the most readable owner name.
func (v Video) Author() string {
	for _, s := range []string{v.Channel.DisplayName, v.Account.DisplayName, v.Channel.Name, v.Account.Name} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Thumbnail returns an absolute thumbnail URL when one can be built.
func (v Video) Thumbnail() string {
	if v.ThumbnailURL != "" {
		return v.ThumbnailURL
	}
	if v.ThumbnailPath != "" && v.Account.Host != "" {
		return "https://" + v.Account.Host + v.ThumbnailPath
	}
	return ""
}

type searchResponse struct {
	Total int     `json:"total"`
	Data  []Video `json:"data"`
}

// Option configures the PeerTube client.
type Option func(*httpClient)

// WithSearchURL sets the search index base URL.
func WithSearchURL(u string) Option {
	return func(c *httpClient) {
		c.searchURL = strings.TrimRight(u, "/")
	}
}

// WithInstances sets the instances whose feeds FeedSearch reads.
func WithInstances(instances ...string) Option {
	return func(c *httpClient) {
		c.instances = c.instances[:0]
		for _, in := range instances {
			if in = strings.TrimRight(strings.TrimSpace(in), "/"); in != "" {
				c.instances = append(c.instances, in)
			}
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	searchURL string
	instances []string
	http      *http.Client
}

// NewClient creates a PeerTube client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		searchURL: "https://sepiasearch.org",
		instances: []string{"https://framatube.org", "https://tilvids.com"},
		http:      apierr.NewHTTPClient(15 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, count int) ([]Video, error) {
	if count <= 0 {
		count = 20
	}
	params := url.Values{
		"search": {query},
		"count":  {strconv.Itoa(count)},
		"nsfw":   {"false"},
		"sort":   {"-match"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"/api/v1/search/videos?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "peertube: create request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := apierr.Do(c.http, service, req)
	if err != nil {
		return nil, err
	}
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &apierr.DecodeError{Service: service, Err: err}
	}
	return sr.Data, nil
}

func (c *httpClient) FeedSearch(ctx context.Context, query string, limit int) ([]Video, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 || len(c.instances) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		perFeed = make([][]Video, len(c.instances))
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, instance := range c.instances {
		g.Go(func() error {
			videos, err := c.readFeed(gctx, instance)
			if err != nil {
				// One dead instance must not sink the others.
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			perFeed[i] = videos
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(c.instances) {
		return nil, errs[0]
	}

	var out []Video
	seen := make(map[string]bool)
	for _, videos := range perFeed {
		for _, v := range videos {
			if !matchesAny(strings.ToLower(v.Name), tokens) || seen[v.URL] {
				continue
			}
			seen[v.URL] = true
			out = append(out, v)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (c *httpClient) readFeed(ctx context.Context, instance string) ([]Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance+"/feeds/videos.xml?sort=-publishedAt", nil)
	if err != nil {
		return nil, eris.Wrap(err, "peertube: create feed request")
	}
	body, err := apierr.Do(c.http, service, req)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &apierr.DecodeError{Service: service, Err: err}
	}

	host := ""
	if u, err := url.Parse(instance); err == nil {
		host = u.Host
	}
	videos := make([]Video, 0, len(feed.Items))
	for _, it := range feed.Items {
		videos = append(videos, itemToVideo(it, host))
	}
	return videos, nil
}

func itemToVideo(it *gofeed.Item, host string) Video {
	v := Video{
		UUID: it.GUID,
		Name: strings.TrimSpace(it.Title),
		URL:  strings.TrimSpace(it.Link),
	}
	if len(it.Authors) > 0 && it.Authors[0] != nil {
		v.Channel.DisplayName = it.Authors[0].Name
	} else if it.Author != nil {
		v.Channel.DisplayName = it.Author.Name
	}
	v.Account.Host = host
	if it.PublishedParsed != nil {
		t := it.PublishedParsed.UTC()
		v.PublishedAt = &t
	}
	if it.Image != nil {
		v.ThumbnailURL = it.Image.URL
	}

	media := it.Extensions["media"]
	for _, content := range mediaContents(media) {
		if d, err := strconv.Atoi(content.Attrs["duration"]); err == nil && d > 0 {
			v.Duration = d
			break
		}
	}
	if v.ThumbnailURL == "" {
		if thumbs := findExt(media, "thumbnail"); len(thumbs) > 0 {
			v.ThumbnailURL = thumbs[0].Attrs["url"]
		}
	}
	return v
}

// mediaContents returns media:content elements whether they sit at the top
// level or inside media:group.
func mediaContents(media map[string][]ext.Extension) []ext.Extension {
	out := append([]ext.Extension(nil), media["content"]...)
	for _, g := range media["group"] {
		out = append(out, g.Children["content"]...)
	}
	return out
}

func findExt(media map[string][]ext.Extension, name string) []ext.Extension {
	if exts := media[name]; len(exts) > 0 {
		return exts
	}
	for _, g := range media["group"] {
		if exts := g.Children[name]; len(exts) > 0 {
			return exts
		}
	}
	return nil
}

func matchesAny(title string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(title, tok) {
			return true
		}
	}
	return false
}
