// Package odysee provides a client for Odysee's Lighthouse search API.
package odysee

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

const service = "odysee"

// includeFields asks Lighthouse to return claim metadata alongside ids.
const includeFields = "channel,title,duration,release_time,thumbnail_url,view_cnt,channel_claim_id"

// Client defines the Odysee search operations.
type Client interface {
	Search(ctx context.Context, query string, size int) ([]Claim, error)
}

// Claim is one stream claim from a search response.
type Claim struct {
	ClaimID      string `json:"claimId"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	Channel      string `json:"channel"`
	Duration     int    `json:"duration"`
	ReleaseTime  string `json:"release_time"`
	ThumbnailURL string `json:"thumbnail_url"`
	ViewCount    int64  `json:"view_cnt"`
}

// URL returns the canonical odysee.com link for the claim.
func (c Claim) URL() string {
	path := url.PathEscape(c.Name) + ":" + c.ClaimID
	if c.Channel != "" {
		path = url.PathEscape(c.Channel) + "/" + path
	}
	return "https://odysee.com/" + path
}

// ReleasedAt parses ReleaseTime, which Lighthouse reports either as RFC 3339
// or as unix seconds.
func (c Claim) ReleasedAt() *time.Time {
	if c.ReleaseTime == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, c.ReleaseTime); err == nil {
		t = t.UTC()
		return &t
	}
	if secs, err := strconv.ParseInt(c.ReleaseTime, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	return nil
}

// DisplayTitle falls back to the claim name when the title is empty.
func (c Claim) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return strings.ReplaceAll(c.Name, "-", " ")
}

// Option configures the Odysee client.
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
	baseURL string
	http    *http.Client
}

// NewClient creates a Lighthouse client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://lighthouse.odysee.tv",
		http:    apierr.NewHTTPClient(15 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, size int) ([]Claim, error) {
	if size <= 0 {
		size = 20
	}
	params := url.Values{
		"s":         {query},
		"size":      {strconv.Itoa(size)},
		"from":      {"0"},
		"claimType": {"file"},
		"mediaType": {"video"},
		"nsfw":      {"false"},
		"free_only": {"true"},
		"include":   {includeFields},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "odysee: create request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := apierr.Do(c.http, service, req)
	if err != nil {
		return nil, err
	}

	var claims []Claim
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, &apierr.DecodeError{Service: service, Err: err}
	}

	out := claims[:0]
	for _, cl := range claims {
		if cl.ClaimID != "" && cl.Name != "" {
			out = append(out, cl)
		}
	}
	return out, nil
}
