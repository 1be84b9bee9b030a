package provider

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/pkg/invidious"
	"github.com/angleito/robustty/pkg/odysee"
	"github.com/angleito/robustty/pkg/peertube"
	"github.com/angleito/robustty/pkg/rumble"
	"github.com/angleito/robustty/pkg/youtube"
)

const defaultMaxResults = 10

func maxResults(q model.SearchQuery) int {
	if q.MaxResults > 0 {
		return q.MaxResults
	}
	return defaultMaxResults
}

// YouTubeAPI searches through the YouTube Data API.
func YouTubeAPI(c youtube.Client) FetchFunc {
	return func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error) {
		videos, err := c.Search(ctx, q.Text, maxResults(q))
		if err != nil {
			return nil, err
		}
		items := make([]model.CandidateItem, 0, len(videos))
		for _, v := range videos {
			item := model.CandidateItem{
				ProviderID:      YouTube,
				ExternalID:      v.ID,
				Title:           v.Title,
				Author:          v.ChannelTitle,
				DurationSeconds: int(v.Duration.Seconds()),
				ThumbnailURL:    v.ThumbnailURL,
				URL:             youtubeWatchURL(v.ID),
				ViewCount:       v.ViewCount,
			}
			if !v.PublishedAt.IsZero() {
				t := v.PublishedAt.UTC()
				item.PublishedAt = &t
			}
			items = append(items, item)
		}
		return items, nil
	}
}

// YouTubeInvidious searches YouTube through Invidious instances, trying each
// in turn until one answers.
func YouTubeInvidious(clients ...invidious.Client) FetchFunc {
	return func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error) {
		var lastErr error
		for i, c := range clients {
			videos, err := c.Search(ctx, q.Text)
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					break
				}
				zap.L().Debug("provider: invidious instance failed, trying next",
					zap.Int("instance", i),
					zap.Error(err),
				)
				continue
			}
			items := make([]model.CandidateItem, 0, len(videos))
			for _, v := range videos {
				items = append(items, model.CandidateItem{
					ProviderID:      YouTube,
					ExternalID:      v.VideoID,
					Title:           v.Title,
					Author:          v.Author,
					DurationSeconds: v.LengthSeconds,
					ThumbnailURL:    v.ThumbnailURL(),
					PublishedAt:     v.PublishedAt(),
					URL:             youtubeWatchURL(v.VideoID),
					ViewCount:       v.ViewCount,
					ChannelVerified: v.AuthorVerified,
				})
			}
			return items, nil
		}
		return nil, lastErr
	}
}

func youtubeWatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// PeerTubeSearch searches the federated PeerTube index.
func PeerTubeSearch(c peertube.Client) FetchFunc {
	return func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error) {
		videos, err := c.Search(ctx, q.Text, maxResults(q))
		if err != nil {
			return nil, err
		}
		return peertubeItems(videos), nil
	}
}

// PeerTubeFeed filters the recent-video feeds of known instances.
func PeerTubeFeed(c peertube.Client) FetchFunc {
	return func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error) {
		videos, err := c.FeedSearch(ctx, q.Text, maxResults(q))
		if err != nil {
			return nil, err
		}
		return peertubeItems(videos), nil
	}
}

func peertubeItems(videos []peertube.Video) []model.CandidateItem {
	items := make([]model.CandidateItem, 0, len(videos))
	for _, v := range videos {
		id := v.UUID
		if id == "" {
			id = v.URL
		}
		if id == "" {
			continue
		}
		items = append(items, model.CandidateItem{
			ProviderID:      PeerTube,
			ExternalID:      id,
			Title:           strings.TrimSpace(v.Name),
			Author:          v.Author(),
			DurationSeconds: v.Duration,
			ThumbnailURL:    v.Thumbnail(),
			PublishedAt:     v.PublishedAt,
			URL:             v.URL,
			ViewCount:       v.Views,
		})
	}
	return items
}

// OdyseeSearch searches Odysee claims through Lighthouse.
func OdyseeSearch(c odysee.Client) FetchFunc {
	return func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error) {
		claims, err := c.Search(ctx, q.Text, maxResults(q))
		if err != nil {
			return nil, err
		}
		items := make([]model.CandidateItem, 0, len(claims))
		for _, cl := range claims {
			items = append(items, model.CandidateItem{
				ProviderID:      Odysee,
				ExternalID:      cl.ClaimID,
				Title:           cl.DisplayTitle(),
				Author:          strings.TrimPrefix(cl.Channel, "@"),
				DurationSeconds: cl.Duration,
				ThumbnailURL:    cl.ThumbnailURL,
				PublishedAt:     cl.ReleasedAt(),
				URL:             cl.URL(),
				ViewCount:       cl.ViewCount,
			})
		}
		return items, nil
	}
}

// RumbleScrape scrapes the Rumble search results page.
func RumbleScrape(c rumble.Client) FetchFunc {
	return func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error) {
		videos, err := c.Search(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		items := make([]model.CandidateItem, 0, len(videos))
		for _, v := range videos {
			items = append(items, model.CandidateItem{
				ProviderID:      Rumble,
				ExternalID:      v.ID,
				Title:           v.Title,
				Author:          v.Channel,
				DurationSeconds: v.Duration,
				ThumbnailURL:    v.ThumbnailURL,
				PublishedAt:     v.PublishedAt,
				URL:             v.URL,
				ViewCount:       v.Views,
				ChannelVerified: v.Verified,
			})
		}
		return items, nil
	}
}
