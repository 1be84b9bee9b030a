package provider

import (
	"net/http"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/pkg/apierr"
	"github.com/angleito/robustty/pkg/invidious"
	"github.com/angleito/robustty/pkg/odysee"
	"github.com/angleito/robustty/pkg/peertube"
	"github.com/angleito/robustty/pkg/rumble"
	"github.com/angleito/robustty/pkg/youtube"
)

// ChainFile overrides configured strategy chains per provider.
type ChainFile struct {
	Chains map[string][]string `yaml:"chains"`
}

// LoadChainFile reads a strategy chain override file.
func LoadChainFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read chain file %s", path)
	}

	var cf ChainFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, eris.Wrap(err, "provider: parse chain file")
	}
	for id, chain := range cf.Chains {
		if len(chain) == 0 {
			return nil, eris.Errorf("provider: chain file: %s has an empty chain", id)
		}
	}
	return cf.Chains, nil
}

// Build creates a registry holding every enabled provider in cfg. Strategy
// chains come from providers.<id>.strategies unless search.chain_file
// overrides them.
func Build(cfg *config.Config) (*Registry, error) {
	var overrides map[string][]string
	if cfg.Search.ChainFile != "" {
		var err error
		if overrides, err = LoadChainFile(cfg.Search.ChainFile); err != nil {
			return nil, err
		}
	}

	reg := NewRegistry()
	for id, pc := range cfg.Providers.ByID() {
		if !pc.Enabled {
			continue
		}
		chain := pc.Strategies
		if o, ok := overrides[id]; ok {
			chain = o
		}

		timeout := pc.Timeout()
		if timeout <= 0 {
			timeout = cfg.Search.ProviderTimeout()
		}
		hc := apierr.NewHTTPClient(timeout)

		live := liveStrategies(id, pc, hc)
		strategies, err := assemble(id, chain, live)
		if err != nil {
			return nil, err
		}
		if len(strategies) == 0 {
			zap.L().Warn("provider: no usable strategies, skipping", zap.String("provider", id))
			continue
		}

		var limiter *AdaptiveLimiter
		if pc.RatePerSec > 0 {
			limiter = NewAdaptiveLimiter(id, rate.Limit(pc.RatePerSec), pc.Burst)
		}
		reg.Register(NewAdapter(id, limiter, strategies...))
	}

	if len(reg.List()) == 0 {
		return nil, eris.New("provider: no providers enabled")
	}
	return reg, nil
}

// liveStrategies returns the fetchers a provider supports, keyed by strategy
// name. Strategies that cannot run with the given settings are omitted.
func liveStrategies(id string, pc config.ProviderConfig, hc *http.Client) map[string]FetchFunc {
	out := make(map[string]FetchFunc)
	switch id {
	case YouTube:
		if pc.APIKey != "" {
			var opts []youtube.Option
			if pc.BaseURL != "" {
				opts = append(opts, youtube.WithBaseURL(pc.BaseURL))
			}
			opts = append(opts, youtube.WithHTTPClient(hc))
			out[model.StrategyPrimary] = YouTubeAPI(youtube.NewClient(pc.APIKey, opts...))
		}
		if len(pc.SecondaryURLs) > 0 {
			clients := make([]invidious.Client, 0, len(pc.SecondaryURLs))
			for _, u := range pc.SecondaryURLs {
				clients = append(clients, invidious.NewClient(u, invidious.WithHTTPClient(hc)))
			}
			out[model.StrategyScrape] = YouTubeInvidious(clients...)
		}
	case PeerTube:
		opts := []peertube.Option{peertube.WithHTTPClient(hc)}
		if pc.BaseURL != "" {
			opts = append(opts, peertube.WithSearchURL(pc.BaseURL))
		}
		if len(pc.SecondaryURLs) > 0 {
			opts = append(opts, peertube.WithInstances(pc.SecondaryURLs...))
		}
		c := peertube.NewClient(opts...)
		out[model.StrategyPrimary] = PeerTubeSearch(c)
		out[model.StrategyFeed] = PeerTubeFeed(c)
	case Odysee:
		opts := []odysee.Option{odysee.WithHTTPClient(hc)}
		if pc.BaseURL != "" {
			opts = append(opts, odysee.WithBaseURL(pc.BaseURL))
		}
		out[model.StrategyPrimary] = OdyseeSearch(odysee.NewClient(opts...))
	case Rumble:
		opts := []rumble.Option{rumble.WithHTTPClient(hc)}
		if pc.BaseURL != "" {
			opts = append(opts, rumble.WithBaseURL(pc.BaseURL))
		}
		out[model.StrategyScrape] = RumbleScrape(rumble.NewClient(opts...))
	}
	return out
}

// knownStrategies lists the strategy names each provider can run.
var knownStrategies = map[string][]string{
	YouTube:  {model.StrategyPrimary, model.StrategyScrape},
	PeerTube: {model.StrategyPrimary, model.StrategyFeed},
	Odysee:   {model.StrategyPrimary},
	Rumble:   {model.StrategyScrape},
}

// assemble orders the live fetchers by chain. Names the provider does not
// know are configuration errors; known names without a usable fetcher (for
// example primary-api with no api key) are skipped.
func assemble(id string, chain []string, live map[string]FetchFunc) ([]Strategy, error) {
	var out []Strategy
	seen := make(map[string]bool, len(chain))
	for _, name := range chain {
		if seen[name] {
			continue
		}
		seen[name] = true

		if name == model.StrategyCacheOnly {
			out = append(out, Strategy{Name: name})
			continue
		}
		if !isKnown(id, name) {
			return nil, eris.Errorf("provider: %s does not support strategy %q", id, name)
		}
		fetch, ok := live[name]
		if !ok {
			zap.L().Warn("provider: strategy not configured, skipping",
				zap.String("provider", id),
				zap.String("strategy", name),
			)
			continue
		}
		out = append(out, Strategy{Name: name, Fetch: fetch})
	}

	// A chain of only cached-only can never populate the cache.
	if len(out) == 1 && out[0].CacheOnly() {
		return nil, nil
	}
	return out, nil
}

func isKnown(id, name string) bool {
	for _, s := range knownStrategies[id] {
		if s == name {
			return true
		}
	}
	return false
}
