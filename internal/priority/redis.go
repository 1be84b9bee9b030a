package priority

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/angleito/robustty/internal/model"
)

const (
	defaultKeyPrefix = "robustty:priority:"
	maxTxAttempts    = 10
	// Windows of providers that stop reporting age out.
	windowTTL = 24 * time.Hour
)

// RedisStats shares provider windows between engine instances. Each window
// is a JSON array updated with WATCH/MULTI so concurrent writers never lose
// samples.
type RedisStats struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStats connects to the Redis server at url (redis://host:port/db).
func NewRedisStats(ctx context.Context, url string) (*RedisStats, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "priority: parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "priority: connect to redis")
	}
	return NewRedisStatsFromClient(client, defaultKeyPrefix), nil
}

// NewRedisStatsFromClient wraps an existing client. An empty prefix uses the
// default.
func NewRedisStatsFromClient(client redis.UniversalClient, prefix string) *RedisStats {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStats{client: client, prefix: prefix}
}

func (r *RedisStats) key(providerID string) string {
	return r.prefix + providerID
}

// Record appends a sample with an optimistic read-modify-write.
func (r *RedisStats) Record(ctx context.Context, providerID string, s model.Sample, size int) error {
	key := r.key(providerID)
	update := func(tx *redis.Tx) error {
		samples, err := readSamples(ctx, tx, key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(trim(append(samples, s), size))
		if err != nil {
			return eris.Wrap(err, "priority: encode samples")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, windowTTL)
			return nil
		})
		return err
	}

	for range maxTxAttempts {
		err := r.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "priority: record sample for %s", providerID)
		}
		return nil
	}
	return eris.Errorf("priority: record sample for %s: too much contention", providerID)
}

// Samples returns the provider's window.
func (r *RedisStats) Samples(ctx context.Context, providerID string) ([]model.Sample, error) {
	samples, err := readSamples(ctx, r.client, r.key(providerID))
	if err != nil {
		return nil, eris.Wrapf(err, "priority: load samples for %s", providerID)
	}
	return samples, nil
}

// Reset deletes the provider's window.
func (r *RedisStats) Reset(ctx context.Context, providerID string) error {
	if err := r.client.Del(ctx, r.key(providerID)).Err(); err != nil {
		return eris.Wrapf(err, "priority: reset %s", providerID)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStats) Close() error {
	return r.client.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readSamples(ctx context.Context, c getter, key string) ([]model.Sample, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var samples []model.Sample
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, eris.Wrap(err, "priority: decode samples")
	}
	return samples, nil
}
