package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

const defaultQueue = "recommendations"

// Feed is a recommendation source backed by a redis list. Producers RPUSH
// JSON documents; the AutoTrader pops them from the head.
type Feed struct {
	client redis.UniversalClient
	key    string
	logger ports.Logger
}

func NewFeed(client redis.UniversalClient, queue string, logger ports.Logger) *Feed {
	if queue == "" {
		queue = defaultQueue
	}
	return &Feed{client: client, key: defaultPrefix + queue, logger: logger}
}

// Next pops up to max recommendations. Entries that do not decode are
// logged and dropped.
func (f *Feed) Next(ctx context.Context, max int) ([]domain.Recommendation, error) {
	out := make([]domain.Recommendation, 0, max)
	for len(out) < max {
		raw, err := f.client.LPop(ctx, f.key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("redis lpop %s: %w", f.key, err)
		}
		var rec domain.Recommendation
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Symbol == "" {
			f.logger.Warn(ctx, "Dropping malformed recommendation", map[string]interface{}{"payload": raw})
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Push appends a recommendation to the queue.
func (f *Feed) Push(ctx context.Context, rec domain.Recommendation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := f.client.RPush(ctx, f.key, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", f.key, err)
	}
	return nil
}

// Len reports the number of queued recommendations.
func (f *Feed) Len(ctx context.Context) (int64, error) {
	return f.client.LLen(ctx, f.key).Result()
}
