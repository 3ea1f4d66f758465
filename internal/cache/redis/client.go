package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/pkg/logger"
)

const embeddingPrefix = "embedding:"

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr), zap.Duration("ttl", ttl))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// GetEmbeddings returns one entry per key; misses are nil.
func (c *Client) GetEmbeddings(ctx context.Context, keys []string) ([][]float32, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = embeddingPrefix + k
	}

	values, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get embeddings: %w", err)
	}

	out := make([][]float32, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil {
			logger.Warn("Discarding corrupt cached embedding", zap.String("key", full[i]), zap.Error(err))
			continue
		}
		out[i] = vec
	}
	return out, nil
}

// SetEmbeddings stores entries with the client TTL in a single round trip.
func (c *Client) SetEmbeddings(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, vec := range entries {
			data, err := json.Marshal(vec)
			if err != nil {
				return fmt.Errorf("failed to marshal embedding: %w", err)
			}
			pipe.Set(ctx, embeddingPrefix+k, data, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set embeddings: %w", err)
	}

	logger.Debug("Embeddings cached", zap.Int("count", len(entries)))
	return nil
}
