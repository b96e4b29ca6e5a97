package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txspend/backend/pkg/logger"
)

// Client is a read-through cache for entity lookups and display-path query
// results. Everything here is a TTL'd optimization; the service carries no
// durable local state.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewClientFromRedis wraps an existing connection. Tests use this with redismock.
func NewClientFromRedis(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func entityKey(entityType, term string) string {
	return fmt.Sprintf("entity:%s:%s", entityType, strings.ToLower(strings.TrimSpace(term)))
}

func resultKey(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return "result:" + hex.EncodeToString(sum[:])
}

// SetEntityLookup caches the resolver's full lookup payload for a term.
func (c *Client) SetEntityLookup(ctx context.Context, entityType, term string, result interface{}, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal lookup result: %w", err)
	}

	if err := c.client.Set(ctx, entityKey(entityType, term), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set lookup cache: %w", err)
	}

	logger.Debug("Entity lookup cached",
		zap.String("entity_type", entityType),
		zap.String("term", term),
	)
	return nil
}

func (c *Client) GetEntityLookup(ctx context.Context, entityType, term string, result interface{}) (bool, error) {
	data, err := c.client.Get(ctx, entityKey(entityType, term)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get lookup cache: %w", err)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return false, fmt.Errorf("failed to unmarshal lookup result: %w", err)
	}

	logger.Debug("Entity lookup cache hit", zap.String("entity_type", entityType))
	return true, nil
}

// SetQueryResult caches a normalized display-path result set keyed by the
// SQL that produced it (post-rewrite, so distinct caps cache separately).
func (c *Client) SetQueryResult(ctx context.Context, sql string, result interface{}, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result set: %w", err)
	}

	if err := c.client.Set(ctx, resultKey(sql), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set result cache: %w", err)
	}

	logger.Debug("Query result cached", zap.Int("bytes", len(data)))
	return nil
}

func (c *Client) GetQueryResult(ctx context.Context, sql string, result interface{}) (bool, error) {
	data, err := c.client.Get(ctx, resultKey(sql)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get result cache: %w", err)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return false, fmt.Errorf("failed to unmarshal result set: %w", err)
	}

	logger.Debug("Query result cache hit")
	return true, nil
}
