package genai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	suggestionCacheTTL     = 24 * time.Hour
	suggestionCacheTimeout = 300 * time.Millisecond
)

// SuggestionCache caches category suggestions per image so the vision model
// is only consulted once per asset.
type SuggestionCache struct {
	client *redis.Client
}

// NewSuggestionCache wraps the given Redis client; a nil client disables caching.
func NewSuggestionCache(client *redis.Client) *SuggestionCache {
	if client == nil {
		return nil
	}
	return &SuggestionCache{client: client}
}

func (c *SuggestionCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), suggestionCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= suggestionCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, suggestionCacheTimeout)
}

// key derives the cache key from the image payload itself, so replacing the
// underlying object invalidates naturally.
func (c *SuggestionCache) key(imageDataURI string) string {
	if c == nil || c.client == nil || imageDataURI == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(imageDataURI))
	return "genai:suggestion:" + hex.EncodeToString(sum[:])
}

// Get returns the cached category for the image, if any.
func (c *SuggestionCache) Get(ctx context.Context, imageDataURI string) (string, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	key := c.key(imageDataURI)
	if key == "" {
		return "", false
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return value, value != ""
}

// Store records the suggested category for the image.
func (c *SuggestionCache) Store(ctx context.Context, imageDataURI, category string) {
	if c == nil || c.client == nil || category == "" {
		return
	}
	key := c.key(imageDataURI)
	if key == "" {
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, category, suggestionCacheTTL).Err(); err != nil {
		log.Printf("genai: store suggestion cache failed: %v", err)
	}
}
