package genai

import (
	"context"
	"errors"
)

// Categorizer pairs the vision model with the Redis-backed suggestion cache so
// repeated reviews of the same image do not re-consult the provider.
type Categorizer struct {
	client *Client
	cache  *SuggestionCache
}

// NewCategorizer builds a Categorizer; cache may be nil.
func NewCategorizer(client *Client, cache *SuggestionCache) *Categorizer {
	if client == nil {
		return nil
	}
	return &Categorizer{client: client, cache: cache}
}

// SuggestCategory returns a category label for the image, consulting the cache first.
func (c *Categorizer) SuggestCategory(ctx context.Context, imageDataURI string) (string, error) {
	if c == nil || c.client == nil {
		return "", errors.New("genai: categorizer not configured")
	}

	if cached, ok := c.cache.Get(ctx, imageDataURI); ok {
		return cached, nil
	}

	category, err := c.client.SuggestCategory(ctx, imageDataURI)
	if err != nil {
		return "", err
	}

	c.cache.Store(ctx, imageDataURI, category)
	return category, nil
}
