// Package pricing implements the cache-backed price lookup collaborator.
// Quotes are idempotent for their TTL, so every hit saves a round trip to
// the upstream price source.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mospit/bruno-ai-sub000/internal/cache"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// Client fetches price quotes over HTTP and caches them under the price
// category. The upstream may supply a per-quote TTL, capped by the
// category's ceiling.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *cache.Cache
}

// New creates a pricing client. cache may be nil, in which case every
// lookup goes upstream.
func New(baseURL string, timeout time.Duration, c *cache.Cache) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cache:   c,
	}
}

// GetPrice returns a quote for the item in the given location, consulting
// the cache first.
func (c *Client) GetPrice(ctx context.Context, itemQuery, location string) (*models.PriceQuote, error) {
	key := itemQuery + "@" + location
	if c.cache != nil {
		if v, ok := c.cache.Get(key, cache.CategoryPrice); ok {
			if quote, ok := v.(*models.PriceQuote); ok {
				cp := *quote
				return &cp, nil
			}
		}
	}

	quote, err := c.fetch(ctx, itemQuery, location)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		ttl := time.Duration(quote.TTLSecs) * time.Second
		c.cache.PutTTL(key, quote, cache.CategoryPrice, ttl)
	}

	log.Debug().
		Str("item", itemQuery).
		Str("location", location).
		Float64("price", quote.Price).
		Str("source", quote.Source).
		Msg("price quote fetched")

	return quote, nil
}

func (c *Client) fetch(ctx context.Context, itemQuery, location string) (*models.PriceQuote, error) {
	u := fmt.Sprintf("%s/prices?item=%s&location=%s",
		c.baseURL, url.QueryEscape(itemQuery), url.QueryEscape(location))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch price for %s: %w", itemQuery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("price source returned %d for %s", resp.StatusCode, itemQuery)
	}

	var quote models.PriceQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode price quote: %w", err)
	}
	return &quote, nil
}
