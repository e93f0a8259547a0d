package address

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"skyledger/internal/model"
)

// CachedDirectory is a Redis read-through cache in front of another Directory.
// Bindings never change, so entries are written without a TTL and never invalidated.
// Misses are not cached: an unknown address may be bound later.
type CachedDirectory struct {
	next   Directory
	client *redis.Client
	logger *slog.Logger
}

func NewCachedDirectory(next Directory, client *redis.Client, logger *slog.Logger) *CachedDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDirectory{next: next, client: client, logger: logger.With("component", "address_cache")}
}

func cacheKey(key string) string {
	return "addr:" + key
}

func (c *CachedDirectory) Resolve(ctx context.Context, addr string) (model.AccountRef, error) {
	key, err := Key(addr)
	if err != nil {
		return model.AccountRef{}, err
	}

	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	switch {
	case err == nil:
		var ref model.AccountRef
		if jerr := json.Unmarshal(raw, &ref); jerr == nil {
			return ref, nil
		}
		c.logger.Warn("dropping undecodable cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		// Redis is only an accelerator; fall through to the directory.
		c.logger.Warn("cache read failed", "key", key, "error", err)
	}

	ref, err := c.next.Resolve(ctx, addr)
	if err != nil {
		return model.AccountRef{}, err
	}
	c.store(ctx, key, ref)
	return ref, nil
}

func (c *CachedDirectory) Bind(ctx context.Context, accountID, addr, displayName string) error {
	if err := c.next.Bind(ctx, accountID, addr, displayName); err != nil {
		return err
	}
	canonical, err := Canonical(addr)
	if err != nil {
		return nil
	}
	c.store(ctx, keyEscaper.Replace(canonical), model.AccountRef{
		AccountID:   accountID,
		DisplayName: displayName,
		Address:     canonical,
	})
	return nil
}

func (c *CachedDirectory) store(ctx context.Context, key string, ref model.AccountRef) {
	data, err := json.Marshal(ref)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(key), data, 0).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
