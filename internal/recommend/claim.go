package recommend

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/finpilot/internal/config"
	"github.com/TobiSchelling/finpilot/internal/database"
)

// Claimer hands out the cross-process generation claim for a fingerprint.
// A claim expires after its TTL even if the holder never releases it.
type Claimer interface {
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// SQLiteClaimer keeps claims as rows in the generation_claims table.
type SQLiteClaimer struct {
	db  *database.DB
	now func() time.Time
}

func NewSQLiteClaimer(db *database.DB) *SQLiteClaimer {
	return &SQLiteClaimer{db: db, now: time.Now}
}

func (c *SQLiteClaimer) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.db.TryClaim(ctx, key, owner, c.now(), ttl)
}

func (c *SQLiteClaimer) Release(ctx context.Context, key, owner string) error {
	return c.db.ReleaseClaim(ctx, key, owner)
}

// releaseScript deletes the key only while owner still holds it, so a
// holder whose claim expired cannot drop its successor's claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisClaimer keeps claims as expiring Redis keys, for deployments where
// several processes share one database.
type RedisClaimer struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClaimer connects to addr and verifies the connection.
func NewRedisClaimer(ctx context.Context, addr string) (*RedisClaimer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisClaimer{rdb: rdb, prefix: "finpilot:claim:"}, nil
}

func (c *RedisClaimer) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{c.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (c *RedisClaimer) Close() error {
	return c.rdb.Close()
}

// NewClaimer builds the claimer selected by cfg.Backend. The returned close
// function is never nil.
func NewClaimer(ctx context.Context, cfg config.Lock, db *database.DB) (Claimer, func() error, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLiteClaimer(db), func() error { return nil }, nil
	case "redis":
		c, err := NewRedisClaimer(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
