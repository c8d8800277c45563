package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gridserve/gridserve/core/logx"
)

const redisKeyPrefix = "gridserve:apikey:"

// RedisStore is a KeyStore backed by Redis so several gridserve instances can
// share one key set. Secrets are stored as <prefix><secret> -> id.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the given Redis URL and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: c}, nil
}

func (s *RedisStore) Validate(ctx context.Context, key string) (string, bool) {
	id, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			logx.Log.Warn().Err(err).Msg("redis key lookup failed")
		}
		return "", false
	}
	return id, true
}

// Seed writes the given id -> secret pairs, e.g. keys from the config file.
// Existing entries are left untouched.
func (s *RedisStore) Seed(ctx context.Context, keys map[string]string) error {
	for id, key := range keys {
		if key == "" {
			continue
		}
		if err := s.client.SetNX(ctx, redisKeyPrefix+key, id, 0).Err(); err != nil {
			return fmt.Errorf("seed key %s: %w", id, err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

// parseRedisURL parses addr into UniversalOptions supporting single and
// sentinel Redis deployments. If no scheme is present, addr is treated as a
// plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %w", err)
			}
			opts.DB = db
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	case "redis-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if v := u.Query().Get("db"); v != "" {
			db, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %w", err)
			}
			opts.DB = db
		}
	default:
		return nil, fmt.Errorf("redis: unsupported scheme %q", u.Scheme)
	}
	return opts, nil
}
