package settings

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/subrelay/core/logx"
)

// RedisKey is the hash holding every setting, one JSON value per field.
const RedisKey = "subrelay:settings"

// Redis is a Store backed by a Redis hash.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedis connects to addr and seeds missing defaults. addr is either a
// host:port or a redis://, rediss://, redis-sentinel:// or rediss-sentinel://
// URL; comma-separated hosts select cluster mode.
func NewRedis(ctx context.Context, addr string, defaults map[string]any) (*Redis, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("settings: redis ping: %w", err)
	}
	r := &Redis{client: c, key: RedisKey}
	for k, v := range defaults {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if err := c.HSetNX(ctx, r.key, k, b).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("settings: seed %s: %w", k, err)
		}
	}
	return r, nil
}

func (r *Redis) Get(ctx context.Context, keys ...string) (map[string]any, error) {
	out := map[string]any{}
	if len(keys) == 0 {
		all, err := r.client.HGetAll(ctx, r.key).Result()
		if err != nil {
			return nil, err
		}
		for k, raw := range all {
			r.decodeInto(out, k, raw)
		}
		return out, nil
	}
	vals, err := r.client.HMGet(ctx, r.key, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if raw, ok := v.(string); ok {
			r.decodeInto(out, keys[i], raw)
		}
	}
	return out, nil
}

func (r *Redis) decodeInto(out map[string]any, key, raw string) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		logx.Log.Warn().Str("key", key).Err(err).Msg("skip undecodable setting")
		return
	}
	out[key] = v
}

func (r *Redis) Set(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	fields := make([]any, 0, len(values)*2)
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("settings: encode %s: %w", k, err)
		}
		fields = append(fields, k, string(b))
	}
	return r.client.HSet(ctx, r.key, fields...).Err()
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }

func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	q := u.Query()
	secure := strings.HasPrefix(u.Scheme, "rediss")

	switch u.Scheme {
	case "redis", "rediss":
		db := strings.TrimPrefix(u.Path, "/")
		if db == "" {
			db = q.Get("db")
		}
		if opts.DB, err = parseDB(db); err != nil {
			return nil, err
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if opts.DB, err = parseDB(q.Get("db")); err != nil {
			return nil, err
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if secure {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func parseDB(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	db, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("redis: invalid db: %v", err)
	}
	return db, nil
}
