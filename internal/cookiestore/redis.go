package cookiestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/contracts"
)

// DefaultRedisPrefix namespaces the keys of a RedisStore.
const DefaultRedisPrefix = "netstore"

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when the store is closed. Optional.
	ClientCloser io.Closer

	// Prefix namespaces keys. Defaults to DefaultRedisPrefix.
	Prefix string
}

// NewRedisStore returns a Store keeping one Redis hash per domain key, at
// "<prefix>:cookie:<key>". Fields are the JSON array [name, domain, path] and
// values are snappy-compressed JSON.
func NewRedisStore(ropts RedisOptions, opts Options) (*Store, error) {
	if ropts.Client == nil {
		return nil, fmt.Errorf("%w: nil redis client", core.ErrInvalidArgument)
	}
	if ropts.Prefix == "" {
		ropts.Prefix = DefaultRedisPrefix
	}
	opts.applyDefaults()
	return newStore(&redisBackend{
		client:    ropts.Client,
		closer:    ropts.ClientCloser,
		prefix:    ropts.Prefix,
		domainKey: opts.DomainKey,
	}, opts), nil
}

type redisBackend struct {
	client    redis.Cmdable
	closer    io.Closer
	prefix    string
	domainKey contracts.DomainKeyFunc
}

func (r *redisBackend) hashKey(key string) string {
	return r.prefix + ":cookie:" + key
}

// fieldOf names the hash field of c. Any byte may appear in a cookie name, so
// the parts are JSON-quoted rather than joined.
func fieldOf(c *core.CanonicalCookie) string {
	b, _ := json.Marshal([3]string{c.Name, c.Domain, c.Path})
	return string(b)
}

func encodeCookie(c *core.CanonicalCookie) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func decodeCookie(b []byte) (*core.CanonicalCookie, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFormatInvalid, err)
	}
	var c core.CanonicalCookie
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFormatInvalid, err)
	}
	return &c, nil
}

// hashKeys lists every cookie hash under the prefix.
func (r *redisBackend) hashKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.hashKey("*"), 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cookie keys: %w", err)
	}
	return keys, nil
}

// readHashes fetches the given hashes in one pipeline.
func (r *redisBackend) readHashes(ctx context.Context, keys []string) (map[string]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read cookie hashes: %w", err)
	}
	out := make(map[string]map[string]string, len(keys))
	for i, k := range keys {
		out[k] = cmds[i].Val()
	}
	return out, nil
}

// decodeHash decodes one hash, returning the fields that did not decode.
func decodeHash(fields map[string]string) ([]*core.CanonicalCookie, []string) {
	var (
		cs  []*core.CanonicalCookie
		bad []string
	)
	for field, v := range fields {
		c, err := decodeCookie([]byte(v))
		if err != nil {
			bad = append(bad, field)
			continue
		}
		cs = append(cs, c)
	}
	return cs, bad
}

func (r *redisBackend) loadAll(ctx context.Context) ([]*core.CanonicalCookie, error) {
	keys, err := r.hashKeys(ctx)
	if err != nil {
		return nil, err
	}
	hashes, err := r.readHashes(ctx, keys)
	if err != nil {
		return nil, err
	}
	var out []*core.CanonicalCookie
	for k, fields := range hashes {
		cs, bad := decodeHash(fields)
		out = append(out, cs...)
		r.dropFields(ctx, k, bad)
	}
	return out, nil
}

func (r *redisBackend) loadKey(ctx context.Context, key string) ([]*core.CanonicalCookie, error) {
	hk := r.hashKey(key)
	fields, err := r.client.HGetAll(ctx, hk).Result()
	if err != nil {
		return nil, fmt.Errorf("read cookie hash: %w", err)
	}
	cs, bad := decodeHash(fields)
	r.dropFields(ctx, hk, bad)
	return cs, nil
}

// dropFields removes undecodable values so they are not read again.
func (r *redisBackend) dropFields(ctx context.Context, hk string, fields []string) {
	if len(fields) > 0 {
		r.client.HDel(ctx, hk, fields...)
	}
}

func (r *redisBackend) commit(ctx context.Context, ops []op) error {
	pipe := r.client.Pipeline()
	for _, o := range ops {
		hk := r.hashKey(r.domainKey(o.cookie.DomainWithoutDot()))
		field := fieldOf(o.cookie)
		switch o.kind {
		case opAdd, opUpdateAccess:
			// The jar sends the full cookie on access updates, so both are a
			// plain overwrite.
			v, err := encodeCookie(o.cookie)
			if err != nil {
				return fmt.Errorf("encode cookie: %w", err)
			}
			pipe.HSet(ctx, hk, field, v)
		case opDelete:
			pipe.HDel(ctx, hk, field)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis commit: %v", core.ErrIO, err)
	}
	return nil
}

func (r *redisBackend) purgeSession(ctx context.Context) error {
	keys, err := r.hashKeys(ctx)
	if err != nil {
		return err
	}
	hashes, err := r.readHashes(ctx, keys)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	n := 0
	for k, fields := range hashes {
		for field, v := range fields {
			c, err := decodeCookie([]byte(v))
			if err == nil && c.IsPersistent() {
				continue
			}
			pipe.HDel(ctx, k, field)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: purge session cookies: %v", core.ErrIO, err)
	}
	return nil
}

func (r *redisBackend) close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
