package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript executa leitura, reset ou incremento da janela num único passo atômico no Redis.
// ARGV: now (ms), window (ms), max. Retorno: {allowed, start_ms, count}
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local raw = redis.call('HMGET', KEYS[1], 'start', 'count')
local start = nil
local count = nil
if raw[1] then start = tonumber(raw[1]) end
if raw[2] then count = tonumber(raw[2]) end
if start == nil or count == nil or now - start >= window then
  redis.call('HSET', KEYS[1], 'start', ARGV[1], 'count', 1)
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, now, 1}
end
if count < max then
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {1, start, count}
end
return {0, start, count}
`)

// RedisStore guarda as janelas como hashes com TTL igual ao tamanho da janela
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
}

func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "ratelimit"}
}

func (s *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, k.Endpoint, k.ClientIP)
}

func (s *RedisStore) Hit(ctx context.Context, key Key, max int, window time.Duration, now time.Time) (Window, bool, error) {
	res, err := hitScript.Run(ctx, s.rdb, []string{s.key(key)}, now.UnixMilli(), window.Milliseconds(), max).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("ratelimit redis hit: %w", err)
	}
	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("ratelimit redis hit: unexpected reply %v", res)
	}
	return Window{Start: time.UnixMilli(res[1]).UTC(), Count: int(res[2])}, res[0] == 1, nil
}
