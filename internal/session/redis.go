package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session records in Redis as JSON values with a TTL. Each
// user also gets a set of session ids for bulk operations, and revocations
// leave a marker key that outlives the record.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	revokedTTL time.Duration
}

// revokeScript marks the record revoked and drops a marker in one atomic
// step, so a reader racing the revoke sees one state or the other, never a
// half-applied record.
var revokeScript = redis.NewScript(`
local rec = redis.call('GET', KEYS[1])
if rec then
  local obj = cjson.decode(rec)
  obj.revoked = true
  local ttl = redis.call('TTL', KEYS[1])
  if ttl > 0 then
    redis.call('SET', KEYS[1], cjson.encode(obj), 'EX', ttl)
  else
    redis.call('SET', KEYS[1], cjson.encode(obj))
  end
end
redis.call('SET', KEYS[2], '1', 'EX', tonumber(ARGV[1]))
return 1
`)

// NewRedisStore wraps an existing client. The prefix namespaces all keys,
// typically "sess:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sess:"
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		revokedTTL: 24 * time.Hour,
	}
}

func (s *RedisStore) recordKey(id string) string  { return s.prefix + id }
func (s *RedisStore) revokedKey(id string) string { return s.prefix + "revoked:" + id }
func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session decode %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, ttl)
	pipe.SAdd(ctx, s.userKey(rec.UserID), rec.ID)
	pipe.Expire(ctx, s.userKey(rec.UserID), ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	err := revokeScript.Run(ctx, s.client,
		[]string{s.recordKey(id), s.revokedKey(id)},
		int(s.revokedTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("session revoke: %w", err)
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil || rec == nil {
		return err
	}
	rec.LastAccess = at
	ttl := rec.TTL(at)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.recordKey(id), data, ttl).Err()
}

func (s *RedisStore) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, s.recordKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("session list: %w", err)
		}
		if exists > 0 {
			live = append(live, id)
		} else {
			s.client.SRem(ctx, s.userKey(userID), id)
		}
	}
	return live, nil
}

func (s *RedisStore) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	ids, err := s.ListUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Revoke(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.revokedKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("session revocation check: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
