package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// casScript swaps a request body only while its decision matches.
// KEYS[1] = request hash, KEYS[2] = pending set
// ARGV[1] = expected decision, ARGV[2] = next decision, ARGV[3] = next body, ARGV[4] = request id
var casScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "decision")
if not current then
    return {-1, ""}
end
if current ~= ARGV[1] then
    return {0, redis.call("HGET", KEYS[1], "body")}
end
redis.call("HSET", KEYS[1], "decision", ARGV[2], "body", ARGV[3])
if ARGV[2] ~= "pending" then
    redis.call("SREM", KEYS[2], ARGV[4])
end
return {1, ARGV[3]}
`)

// createScript inserts a request unless the id is taken.
// KEYS[1] = request hash, KEYS[2] = pending set
// ARGV[1] = decision, ARGV[2] = body, ARGV[3] = request id
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "decision", ARGV[1], "body", ARGV[2])
if ARGV[1] == "pending" then
    redis.call("SADD", KEYS[2], ARGV[3])
end
return 1
`)

// RedisStore shares requests between forge processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "forge"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("approval: redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(id string) string { return s.prefix + ":approval:" + id }

func (s *RedisStore) pendingKey() string { return s.prefix + ":approvals:pending" }

func (s *RedisStore) Create(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("approval: encode %s: %w", req.ID, err)
	}
	created, err := createScript.Run(ctx, s.client,
		[]string{s.key(req.ID), s.pendingKey()},
		string(req.Decision), string(body), req.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("approval: create %s: %w", req.ID, err)
	}
	if created == 0 {
		return fmt.Errorf("approval: request %s already exists", req.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Request, error) {
	body, err := s.client.HGet(ctx, s.key(id), "body").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Request{}, fmt.Errorf("approval: get %s: %w", id, err)
	}
	return decodeRequest(id, body)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expected Decision, next Request) (Request, bool, error) {
	body, err := json.Marshal(next)
	if err != nil {
		return Request{}, false, fmt.Errorf("approval: encode %s: %w", next.ID, err)
	}
	res, err := casScript.Run(ctx, s.client,
		[]string{s.key(next.ID), s.pendingKey()},
		string(expected), string(next.Decision), string(body), next.ID,
	).Slice()
	if err != nil {
		return Request{}, false, fmt.Errorf("approval: compare-and-swap %s: %w", next.ID, err)
	}
	if len(res) != 2 {
		return Request{}, false, fmt.Errorf("approval: unexpected script reply for %s", next.ID)
	}
	status, _ := res[0].(int64)
	stored, _ := res[1].(string)
	switch status {
	case -1:
		return Request{}, false, fmt.Errorf("%w: %s", ErrNotFound, next.ID)
	case 1:
		return next, true, nil
	}
	current, err := decodeRequest(next.ID, []byte(stored))
	return current, false, err
}

func (s *RedisStore) Pending(ctx context.Context) ([]Request, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	out := make([]Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Decision == DecisionPending {
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out, nil
}

func decodeRequest(id string, body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("approval: decode %s: %w", id, err)
	}
	return req, nil
}
