package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"TokenVault/internal/port"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "tokenvault:"
	reservationKey     = "res:"
	requestKey         = "req:"
	expiryKey          = "expiry:"

	// orphanTTL bounds how long keys of an instance that died outlive their
	// reservation's expiry.
	orphanTTL = RequestClaimTTL
)

// takeScript removes a reservation owned by ARGV[2] and its expiry entry in
// one step and returns the payload, or nil when it is gone or owned by
// another instance.
var takeScript = redis.NewScript(`
local payload = redis.call('GET', KEYS[1])
if not payload then
	return false
end
if cjson.decode(payload)['instance'] ~= ARGV[2] then
	return false
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return payload
`)

// RedisStore keeps reservations in Redis. Several TokenVault instances
// serving one party share request-id idempotency through it, so a retried
// request is recognised whichever instance it reaches. Token locks live in
// each instance's own index, so a reservation is only taken, expired and
// counted by the instance that made it; its keys expire on their own if that
// instance dies.
//
// Layout (under prefix):
//
//	req:{request_id}    -> reservation id, SETNX with RequestClaimTTL
//	res:{id}            -> JSON reservation
//	expiry:{instance}   -> ZSET of ids scored by ExpiresAt (unix ms)
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) reqKey(requestID string) string { return s.prefix + requestKey + requestID }
func (s *RedisStore) resKey(id uuid.UUID) string     { return s.prefix + reservationKey + id.String() }
func (s *RedisStore) expKey(instance string) string  { return s.prefix + expiryKey + instance }

func (s *RedisStore) ClaimRequest(ctx context.Context, requestID string, id uuid.UUID) (uuid.UUID, error) {
	ok, err := s.client.SetNX(ctx, s.reqKey(requestID), id.String(), RequestClaimTTL).Result()
	if err != nil {
		return uuid.Nil, err
	}
	if ok {
		return id, nil
	}

	existing, err := s.client.Get(ctx, s.reqKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; claim again.
		return s.ClaimRequest(ctx, requestID, id)
	}
	if err != nil {
		return uuid.Nil, err
	}
	prev, err := uuid.Parse(existing)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt request claim %q: %w", requestID, err)
	}
	return prev, port.ErrRequestSeen
}

func (s *RedisStore) ForgetRequest(ctx context.Context, requestID string) error {
	return s.client.Del(ctx, s.reqKey(requestID)).Err()
}

func (s *RedisStore) Put(ctx context.Context, r *port.Reservation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	keep := time.Until(r.ExpiresAt) + orphanTTL
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.resKey(r.ID), data, keep)
		pipe.ZAdd(ctx, s.expKey(r.Instance), redis.Z{
			Score:  float64(r.ExpiresAt.UnixMilli()),
			Member: r.ID.String(),
		})
		pipe.Expire(ctx, s.expKey(r.Instance), keep)
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*port.Reservation, error) {
	data, err := s.client.Get(ctx, s.resKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, port.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeReservation(data)
}

func (s *RedisStore) Take(ctx context.Context, instance string, id uuid.UUID) (*port.Reservation, error) {
	data, err := takeScript.Run(ctx, s.client, []string{s.resKey(id), s.expKey(instance)}, id.String(), instance).Text()
	if errors.Is(err, redis.Nil) {
		return nil, port.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeReservation([]byte(data))
}

func (s *RedisStore) Expired(ctx context.Context, instance string, now time.Time, limit int) ([]uuid.UUID, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.expKey(instance), opt).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			// Unparseable members can never be taken; drop them.
			s.client.ZRem(ctx, s.expKey(instance), m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) Count(ctx context.Context, instance string) (int, error) {
	n, err := s.client.ZCard(ctx, s.expKey(instance)).Result()
	return int(n), err
}

func decodeReservation(data []byte) (*port.Reservation, error) {
	var r port.Reservation
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode reservation: %w", err)
	}
	return &r, nil
}
