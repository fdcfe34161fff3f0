package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/redis/go-redis/v9"
)

type Redis struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = redisx.TTLStage
	}
	return &Redis{Client: client, TTL: ttl}
}

func redisKey(invoiceID string) string { return fmt.Sprintf(redisx.KeyPendingOrder, invoiceID) }

func (s *Redis) Put(ctx context.Context, p *PendingOrder) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending order: %w", err)
	}
	if err := s.Client.Set(ctx, redisKey(p.InvoiceID), b, s.TTL).Err(); err != nil {
		return fmt.Errorf("set pending order in redis: %w", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, invoiceID string) (*PendingOrder, error) {
	val, err := s.Client.Get(ctx, redisKey(invoiceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStageMissing
	}
	if err != nil {
		return nil, fmt.Errorf("get pending order from redis: %w", err)
	}
	var p PendingOrder
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending order: %w", err)
	}
	return &p, nil
}

func (s *Redis) Delete(ctx context.Context, invoiceID string) error {
	if err := s.Client.Del(ctx, redisKey(invoiceID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete pending order from redis: %w", err)
	}
	return nil
}
