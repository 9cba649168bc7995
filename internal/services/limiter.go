package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stepgate/backend/internal/models"
)

// CooldownLimiter enforces the per-(session,factor) challenge
// re-issuance cooldown with Redis SETNX keys. The key's TTL is the
// cooldown itself, so state expires on its own.
type CooldownLimiter struct {
	redis  redis.UniversalClient
	prefix string
}

func NewCooldownLimiter(redisClient redis.UniversalClient, prefix string) *CooldownLimiter {
	if prefix == "" {
		prefix = "sg:cooldown"
	}
	return &CooldownLimiter{redis: redisClient, prefix: prefix}
}

func (l *CooldownLimiter) key(sessionID uuid.UUID, factor models.FactorType) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, sessionID, factor)
}

// Reserve claims the cooldown slot for one issuance. Returns
// ErrRateLimited while a previous reservation is still live.
func (l *CooldownLimiter) Reserve(ctx context.Context, sessionID uuid.UUID, factor models.FactorType, cooldown time.Duration) error {
	if cooldown <= 0 {
		return nil
	}

	ok, err := l.redis.SetNX(ctx, l.key(sessionID, factor), 1, cooldown).Result()
	if err != nil {
		return fmt.Errorf("cooldown backend: %w", err)
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}
