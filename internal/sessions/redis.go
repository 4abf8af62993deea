package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

const redisKeyPrefix = "cupo:session:"

// Redis is the Store used when REDIS_URL is configured. GETEX slides
// the TTL on reads; SET ... EX resets it on writes.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func redisKey(companyID, user string) string {
	return redisKeyPrefix + sessionKey(companyID, user)
}

func (r *Redis) Get(ctx context.Context, companyID, user string) (*models.Conversation, error) {
	data, err := r.client.GetEx(ctx, redisKey(companyID, user), r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: redis get: %w", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("sessions: decode %s:%s: %w", companyID, user, err)
	}
	return &conv, nil
}

func (r *Redis) Put(ctx context.Context, companyID, user string, conv *models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("sessions: encode: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(companyID, user), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("sessions: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, companyID, user string) error {
	if err := r.client.Del(ctx, redisKey(companyID, user)).Err(); err != nil {
		return fmt.Errorf("sessions: redis del: %w", err)
	}
	return nil
}

func (r *Redis) ListByCompany(ctx context.Context, companyID string) ([]models.Conversation, error) {
	var convs []models.Conversation

	iter := r.client.Scan(ctx, 0, redisKeyPrefix+companyID+":*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("sessions: redis get %s: %w", iter.Val(), err)
		}
		var conv models.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("sessions: decode %s: %w", iter.Val(), err)
		}
		convs = append(convs, conv)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("sessions: redis scan: %w", err)
	}
	return convs, nil
}
