package redis

import (
	"context"
	"errors"
	"time"

	"github.com/gidyon/sessionsync"
	"github.com/go-redis/redis/v8"
)

// NewIDKeeper persists a client session id under key. A zero ttl keeps it forever.
func NewIDKeeper(cc *redis.Client, key string, ttl time.Duration) sessionsync.IDKeeper {
	return &idKeeper{cc: cc, key: key, ttl: ttl}
}

type idKeeper struct {
	cc  *redis.Client
	key string
	ttl time.Duration
}

func (k *idKeeper) LoadID(ctx context.Context) (string, error) {
	res, err := k.cc.Get(ctx, k.key).Result()
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, redis.Nil):
		return "", nil
	default:
		return "", err
	}
}

func (k *idKeeper) SaveID(ctx context.Context, id string) error {
	return k.cc.Set(ctx, k.key, id, k.ttl).Err()
}
