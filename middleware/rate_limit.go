package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"leadflow/config"
	"leadflow/utils"
)

// AutomationRateLimiter bounds manual automation triggers per client and
// endpoint. Counters live in Redis when it is enabled so every instance
// shares them.
func AutomationRateLimiter(max int, redisCfg config.RedisConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			scope := Scope(c)
			return fmt.Sprintf("ratelimit:automation:%d:%d:%s", scope.OrganizationID, scope.ClientID, c.Path())
		},
		LimitReached: func(c *fiber.Ctx) error {
			scope := Scope(c)
			utils.LogEvent("rate_limit_hit", map[string]interface{}{
				"organization_id": scope.OrganizationID,
				"client_id":       scope.ClientID,
				"user_id":         UserID(c),
				"endpoint":        c.Path(),
				"ip":              c.IP(),
			})
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Too many automation runs. Please wait before triggering again.",
				"retry_after": "1 minute",
			})
		},
		Storage: rateLimitStorage(redisCfg),
	})
}

// rateLimitStorage returns nil (fiber's in-memory store) unless Redis is enabled.
func rateLimitStorage(cfg config.RedisConfig) fiber.Storage {
	if cfg.Enabled {
		return NewRedisStorage(cfg)
	}
	return nil
}

// RedisStorage implements fiber.Storage for Redis
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(cfg config.RedisConfig) *RedisStorage {
	return &RedisStorage{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if len(key) == 0 || len(val) == 0 {
		return nil
	}
	return r.client.Set(context.Background(), key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

func (r *RedisStorage) Reset() error {
	return r.client.FlushDB(context.Background()).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
