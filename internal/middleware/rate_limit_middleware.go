package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// RateLimitConfig содержит настройки rate limiting
type RateLimitConfig struct {
	// MaxRequests - максимальное количество запросов за Window
	MaxRequests int
	// Window - временное окно для подсчёта запросов
	Window time.Duration
	// KeyPrefix - префикс для ключей в Redis
	KeyPrefix string
}

// DefaultPublicRateLimitConfig - общий лимит на публичные маршруты
func DefaultPublicRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 120,
		Window:      1 * time.Minute,
		KeyPrefix:   "rl:public",
	}
}

// SuffixRateLimitConfig - строгий лимит на ввод суффикса (перебор 10 000 вариантов)
func SuffixRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 10,
		Window:      10 * time.Minute,
		KeyPrefix:   "rl:claim:suffix",
	}
}

// CodeRateLimitConfig - лимит на проверку кодов
func CodeRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 10,
		Window:      5 * time.Minute,
		KeyPrefix:   "rl:claim:code",
	}
}

// RateCounter считает запросы в фиксированном окне
type RateCounter interface {
	// Hit увеличивает счетчик key и возвращает новое значение и оставшееся время окна
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RedisRateCounter - счетчик на INCR/EXPIRE в Redis
type RedisRateCounter struct {
	client redis.UniversalClient
}

// NewRedisRateCounter создает счетчик поверх клиента Redis
func NewRedisRateCounter(client redis.UniversalClient) *RedisRateCounter {
	return &RedisRateCounter{client: client}
}

// Hit реализует RateCounter
func (r *RedisRateCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	// Если это первый запрос в окне - устанавливаем TTL
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			log.Printf("[RateLimiter] Failed to set TTL for key %s: %v", key, err)
		}
	}
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return count, ttl, nil
}

// RateLimiter создаёт middleware для rate limiting
type RateLimiter struct {
	counter RateCounter
}

// NewRateLimiter создает новый RateLimiter
func NewRateLimiter(counter RateCounter) *RateLimiter {
	return &RateLimiter{counter: counter}
}

// Limit ограничивает запросы по IP + route pattern
func (rl *RateLimiter) Limit(cfg RateLimitConfig) gin.HandlerFunc {
	return rl.limit(cfg, func(c *gin.Context) string {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		return fmt.Sprintf("%s:%s:%s", cfg.KeyPrefix, c.ClientIP(), path)
	})
}

// LimitByIP ограничивает количество запросов по IP (без привязки к path)
func (rl *RateLimiter) LimitByIP(cfg RateLimitConfig) gin.HandlerFunc {
	return rl.limit(cfg, func(c *gin.Context) string {
		return fmt.Sprintf("%s:%s", cfg.KeyPrefix, c.ClientIP())
	})
}

// LimitByVisitor ограничивает запросы посетителя; должен стоять после Visitor().
// Без ID посетителя используется IP.
func (rl *RateLimiter) LimitByVisitor(cfg RateLimitConfig) gin.HandlerFunc {
	return rl.limit(cfg, func(c *gin.Context) string {
		if id := VisitorID(c); id != "" {
			return fmt.Sprintf("%s:v:%s", cfg.KeyPrefix, id)
		}
		return fmt.Sprintf("%s:ip:%s", cfg.KeyPrefix, c.ClientIP())
	})
}

func (rl *RateLimiter) limit(cfg RateLimitConfig, keyFunc func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		count, ttl, err := rl.counter.Hit(ctx, key, cfg.Window)
		if err != nil {
			// При ошибке Redis пропускаем запрос (fail-open), но логируем
			log.Printf("[RateLimiter] Redis error for key %s: %v. Allowing request (fail-open).", key, err)
			c.Next()
			return
		}

		remaining := cfg.MaxRequests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		retryAfter := int((ttl + time.Second - 1) / time.Second)
		if retryAfter <= 0 {
			retryAfter = int(cfg.Window.Seconds())
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.MaxRequests))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", retryAfter))

		if int(count) > cfg.MaxRequests {
			log.Printf("[RateLimiter] Rate limit exceeded for key=%s. Count=%d, Limit=%d", key, count, cfg.MaxRequests)

			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests. Please try again later.",
				"error_type":  "rate_limited",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
