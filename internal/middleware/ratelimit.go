package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Gateway event limits (per IP). The gateway relays every community message.
	GatewayMax        int
	GatewayExpiration time.Duration

	// Operator endpoint limits (per operator ID)
	OperatorMax        int
	OperatorExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Gateway: 1200/min = 20 events/sec
		GatewayMax:        1200,
		GatewayExpiration: 1 * time.Minute,

		// Operators: 60/min = 1 req/sec average
		OperatorMax:        60,
		OperatorExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_GATEWAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GatewayMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_OPERATOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.OperatorMax = n
		}
	}

	return config
}

// GatewayRateLimiter limits event submissions per source IP
func GatewayRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GatewayMax,
		Expiration: config.GatewayExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "gateway:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Gateway limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many events. Please slow down.",
				"retry_after": int(config.GatewayExpiration.Seconds()),
			})
		},
	})
}

// OperatorRateLimiter limits operator requests (uses operator ID)
func OperatorRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.OperatorMax,
		Expiration: config.OperatorExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := OperatorID(c); id != "" {
				return "operator:" + id
			}
			return "operator-ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Operator limit reached for: %s on %s", OperatorID(c), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please wait before trying again.",
				"retry_after": int(config.OperatorExpiration.Seconds()),
			})
		},
	})
}
