package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"crisiswatch/pkg/auth"
)

func operatorApp(jwtAuth *auth.OperatorAuth, env string) *fiber.App {
	app := fiber.New()
	app.Get("/ops", OperatorAuthMiddleware(jwtAuth, env), func(c *fiber.Ctx) error {
		return c.SendString(OperatorID(c))
	})
	app.Get("/admin", OperatorAuthMiddleware(jwtAuth, env), RequireRole(auth.RoleAdmin), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestOperatorAuthMiddleware(t *testing.T) {
	jwtAuth, _ := auth.NewOperatorAuth(strings.Repeat("s", 32), time.Hour)
	app := operatorApp(jwtAuth, "production")
	token, _ := jwtAuth.IssueToken("op-1", "Sam", auth.RoleOperator)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"missing token", "/ops", "", fiber.StatusUnauthorized},
		{"bad token", "/ops", "Bearer nope", fiber.StatusUnauthorized},
		{"valid token", "/ops", "Bearer " + token, fiber.StatusOK},
		{"operator on admin route", "/admin", "Bearer " + token, fiber.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestOperatorAuthWithoutSecret(t *testing.T) {
	resp, _ := operatorApp(nil, "development").Test(httptest.NewRequest("GET", "/admin", nil))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("development should bypass auth, got %d", resp.StatusCode)
	}
	resp, _ = operatorApp(nil, "production").Test(httptest.NewRequest("GET", "/ops", nil))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Errorf("production must never bypass auth, got %d", resp.StatusCode)
	}
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Post("/events", GatewayAuth("secret-token", "production"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	req := httptest.NewRequest("POST", "/events", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("missing token should be rejected, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest("POST", "/events", nil)
	req.Header.Set("X-Gateway-Token", "secret-token")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Errorf("valid token should pass, got %d", resp.StatusCode)
	}
}

func TestOperatorRateLimiter(t *testing.T) {
	app := fiber.New()
	cfg := &RateLimitConfig{OperatorMax: 2, OperatorExpiration: time.Minute}
	app.Get("/ops", OperatorAuthMiddleware(nil, "development"), OperatorRateLimiter(cfg), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	var last int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/ops", nil))
		if err != nil {
			t.Fatal(err)
		}
		last = resp.StatusCode
	}
	if last != fiber.StatusTooManyRequests {
		t.Errorf("third request should be limited, got %d", last)
	}
}
