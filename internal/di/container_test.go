package di

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/money"
	"github.com/harvest-market/api/internal/platform/config"
	"github.com/harvest-market/api/internal/repositories/memory"
)

type staticVerifier struct{}

func (staticVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	return &firebaseauth.Token{UID: token, Claims: map[string]any{"email": token + "@example.com"}}, nil
}

func testConfig() config.Config {
	return config.Config{
		Storage: config.StorageConfig{Driver: config.StorageDriverMemory},
		PSP: config.PSPConfig{
			DefaultProvider:   "paystack",
			Timeout:           time.Second,
			BreakerThreshold:  3,
			BreakerCooldown:   time.Second,
			PaystackSecretKey: "sk_test_container",
			PaystackBaseURL:   "http://127.0.0.1:1",
		},
		Checkout: config.CheckoutConfig{
			CallbackURL:     "https://shop.example.com/payment/callback",
			DefaultCurrency: "NGN",
			OrderPrefix:     "HM",
			SweepAge:        15 * time.Minute,
			SweepLimit:      10,
		},
		Webhooks:   config.WebhookConfig{MaxBodyBytes: 1 << 16},
		RateLimits: config.RateLimitConfig{DefaultPerMinute: 100, AuthenticatedPerMinute: 100, WebhookPerMinute: 100},
		Security:   config.SecurityConfig{Environment: "test", AdminRole: "admin"},
		Idempotency: config.IdempotencyConfig{
			Header:           "Idempotency-Key",
			TTL:              time.Hour,
			CleanupInterval:  time.Hour,
			CleanupBatchSize: 10,
		},
	}
}

func TestNewContainerMemoryDriverServesRouter(t *testing.T) {
	reg := memory.NewRegistry()
	reg.PutProduct(domain.Product{
		ID:     "prod_yam",
		Name:   "Yam tuber",
		Price:  money.MustParse("1500", "NGN"),
		Stock:  10,
		Active: true,
	})

	ctx := context.Background()
	container, err := NewContainer(ctx, testConfig(),
		WithRegistry(reg),
		WithTokenVerifier(staticVerifier{}),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	container.StartBackground(ctx)
	defer func() {
		if err := container.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	if container.Build.Environment != "test" {
		t.Fatalf("expected environment from security config, got %q", container.Build.Environment)
	}
	router := container.Router()

	serve := func(method, path, token, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := serve(http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	if rr := serve(http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := serve(http.MethodGet, "/cart", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("cart without token: expected 401, got %d", rr.Code)
	}

	rr := serve(http.MethodPost, "/cart-items", "buyer-1", `{"product_id":"prod_yam","quantity":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Cart struct {
			UserID string `json:"user_id"`
			Items  []struct {
				ProductID string `json:"product_id"`
				Quantity  int    `json:"quantity"`
			} `json:"items"`
		} `json:"cart"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if body.Cart.UserID != "buyer-1" || len(body.Cart.Items) != 1 || body.Cart.Items[0].Quantity != 2 {
		t.Fatalf("unexpected cart %+v", body.Cart)
	}

	if rr := serve(http.MethodGet, "/admin/orders", "buyer-1", ""); rr.Code != http.StatusForbidden {
		t.Fatalf("admin listing for buyer: expected 403, got %d", rr.Code)
	}

	rr = serve(http.MethodPost, "/webhooks/payments/paystack", "", `{"event":"charge.success","data":{"reference":"ref"}}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook: expected 401, got %d", rr.Code)
	}
}

func TestNewContainerRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Driver = "bolt"
	if _, err := NewContainer(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown storage driver")
	}
}

func TestNewContainerRequiresPaymentProvider(t *testing.T) {
	cfg := testConfig()
	cfg.PSP.PaystackSecretKey = ""
	if _, err := NewContainer(context.Background(), cfg, WithTokenVerifier(staticVerifier{})); err == nil {
		t.Fatalf("expected error without a payment provider")
	}
}
