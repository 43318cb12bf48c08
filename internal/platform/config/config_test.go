package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID":     "harvest-dev",
		"API_PSP_PAYSTACK_SECRET_KEY": "sk_test_paystack",
		"API_CHECKOUT_CALLBACK_URL":   "https://api.harvest.test/payment/callback",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "harvest-dev" || cfg.PubSub.ProjectID != "harvest-dev" {
		t.Errorf("expected firestore and pubsub project to default to firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Storage.Driver != StorageDriverFirestore {
		t.Errorf("expected firestore driver, got %s", cfg.Storage.Driver)
	}
	if cfg.PSP.DefaultProvider != "paystack" || cfg.PSP.Timeout != 10*time.Second {
		t.Errorf("unexpected psp defaults %+v", cfg.PSP)
	}
	if got := cfg.PSP.Providers(); !slices.Equal(got, []string{"paystack"}) {
		t.Errorf("unexpected providers %v", got)
	}
	if cfg.Checkout.DefaultCurrency != "NGN" || cfg.Checkout.OrderPrefix != "HM" {
		t.Errorf("unexpected checkout defaults %+v", cfg.Checkout)
	}
	if cfg.Checkout.SweepAge != 15*time.Minute || cfg.Checkout.SweepLimit != 50 {
		t.Errorf("unexpected sweep defaults %+v", cfg.Checkout)
	}
	if cfg.PubSub.OrderEventsTopic != "order-events" {
		t.Errorf("unexpected topic %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.Security.Environment != "local" || cfg.Security.AdminRole != "admin" {
		t.Errorf("unexpected security defaults %+v", cfg.Security)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Webhooks.MaxBodyBytes != 1<<20 {
		t.Errorf("unexpected webhook body limit %d", cfg.Webhooks.MaxBodyBytes)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":               "9090",
		"API_SERVER_IDLE_TIMEOUT":       "2m",
		"API_BUILD_VERSION":             "1.4.0",
		"API_FIREBASE_PROJECT_ID":       "harvest-prod",
		"API_FIRESTORE_PROJECT_ID":      "harvest-data",
		"API_PSP_DEFAULT_PROVIDER":      "Stripe",
		"API_PSP_CURRENCY_ROUTES":       "ngn=paystack,usd=STRIPE",
		"API_PSP_TIMEOUT":               "4s",
		"API_PSP_PAYSTACK_SECRET_KEY":   "secret://paystack/secret",
		"API_PSP_STRIPE_API_KEY":        "sm://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "secret://stripe/webhook",
		"API_CHECKOUT_CALLBACK_URL":     "https://api.harvest.market/payment/callback",
		"API_CHECKOUT_ORDER_PREFIX":     "hx",
		"API_CHECKOUT_SWEEP_LIMIT":      "75",
		"API_PUBSUB_ORDER_EVENTS_TOPIC": "orders-prod",
		"API_RATELIMIT_WEBHOOK_PER_MIN": "900",
		"API_SECURITY_ENVIRONMENT":      "PROD",
		"API_SECURITY_OIDC_AUDIENCES":   "prod=https://api.harvest.market,stg=https://stg.harvest.market",
		"API_IDEMPOTENCY_HEADER":        "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":           "48h",
	}

	secrets := map[string]string{
		"secret://paystack/secret": "sk_live_paystack",
		"secret://stripe/api":      "sk_live_stripe",
		"secret://stripe/webhook":  "whsec_live",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Build.Version != "1.4.0" {
		t.Errorf("unexpected build version %s", cfg.Build.Version)
	}
	if cfg.Firestore.ProjectID != "harvest-data" {
		t.Errorf("unexpected firestore project %s", cfg.Firestore.ProjectID)
	}
	if cfg.PSP.PaystackSecretKey != "sk_live_paystack" || cfg.PSP.StripeAPIKey != "sk_live_stripe" || cfg.PSP.StripeWebhookSecret != "whsec_live" {
		t.Errorf("expected resolved psp secrets, got %+v", cfg.PSP)
	}
	if cfg.PSP.DefaultProvider != "stripe" || cfg.PSP.Timeout != 4*time.Second {
		t.Errorf("unexpected psp config %+v", cfg.PSP)
	}
	if cfg.PSP.CurrencyRoutes["NGN"] != "paystack" || cfg.PSP.CurrencyRoutes["USD"] != "stripe" {
		t.Errorf("unexpected currency routes %v", cfg.PSP.CurrencyRoutes)
	}
	if cfg.Checkout.OrderPrefix != "HX" || cfg.Checkout.SweepLimit != 75 || cfg.Checkout.DefaultCurrency != "NGN" {
		t.Errorf("unexpected checkout config %+v", cfg.Checkout)
	}
	if cfg.PubSub.OrderEventsTopic != "orders-prod" {
		t.Errorf("unexpected topic %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.RateLimits.WebhookPerMinute != 900 {
		t.Errorf("unexpected webhook rate limit %d", cfg.RateLimits.WebhookPerMinute)
	}
	if cfg.Security.Environment != "prod" || cfg.Security.OIDC.Audience != "https://api.harvest.market" {
		t.Errorf("unexpected security config %+v", cfg.Security)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" || cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency config %+v", cfg.Idempotency)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_STORAGE_DRIVER=memory\nAPI_PSP_STRIPE_API_KEY=\"sk_test_stripe\"\nAPI_PSP_DEFAULT_PROVIDER=stripe\nAPI_CHECKOUT_CALLBACK_URL=http://localhost:7070/payment/callback\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Storage.Driver != StorageDriverMemory {
		t.Errorf("expected memory driver from dotenv, got %s", cfg.Storage.Driver)
	}
	if cfg.PSP.StripeAPIKey != "sk_test_stripe" {
		t.Errorf("expected unquoted stripe key, got %s", cfg.PSP.StripeAPIKey)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := validation.Fields()
	for _, want := range []string{"Firebase.ProjectID", "PSP.PaystackSecretKey|PSP.StripeAPIKey", "Checkout.CallbackURL"} {
		if !slices.Contains(fields, want) {
			t.Errorf("expected %s in %v", want, fields)
		}
	}
}

func TestLoadRejectsUnconfiguredProviders(t *testing.T) {
	cases := map[string]map[string]string{
		"default provider":  {"API_PSP_DEFAULT_PROVIDER": "stripe"},
		"currency route":    {"API_PSP_CURRENCY_ROUTES": "usd=stripe"},
		"storage driver":    {"API_STORAGE_DRIVER": "postgres"},
		"relative callback": {"API_CHECKOUT_CALLBACK_URL": "/payment/callback"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			env := baseEnv()
			for k, v := range overrides {
				env[k] = v
			}
			_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://paystack/secret=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	expectedRedacted := redactSecretName("PSP.StripeWebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "PSP.StripeWebhookSecret" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	_, _ = Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestParseDotEnv(t *testing.T) {
	values, err := parseDotEnv(strings.NewReader("# comment\n\nexport A=1\nB = 'two'\nbroken\n=nokey\nC=\"x=y\"\n"))
	if err != nil {
		t.Fatalf("parseDotEnv: %v", err)
	}
	want := map[string]string{"A": "1", "B": "two", "C": "x=y"}
	if len(values) != len(want) {
		t.Fatalf("expected %v, got %v", want, values)
	}
	for k, v := range want {
		if values[k] != v {
			t.Fatalf("%s: expected %q, got %q", k, v, values[k])
		}
	}
}

func TestSecretReference(t *testing.T) {
	for input, want := range map[string]struct {
		ref string
		ok  bool
	}{
		"sm://stripe/api":        {"secret://stripe/api", true},
		" secret://paystack/key": {"secret://paystack/key", true},
		"sk_plain":               {"sk_plain", false},
	} {
		ref, ok := secretReference(input)
		if ref != want.ref || ok != want.ok {
			t.Fatalf("secretReference(%q) = %q, %v", input, ref, ok)
		}
	}
}
