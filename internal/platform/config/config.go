package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"
)

const (
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 20 * time.Second
	defaultStorageDriver        = StorageDriverFirestore
	defaultPSPProvider          = "paystack"
	defaultPSPTimeout           = 10 * time.Second
	defaultBreakerThreshold     = 5
	defaultBreakerCooldown      = 30 * time.Second
	defaultCurrency             = "NGN"
	defaultOrderPrefix          = "HM"
	defaultSweepAge             = 15 * time.Minute
	defaultSweepLimit           = 50
	defaultOrderEventsTopic     = "order-events"
	defaultWebhookMaxBodyBytes  = 1 << 20
	defaultRateLimitDefault     = 120
	defaultRateLimitAuth        = 240
	defaultRateLimitWebhook     = 600
	defaultSecurityEnvironment  = "local"
	defaultAdminRole            = "admin"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Storage drivers accepted by API_STORAGE_DRIVER.
const (
	StorageDriverFirestore = "firestore"
	StorageDriverMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Build       BuildConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	PubSub      PubSubConfig
	Webhooks    WebhookConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// BuildConfig is reported by the health endpoints.
type BuildConfig struct {
	Version   string
	CommitSHA string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Driver string
}

// PSPConfig collects payment gateway credentials and call limits.
type PSPConfig struct {
	DefaultProvider     string
	CurrencyRoutes      map[string]string
	Timeout             time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	PaystackSecretKey   string
	PaystackBaseURL     string
	StripeAPIKey        string
	StripeWebhookSecret string
}

// CheckoutConfig controls order creation and the pending-payment sweep.
type CheckoutConfig struct {
	CallbackURL     string
	DefaultCurrency string
	OrderPrefix     string
	SweepAge        time.Duration
	SweepLimit      int
}

// PubSubConfig names the topic order events are published to. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
	EmulatorHost     string
}

// WebhookConfig bounds inbound gateway deliveries.
type WebhookConfig struct {
	MaxBodyBytes int64
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookPerMinute       int
}

// SecurityConfig groups caller authentication settings.
type SecurityConfig struct {
	Environment string
	AdminRole   string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for scheduler calls.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Load assembles the configuration from defaults, the .env file, the process environment and
// the explicit env map, then resolves secret references through the configured resolver.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	env, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Build: BuildConfig{
			Version:   env.str("API_BUILD_VERSION", ""),
			CommitSHA: env.str("API_BUILD_COMMIT_SHA", ""),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(env.str("API_STORAGE_DRIVER", defaultStorageDriver)),
		},
		PSP: PSPConfig{
			DefaultProvider:     strings.ToLower(env.str("API_PSP_DEFAULT_PROVIDER", defaultPSPProvider)),
			CurrencyRoutes:      env.pairs("API_PSP_CURRENCY_ROUTES"),
			Timeout:             env.duration("API_PSP_TIMEOUT", defaultPSPTimeout),
			BreakerThreshold:    env.integer("API_PSP_BREAKER_THRESHOLD", defaultBreakerThreshold),
			BreakerCooldown:     env.duration("API_PSP_BREAKER_COOLDOWN", defaultBreakerCooldown),
			PaystackSecretKey:   env.str("API_PSP_PAYSTACK_SECRET_KEY", ""),
			PaystackBaseURL:     env.str("API_PSP_PAYSTACK_BASE_URL", ""),
			StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Checkout: CheckoutConfig{
			CallbackURL:     env.str("API_CHECKOUT_CALLBACK_URL", ""),
			DefaultCurrency: strings.ToUpper(env.str("API_CHECKOUT_DEFAULT_CURRENCY", defaultCurrency)),
			OrderPrefix:     strings.ToUpper(env.str("API_CHECKOUT_ORDER_PREFIX", defaultOrderPrefix)),
			SweepAge:        env.duration("API_CHECKOUT_SWEEP_AGE", defaultSweepAge),
			SweepLimit:      env.integer("API_CHECKOUT_SWEEP_LIMIT", defaultSweepLimit),
		},
		PubSub: PubSubConfig{
			ProjectID:        env.str("API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: env.str("API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
			EmulatorHost:     env.str("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Webhooks: WebhookConfig{
			MaxBodyBytes: int64(env.integer("API_WEBHOOK_MAX_BODY_BYTES", defaultWebhookMaxBodyBytes)),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       env.integer("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: env.integer("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookPerMinute:       env.integer("API_RATELIMIT_WEBHOOK_PER_MIN", defaultRateLimitWebhook),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			AdminRole:   strings.ToLower(env.str("API_SECURITY_ADMIN_ROLE", defaultAdminRole)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, "accounts.google.com"}
	}

	envKey := strings.ToLower(cfg.Security.Environment)
	if cfg.Security.OIDC.Audience == "" && cfg.Security.OIDC.Audiences != nil {
		if audience, ok := cfg.Security.OIDC.Audiences[envKey]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	routes := make(map[string]string, len(cfg.PSP.CurrencyRoutes))
	for currency, provider := range cfg.PSP.CurrencyRoutes {
		routes[strings.ToUpper(currency)] = strings.ToLower(provider)
	}
	cfg.PSP.CurrencyRoutes = routes

	resolved, err := resolveSecretFields(ctx, options.secret, map[string]*string{
		"PSP.PaystackSecretKey":   &cfg.PSP.PaystackSecretKey,
		"PSP.StripeAPIKey":        &cfg.PSP.StripeAPIKey,
		"PSP.StripeWebhookSecret": &cfg.PSP.StripeWebhookSecret,
	})
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// Providers lists the payment providers that have credentials configured.
func (c PSPConfig) Providers() []string {
	var out []string
	if strings.TrimSpace(c.PaystackSecretKey) != "" {
		out = append(out, "paystack")
	}
	if strings.TrimSpace(c.StripeAPIKey) != "" {
		out = append(out, "stripe")
	}
	return out
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Storage.Driver {
	case StorageDriverFirestore:
		if cfg.Firebase.ProjectID == "" {
			missing = append(missing, "Firebase.ProjectID")
		}
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case StorageDriverMemory:
	default:
		missing = append(missing, "Storage.Driver")
	}

	providers := cfg.PSP.Providers()
	if len(providers) == 0 {
		missing = append(missing, "PSP.PaystackSecretKey|PSP.StripeAPIKey")
	} else if !slices.Contains(providers, cfg.PSP.DefaultProvider) {
		missing = append(missing, "PSP.DefaultProvider")
	}
	for currency, provider := range cfg.PSP.CurrencyRoutes {
		if !slices.Contains(providers, provider) {
			missing = append(missing, fmt.Sprintf("PSP.CurrencyRoutes[%s]", currency))
		}
	}
	if cfg.PSP.Timeout <= 0 {
		missing = append(missing, "PSP.Timeout")
	}
	if u, err := url.Parse(cfg.Checkout.CallbackURL); cfg.Checkout.CallbackURL == "" || err != nil || !u.IsAbs() {
		missing = append(missing, "Checkout.CallbackURL")
	}
	if len(cfg.Checkout.DefaultCurrency) != 3 {
		missing = append(missing, "Checkout.DefaultCurrency")
	}
	if cfg.Checkout.SweepLimit <= 0 {
		missing = append(missing, "Checkout.SweepLimit")
	}
	if cfg.Webhooks.MaxBodyBytes <= 0 {
		missing = append(missing, "Webhooks.MaxBodyBytes")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
