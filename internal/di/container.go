package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/harvest-market/api/internal/handlers"
	"github.com/harvest-market/api/internal/payments"
	"github.com/harvest-market/api/internal/platform/auth"
	"github.com/harvest-market/api/internal/platform/config"
	pfirestore "github.com/harvest-market/api/internal/platform/firestore"
	"github.com/harvest-market/api/internal/platform/idempotency"
	"github.com/harvest-market/api/internal/platform/jobs"
	"github.com/harvest-market/api/internal/platform/observability"
	"github.com/harvest-market/api/internal/platform/secrets"
	"github.com/harvest-market/api/internal/repositories"
	firestoreRepo "github.com/harvest-market/api/internal/repositories/firestore"
	"github.com/harvest-market/api/internal/repositories/memory"
	"github.com/harvest-market/api/internal/services"
)

const (
	jwksFetchTimeout      = 10 * time.Second
	idempotencyCollection = "idempotencyKeys"
	secretHealthReference = "secret://system/healthz?version=latest"
	meterNamespace        = "github.com/harvest-market/api"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart     services.CartService
	Checkout services.CheckoutService
	Payments services.PaymentService
	Orders   services.OrderService
	Counters services.CounterService
	Audit    services.AuditLogService
	System   services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Logger        *zap.Logger
	Build         services.BuildInfo
	Repositories  repositories.Registry
	Services      Services
	Gateway       *payments.Manager
	Authenticator *auth.Authenticator
	Idempotency   idempotency.Store

	oidc    *auth.OIDCValidator
	closers []func(context.Context) error

	cleanupOnce   sync.Once
	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// Option customises container construction. Tests use options to swap in fakes for external
// dependencies.
type Option func(*containerOptions)

type containerOptions struct {
	logger    *zap.Logger
	registry  repositories.Registry
	fetcher   *secrets.Fetcher
	verifier  auth.TokenVerifier
	providers map[string]payments.Provider
	publisher services.OrderEventPublisher
	meter     metric.Meter
	clock     func() time.Time
	build     services.BuildInfo
}

// WithLogger sets the base zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry bypasses the configured storage driver.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) {
		o.registry = reg
	}
}

// WithSecretFetcher registers the Secret Manager fetcher for readiness probing.
func WithSecretFetcher(fetcher *secrets.Fetcher) Option {
	return func(o *containerOptions) {
		o.fetcher = fetcher
	}
}

// WithTokenVerifier replaces the Firebase ID token verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *containerOptions) {
		o.verifier = verifier
	}
}

// WithPaymentProviders replaces the gateway providers built from PSP configuration.
func WithPaymentProviders(providers map[string]payments.Provider) Option {
	return func(o *containerOptions) {
		o.providers = providers
	}
}

// WithOrderEventPublisher replaces the Pub/Sub publisher.
func WithOrderEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.publisher = publisher
	}
}

// WithMeter overrides the OpenTelemetry meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *containerOptions) {
		o.meter = meter
	}
}

// WithClock injects the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithBuildInfo sets the build metadata reported by health probes.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.meter == nil {
		options.meter = otel.GetMeterProvider().Meter(meterNamespace)
	}
	if options.build.StartedAt.IsZero() {
		options.build.StartedAt = options.clock().UTC()
	}
	if options.build.Environment == "" {
		options.build.Environment = cfg.Security.Environment
	}

	c := &Container{
		Config: cfg,
		Logger: options.logger,
		Build:  options.build,
	}

	var provider *pfirestore.Provider
	reg := options.registry
	if reg == nil {
		switch cfg.Storage.Driver {
		case config.StorageDriverMemory:
			reg = memory.NewRegistry()
		case config.StorageDriverFirestore, "":
			var providerOpts []pfirestore.ProviderOption
			if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" && cfg.Firestore.EmulatorHost == "" {
				providerOpts = append(providerOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(file)))
			}
			provider = pfirestore.NewProvider(cfg.Firestore, providerOpts...)
			fsReg, err := firestoreRepo.NewRegistry(provider)
			if err != nil {
				return nil, fmt.Errorf("build firestore registry: %w", err)
			}
			reg = fsReg
		default:
			return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	if provider != nil {
		c.Idempotency = idempotency.NewFirestoreStore(provider, idempotencyCollection)
	} else {
		c.Idempotency = idempotency.NewMemoryStore()
	}

	gateway, err := buildGateway(cfg, options)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Gateway = gateway

	publisher := options.publisher
	var topic *pubsub.Topic
	if publisher == nil {
		topic, err = c.buildOrderTopic(ctx, cfg)
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		if topic != nil {
			pub, err := jobs.NewPubSubOrderEventPublisher(topic)
			if err != nil {
				_ = c.Close(ctx)
				return nil, fmt.Errorf("build order event publisher: %w", err)
			}
			publisher = pub
		}
	}

	verifier := options.verifier
	if verifier == nil && strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebase, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebase
	}
	if verifier == nil {
		options.logger.Warn("auth: no token verifier configured; authenticated routes will answer 503")
	}
	c.Authenticator = auth.NewAuthenticator(verifier, auth.WithAdminRole(cfg.Security.AdminRole))

	c.oidc = buildOIDCValidator(cfg, options.logger, options.meter)

	checks := dependencyChecks(reg, provider, options.fetcher, topic)
	svc, err := buildServices(reg, cfg, options, gateway, publisher, checks)
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// StartBackground launches the idempotency key cleanup loop. It is a no-op after the first call.
func (c *Container) StartBackground(ctx context.Context) {
	if c == nil || c.Idempotency == nil {
		return
	}
	c.cleanupOnce.Do(func() {
		cleanupCtx, cancel := context.WithCancel(ctx)
		c.cleanupCancel = cancel
		c.cleanupDone = make(chan struct{})
		go func() {
			defer close(c.cleanupDone)
			idempotency.RunCleanup(cleanupCtx, c.Idempotency, c.Config.Idempotency.CleanupInterval, c.Config.Idempotency.CleanupBatchSize, c.Logger.Named("idempotency"))
		}()
	})
}

// Close stops background work and releases clients in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.cleanupCancel != nil {
		c.cleanupCancel()
		<-c.cleanupDone
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Router assembles the HTTP surface on top of the container's services.
func (c *Container) Router(extra ...func(http.Handler) http.Handler) http.Handler {
	cfg := c.Config
	limits := cfg.RateLimits

	cartHandlers := handlers.NewCartHandlers(c.Authenticator, c.Services.Cart,
		handlers.WithCartRateLimit(handlers.RateLimit(limits.AuthenticatedPerMinute, handlers.CallerKey)),
	)
	paymentHandlers := handlers.NewPaymentHandlers(c.Authenticator, c.Services.Checkout, c.Services.Payments,
		handlers.WithPaymentRateLimit(handlers.RateLimit(limits.DefaultPerMinute, handlers.CallerKey)),
		handlers.WithInitiateIdempotency(idempotency.Middleware(
			c.Idempotency,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
		)),
	)
	orderHandlers := handlers.NewOrderHandlers(c.Authenticator, c.Services.Orders, c.Services.Payments)
	webhookHandlers := handlers.NewWebhookHandlers(c.Gateway, c.Services.Payments, cfg.Webhooks.MaxBodyBytes)
	internalHandlers := handlers.NewInternalHandlers(c.Services.Payments, cfg.Checkout.SweepAge, cfg.Checkout.SweepLimit)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(c.Services.System),
		handlers.WithHealthBuildInfo(c.Build),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(extra...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(orderHandlers.AdminRoutes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(handlers.RateLimit(limits.WebhookPerMinute, handlers.ClientIPKey)),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if c.oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(c.oidc.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)))
	}
	return handlers.NewRouter(opts...)
}

func buildServices(reg repositories.Registry, cfg config.Config, options containerOptions, gateway services.PaymentGateway, publisher services.OrderEventPublisher, checks []repositories.DependencyCheck) (Services, error) {
	var svc Services
	logger := options.logger
	clock := options.clock

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      clock,
		Logger:     observability.EventLogger(logger, "audit"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository:  reg.Counters(),
		Clock:       clock,
		OrderPrefix: cfg.Checkout.OrderPrefix,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	coupons, err := services.NewCouponEngine(services.CouponEngineDeps{
		Coupons: reg.Coupons(),
		Clock:   clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon engine: %w", err)
	}

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:           reg.Carts(),
		Products:        reg.Products(),
		Coupons:         coupons,
		UnitOfWork:      reg,
		Clock:           clock,
		DefaultCurrency: cfg.Checkout.DefaultCurrency,
		Logger:          observability.EventLogger(logger, "cart"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:       reg.Carts(),
		Products:    reg.Products(),
		Orders:      reg.Orders(),
		Payments:    reg.Payments(),
		UnitOfWork:  reg,
		Coupons:     coupons,
		Counters:    counterSvc,
		Gateway:     gateway,
		Events:      publisher,
		Clock:       clock,
		Logger:      observability.EventLogger(logger, "checkout"),
		CallbackURL: cfg.Checkout.CallbackURL,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments:   reg.Payments(),
		Orders:     reg.Orders(),
		Carts:      reg.Carts(),
		UnitOfWork: reg,
		Gateway:    gateway,
		Audit:      auditSvc,
		Events:     publisher,
		Clock:      clock,
		Logger:     observability.EventLogger(logger, "payments"),
		Meter:      options.meter,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		UnitOfWork: reg,
		Audit:      auditSvc,
		Events:     publisher,
		Clock:      clock,
		Logger:     observability.EventLogger(logger, "orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	healthRepo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(clock))
	if err != nil {
		return Services{}, fmt.Errorf("build health repository: %w", err)
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            clock,
		Build:            options.build,
		Logger:           observability.EventLogger(logger, "system"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

func buildGateway(cfg config.Config, options containerOptions) (*payments.Manager, error) {
	logger := options.logger
	providers := options.providers
	if providers == nil {
		providers = make(map[string]payments.Provider, 2)
		if key := strings.TrimSpace(cfg.PSP.PaystackSecretKey); key != "" {
			paystack, err := payments.NewPaystackProvider(payments.PaystackProviderConfig{
				SecretKey: key,
				BaseURL:   cfg.PSP.PaystackBaseURL,
				Logger:    observability.EventLogger(logger, "payments.paystack"),
			})
			if err != nil {
				return nil, fmt.Errorf("build paystack provider: %w", err)
			}
			providers["paystack"] = paystack
		}
		if key := strings.TrimSpace(cfg.PSP.StripeAPIKey); key != "" {
			stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
				APIKey:        key,
				WebhookSecret: cfg.PSP.StripeWebhookSecret,
				Logger:        payments.StripeLogger(observability.EventLogger(logger, "payments.stripe")),
				Clock:         options.clock,
			})
			if err != nil {
				return nil, fmt.Errorf("build stripe provider: %w", err)
			}
			providers["stripe"] = stripeProvider
		}
	}

	threshold := cfg.PSP.BreakerThreshold
	if threshold < 0 {
		threshold = 0
	}
	manager, err := payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.PSP.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes),
		payments.WithCallTimeout(cfg.PSP.Timeout),
		payments.WithCircuitBreaker(uint32(threshold), cfg.PSP.BreakerCooldown),
		payments.WithManagerLogger(observability.EventLogger(logger, "payments.gateway")),
	)
	if err != nil {
		return nil, fmt.Errorf("build payment gateway: %w", err)
	}
	return manager, nil
}

func (c *Container) buildOrderTopic(ctx context.Context, cfg config.Config) (*pubsub.Topic, error) {
	topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic)
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if topicName == "" || projectID == "" {
		c.Logger.Info("pubsub: order events disabled", zap.String("topic", topicName))
		return nil, nil
	}

	var clientOpts []option.ClientOption
	if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host == "" && cfg.Firebase.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	} else if host != "" {
		clientOpts = append(clientOpts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	return topic, nil
}

func buildOIDCValidator(cfg config.Config, logger *zap.Logger, meter metric.Meter) *auth.OIDCValidator {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(cfg.Security.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}

	adapter := observability.NewPrintfAdapter(logger.Named("oidc"))
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL,
		auth.WithJWKSLogger(adapter),
		auth.WithJWKSHTTPClient(&http.Client{Timeout: jwksFetchTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	)
	return auth.NewOIDCValidator(cache,
		auth.WithOIDCLogger(adapter),
		auth.WithOIDCMetrics(oidcMetrics(meter, logger)),
	)
}

func oidcMetrics(meter metric.Meter, logger *zap.Logger) auth.MetricsRecorder {
	verifications, err := meter.Int64Counter("auth.oidc.verifications",
		metric.WithDescription("OIDC token verifications by outcome"))
	if err != nil {
		logger.Warn("auth: oidc verification counter unavailable", zap.Error(err))
		return nil
	}
	latency, err := meter.Float64Histogram("auth.oidc.latency",
		metric.WithDescription("OIDC token verification latency"),
		metric.WithUnit("ms"))
	if err != nil {
		logger.Warn("auth: oidc latency histogram unavailable", zap.Error(err))
		return nil
	}
	return auth.MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, d time.Duration) {
		attrs := metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		)
		verifications.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	})
}

func dependencyChecks(reg repositories.Registry, provider *pfirestore.Provider, fetcher *secrets.Fetcher, topic *pubsub.Topic) []repositories.DependencyCheck {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		})
	} else {
		checks = append(checks, repositories.DependencyCheck{
			Name: "storage",
			Check: func(ctx context.Context) error {
				return reg.RunInTx(ctx, func(context.Context) error { return nil })
			},
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				err := fetcher.Ping(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	return checks
}
