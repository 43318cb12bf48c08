package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/harvest-market/api/internal/platform/secrets"
)

// ErrNotFound reports a reference that neither Secret Manager nor the fallback file can satisfy.
var ErrNotFound = errors.New("secrets: not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// accessRetry retries transient Secret Manager failures a few times before the fetcher
// considers falling back to the local file.
var accessRetry = gax.WithRetry(func() gax.Retryer {
	return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted}, gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	})
})

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references for payment gateway keys and webhook secrets. Values
// are cached for a bounded TTL so rotations are picked up without a restart.
type Fetcher struct {
	client     secretManagerClient
	clientOpts []option.ClientOption
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time
	meter      metric.Meter

	env         string
	defaultProj string
	projectMap  map[string]string
	versionPins map[string]string
	ttl         time.Duration

	fallbackPath string
	fallback     func() (map[string]string, error)

	mu       sync.RWMutex
	cache    map[string]cached
	inflight singleflight.Group

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cached struct {
	value     string
	canonical string
	source    string
	expiresAt time.Time
}

// Option customises a Fetcher.
type Option func(*Fetcher)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects which project map entry and "<env>:" version pins apply.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		if env = strings.ToLower(strings.TrimSpace(env)); env != "" {
			f.env = env
		}
	}
}

// WithDefaultProject is used when no project map entry matches the environment.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) { f.defaultProj = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment names to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) { f.projectMap = cloneMap(m) }
}

// WithVersionPins maps canonical references, optionally prefixed with "<env>:", to versions.
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) { f.versionPins = cloneMap(pins) }
}

// WithFallbackFile overrides the local fallback file; an empty path disables it.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) { f.fallbackPath = strings.TrimSpace(path) }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(f *Fetcher) { f.meter = m }
}

// WithSecretManagerClient injects a client; the fetcher will not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithClientOptions forwards Cloud client options when the fetcher dials Secret Manager itself.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) { f.clientOpts = append(f.clientOpts, opts...) }
}

func WithClock(clock func() time.Time) Option {
	return func(f *Fetcher) {
		if clock != nil {
			f.now = clock
		}
	}
}

// NewFetcher builds a Fetcher. Failing to dial Secret Manager is not fatal: the fetcher then
// serves the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		now:          time.Now,
		env:          defaultEnvironment,
		ttl:          defaultCacheTTL,
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]cached),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.fallback = sync.OnceValues(f.readFallback)
	f.registerMetrics()

	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
			return f, nil
		}
		f.client, f.ownsClient = client, true
	}
	return f, nil
}

func (f *Fetcher) registerMetrics() {
	meter := f.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	var err error
	if f.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source")); err != nil {
		f.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.cacheHits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from memory")); err != nil {
		f.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}
}

// Close releases the Secret Manager client when the fetcher dialled it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value for ref. Concurrent misses for one version share a single lookup.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := ref.key(version)

	if entry, ok := f.cached(key); ok {
		if f.cacheHits != nil {
			f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", ref.masked())))
		}
		f.observe(ctx, start, "cache", false)
		return entry.value, nil
	}

	v, err, _ := f.inflight.Do(key, func() (any, error) {
		return f.load(ctx, ref, version)
	})
	if err != nil {
		f.observe(ctx, start, "error", true)
		return "", err
	}
	entry := v.(cached)
	f.observe(ctx, start, entry.source, false)
	return entry.value, nil
}

// Invalidate forgets every cached version of ref.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseReference(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.cache {
		if entry.canonical == ref.Canonical {
			delete(f.cache, key)
		}
	}
}

// Ping resolves ref bypassing the cache; readiness uses it to prove Secret Manager is reachable.
func (f *Fetcher) Ping(ctx context.Context, ref string) error {
	f.Invalidate(ref)
	_, err := f.Resolve(ctx, ref)
	return err
}

// load asks Secret Manager first. Permission, auth and availability failures fall through to
// the local file; a NotFound from Secret Manager is final.
func (f *Fetcher) load(ctx context.Context, ref reference, version string) (cached, error) {
	if project := f.project(ref); project != "" && f.client != nil {
		resp, err := f.client.AccessSecretVersion(ctx,
			&secretmanagerpb.AccessSecretVersionRequest{Name: ref.resource(project, version)}, accessRetry)
		switch code := status.Code(err); {
		case err == nil && resp.GetPayload() != nil:
			return f.store(ref, version, string(resp.GetPayload().GetData()), "remote"), nil
		case err == nil:
			return cached{}, fmt.Errorf("secrets: empty payload for %s", ref.Canonical)
		case code == codes.NotFound:
			return cached{}, fmt.Errorf("%w: %s", ErrNotFound, ref.Canonical)
		case code != codes.PermissionDenied && code != codes.Unauthenticated &&
			code != codes.Unavailable && code != codes.DeadlineExceeded:
			return cached{}, fmt.Errorf("secrets: fetch failed for %s: %w", ref.Canonical, err)
		default:
			f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", ref.Canonical), zap.Error(err))
		}
	}

	values, err := f.fallback()
	if err != nil {
		f.logger.Debug("secrets: fallback file unreadable", zap.Error(err))
	}
	value, ok := values[ref.key(version)]
	if !ok {
		value, ok = values[ref.Canonical]
	}
	if !ok {
		return cached{}, fmt.Errorf("%w: no fallback value for %s", ErrNotFound, ref.Canonical)
	}
	return f.store(ref, version, value, "fallback"), nil
}

func (f *Fetcher) cached(key string) (cached, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	return entry, ok && f.now().Before(entry.expiresAt)
}

func (f *Fetcher) store(ref reference, version, value, source string) cached {
	entry := cached{value: value, canonical: ref.Canonical, source: source, expiresAt: f.now().Add(f.ttl)}
	f.mu.Lock()
	f.cache[ref.key(version)] = entry
	f.mu.Unlock()
	return entry
}

func (f *Fetcher) project(ref reference) string {
	if ref.ProjectOverride != "" {
		return ref.ProjectOverride
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return f.defaultProj
}

// version picks the explicit version, then an environment pin, then a global pin, then latest.
func (f *Fetcher) version(ref reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{f.env + ":" + ref.Canonical, ref.Canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return latestVersion
}

func (f *Fetcher) readFallback() (map[string]string, error) {
	if f.fallbackPath == "" {
		return nil, nil
	}
	file, err := os.Open(f.fallbackPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open fallback file %s: %w", f.fallbackPath, err)
	}
	defer file.Close()
	return parseFallback(file)
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string, failed bool) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if failed {
		attrs = append(attrs, attribute.Bool("error", true))
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
