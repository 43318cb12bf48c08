package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const paystackLatest = "projects/harvest-test/secrets/paystack_secret_key/versions/latest"

type stubSecretManager struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func (s *stubSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.GetName()]++
	if err := s.errs[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := s.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (s *stubSecretManager) Close() error { return nil }

func (s *stubSecretManager) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// fetcherFixture wires a Fetcher to a stub Secret Manager, a temp fallback file and a
// controllable clock.
type fetcherFixture struct {
	remote   *stubSecretManager
	fallback string
	now      time.Time
	fetcher  *Fetcher
}

func newFetcherFixture(t *testing.T, fallback string, opts ...Option) *fetcherFixture {
	t.Helper()
	fx := &fetcherFixture{
		remote: &stubSecretManager{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}},
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	fx.fallback = filepath.Join(t.TempDir(), ".secrets.local")
	if fallback != "" {
		if err := os.WriteFile(fx.fallback, []byte(fallback), 0o600); err != nil {
			t.Fatalf("write fallback: %v", err)
		}
	}
	base := []Option{
		WithSecretManagerClient(fx.remote),
		WithDefaultProject("harvest-test"),
		WithFallbackFile(fx.fallback),
		WithClock(func() time.Time { return fx.now }),
	}
	fetcher, err := NewFetcher(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	fx.fetcher = fetcher
	return fx
}

func (fx *fetcherFixture) mustResolve(t *testing.T, ref string) string {
	t.Helper()
	value, err := fx.fetcher.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", ref, err)
	}
	return value
}

func TestResolveServesRepeatsFromCache(t *testing.T) {
	fx := newFetcherFixture(t, "")
	fx.remote.values[paystackLatest] = "sk_test_remote"

	for i := 0; i < 3; i++ {
		if got := fx.mustResolve(t, "secret://paystack_secret_key"); got != "sk_test_remote" {
			t.Fatalf("got %q", got)
		}
	}
	if n := fx.remote.count(paystackLatest); n != 1 {
		t.Fatalf("expected a single remote access, got %d", n)
	}
}

func TestResolveFallbackByRemoteError(t *testing.T) {
	cases := []struct {
		code         codes.Code
		wantFallback bool
	}{
		{codes.PermissionDenied, true},
		{codes.Unauthenticated, true},
		{codes.DeadlineExceeded, true},
		{codes.NotFound, false},
		{codes.InvalidArgument, false},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			fx := newFetcherFixture(t, "secret://paystack_secret_key=sk_test_local\n")
			fx.remote.errs[paystackLatest] = status.Error(tc.code, "remote failure")

			value, err := fx.fetcher.Resolve(context.Background(), "secret://paystack_secret_key")
			if tc.wantFallback {
				if err != nil || value != "sk_test_local" {
					t.Fatalf("expected fallback value, got %q, %v", value, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got %q", value)
			}
			if tc.code == codes.NotFound && !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestResolveRefetchesOnceTTLElapses(t *testing.T) {
	fx := newFetcherFixture(t, "", WithCacheTTL(time.Minute))
	fx.remote.values[paystackLatest] = "sk_test_v1"

	if got := fx.mustResolve(t, "secret://paystack_secret_key"); got != "sk_test_v1" {
		t.Fatalf("got %q", got)
	}

	fx.remote.values[paystackLatest] = "sk_test_v2"
	fx.now = fx.now.Add(30 * time.Second)
	if got := fx.mustResolve(t, "secret://paystack_secret_key"); got != "sk_test_v1" {
		t.Fatalf("expected cached value inside TTL, got %q", got)
	}

	fx.now = fx.now.Add(time.Minute)
	if got := fx.mustResolve(t, "secret://paystack_secret_key"); got != "sk_test_v2" {
		t.Fatalf("expected rotated value after TTL, got %q", got)
	}
	if n := fx.remote.count(paystackLatest); n != 2 {
		t.Fatalf("expected two remote accesses, got %d", n)
	}
}

func TestPingAlwaysReachesSecretManager(t *testing.T) {
	fx := newFetcherFixture(t, "")
	fx.remote.values[paystackLatest] = "sk_test_remote"
	ctx := context.Background()

	fx.mustResolve(t, "secret://paystack_secret_key")
	if err := fx.fetcher.Ping(ctx, "secret://paystack_secret_key"); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if n := fx.remote.count(paystackLatest); n != 2 {
		t.Fatalf("expected ping to bypass the cache, got %d accesses", n)
	}

	if err := fx.fetcher.Ping(ctx, "secret://missing_key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing secret, got %v", err)
	}
}

func TestResolveVersionSelection(t *testing.T) {
	fx := newFetcherFixture(t, "",
		WithEnvironment("Prod"),
		WithProjectMap(map[string]string{"prod": "harvest-prod"}),
		WithVersionPins(map[string]string{
			"prod:secret://paystack_secret_key": "7",
			"secret://stripe_webhook_secret":    "2",
		}),
	)
	fx.remote.values["projects/harvest-prod/secrets/paystack_secret_key/versions/7"] = "pinned-env"
	fx.remote.values["projects/harvest-prod/secrets/stripe_webhook_secret/versions/2"] = "pinned-global"
	fx.remote.values["projects/harvest-prod/secrets/paystack_secret_key/versions/3"] = "explicit"
	fx.remote.values["projects/other/secrets/paystack_secret_key/versions/latest"] = "override"

	cases := map[string]string{
		"secret://paystack_secret_key":                              "pinned-env",
		"sm://stripe_webhook_secret":                                "pinned-global",
		"secret://paystack_secret_key?version=3":                    "explicit",
		"secret://paystack_secret_key?project=other&version=latest": "override",
	}
	for ref, want := range cases {
		if got := fx.mustResolve(t, ref); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", ref, got, want)
		}
	}
}

func TestNewFetcherDegradesToFallbackWithoutCredentials(t *testing.T) {
	previous := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("could not find default credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = previous })

	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte("secret://stripe_api_key=sk_local\n"), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	fetcher, err := NewFetcher(context.Background(), WithDefaultProject("harvest-test"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	value, err := fetcher.Resolve(context.Background(), "secret://stripe_api_key")
	if err != nil || value != "sk_local" {
		t.Fatalf("expected fallback value, got %q, %v", value, err)
	}
}

func TestParseReference(t *testing.T) {
	ref, err := parseReference(" sm://paystack_secret_key?version=3&project=harvest-prod ")
	if err != nil {
		t.Fatalf("parseReference: %v", err)
	}
	want := reference{Canonical: "secret://paystack_secret_key", Secret: "paystack_secret_key", Version: "3", ProjectOverride: "harvest-prod"}
	if ref != want {
		t.Fatalf("got %+v, want %+v", ref, want)
	}
	if got := ref.resource("harvest-prod", ref.Version); got != "projects/harvest-prod/secrets/paystack_secret_key/versions/3" {
		t.Fatalf("unexpected resource %q", got)
	}
	if masked := ref.masked(); len(masked) != 16 || strings.Contains(masked, "paystack") {
		t.Fatalf("unexpected masked form %q", masked)
	}

	for _, raw := range []string{"", "secret://", "https://example.com/key", "paystack_secret_key"} {
		if _, err := parseReference(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseFallback(t *testing.T) {
	input := strings.Join([]string{
		"# local development secrets",
		"secret://paystack_secret_key=sk_test_latest",
		"secret://paystack_secret_key?version=3=sk_test_v3",
		"sm://stripe_webhook_secret = whsec_local ",
		"not a reference",
		"secret://dangling",
		"",
	}, "\n")

	values, err := parseFallback(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseFallback: %v", err)
	}
	want := map[string]string{
		"secret://paystack_secret_key#latest": "sk_test_latest",
		"secret://paystack_secret_key#3":      "sk_test_v3",
		"secret://stripe_webhook_secret":      "whsec_local",
	}
	for key, value := range want {
		if values[key] != value {
			t.Fatalf("values[%q] = %q, want %q", key, values[key], value)
		}
	}
	if _, ok := values["secret://dangling"]; ok {
		t.Fatalf("line without value must be skipped")
	}
}
