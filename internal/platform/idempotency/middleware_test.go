package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harvest-market/api/internal/platform/auth"
)

var fixedTime = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func initiateRequest(uid, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/payment/initiate", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func TestMiddlewareWithoutKeyPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	h := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), initiateRequest("user-1", "", `{}`))
	}
	if calls != 2 {
		t.Fatalf("expected handler to run for each request without a key, got %d", calls)
	}
}

func TestMiddlewareReplaysFirstResponse(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	h := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":true,"reference":"hm_1"}`))
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, initiateRequest("user-1", "key-1", `{"amount":225}`))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, initiateRequest("user-1", "key-1", `{"amount":225}`))

	if calls != 1 {
		t.Fatalf("expected single handler invocation, got %d", calls)
	}
	if second.Code != http.StatusOK || second.Body.String() != first.Body.String() {
		t.Fatalf("expected identical replay, got %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}
	if second.Header().Get("X-Request-Id") != "" {
		t.Fatalf("per-request headers must not be replayed")
	}
	if first.Header().Get(replayHeaderName) != "" {
		t.Fatalf("first response must not be marked as replay")
	}
}

func TestMiddlewareScopesKeysPerUser(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	h := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), initiateRequest("user-1", "shared", `{}`))
	h.ServeHTTP(httptest.NewRecorder(), initiateRequest("user-2", "shared", `{}`))

	if calls != 2 {
		t.Fatalf("same key from different users must not collide, got %d calls", calls)
	}
}

func TestMiddlewareRejectsReuseWithDifferentBody(t *testing.T) {
	store := NewMemoryStore()
	h := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), initiateRequest("user-1", "key-1", `{"amount":225}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, initiateRequest("user-1", "key-1", `{"amount":1}`))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	h := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, initiateRequest("user-1", "key-1", `{}`))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, initiateRequest("user-1", "key-1", `{}`))

	if first.Code != http.StatusBadGateway || second.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry after 502, got %d then %d (%d calls)", first.Code, second.Code, calls)
	}
}

func TestMiddlewarePendingKeyConflicts(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Reserve(context.Background(), "user-1|key-1", requestFingerprint(initiateRequest("user-1", "key-1", `{}`), []byte(`{}`)), time.Now(), time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	h := Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run while the key is pending")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, initiateRequest("user-1", "key-1", `{}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
}

type failingStore struct{ *MemoryStore }

func (failingStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{}, errors.New("firestore unavailable")
}

func TestMiddlewareStoreFailureIsUnavailable(t *testing.T) {
	h := Middleware(failingStore{NewMemoryStore()})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, initiateRequest("user-1", "key-1", `{}`))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMemoryStoreExpiryAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "k", "fp-1", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "k", "fp-2", fixedTime.Add(30*time.Second), time.Minute); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected mismatch while live, got %v", err)
	}
	res, err := store.Reserve(ctx, "k", "fp-2", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expired key should be reusable, got %v %v", res.State, err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(time.Hour), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired key removed, got %d %v", removed, err)
	}
}

func assertErrorCode(t *testing.T, body []byte, code string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error code %s, got %v", code, payload["error"])
	}
}
