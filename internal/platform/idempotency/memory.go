package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps keys in process for the memory storage driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now, ttl = now.UTC(), ttlOrDefault(ttl)
	key = strings.TrimSpace(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if record, found := s.records[key]; found {
		if res, live, err := existing(record, fingerprint, now); live || err != nil {
			return res, err
		}
	}
	record := pendingRecord(key, fingerprint, now, ttl)
	s.records[key] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now, ttl = now.UTC(), ttlOrDefault(ttl)
	key = strings.TrimSpace(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	record, found := s.records[key]
	switch {
	case !found:
		record = pendingRecord(key, fingerprint, now, ttl)
	case record.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	}
	s.records[key] = completed(record, resp, now, ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, strings.TrimSpace(key))
	s.mu.Unlock()
	return nil
}

// CleanupExpired removes at most limit expired keys; limit <= 0 removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, record := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if expired(record, now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FirestoreStore)(nil)
)
