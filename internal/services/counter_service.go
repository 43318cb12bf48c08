package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harvest-market/api/internal/repositories"
)

const (
	defaultOrderNumberPrefix = "HM"
	orderNumberDigits        = 6
	orderCounterScope        = "orders"
)

// ErrCounterInvalidInput reports an unusable counter prefix.
var ErrCounterInvalidInput = errors.New("counter: invalid input")

// CounterServiceDeps bundles collaborators for the order number issuer.
type CounterServiceDeps struct {
	Repository  repositories.CounterRepository
	Clock       func() time.Time
	OrderPrefix string
}

type counterService struct {
	repo   repositories.CounterRepository
	clock  func() time.Time
	prefix string
}

// NewCounterService builds the issuer of order numbers such as HM-2026-000042. Each calendar
// year (UTC) has its own counter document, so numbering restarts at 1 on January 1st.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	prefix := strings.ToUpper(strings.TrimSpace(deps.OrderPrefix))
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}
	if strings.ContainsAny(prefix, "-/ ") {
		return nil, fmt.Errorf("%w: order prefix %q", ErrCounterInvalidInput, prefix)
	}
	svc := &counterService{repo: deps.Repository, clock: deps.Clock, prefix: prefix}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	return svc, nil
}

func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().UTC().Year()
	seq, err := s.repo.Next(ctx, fmt.Sprintf("%s:%04d", orderCounterScope, year), 1)
	if err != nil {
		return "", err
	}
	return formatOrderNumber(s.prefix, year, seq), nil
}

// formatOrderNumber zero-pads seq to six digits; larger values are printed in full.
func formatOrderNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%0*d", prefix, year, orderNumberDigits, seq)
}
