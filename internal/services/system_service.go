package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/repositories"
)

const defaultBuildVersion = "dev"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Logger           func(context.Context, string, map[string]any)
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
	logger     func(context.Context, string, map[string]any)

	mu         sync.Mutex
	lastStatus string
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness reporter. Status changes between consecutive
// reports are logged once so a flapping dependency shows up without polling the probe.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	build := deps.Build
	if strings.TrimSpace(build.Version) == "" {
		build.Version = defaultBuildVersion
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock:      func() time.Time { return clock().UTC() },
		build:      build,
		logger:     logger,
		lastStatus: domain.HealthStatusOK,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	health, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if health.GeneratedAt.IsZero() {
		health.GeneratedAt = now
	}
	if health.Checks == nil {
		health.Checks = map[string]domain.HealthCheck{}
	}

	failing := failingChecks(health.Checks)
	if strings.TrimSpace(health.Status) == "" {
		health.Status = summarizeStatus(health.Checks)
	}

	s.recordStatus(ctx, health.Status, failing)

	return SystemHealthReport{
		HealthReport: health,
		Version:      s.build.Version,
		CommitSHA:    s.build.CommitSHA,
		Environment:  s.build.Environment,
		Uptime:       now.Sub(s.build.StartedAt),
		Failing:      failing,
	}, nil
}

func (s *systemService) recordStatus(ctx context.Context, status string, failing []string) {
	s.mu.Lock()
	previous := s.lastStatus
	s.lastStatus = status
	s.mu.Unlock()

	if previous == status {
		return
	}
	fields := map[string]any{
		"from":    previous,
		"to":      status,
		"failing": failing,
	}
	if status != domain.HealthStatusOK {
		fields["severity"] = "warn"
	}
	s.logger(ctx, "system.health.changed", fields)
}

func failingChecks(checks map[string]domain.HealthCheck) []string {
	var names []string
	for name, check := range checks {
		if check.Status != "" && check.Status != domain.HealthStatusOK {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// summarizeStatus is error when any check errored, degraded when any other check is not ok.
func summarizeStatus(checks map[string]domain.HealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
