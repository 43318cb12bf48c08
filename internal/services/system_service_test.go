package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/repositories"
)

type stubHealthRepository struct {
	report domain.HealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}

func TestSystemServiceHealthReportAddsBuildMetadata(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)
	repo := &stubHealthRepository{report: domain.HealthReport{
		Checks: map[string]domain.HealthCheck{"firestore": {Status: domain.HealthStatusOK}},
	}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "2.0.1", CommitSHA: "f00d", Environment: "staging", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK || len(report.Failing) != 0 {
		t.Fatalf("expected healthy report, got %+v", report)
	}
	if report.Version != "2.0.1" || report.CommitSHA != "f00d" || report.Environment != "staging" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 90*time.Second {
		t.Fatalf("expected uptime 90s, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestSystemServiceSummarizesChecks(t *testing.T) {
	tests := []struct {
		name    string
		checks  map[string]domain.HealthCheck
		status  string
		failing []string
	}{
		{
			name:   "no checks",
			status: domain.HealthStatusOK,
		},
		{
			name: "degraded dependency",
			checks: map[string]domain.HealthCheck{
				"pubsub":        {Status: domain.HealthStatusDegraded},
				"secretManager": {Status: domain.HealthStatusOK},
			},
			status:  domain.HealthStatusDegraded,
			failing: []string{"pubsub"},
		},
		{
			name: "error wins",
			checks: map[string]domain.HealthCheck{
				"pubsub":    {Status: domain.HealthStatusDegraded},
				"firestore": {Status: domain.HealthStatusError},
			},
			status:  domain.HealthStatusError,
			failing: []string{"firestore", "pubsub"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{
				HealthRepository: &stubHealthRepository{report: domain.HealthReport{Checks: tc.checks}},
			})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, report.Status)
			}
			if len(report.Failing) != len(tc.failing) {
				t.Fatalf("expected failing %v, got %v", tc.failing, report.Failing)
			}
			for i := range tc.failing {
				if report.Failing[i] != tc.failing[i] {
					t.Fatalf("expected failing %v, got %v", tc.failing, report.Failing)
				}
			}
			if report.Checks == nil {
				t.Fatalf("expected checks map to be initialised")
			}
			if report.Version != defaultBuildVersion {
				t.Fatalf("expected default version, got %s", report.Version)
			}
		})
	}
}

func TestSystemServiceLogsStatusChangesOnce(t *testing.T) {
	repo := &stubHealthRepository{report: domain.HealthReport{
		Checks: map[string]domain.HealthCheck{"firestore": {Status: domain.HealthStatusError, Detail: "unavailable"}},
	}}
	logger := &captureLogger{}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Logger: logger.log})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.HealthReport(ctx); err != nil {
			t.Fatalf("HealthReport: %v", err)
		}
	}
	if len(logger.events) != 1 || logger.events[0] != "system.health.changed" {
		t.Fatalf("expected a single change event, got %v", logger.events)
	}
	if logger.fields[0]["to"] != domain.HealthStatusError || logger.fields[0]["severity"] != "warn" {
		t.Fatalf("unexpected change fields %v", logger.fields[0])
	}

	repo.report = domain.HealthReport{Checks: map[string]domain.HealthCheck{"firestore": {Status: domain.HealthStatusOK}}}
	if _, err := svc.HealthReport(ctx); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if len(logger.events) != 2 || logger.fields[1]["to"] != domain.HealthStatusOK {
		t.Fatalf("expected recovery event, got %v %v", logger.events, logger.fields)
	}
}

func TestSystemServiceHealthReportErrors(t *testing.T) {
	expected := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: expected}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error when repository missing")
	}
}

var _ repositories.HealthRepository = (*stubHealthRepository)(nil)
