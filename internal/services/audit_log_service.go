package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/harvest-market/api/internal/domain"
	"github.com/harvest-market/api/internal/repositories"
)

const (
	defaultHasherPrefix = "sha256:"

	auditActorLimit  = 160
	auditActionLimit = 120
	auditTargetLimit = 200
	auditKeyLimit    = 80
	auditValueLimit  = 512
)

// Buyer contact details and gateway checkout links never reach the audit trail in clear.
var defaultSensitiveAuditKeys = []string{"email", "authorizationurl", "ip"}

var knownActorTypes = []string{"user", "staff", "system", "service"}

// AuditLogServiceDeps bundles constructor inputs for the audit writer.
type AuditLogServiceDeps struct {
	Repository    repositories.AuditLogRepository
	Clock         func() time.Time
	Logger        func(context.Context, string, map[string]any)
	HashSalt      string
	SensitiveKeys []string
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
	redact redactor
}

// NewAuditLogService builds the writer used for admin order transitions and refunds.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:   deps.Repository,
		clock:  time.Now,
		logger: deps.Logger,
		redact: newRedactor(deps.HashSalt, deps.SensitiveKeys),
	}
	if deps.Clock != nil {
		svc.clock = deps.Clock
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// Record appends the entry. A failed append is logged and swallowed; the admin action it
// describes has already been committed.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	if s == nil || s.repo == nil {
		return
	}
	entry := s.entry(record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append_failed", map[string]any{
			"action": entry.Action,
			"target": entry.TargetRef,
			"error":  err.Error(),
		})
	}
}

func (s *auditLogService) entry(record AuditLogRecord) domain.AuditLogEntry {
	at := record.OccurredAt
	if at.IsZero() {
		at = s.clock()
	}
	entry := domain.AuditLogEntry{
		ID:        ulid.Make().String(),
		Actor:     sanitizeText(record.Actor, auditActorLimit),
		ActorType: normalizeActorType(record.ActorType, record.Actor),
		Action:    sanitizeText(record.Action, auditActionLimit),
		TargetRef: sanitizeText(record.TargetRef, auditTargetLimit),
		RequestID: sanitizeText(record.RequestID, 128),
		CreatedAt: at.UTC(),
	}

	if len(record.Metadata) > 0 {
		entry.Metadata = make(map[string]any, len(record.Metadata))
		for key, value := range record.Metadata {
			if key = sanitizeText(key, auditKeyLimit); key != "" {
				entry.Metadata[key] = s.redact.value(key, value)
			}
		}
	}
	if len(record.Diff) > 0 {
		entry.Diff = make(map[string]any, len(record.Diff))
		for key, change := range record.Diff {
			if key = sanitizeText(key, auditKeyLimit); key != "" {
				entry.Diff[key] = map[string]any{
					"before": s.redact.value(key, change.Before),
					"after":  s.redact.value(key, change.After),
				}
			}
		}
	}
	return entry
}

// redactor replaces values under sensitive keys with a salted digest and trims everything else.
type redactor struct {
	salt string
	keys []string
}

func newRedactor(salt string, keys []string) redactor {
	if len(keys) == 0 {
		keys = defaultSensitiveAuditKeys
	}
	r := redactor{salt: salt}
	for _, key := range keys {
		key = strings.ToLower(sanitizeText(key, auditKeyLimit))
		if key != "" && !slices.Contains(r.keys, key) {
			r.keys = append(r.keys, key)
		}
	}
	return r
}

func (r redactor) value(key string, v any) any {
	if slices.Contains(r.keys, strings.ToLower(key)) {
		return defaultHasherPrefix + r.digest(v)
	}
	switch typed := v.(type) {
	case string:
		return sanitizeText(typed, auditValueLimit)
	case fmt.Stringer:
		return sanitizeText(typed.String(), auditValueLimit)
	}
	return v
}

func (r redactor) digest(v any) string {
	var raw string
	switch typed := v.(type) {
	case string:
		raw = strings.TrimSpace(typed)
	case fmt.Stringer:
		raw = typed.String()
	default:
		b, err := json.Marshal(typed)
		if err != nil {
			b = []byte(fmt.Sprintf("%T", v))
		}
		raw = string(b)
	}
	sum := sha256.Sum256([]byte(r.salt + raw))
	return hex.EncodeToString(sum[:])
}

// normalizeActorType keeps a recognised explicit type, otherwise infers it from the actor's
// "kind:id" prefix.
func normalizeActorType(actorType, actor string) string {
	if t := strings.ToLower(strings.TrimSpace(actorType)); slices.Contains(knownActorTypes, t) {
		return t
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	if actor == "system" {
		return "system"
	}
	if kind, _, ok := strings.Cut(actor, ":"); ok && kind != "service" && slices.Contains(knownActorTypes, kind) {
		return kind
	}
	return "unknown"
}

// sanitizeText trims input, drops control characters other than whitespace and caps the
// result at limit bytes.
func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	var b strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= limit {
			break
		}
	}
	return b.String()
}
