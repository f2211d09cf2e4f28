package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"warnet/backend/internal/cache"
	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
	"warnet/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Notifier pushes events to dashboard observers and terminal connections.
// Delivery is best effort. NotifyTerminal reports whether the event was
// handed to a live connection bound to terminalID.
type Notifier interface {
	NotifyAdmins(event string, payload any)
	NotifyTerminal(terminalID string, event string, payload any) bool
}

type NoopNotifier struct{}

func (NoopNotifier) NotifyAdmins(string, any) {}

func (NoopNotifier) NotifyTerminal(string, string, any) bool { return false }

type Service struct {
	repo     store.Repository
	prices   cache.PriceCache
	priceTTL time.Duration
	notifier Notifier
	now      func() time.Time
}

func New(repo store.Repository, prices cache.PriceCache, priceTTL time.Duration, notifier Notifier) *Service {
	if prices == nil {
		prices = cache.NoopPriceCache{}
	}
	if priceTTL <= 0 {
		priceTTL = time.Minute
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	return &Service{
		repo:     repo,
		prices:   prices,
		priceTTL: priceTTL,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests use it to drive billing windows.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

// ErrForbidden is returned when an operation needs a capability the caller
// does not carry.
var ErrForbidden = errors.New("admin role required")

func notFound(err error, what string, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, what, id)
	}
	return err
}
