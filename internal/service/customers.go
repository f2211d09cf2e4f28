package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"warnet/backend/internal/billing"
	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
	"warnet/backend/internal/xid"
)

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}

	customer := domain.Customer{
		ID:           xid.New("cust"),
		Name:         req.Name,
		Status:       domain.CustomerStatusActive,
		Member:       req.Member,
		DiscountRate: req.DiscountRate,
		BalanceCents: req.BalanceCents,
		CreatedAt:    s.now(),
	}
	if !customer.Member {
		customer.DiscountRate = 0
	}
	if err := billing.ValidateCustomer(&customer); err != nil {
		return domain.Customer{}, err
	}

	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, fmt.Sprintf("member=%t,discount=%.4f,balance=%d", created.Member, created.DiscountRate, created.BalanceCents))
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, notFound(err, "customer", id)
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) TopUpCustomer(ctx context.Context, id string, req domain.CustomerTopUpRequest) (domain.Customer, error) {
	if req.AmountCents < 1 {
		return domain.Customer{}, fmt.Errorf("%w: amount_cents must be positive", store.ErrValidation)
	}
	updated, err := s.repo.AdjustCustomerBalance(ctx, id, req.AmountCents)
	if err != nil {
		return domain.Customer{}, notFound(err, "customer", id)
	}
	s.logAudit(ctx, "customer_topup", "customer", updated.ID, fmt.Sprintf("amount=%d,balance=%d", req.AmountCents, updated.BalanceCents))
	return *updated, nil
}

// SetCustomerStatus suspends or reactivates a customer. A suspended customer
// cannot open new sessions; sessions already open run to their end.
func (s *Service) SetCustomerStatus(ctx context.Context, id string, status string) (domain.Customer, error) {
	if status != domain.CustomerStatusActive && status != domain.CustomerStatusSuspended {
		return domain.Customer{}, fmt.Errorf("%w: unknown customer status %q", store.ErrValidation, status)
	}
	updated, err := s.repo.SetCustomerStatus(ctx, id, status)
	if err != nil {
		return domain.Customer{}, notFound(err, "customer", id)
	}
	s.logAudit(ctx, "customer_status", "customer", updated.ID, fmt.Sprintf("status=%s", updated.Status))
	return *updated, nil
}

// SetPrice replaces the active per-minute rate. Sessions already created keep
// the rate they were opened with.
func (s *Service) SetPrice(ctx context.Context, req domain.PriceSetRequest) (domain.Price, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Price{}, err
	}
	if req.PricePerMinuteCents < 1 {
		return domain.Price{}, fmt.Errorf("%w: price_per_minute_cents must be positive", store.ErrValidation)
	}

	saved, err := s.repo.SetActivePrice(ctx, domain.Price{
		ID:                  xid.New("price"),
		PricePerMinuteCents: req.PricePerMinuteCents,
		Active:              true,
		CreatedAt:           s.now(),
	})
	if err != nil {
		return domain.Price{}, err
	}
	if err := s.prices.Invalidate(ctx); err != nil {
		log.Printf("[service] WARN: failed to invalidate price cache: %v", err)
	}
	s.logAudit(ctx, "price_set", "price", saved.ID, fmt.Sprintf("per_minute=%d", saved.PricePerMinuteCents))
	return *saved, nil
}

func (s *Service) ActivePrice(ctx context.Context) (domain.Price, error) {
	price, err := s.activePrice(ctx)
	if err != nil {
		return domain.Price{}, err
	}
	return *price, nil
}

func (s *Service) activePrice(ctx context.Context) (*domain.Price, error) {
	if cached, ok, err := s.prices.Get(ctx); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: price cache read failed: %v", err)
	}

	price, err := s.repo.GetActivePrice(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no active price configured", store.ErrValidation)
	}
	if err != nil {
		return nil, err
	}
	if err := s.prices.Set(ctx, price, s.priceTTL); err != nil {
		log.Printf("[service] WARN: price cache write failed: %v", err)
	}
	return price, nil
}

func (s *Service) ListBillingTransactions(ctx context.Context, date string, limit int) ([]domain.BillingTransaction, error) {
	if limit < 1 {
		limit = 200
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		now := s.now()
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = parsed.UTC()
	}
	return s.repo.ListBillingTransactions(ctx, from, from.Add(24*time.Hour), limit)
}
