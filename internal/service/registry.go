package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
	"warnet/backend/internal/xid"
)

// RegisterTerminal resolves the identity of a connecting terminal. The device
// token is authoritative; a display-name match adopts the presented token so
// renamed or reinstalled agents do not create duplicate rows.
func (s *Service) RegisterTerminal(ctx context.Context, name string, deviceToken string) (domain.Terminal, error) {
	name = strings.TrimSpace(name)
	deviceToken = strings.TrimSpace(deviceToken)
	if name == "" && deviceToken == "" {
		return domain.Terminal{}, fmt.Errorf("%w: name or device token required", store.ErrValidation)
	}

	terminal, how, err := s.resolveTerminal(ctx, name, deviceToken)
	if err != nil {
		return domain.Terminal{}, err
	}

	if err := s.repo.TouchTerminal(ctx, terminal.ID, s.now()); err != nil {
		return domain.Terminal{}, err
	}
	synced, _, changed, err := s.resyncStatus(ctx, terminal.ID, "register")
	if err != nil {
		return domain.Terminal{}, err
	}
	if !changed {
		s.notifier.NotifyAdmins(domain.EventTerminalStatusChanged, synced)
	}

	s.logAudit(ctx, "terminal_register", "terminal", synced.ID, fmt.Sprintf("name=%s,resolved_by=%s,status=%s", synced.DisplayName, how, synced.Status))
	return synced, nil
}

func (s *Service) resolveTerminal(ctx context.Context, name string, deviceToken string) (*domain.Terminal, string, error) {
	if deviceToken != "" {
		terminal, err := s.repo.GetTerminalByToken(ctx, deviceToken)
		if err == nil {
			return terminal, "token", nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	if name != "" {
		terminal, err := s.repo.GetTerminalByName(ctx, name)
		if err == nil {
			if deviceToken == "" || deviceToken == terminal.DeviceToken {
				return terminal, "name", nil
			}
			adopted, err := s.repo.AdoptTerminalToken(ctx, terminal.ID, deviceToken)
			if err != nil {
				return nil, "", err
			}
			return adopted, "name_migrated", nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	if deviceToken == "" {
		deviceToken = xid.Token()
	}
	if name == "" {
		name = "terminal-" + deviceToken[:min(8, len(deviceToken))]
	}
	now := s.now()
	created, err := s.repo.CreateTerminal(ctx, domain.Terminal{
		ID:          xid.New("term"),
		DisplayName: name,
		DeviceToken: deviceToken,
		Status:      domain.TerminalAvailable,
		LastSeenAt:  now,
		CreatedAt:   now,
	})
	if errors.Is(err, store.ErrConflict) {
		// A concurrent hello with the same token won the insert.
		existing, lookupErr := s.repo.GetTerminalByToken(ctx, deviceToken)
		if lookupErr != nil {
			return nil, "", err
		}
		return existing, "token", nil
	}
	if err != nil {
		return nil, "", err
	}
	return created, "created", nil
}

// Heartbeat refreshes liveness. A terminal the monitor marked OFFLINE gets its
// status re-derived from its sessions; any other status already matches.
func (s *Service) Heartbeat(ctx context.Context, deviceToken string) (domain.Terminal, error) {
	terminal, err := s.repo.GetTerminalByToken(ctx, strings.TrimSpace(deviceToken))
	if err != nil {
		return domain.Terminal{}, notFound(err, "terminal token", deviceToken)
	}

	if err := s.repo.TouchTerminal(ctx, terminal.ID, s.now()); err != nil {
		return domain.Terminal{}, err
	}
	synced, _, _, err := s.resyncStatus(ctx, terminal.ID, "heartbeat")
	if err != nil {
		return domain.Terminal{}, err
	}
	return synced, nil
}

// ReconcileOnReconnect computes the command a reconnecting terminal must
// apply. Calling it again without an intervening state change yields the
// same answer.
func (s *Service) ReconcileOnReconnect(ctx context.Context, deviceToken string) (domain.Reconciliation, error) {
	terminal, err := s.repo.GetTerminalByToken(ctx, strings.TrimSpace(deviceToken))
	if err != nil {
		return domain.Reconciliation{}, notFound(err, "terminal token", deviceToken)
	}

	if err := s.repo.TouchTerminal(ctx, terminal.ID, s.now()); err != nil {
		return domain.Reconciliation{}, err
	}
	synced, open, _, err := s.resyncStatus(ctx, terminal.ID, "reconnect")
	if err != nil {
		return domain.Reconciliation{}, err
	}

	result := domain.Reconciliation{Terminal: synced, Command: domain.CommandLock}
	if open != nil && open.Status == domain.SessionActive {
		result.Command = domain.CommandUnlock
		result.Session = open
	}
	return result, nil
}

func (s *Service) GetTerminal(ctx context.Context, id string) (domain.Terminal, error) {
	terminal, err := s.repo.GetTerminal(ctx, id)
	if err != nil {
		return domain.Terminal{}, notFound(err, "terminal", id)
	}
	return *terminal, nil
}

func (s *Service) ListTerminals(ctx context.Context) ([]domain.Terminal, error) {
	return s.repo.ListTerminals(ctx)
}

// resyncStatus re-derives the terminal's status from its open session in one
// store operation and returns the session it was derived from.
func (s *Service) resyncStatus(ctx context.Context, terminalID string, reason string) (domain.Terminal, *domain.Session, bool, error) {
	result, err := s.repo.SyncTerminalStatus(ctx, terminalID)
	if err != nil {
		return domain.Terminal{}, nil, false, notFound(err, "terminal", terminalID)
	}
	if result.Changed {
		s.recordStatus(ctx, result.Terminal, reason)
	}
	return result.Terminal, result.Open, result.Changed, nil
}

// recordStatus audits and publishes a status written outside a session
// transition.
func (s *Service) recordStatus(ctx context.Context, terminal domain.Terminal, reason string) {
	s.logAudit(ctx, "terminal_status", "terminal", terminal.ID, fmt.Sprintf("status=%s,reason=%s", terminal.Status, reason))
	s.notifier.NotifyAdmins(domain.EventTerminalStatusChanged, terminal)
}

// announceTerminal audits and publishes a status written inside a session
// transition.
func (s *Service) announceTerminal(ctx context.Context, terminalID string, reason string) {
	terminal, err := s.repo.GetTerminal(ctx, terminalID)
	if err != nil {
		log.Printf("[service] WARN: failed to load terminal %s after %s: %v", terminalID, reason, err)
		return
	}
	s.logAudit(ctx, "terminal_status", "terminal", terminalID, fmt.Sprintf("status=%s,reason=%s", terminal.Status, reason))
	s.notifier.NotifyAdmins(domain.EventTerminalStatusChanged, *terminal)
}
