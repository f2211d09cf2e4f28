package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
)

// DispatchCommand records a LOCK/UNLOCK instruction and hands it to the
// terminal's live connection if there is one. There is no retry: a terminal
// that misses a command is corrected by ReconcileOnReconnect.
func (s *Service) DispatchCommand(ctx context.Context, terminalID string, kind domain.CommandKind, session *domain.Session) (domain.Command, error) {
	cmd, err := s.repo.CreateCommand(ctx, domain.Command{
		TerminalID: terminalID,
		Kind:       kind,
		Status:     domain.CommandPending,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return domain.Command{}, err
	}

	frame := domain.CommandFrame{Command: kind, CommandID: cmd.ID, Session: session}
	if s.notifier.NotifyTerminal(terminalID, domain.EventCommand, frame) {
		sentAt := s.now()
		if err := s.repo.MarkCommandSent(ctx, cmd.ID, sentAt); err != nil {
			log.Printf("[service] WARN: failed to mark command %s sent: %v", cmd.ID, err)
		} else {
			cmd.Status = domain.CommandSent
			cmd.SentAt = &sentAt
		}
	}

	s.notifier.NotifyAdmins(domain.EventCommandSent, *cmd)
	return *cmd, nil
}

func (s *Service) AcknowledgeCommand(ctx context.Context, commandID string) (domain.Command, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return domain.Command{}, fmt.Errorf("%w: commandId is required", store.ErrValidation)
	}

	cmd, err := s.repo.AcknowledgeCommand(ctx, commandID, s.now())
	if err != nil {
		return domain.Command{}, notFound(err, "command", commandID)
	}
	s.logAudit(ctx, "command_ack", "command", cmd.ID, fmt.Sprintf("kind=%s,terminal=%s", cmd.Kind, cmd.TerminalID))
	return *cmd, nil
}

func (s *Service) ListCommands(ctx context.Context, terminalID string, limit int) ([]domain.Command, error) {
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListCommands(ctx, terminalID, limit)
}

// ForceCommand lets an administrator lock or unlock a terminal outside the
// session flow. It does not touch session or terminal status.
func (s *Service) ForceCommand(ctx context.Context, terminalID string, kind domain.CommandKind) (domain.Command, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Command{}, err
	}
	if kind != domain.CommandLock && kind != domain.CommandUnlock {
		return domain.Command{}, fmt.Errorf("%w: unknown command %q", store.ErrValidation, kind)
	}
	terminal, err := s.repo.GetTerminal(ctx, terminalID)
	if err != nil {
		return domain.Command{}, notFound(err, "terminal", terminalID)
	}

	cmd, err := s.DispatchCommand(ctx, terminal.ID, kind, nil)
	if err != nil {
		return domain.Command{}, err
	}
	s.logAudit(ctx, "terminal_force_"+strings.ToLower(string(kind)), "terminal", terminal.ID, fmt.Sprintf("command=%s,delivered=%t", cmd.ID, cmd.Status == domain.CommandSent))
	return cmd, nil
}
