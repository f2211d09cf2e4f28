package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"warnet/backend/internal/domain"
)

const (
	DefaultSweepInterval     = 30 * time.Second
	DefaultLivenessThreshold = 30 * time.Second
)

// SweepStaleTerminals marks every terminal that has not been seen within
// threshold as OFFLINE and pauses its active session. Failures are isolated
// per terminal. It returns how many terminals were taken offline.
func (s *Service) SweepStaleTerminals(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultLivenessThreshold
	}
	cutoff := s.now().Add(-threshold)

	stale, err := s.repo.ListStaleTerminals(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, terminal := range stale {
		ok, err := s.markOffline(ctx, terminal.ID, cutoff)
		if err != nil {
			log.Printf("[liveness] WARN: terminal %s: %v", terminal.ID, err)
			continue
		}
		if ok {
			marked++
		}
	}
	return marked, nil
}

// markOffline reports false when the terminal was seen or went offline after
// it was listed.
func (s *Service) markOffline(ctx context.Context, terminalID string, cutoff time.Time) (bool, error) {
	result, err := s.repo.MarkTerminalOffline(ctx, terminalID, cutoff, s.now())
	if isConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.recordStatus(ctx, result.Terminal, "liveness")
	if result.Paused {
		session := *result.Open
		s.logAudit(ctx, "session_pause", "session", session.ID, fmt.Sprintf("status=%s,terminal=%s,reason=offline", session.Status, session.TerminalID))
		s.notifier.NotifyAdmins(domain.EventSessionUpdated, session)
	}
	return true, nil
}

// Monitor runs the liveness sweep on a fixed period until its context ends.
// A missed tick is harmless: the next one re-evaluates the same condition.
type Monitor struct {
	svc       *Service
	interval  time.Duration
	threshold time.Duration
}

func NewMonitor(svc *Service, interval time.Duration, threshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultLivenessThreshold
	}
	return &Monitor{svc: svc, interval: interval, threshold: threshold}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	marked, err := m.svc.SweepStaleTerminals(ctx, m.threshold)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[liveness] WARN: sweep failed: %v", err)
		}
		return
	}
	if marked > 0 {
		log.Printf("[liveness] marked %d terminal(s) offline", marked)
	}
}
