package reengage

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// SweepPolicy adds the recovery-sweep knobs to the scheduler policy.
type SweepPolicy interface {
	Policy
	SweepCron() string
}

// RunSweep nudges users whose silence window elapsed while no in-process
// timer was armed for them, which happens after a restart. One nudge per
// user even when several of their sessions qualify.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	if !s.policy.ReengageEnabled() {
		return nil
	}

	cutoff := time.Now().Add(-s.policy.ReengageTimeout())
	candidates, err := s.directory.Store().InactiveCandidates(ctx, cutoff, s.policy.PaidStatuses())
	if err != nil {
		return fmt.Errorf("list inactive candidates: %w", err)
	}

	seen := make(map[string]bool)
	for _, sess := range candidates {
		if seen[sess.UserID] {
			continue
		}
		seen[sess.UserID] = true

		// A live timer means the normal path owns this user.
		if s.armed(sess.UserID) {
			continue
		}
		s.log.Info("recovery sweep nudging silent user",
			"user_id", sess.UserID, "last_message_at", sess.LastMessageAt)
		s.Nudge(ctx, sess.UserID, sess.ConversationID)
	}
	return nil
}

func (s *Scheduler) armed(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[userID]
	return ok
}

// RunSweepLoop runs RunSweep on the configured cron schedule until ctx ends.
func (s *Scheduler) RunSweepLoop(ctx context.Context, policy SweepPolicy) error {
	expr := policy.SweepCron()
	if expr == "" {
		return nil
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid sweep cron expression %q", expr)
	}

	for {
		next, err := gronx.NextTick(expr, false)
		if err != nil {
			return fmt.Errorf("compute next sweep tick: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		if err := s.RunSweep(ctx); err != nil {
			s.log.Error("recovery sweep failed", "error", err)
		}
	}
}
