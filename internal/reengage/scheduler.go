// Package reengage owns the silence timers: when a buyer stops replying, one
// proactive AI turn is sent after the configured window, at most once per
// silence period, and never to a buyer who already paid.
package reengage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seastall/fishreply/internal/bus"
	"github.com/seastall/fishreply/internal/sessions"
)

// TurnFunc issues the proactive AI turn with the trigger payload.
type TurnFunc func(ctx context.Context, userID, conversationID, trigger string) (string, error)

// DeliverFunc forwards the nudge text to the buyer's thread.
type DeliverFunc func(ctx context.Context, userID, text string) error

// Policy supplies the (hot-reloadable) re-engagement knobs.
type Policy interface {
	ReengageEnabled() bool
	ReengageTimeout() time.Duration
	ReengageTrigger() string
	ReengageSkipMarker() string
	PaidStatuses() []string
	IsErrorReply(reply string) bool
}

// Scheduler keeps at most one live silence timer per user. Arming always
// cancels the previous timer; a cancelled timer's in-flight fire observes its
// own cancellation and becomes a no-op.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*timerEntry

	directory *sessions.Directory
	policy    Policy
	turn      TurnFunc
	deliver   DeliverFunc
	sink      bus.EventSink
	log       *slog.Logger
}

type timerEntry struct {
	timer          *time.Timer
	gen            uint64
	conversationID string
}

func NewScheduler(dir *sessions.Directory, policy Policy, turn TurnFunc, deliver DeliverFunc, sink bus.EventSink, log *slog.Logger) *Scheduler {
	if sink == nil {
		sink = bus.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		timers:    make(map[string]*timerEntry),
		directory: dir,
		policy:    policy,
		turn:      turn,
		deliver:   deliver,
		sink:      sink,
		log:       log.With("component", "reengage"),
	}
}

// Arm starts (or restarts) the user's silence timer against the given
// conversation. Called after every outbound reply.
func (s *Scheduler) Arm(userID, conversationID string) {
	if !s.policy.ReengageEnabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[userID]
	if !ok {
		e = &timerEntry{}
		s.timers[userID] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	e.conversationID = conversationID
	gen := e.gen
	e.timer = time.AfterFunc(s.policy.ReengageTimeout(), func() {
		s.fire(userID, gen)
	})
}

// Disarm cancels the user's timer. Called whenever the buyer speaks again.
func (s *Scheduler) Disarm(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[userID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	delete(s.timers, userID)
}

func (s *Scheduler) fire(userID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[userID]
	if !ok || e.gen != gen {
		// Disarmed or re-armed while this callback was in flight.
		s.mu.Unlock()
		return
	}
	conversationID := e.conversationID
	delete(s.timers, userID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.Nudge(ctx, userID, conversationID)
}

// Nudge runs the proactive turn for a user right now. Shared by timer fires
// and the restart-recovery sweep.
func (s *Scheduler) Nudge(ctx context.Context, userID, conversationID string) {
	already, err := s.directory.InactiveSent(ctx, userID)
	if err != nil {
		s.log.Error("inactive flag lookup failed", "user_id", userID, "error", err)
		return
	}
	if already {
		return
	}

	paid, err := s.directory.HasPaid(ctx, userID, s.policy.PaidStatuses())
	if err != nil {
		s.log.Error("paid status lookup failed", "user_id", userID, "error", err)
		return
	}
	if paid {
		s.log.Debug("skipping nudge for paying customer", "user_id", userID)
		s.sink.Publish(bus.Event{Name: bus.EventReengageSkip, Payload: map[string]string{
			"user_id": userID, "reason": "paid",
		}})
		return
	}

	reply, err := s.turn(ctx, userID, conversationID, s.policy.ReengageTrigger())
	if err != nil {
		// The attempt still counts; a broken backend must not retrigger nagging.
		s.log.Error("nudge turn failed", "user_id", userID, "error", err)
		s.markSent(ctx, userID)
		return
	}

	switch {
	case reply == "" || reply == s.policy.ReengageSkipMarker():
		s.log.Info("nudge suppressed by skip marker", "user_id", userID)
		s.sink.Publish(bus.Event{Name: bus.EventReengageSkip, Payload: map[string]string{
			"user_id": userID, "reason": "skip_marker",
		}})
	case s.policy.IsErrorReply(reply):
		s.log.Warn("nudge suppressed, error-shaped reply", "user_id", userID)
		s.sink.Publish(bus.Event{Name: bus.EventReengageSkip, Payload: map[string]string{
			"user_id": userID, "reason": "error_reply",
		}})
	default:
		if err := s.deliver(ctx, userID, reply); err != nil {
			s.log.Error("nudge delivery failed", "user_id", userID, "error", err)
		} else {
			s.log.Info("nudge delivered", "user_id", userID)
			s.sink.Publish(bus.Event{Name: bus.EventReengageSent, Payload: map[string]string{
				"user_id": userID,
			}})
		}
	}

	s.markSent(ctx, userID)
}

func (s *Scheduler) markSent(ctx context.Context, userID string) {
	if err := s.directory.MarkInactiveSent(ctx, userID); err != nil {
		s.log.Error("mark inactive_sent failed", "user_id", userID, "error", err)
	}
}

// Stop cancels all live timers; intended for shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, e := range s.timers {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		delete(s.timers, userID)
	}
}
