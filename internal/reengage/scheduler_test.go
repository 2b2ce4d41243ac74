package reengage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seastall/fishreply/internal/sessions"
	"github.com/seastall/fishreply/internal/store"
)

type stubPolicy struct {
	enabled    bool
	timeout    time.Duration
	trigger    string
	skipMarker string
	paid       []string
}

func (p stubPolicy) ReengageEnabled() bool          { return p.enabled }
func (p stubPolicy) ReengageTimeout() time.Duration { return p.timeout }
func (p stubPolicy) ReengageTrigger() string        { return p.trigger }
func (p stubPolicy) ReengageSkipMarker() string     { return p.skipMarker }
func (p stubPolicy) PaidStatuses() []string         { return p.paid }
func (p stubPolicy) IsErrorReply(reply string) bool {
	return strings.Contains(reply, "抱歉，") || strings.Contains(reply, "超时")
}

func defaultPolicy() stubPolicy {
	return stubPolicy{
		enabled:    true,
		timeout:    20 * time.Millisecond,
		trigger:    "[inactive]",
		skipMarker: "[inact_skip]",
		paid:       []string{"已付款", "已发货", "交易成功"},
	}
}

type backend struct {
	mu        sync.Mutex
	reply     string
	turnErr   error
	turns     int
	delivered []string
}

func (b *backend) turn(_ context.Context, _, _, trigger string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns++
	if trigger != "[inactive]" {
		return "", errors.New("unexpected trigger payload")
	}
	return b.reply, b.turnErr
}

func (b *backend) deliver(_ context.Context, _, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, text)
	return nil
}

func (b *backend) turnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turns
}

func (b *backend) deliveries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.delivered...)
}

func setup(t *testing.T, policy Policy, b *backend) (*Scheduler, *sessions.Directory) {
	t.Helper()
	dir := sessions.NewDirectory(store.NewMemoryStore(), nil)
	s := NewScheduler(dir, policy, b.turn, b.deliver, nil, nil)
	t.Cleanup(s.Stop)
	return s, dir
}

func TestNudge_ForwardsReply(t *testing.T) {
	b := &backend{reply: "还在考虑吗？有问题随时问我"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}

	s.Nudge(ctx, "u1", "conv-1")

	if got := b.deliveries(); len(got) != 1 || got[0] != "还在考虑吗？有问题随时问我" {
		t.Errorf("deliveries = %v, want the AI reply forwarded once", got)
	}
	sent, _ := dir.InactiveSent(ctx, "u1")
	if !sent {
		t.Error("inactive_sent must be set after a delivered nudge")
	}
}

func TestNudge_PaidCustomerSuppressed(t *testing.T) {
	b := &backend{reply: "在吗"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}
	if err := dir.UpdateOrderStatus(ctx, "u1", "item-a", "已付款"); err != nil {
		t.Fatal(err)
	}

	s.Nudge(ctx, "u1", "conv-1")

	if b.turnCount() != 0 {
		t.Error("no AI call may happen for a paying customer")
	}
	if len(b.deliveries()) != 0 {
		t.Error("nothing may be sent to a paying customer")
	}
	sent, _ := dir.InactiveSent(ctx, "u1")
	if sent {
		t.Error("suppression by payment must not set inactive_sent")
	}
}

func TestNudge_SkipMarkerSuppressedButCounted(t *testing.T) {
	b := &backend{reply: "[inact_skip]"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}

	s.Nudge(ctx, "u1", "conv-1")

	if len(b.deliveries()) != 0 {
		t.Error("skip marker reply must not reach the buyer")
	}
	sent, _ := dir.InactiveSent(ctx, "u1")
	if !sent {
		t.Error("a suppressed nudge still counts as attempted")
	}
}

func TestNudge_ErrorReplySuppressedButCounted(t *testing.T) {
	b := &backend{reply: "抱歉，系统繁忙请稍后再试"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}

	s.Nudge(ctx, "u1", "conv-1")

	if len(b.deliveries()) != 0 {
		t.Error("error-shaped reply must not reach the buyer")
	}
	sent, _ := dir.InactiveSent(ctx, "u1")
	if !sent {
		t.Error("an errored nudge still counts as attempted")
	}
}

func TestNudge_IdempotentUntilRearmed(t *testing.T) {
	b := &backend{reply: "还在吗"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}

	s.Nudge(ctx, "u1", "conv-1")
	s.Nudge(ctx, "u1", "conv-1")

	if b.turnCount() != 1 {
		t.Errorf("turns = %d, want exactly one until the flag is reset", b.turnCount())
	}

	// The buyer speaks again: flag clears, a new silence window may nudge.
	if err := dir.ResetInactive(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	s.Nudge(ctx, "u1", "conv-1")
	if b.turnCount() != 2 {
		t.Errorf("turns = %d, want a second nudge after reset", b.turnCount())
	}
}

func TestArm_TimerFiresOnce(t *testing.T) {
	b := &backend{reply: "还在吗"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}

	s.Arm("u1", "conv-1")
	time.Sleep(100 * time.Millisecond)

	if b.turnCount() != 1 {
		t.Errorf("turns = %d, want exactly one timer fire", b.turnCount())
	}
	if len(b.deliveries()) != 1 {
		t.Errorf("deliveries = %v, want one nudge", b.deliveries())
	}
}

func TestDisarm_CancelsPendingTimer(t *testing.T) {
	b := &backend{reply: "还在吗"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}

	s.Arm("u1", "conv-1")
	s.Disarm("u1")
	time.Sleep(100 * time.Millisecond)

	if b.turnCount() != 0 {
		t.Error("a disarmed timer must never fire")
	}
}

func TestArm_ReplacesExistingTimer(t *testing.T) {
	b := &backend{reply: "还在吗"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()
	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}

	// Re-arming keeps at most one live timer; total fires stay at one.
	s.Arm("u1", "conv-1")
	s.Arm("u1", "conv-1")
	s.Arm("u1", "conv-2")
	time.Sleep(100 * time.Millisecond)

	if b.turnCount() != 1 {
		t.Errorf("turns = %d, want a single fire from the last armed timer", b.turnCount())
	}
}

func TestRunSweep_NudgesStaleSessions(t *testing.T) {
	b := &backend{reply: "还在吗"}
	s, dir := setup(t, defaultPolicy(), b)
	ctx := context.Background()

	if _, err := dir.GetOrCreate(ctx, "u1", "item-a", "小明"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Touch(ctx, "u1", "item-a", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Active user: recent activity, must not be swept.
	if _, err := dir.GetOrCreate(ctx, "u2", "item-b", "小红"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Touch(ctx, "u2", "item-b", time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := s.RunSweep(ctx); err != nil {
		t.Fatal(err)
	}

	if b.turnCount() != 1 {
		t.Errorf("turns = %d, want only the stale user nudged", b.turnCount())
	}
}
