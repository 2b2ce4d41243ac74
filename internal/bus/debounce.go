package bus

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ActionKind classifies the outcome of offering a fragment to the debouncer.
type ActionKind int

const (
	// Queued means the fragment was short and is waiting for more input.
	Queued ActionKind = iota
	// Flushed means a merged utterance is ready to dispatch now.
	Flushed
)

// Action is the result of Offer. On Flushed, Merged holds the fragments
// concatenated in arrival order and Pending the queue context.
type Action struct {
	Kind    ActionKind
	Merged  string
	Pending *Pending
}

// Pending is one user's debounce queue entry: the ordered raw fragments plus
// an opaque snapshot of whatever context the dispatcher captured when the
// queue was created. Exactly one Pending may exist per user.
type Pending struct {
	UserID    string
	Fragments []string
	Snapshot  interface{}
}

func (p *Pending) merged() string {
	return strings.Join(p.Fragments, "")
}

// FlushFunc is invoked when a debounce timer fires with no further input.
// It runs on the timer goroutine, never with the debouncer lock held.
type FlushFunc func(p *Pending, merged string)

// Policy supplies the (hot-reloadable) debounce knobs.
type Policy interface {
	DebounceEnabled() bool
	DebounceWait() time.Duration
	DebounceMinLength() int
}

// InboundDebouncer merges rapid short messages from the same user into one
// utterance before dispatch. Per-user: concurrent users never block each
// other, and at most one timer per user is live at any instant — arming a
// new one always cancels the old, and a cancelled timer's in-flight fire
// observes its own cancellation and becomes a no-op.
type InboundDebouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	policy  Policy
	flush   FlushFunc
}

type pendingEntry struct {
	p     *Pending
	timer *time.Timer
	gen   uint64
}

// NewInboundDebouncer creates a debouncer that calls flush for timer-driven
// merges. Forced flushes are returned from Offer instead, so the caller can
// dispatch them on the spot; both paths are expected to converge on the same
// downstream code.
func NewInboundDebouncer(policy Policy, flush FlushFunc) *InboundDebouncer {
	return &InboundDebouncer{
		pending: make(map[string]*pendingEntry),
		policy:  policy,
		flush:   flush,
	}
}

// Offer routes one raw fragment through the merge policy.
//
// A fragment is "short" when its trimmed rune count is below the configured
// threshold. Short fragments queue and (re)start the wait timer from zero;
// a complete fragment drains the queue immediately, appended last.
func (d *InboundDebouncer) Offer(userID, fragment string, snapshot interface{}) Action {
	short := d.policy.DebounceEnabled() &&
		utf8.RuneCountInString(strings.TrimSpace(fragment)) < d.policy.DebounceMinLength()

	d.mu.Lock()
	e, exists := d.pending[userID]

	if short {
		if !exists {
			e = &pendingEntry{p: &Pending{UserID: userID, Snapshot: snapshot}}
			d.pending[userID] = e
		}
		e.p.Fragments = append(e.p.Fragments, fragment)
		d.armLocked(userID, e)
		d.mu.Unlock()
		return Action{Kind: Queued, Pending: e.p}
	}

	if exists {
		// Complete message closes out the waiting queue: cancel the timer,
		// append, drain.
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++ // an already-fired callback must see the change and no-op
		e.p.Fragments = append(e.p.Fragments, fragment)
		delete(d.pending, userID)
		d.mu.Unlock()
		return Action{Kind: Flushed, Merged: e.p.merged(), Pending: e.p}
	}

	d.mu.Unlock()
	p := &Pending{UserID: userID, Fragments: []string{fragment}, Snapshot: snapshot}
	return Action{Kind: Flushed, Merged: fragment, Pending: p}
}

// armLocked (re)starts the user's wait timer. Caller holds d.mu.
func (d *InboundDebouncer) armLocked(userID string, e *pendingEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(d.policy.DebounceWait(), func() {
		d.fire(userID, gen)
	})
}

func (d *InboundDebouncer) fire(userID string, gen uint64) {
	d.mu.Lock()
	e, ok := d.pending[userID]
	if !ok || e.gen != gen {
		// Superseded or force-flushed while this callback was in flight.
		d.mu.Unlock()
		return
	}
	delete(d.pending, userID)
	d.mu.Unlock()

	d.flush(e.p, e.p.merged())
}

// PendingFor returns the user's queue, or nil. Test/introspection helper.
func (d *InboundDebouncer) PendingFor(userID string) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.pending[userID]; ok {
		return e.p
	}
	return nil
}

// Stop cancels all live timers. Queued fragments are dropped; intended for
// shutdown only.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for userID, e := range d.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		delete(d.pending, userID)
	}
}
