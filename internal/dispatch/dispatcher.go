// Package dispatch drives the reply pipeline: poll the storefront for unread
// threads, merge buyer fragments, dedupe, attach memory context, run the AI
// turn, send the reply, and arm the silence timer.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seastall/fishreply/internal/bus"
	"github.com/seastall/fishreply/internal/config"
	"github.com/seastall/fishreply/internal/market"
	"github.com/seastall/fishreply/internal/memctx"
	"github.com/seastall/fishreply/internal/reengage"
	"github.com/seastall/fishreply/internal/sessions"
	"github.com/seastall/fishreply/internal/store"
)

// AI is the chat backend surface the dispatcher needs.
type AI interface {
	CreateConversation(ctx context.Context) (string, error)
	Chat(ctx context.Context, conversationID, userID, message string, variables map[string]string) (string, error)
}

// Dispatcher owns the poll loop. The browser page is a single shared
// resource: browserMu serializes thread work between the poll loop, debounce
// flushes, and re-engagement deliveries.
type Dispatcher struct {
	adapter   market.Adapter
	ai        AI
	directory *sessions.Directory
	assembler *memctx.Assembler
	reengager *reengage.Scheduler
	dedupe    *bus.DedupeCache
	debouncer *bus.InboundDebouncer
	cfg       *config.Config
	sink      bus.EventSink
	tracer    trace.Tracer
	log       *slog.Logger

	browserMu sync.Mutex

	fragMu   sync.Mutex
	fragSeen map[string]fragCursor
}

// turnSnapshot is the context captured when an utterance enters the pipeline,
// carried through a possible debounce wait.
type turnSnapshot struct {
	session   *store.Session
	buyerName string
	variables map[string]string
	prefix    string
}

func New(adapter market.Adapter, ai AI, dir *sessions.Directory, assembler *memctx.Assembler, cfg *config.Config, sink bus.EventSink, log *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = bus.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		adapter:   adapter,
		ai:        ai,
		directory: dir,
		assembler: assembler,
		cfg:       cfg,
		sink:      sink,
		tracer:    otel.Tracer("fishreply/dispatch"),
		log:       log.With("component", "dispatch"),
		fragSeen:  make(map[string]fragCursor),
	}
	d.dedupe = bus.NewDedupeCache()
	d.debouncer = bus.NewInboundDebouncer(cfg, d.onDebounceFlush)
	d.reengager = reengage.NewScheduler(dir, cfg, d.reengageTurn, d.DeliverToUser, sink, log)
	return d
}

// Reengager exposes the scheduler for the recovery sweep loop.
func (d *Dispatcher) Reengager() *reengage.Scheduler { return d.reengager }

// Run polls for unread threads until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatch loop started", "interval", d.cfg.CheckInterval())
	defer d.debouncer.Stop()
	defer d.reengager.Stop()

	ticker := time.NewTicker(d.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatch loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		if removed := d.dedupe.Purge(d.cfg.DedupeTTL()); removed > 0 {
			d.log.Debug("purged expired fingerprints", "count", removed)
		}
		d.pollOnce(ctx)
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	d.browserMu.Lock()
	defer d.browserMu.Unlock()

	threads, err := d.adapter.ListUnreadThreads(ctx)
	if err != nil {
		d.log.Error("list unread threads failed", "error", err)
		return
	}
	for _, t := range threads {
		if err := d.handleThread(ctx, t); err != nil {
			d.log.Error("thread handling failed", "buyer", t.BuyerName, "error", err)
		}
	}
}

// handleThread processes one unread thread. Caller holds browserMu.
func (d *Dispatcher) handleThread(ctx context.Context, t market.ThreadRef) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.handleThread",
		trace.WithAttributes(attribute.String("buyer", t.BuyerName)))
	defer span.End()

	if err := d.adapter.Enter(ctx, t); err != nil {
		return err
	}
	defer func() {
		if err := d.adapter.Leave(ctx); err != nil {
			d.log.Warn("leave thread failed", "error", err)
		}
	}()

	fragments, err := d.adapter.Fragments(ctx)
	if err != nil {
		return err
	}
	if len(fragments) == 0 {
		// Nothing actionable (system notices only, or already answered).
		return nil
	}

	identity, err := d.adapter.Identifiers(ctx, t.BuyerName)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("user_id", identity.UserID),
		attribute.String("item_id", identity.ItemID),
		attribute.Bool("degraded_identity", identity.Degraded),
	)

	// The adapter reports every buyer message since the seller's last reply,
	// so earlier fragments reappear on each poll until a reply resets the
	// window. Only the unseen tail is new input.
	newFragments := d.consumeNew(identity.UserID, identity.ItemID, fragments)
	text := mergeFragments(newFragments)
	if text == "" {
		return nil
	}
	d.log.Info("buyer message", "buyer", t.BuyerName, "text", preview(text))

	product, err := d.adapter.ProductInfo(ctx)
	if err != nil {
		d.log.Debug("product info unavailable", "error", err)
	}
	orderStatus := product.OrderStatus
	if orderStatus == "" {
		orderStatus = t.OrderStatus
	}

	sess, err := d.directory.GetOrCreate(ctx, identity.UserID, identity.ItemID, t.BuyerName)
	if err != nil {
		return err
	}
	if err := d.directory.UpdateOrderStatus(ctx, identity.UserID, identity.ItemID, orderStatus); err != nil {
		d.log.Warn("order status update failed", "error", err)
	}
	sess.OrderStatus = orderStatus

	// The buyer spoke: cancel any pending nudge and let a future silence
	// window trigger again.
	d.reengager.Disarm(identity.UserID)
	if err := d.directory.ResetInactive(ctx, identity.UserID); err != nil {
		d.log.Warn("inactive flag reset failed", "error", err)
	}

	if d.cfg.DedupeEnabled() {
		key := bus.FingerprintKey(identity.UserID, text)
		if d.dedupe.ShouldSkip(key, d.cfg.DedupeTTL()) {
			d.log.Debug("duplicate message skipped", "buyer", t.BuyerName)
			d.sink.Publish(bus.Event{Name: bus.EventDedupeSkip, Payload: map[string]string{
				"user_id": identity.UserID,
			}})
			return nil
		}
	}

	// The memory prefix must be computed while the session is still
	// conversation-less; conversation creation comes right after.
	var prefix string
	if mc := d.assembler.BuildPrefix(ctx, sess, text); mc != nil {
		prefix = mc.Prefix
		d.log.Info("memory context attached", "user_id", identity.UserID)
	}

	if sess.ConversationID == "" {
		convID, err := d.ai.CreateConversation(ctx)
		if err != nil {
			return err
		}
		if err := d.directory.BindConversation(ctx, identity.UserID, identity.ItemID, convID); err != nil {
			d.log.Warn("conversation bind failed", "error", err)
		}
		sess.ConversationID = convID
		d.log.Info("conversation created", "user_id", identity.UserID, "conversation_id", convID)
		d.sink.Publish(bus.Event{Name: bus.EventConversationNew, Payload: map[string]string{
			"user_id": identity.UserID, "conversation_id": convID,
		}})
	}

	variables := map[string]string{
		"buyer_name":    t.BuyerName,
		"user_id":       identity.UserID,
		"order_status":  orderStatus,
		"product_info":  product.Info,
		"customer_type": sess.CustomerType,
	}
	if p := d.cfg.PromptText(); p != "" {
		variables["prompt"] = p
	}
	snapshot := &turnSnapshot{
		session:   sess,
		buyerName: t.BuyerName,
		prefix:    prefix,
		variables: variables,
	}

	queued := false
	for _, f := range newFragments {
		ft := mergeFragments([]market.Fragment{f})
		if ft == "" {
			continue
		}
		action := d.debouncer.Offer(identity.UserID, ft, snapshot)
		if action.Kind == bus.Queued {
			queued = true
			continue
		}
		queued = false
		// Forced flush: still inside the thread, send directly.
		if err := d.dispatchTurn(ctx, snapshot, action.Merged, true); err != nil {
			return err
		}
	}
	if queued {
		d.log.Debug("fragment queued for merge", "buyer", t.BuyerName)
		d.sink.Publish(bus.Event{Name: bus.EventDebounceQueued, Payload: map[string]string{
			"user_id": identity.UserID,
		}})
	}
	return nil
}

// onDebounceFlush handles timer-driven merges. The thread was left long ago,
// so delivery goes through a thread scan.
func (d *Dispatcher) onDebounceFlush(p *bus.Pending, merged string) {
	snapshot, ok := p.Snapshot.(*turnSnapshot)
	if !ok {
		d.log.Error("debounce flush with unexpected snapshot type", "user_id", p.UserID)
		return
	}
	d.sink.Publish(bus.Event{Name: bus.EventDebounceFlush, Payload: map[string]string{
		"user_id": p.UserID,
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := d.dispatchTurn(ctx, snapshot, merged, false); err != nil {
		d.log.Error("debounced turn failed", "user_id", p.UserID, "error", err)
	}
}

// dispatchTurn is the single downstream path for forced and timer flushes.
// Bookkeeping (fingerprint, activity time) happens before the send attempt so
// a send failure never causes the same utterance to look new again.
func (d *Dispatcher) dispatchTurn(ctx context.Context, snap *turnSnapshot, merged string, inThread bool) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.turn",
		trace.WithAttributes(
			attribute.String("user_id", snap.session.UserID),
			attribute.Bool("in_thread", inThread),
		))
	defer span.End()

	userID, itemID := snap.session.UserID, snap.session.ItemID

	message := merged
	if snap.prefix != "" {
		// A prefix computed before a debounce wait applies to the fully
		// merged text, not just the first fragment.
		message = snap.prefix + merged
	}

	if d.cfg.DedupeEnabled() {
		d.dedupe.MarkProcessed(bus.FingerprintKey(userID, merged), d.cfg.DedupeTTL(), d.cfg.DedupeMaxEntries())
	}
	if err := d.directory.Touch(ctx, userID, itemID, time.Now()); err != nil {
		d.log.Warn("activity touch failed", "error", err)
	}

	reply, err := d.ai.Chat(ctx, snap.session.ConversationID, userID, message, snap.variables)
	if err != nil {
		d.sink.Publish(bus.Event{Name: bus.EventTurnFailed, Payload: map[string]string{
			"user_id": userID, "error": err.Error(),
		}})
		return err
	}
	d.log.Info("ai reply", "buyer", snap.buyerName, "text", preview(reply))

	if d.cfg.IsErrorReply(reply) && !d.cfg.ForwardErrorReplies() {
		if fb := d.cfg.FallbackReply(); fb != "" {
			d.log.Warn("error-shaped reply replaced with fallback", "user_id", userID)
			reply = fb
		} else {
			d.log.Warn("error-shaped reply dropped", "user_id", userID)
			d.reengager.Arm(userID, snap.session.ConversationID)
			return nil
		}
	}

	var sendErr error
	if inThread {
		sendErr = d.adapter.Send(ctx, reply)
	} else {
		sendErr = d.DeliverToUser(ctx, userID, reply)
	}
	if sendErr != nil {
		// Logged and dropped; bookkeeping above already settled, so the
		// loop moves on instead of retrying against a broken UI.
		d.log.Error("reply send failed", "user_id", userID, "error", sendErr)
	} else {
		// The reply resets the thread's on-screen window.
		d.resetFragCursor(userID, itemID)
		d.sink.Publish(bus.Event{Name: bus.EventConversation, Payload: map[string]string{
			"user_id":      userID,
			"item_id":      itemID,
			"buyer_name":   snap.buyerName,
			"message":      merged,
			"reply":        reply,
			"order_status": snap.variables["order_status"],
		}})
	}

	d.reengager.Arm(userID, snap.session.ConversationID)
	return nil
}

// reengageTurn is the TurnFunc the silence scheduler uses.
func (d *Dispatcher) reengageTurn(ctx context.Context, userID, conversationID, trigger string) (string, error) {
	return d.ai.Chat(ctx, conversationID, userID, trigger, nil)
}

// DeliverToUser finds the user's thread in the list and sends text into it.
// Used for replies that arrive when no thread is open: timer-driven debounce
// flushes and re-engagement nudges.
func (d *Dispatcher) DeliverToUser(ctx context.Context, userID, text string) error {
	d.browserMu.Lock()
	defer d.browserMu.Unlock()

	threads, err := d.adapter.ListThreads(ctx)
	if err != nil {
		return err
	}

	// Threads matching the user's known display name go first; the id check
	// inside each thread stays authoritative.
	if name := d.knownBuyerName(ctx, userID); name != "" {
		sortThreadsByName(threads, name)
	}
	for _, t := range threads {
		if err := d.adapter.Enter(ctx, t); err != nil {
			continue
		}
		identity, err := d.adapter.Identifiers(ctx, t.BuyerName)
		if err == nil && identity.UserID == userID {
			sendErr := d.adapter.Send(ctx, text)
			if err := d.adapter.Leave(ctx); err != nil {
				d.log.Warn("leave thread failed", "error", err)
			}
			return sendErr
		}
		if err := d.adapter.Leave(ctx); err != nil {
			d.log.Warn("leave thread failed", "error", err)
		}
	}
	return &UserThreadNotFoundError{UserID: userID}
}

func (d *Dispatcher) knownBuyerName(ctx context.Context, userID string) string {
	sessions, err := d.directory.Store().ListByUser(ctx, userID)
	if err != nil || len(sessions) == 0 {
		return ""
	}
	return sessions[0].BuyerName
}

// fragCursor remembers how much of a thread's message window was already
// consumed: the fragment count plus a signature of that prefix, so a window
// reset by an out-of-band seller reply is not mistaken for consumed input.
type fragCursor struct {
	seen int
	sig  string
}

func windowSig(fragments []market.Fragment) string {
	parts := make([]string, len(fragments))
	for i, f := range fragments {
		parts[i] = f.Text + "\x00" + strings.Join(f.ImageURLs, "\x01")
	}
	return strings.Join(parts, "\x02")
}

// consumeNew returns the fragments not yet seen for the user/item pair and
// advances the cursor. When the consumed prefix no longer matches, the window
// was reset and the whole of it counts as new.
func (d *Dispatcher) consumeNew(userID, itemID string, fragments []market.Fragment) []market.Fragment {
	d.fragMu.Lock()
	defer d.fragMu.Unlock()
	key := userID + "\x00" + itemID
	cur := d.fragSeen[key]
	if cur.seen > len(fragments) || windowSig(fragments[:cur.seen]) != cur.sig {
		cur.seen = 0
	}
	out := fragments[cur.seen:]
	d.fragSeen[key] = fragCursor{seen: len(fragments), sig: windowSig(fragments)}
	return out
}

func (d *Dispatcher) resetFragCursor(userID, itemID string) {
	d.fragMu.Lock()
	delete(d.fragSeen, userID+"\x00"+itemID)
	d.fragMu.Unlock()
}

func sortThreadsByName(threads []market.ThreadRef, name string) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].BuyerName == name && threads[j].BuyerName != name
	})
}

// UserThreadNotFoundError reports that no visible thread belongs to the user.
type UserThreadNotFoundError struct {
	UserID string
}

func (e *UserThreadNotFoundError) Error() string {
	return "no visible thread for user " + e.UserID
}

// mergeFragments joins fragment texts and image URLs into one utterance,
// newline separated; image URLs ride along as plain links.
func mergeFragments(fragments []market.Fragment) string {
	var parts []string
	for _, f := range fragments {
		if t := strings.TrimSpace(f.Text); t != "" {
			parts = append(parts, t)
		}
		parts = append(parts, f.ImageURLs...)
	}
	return strings.Join(parts, "\n")
}

// preview shortens log text by display width so CJK lines truncate cleanly.
func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, 60, "…")
}
