package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seastall/fishreply/internal/config"
	"github.com/seastall/fishreply/internal/coze"
	"github.com/seastall/fishreply/internal/market"
	"github.com/seastall/fishreply/internal/memctx"
	"github.com/seastall/fishreply/internal/sessions"
	"github.com/seastall/fishreply/internal/store"
)

type fakeAdapter struct {
	mu        sync.Mutex
	threads   []market.ThreadRef
	fragments []market.Fragment
	identity  market.Identity
	product   market.Product
	sendErr   error
	sent      []string
	sentCh    chan string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		threads:  []market.ThreadRef{{Index: 0, BuyerName: "小明", UnreadCount: 1}},
		identity: market.Identity{UserID: "u1", ItemID: "item-a"},
		sentCh:   make(chan string, 16),
	}
}

func (a *fakeAdapter) ListThreads(context.Context) ([]market.ThreadRef, error) {
	return a.threads, nil
}

func (a *fakeAdapter) ListUnreadThreads(context.Context) ([]market.ThreadRef, error) {
	return a.threads, nil
}

func (a *fakeAdapter) Enter(context.Context, market.ThreadRef) error { return nil }
func (a *fakeAdapter) Leave(context.Context) error                   { return nil }
func (a *fakeAdapter) Close() error                                  { return nil }

func (a *fakeAdapter) Fragments(context.Context) ([]market.Fragment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fragments, nil
}

func (a *fakeAdapter) Identifiers(context.Context, string) (market.Identity, error) {
	return a.identity, nil
}

func (a *fakeAdapter) ProductInfo(context.Context) (market.Product, error) {
	return a.product, nil
}

func (a *fakeAdapter) Send(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, text)
	a.sentCh <- text
	return nil
}

func (a *fakeAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *fakeAdapter) waitSent(t *testing.T) string {
	t.Helper()
	select {
	case text := <-a.sentCh:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply to be sent")
		return ""
	}
}

type chatCall struct {
	conversationID string
	message        string
	variables      map[string]string
}

type fakeAI struct {
	mu      sync.Mutex
	reply   string
	chatErr error
	calls   []chatCall
	convSeq int
}

func (a *fakeAI) CreateConversation(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.convSeq++
	return fmt.Sprintf("conv-%d", a.convSeq), nil
}

func (a *fakeAI) Chat(_ context.Context, conversationID, _, message string, variables map[string]string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, chatCall{conversationID, message, variables})
	return a.reply, a.chatErr
}

func (a *fakeAI) chatCalls() []chatCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chatCall(nil), a.calls...)
}

type stubHistory struct {
	msgs []coze.Message
}

func (h *stubHistory) History(context.Context, string, int) ([]coze.Message, error) {
	return h.msgs, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Dedupe = config.DedupeConfig{Enabled: true, TTLSeconds: 60, MaxEntries: 1000}
	cfg.Debounce = config.DebounceConfig{Enabled: true, WaitSeconds: 0.05, MinLength: 5}
	cfg.Reengage = config.ReengageConfig{
		Enabled:        true,
		TimeoutMinutes: 60,
		TriggerMessage: "[inactive]",
		SkipMarker:     "[inact_skip]",
		PaidStatuses:   []string{"已付款", "已发货", "交易成功"},
	}
	cfg.Memory = config.MemoryConfig{Enabled: false, ContextRounds: 5}
	cfg.Replies = config.RepliesConfig{ForwardErrors: false, ErrorMarkers: []string{"抱歉，系统"}}
	return cfg
}

func newTestDispatcher(t *testing.T, cfg *config.Config, ad *fakeAdapter, ai *fakeAI, hist *stubHistory) (*Dispatcher, *sessions.Directory) {
	t.Helper()
	if hist == nil {
		hist = &stubHistory{}
	}
	st := store.NewMemoryStore()
	dir := sessions.NewDirectory(st, nil)
	assembler := memctx.NewAssembler(st, hist, cfg, nil)
	d := New(ad, ai, dir, assembler, cfg, nil, nil)
	t.Cleanup(func() {
		d.debouncer.Stop()
		d.reengager.Stop()
	})
	return d, dir
}

func TestHandleThread_FullPipeline(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ad.product = market.Product{Title: "耳机", Info: "耳机 99元", OrderStatus: "等待买家付款"}
	ai := &fakeAI{reply: "最多包邮哦"}
	d, dir := newTestDispatcher(t, testConfig(), ad, ai, nil)

	if err := d.handleThread(context.Background(), ad.threads[0]); err != nil {
		t.Fatalf("handleThread: %v", err)
	}

	calls := ai.chatCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d chat calls, want 1", len(calls))
	}
	if calls[0].conversationID != "conv-1" {
		t.Errorf("conversation id = %q, want the freshly created one", calls[0].conversationID)
	}
	if calls[0].message != "这个还能便宜点吗" {
		t.Errorf("chat message = %q", calls[0].message)
	}
	wantVars := map[string]string{
		"buyer_name": "小明", "user_id": "u1", "order_status": "等待买家付款",
		"product_info": "耳机 99元", "customer_type": store.CustomerNew,
	}
	for k, want := range wantVars {
		if calls[0].variables[k] != want {
			t.Errorf("variable %s = %q, want %q", k, calls[0].variables[k], want)
		}
	}
	if got := ad.sentTexts(); len(got) != 1 || got[0] != "最多包邮哦" {
		t.Errorf("sent = %v, want the AI reply", got)
	}

	sess, err := dir.GetOrCreate(context.Background(), "u1", "item-a", "小明")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ConversationID != "conv-1" {
		t.Errorf("session conversation id = %q, want bound to conv-1", sess.ConversationID)
	}
	if sess.LastMessageAt.IsZero() {
		t.Error("activity time must be touched after a handled turn")
	}
}

func TestHandleThread_DuplicateSkipped(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ai := &fakeAI{reply: "最多包邮哦"}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)
	ctx := context.Background()

	if err := d.handleThread(ctx, ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	// The unread badge did not clear; the same text is observed again.
	if err := d.handleThread(ctx, ad.threads[0]); err != nil {
		t.Fatal(err)
	}

	if n := len(ai.chatCalls()); n != 1 {
		t.Errorf("got %d chat calls, want 1; the repeat must be fingerprint-skipped", n)
	}
}

func TestHandleThread_CumulativeWindowConsumedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce.WaitSeconds = 0.2
	ad := newFakeAdapter()
	ai := &fakeAI{reply: "有货的"}
	d, _ := newTestDispatcher(t, cfg, ad, ai, nil)
	ctx := context.Background()

	// The thread shows every buyer message since the seller's last reply, so
	// each poll re-observes the earlier fragments plus the new one. Only the
	// tail may enter the merge queue.
	observations := [][]market.Fragment{
		{{Text: "pro"}},
		{{Text: "pro"}, {Text: "还有"}},
		{{Text: "pro"}, {Text: "还有"}, {Text: "吗"}},
	}
	for _, frags := range observations {
		ad.mu.Lock()
		ad.fragments = frags
		ad.mu.Unlock()
		if err := d.handleThread(ctx, ad.threads[0]); err != nil {
			t.Fatal(err)
		}
	}

	if got := ad.waitSent(t); got != "有货的" {
		t.Errorf("sent = %q, want the AI reply", got)
	}
	calls := ai.chatCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d chat calls, want exactly 1; calls: %+v", len(calls), calls)
	}
	if calls[0].message != "pro还有吗" {
		t.Errorf("merged message = %q, want %q", calls[0].message, "pro还有吗")
	}
}

func TestHandleThread_WindowResetDetectedBySignature(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ad.sendErr = errors.New("composer not found")
	ai := &fakeAI{reply: "最多包邮哦"}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)
	ctx := context.Background()

	if err := d.handleThread(ctx, ad.threads[0]); err != nil {
		t.Fatal(err)
	}

	// The seller answered by hand, which cleared the window; the buyer's next
	// message arrives at the same position and must count as new input.
	ad.mu.Lock()
	ad.sendErr = nil
	ad.fragments = []market.Fragment{{Text: "好的我拍下了"}}
	ad.mu.Unlock()
	if err := d.handleThread(ctx, ad.threads[0]); err != nil {
		t.Fatal(err)
	}

	calls := ai.chatCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d chat calls, want 2", len(calls))
	}
	if calls[1].message != "好的我拍下了" {
		t.Errorf("second message = %q, want the fresh buyer text", calls[1].message)
	}
}

func TestHandleThread_SendFailureDoesNotReopenFingerprint(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ad.sendErr = errors.New("composer not found")
	ai := &fakeAI{reply: "最多包邮哦"}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)
	ctx := context.Background()

	if err := d.handleThread(ctx, ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	if err := d.handleThread(ctx, ad.threads[0]); err != nil {
		t.Fatal(err)
	}

	if n := len(ai.chatCalls()); n != 1 {
		t.Errorf("got %d chat calls, want 1; a failed send must not retrigger the turn", n)
	}
}

func TestHandleThread_EmptyFragmentsDiscarded(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = nil
	ai := &fakeAI{reply: "ok"}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)

	if err := d.handleThread(context.Background(), ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	if len(ai.chatCalls()) != 0 {
		t.Error("no AI call may happen for a thread with nothing actionable")
	}
	if ai.convSeq != 0 {
		t.Error("no conversation may be created for an empty thread")
	}
}

func TestHandleThread_ShortFragmentFlushedByTimer(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "在吗"}}
	ai := &fakeAI{reply: "在的"}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)

	if err := d.handleThread(context.Background(), ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	if len(ai.chatCalls()) != 0 {
		t.Fatal("a short fragment must wait for the merge window")
	}

	// Timer flush delivers through a thread scan, not the open thread.
	if got := ad.waitSent(t); got != "在的" {
		t.Errorf("sent = %q, want the AI reply", got)
	}
	calls := ai.chatCalls()
	if len(calls) != 1 || calls[0].message != "在吗" {
		t.Errorf("chat calls = %+v, want one with the merged text", calls)
	}
}

func TestHandleThread_ChatFailureReported(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ai := &fakeAI{chatErr: errors.New("backend 500")}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)

	if err := d.handleThread(context.Background(), ad.threads[0]); err == nil {
		t.Error("chat failure must surface to the poll loop")
	}
	if len(ad.sentTexts()) != 0 {
		t.Error("nothing may be sent when the AI call failed")
	}
}

func TestDispatchTurn_ErrorReplyUsesFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Replies.Fallback = "稍等一下哦，马上回复您"
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ai := &fakeAI{reply: "抱歉，系统繁忙"}
	d, _ := newTestDispatcher(t, cfg, ad, ai, nil)

	if err := d.handleThread(context.Background(), ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	if got := ad.sentTexts(); len(got) != 1 || got[0] != "稍等一下哦，马上回复您" {
		t.Errorf("sent = %v, want the fallback text", got)
	}
}

func TestDispatchTurn_ErrorReplyDroppedWithoutFallback(t *testing.T) {
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ai := &fakeAI{reply: "抱歉，系统繁忙"}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)

	if err := d.handleThread(context.Background(), ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	if got := ad.sentTexts(); len(got) != 0 {
		t.Errorf("sent = %v, want nothing; error-shaped replies are dropped", got)
	}
}

func TestDispatchTurn_ErrorReplyForwardedWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Replies.ForwardErrors = true
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "这个还能便宜点吗"}}
	ai := &fakeAI{reply: "抱歉，系统繁忙"}
	d, _ := newTestDispatcher(t, cfg, ad, ai, nil)

	if err := d.handleThread(context.Background(), ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	if got := ad.sentTexts(); len(got) != 1 || got[0] != "抱歉，系统繁忙" {
		t.Errorf("sent = %v, want the reply forwarded verbatim", got)
	}
}

func TestHandleThread_MemoryPrefixOnMergedText(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Enabled = true
	ad := newFakeAdapter()
	ad.fragments = []market.Fragment{{Text: "在吗"}}
	ai := &fakeAI{reply: "在的"}
	hist := &stubHistory{msgs: []coze.Message{
		{Role: "user", Content: "耳机还在吗"},
		{Role: "assistant", Content: "在的"},
	}}
	d, dir := newTestDispatcher(t, cfg, ad, ai, hist)
	ctx := context.Background()

	// A prior item with a bound conversation makes this buyer "returning".
	if _, err := dir.GetOrCreate(ctx, "u1", "item-old", "小明"); err != nil {
		t.Fatal(err)
	}
	if err := dir.BindConversation(ctx, "u1", "item-old", "conv-old"); err != nil {
		t.Fatal(err)
	}

	if err := d.handleThread(ctx, ad.threads[0]); err != nil {
		t.Fatal(err)
	}
	ad.waitSent(t)

	calls := ai.chatCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d chat calls, want 1", len(calls))
	}
	if !strings.Contains(calls[0].message, "耳机还在吗") {
		t.Errorf("chat message missing history prefix:\n%s", calls[0].message)
	}
	if !strings.HasSuffix(calls[0].message, "在吗") {
		t.Errorf("chat message must end with the merged buyer text:\n%s", calls[0].message)
	}
}

func TestDeliverToUser_UnknownUser(t *testing.T) {
	ad := newFakeAdapter()
	ai := &fakeAI{}
	d, _ := newTestDispatcher(t, testConfig(), ad, ai, nil)

	err := d.DeliverToUser(context.Background(), "stranger", "你好")
	var notFound *UserThreadNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want UserThreadNotFoundError", err)
	}
	if notFound.UserID != "stranger" {
		t.Errorf("error user id = %q", notFound.UserID)
	}
}

func TestMergeFragments(t *testing.T) {
	tests := []struct {
		name      string
		fragments []market.Fragment
		want      string
	}{
		{"empty", nil, ""},
		{"whitespace only", []market.Fragment{{Text: "  \n"}}, ""},
		{"texts joined", []market.Fragment{{Text: "你好"}, {Text: "在吗"}}, "你好\n在吗"},
		{
			"images ride along",
			[]market.Fragment{{Text: "看这个", ImageURLs: []string{"https://img.example/1.jpg"}}},
			"看这个\nhttps://img.example/1.jpg",
		},
		{
			"image only",
			[]market.Fragment{{ImageURLs: []string{"https://img.example/2.jpg"}}},
			"https://img.example/2.jpg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeFragments(tt.fragments); got != tt.want {
				t.Errorf("mergeFragments = %q, want %q", got, tt.want)
			}
		})
	}
}
