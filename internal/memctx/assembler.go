// Package memctx builds the cross-item memory prefix: when a returning buyer
// opens a conversation about a new item, the tail of their most recent other
// conversation is rendered into the first outbound AI message.
package memctx

import (
	"context"
	"log/slog"
	"strings"

	"github.com/seastall/fishreply/internal/coze"
	"github.com/seastall/fishreply/internal/store"
)

// HistorySource fetches past turns of a bound conversation, oldest first.
type HistorySource interface {
	History(ctx context.Context, conversationID string, limit int) ([]coze.Message, error)
}

// Policy supplies the (hot-reloadable) memory knobs.
type Policy interface {
	MemoryEnabled() bool
	MemoryRounds() int
}

// Context is the rendered prefix. Prefix stands alone so it can be combined
// with a later debounce-merged text; FullMessage is prefix plus the current
// message for the immediate-dispatch case.
type Context struct {
	Prefix      string
	FullMessage string
}

// Assembler renders memory prefixes from a user's other sessions.
type Assembler struct {
	sessions store.SessionStore
	history  HistorySource
	policy   Policy
	log      *slog.Logger
}

func NewAssembler(sessions store.SessionStore, history HistorySource, policy Policy, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		sessions: sessions,
		history:  history,
		policy:   policy,
		log:      log.With("component", "memctx"),
	}
}

// BuildPrefix returns the memory context for the session's first turn, or nil
// when no prefix applies. Applies only when the feature is on, the session has
// no conversation yet, and the customer is returning. History failures degrade
// to nil; a missing memory never blocks a reply.
func (a *Assembler) BuildPrefix(ctx context.Context, sess *store.Session, currentMessage string) *Context {
	if !a.policy.MemoryEnabled() {
		return nil
	}
	if sess.ConversationID != "" || sess.CustomerType != store.CustomerReturning {
		return nil
	}

	others, err := a.sessions.ListOtherByUser(ctx, sess.UserID, sess.ItemID)
	if err != nil {
		a.log.Warn("list other sessions failed", "user_id", sess.UserID, "error", err)
		return nil
	}

	// Most recent other session that actually has a bound conversation.
	var source *store.Session
	for _, s := range others {
		if s.ConversationID != "" {
			source = s
			break
		}
	}
	if source == nil {
		return nil
	}

	rounds := a.policy.MemoryRounds()
	if rounds <= 0 {
		return nil
	}
	// One round is a buyer message plus the reply.
	msgs, err := a.history.History(ctx, source.ConversationID, rounds*2)
	if err != nil {
		a.log.Warn("history fetch failed",
			"user_id", sess.UserID, "conversation_id", source.ConversationID, "error", err)
		return nil
	}
	if len(msgs) == 0 {
		return nil
	}

	prefix := render(source.ItemID, msgs)
	return &Context{
		Prefix:      prefix,
		FullMessage: prefix + currentMessage,
	}
}

// render produces the deterministic text block injected ahead of the buyer's
// message. Labels are in the storefront's language so the bot reads them the
// way a pasted transcript would look.
func render(itemID string, msgs []coze.Message) string {
	var b strings.Builder
	b.WriteString("[系统提示] 该买家此前咨询过其他商品，以下是最近的对话记录，仅供参考：\n")
	b.WriteString("商品：")
	b.WriteString(itemID)
	b.WriteString("\n")
	for _, m := range msgs {
		switch m.Role {
		case "user":
			b.WriteString("买家：")
		case "assistant":
			b.WriteString("客服：")
		default:
			continue
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	b.WriteString("以上为历史记录。当前买家消息：\n")
	return b.String()
}
