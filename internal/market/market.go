// Package market defines the storefront automation contract the dispatch
// loop drives. Implementations wrap a concrete marketplace UI; the core only
// needs threads, fragments, identities, and a send primitive.
package market

import (
	"context"
	"strings"
)

// ThreadRef points at one conversation in the marketplace thread list.
// Index is positional within the list at observation time; it goes stale as
// soon as the list reorders, so a ThreadRef is only valid for the poll cycle
// that produced it.
type ThreadRef struct {
	Index       int
	BuyerName   string
	LastMessage string
	Time        string
	UnreadCount int
	OrderStatus string
}

// Identity is the (user, item) pair extracted from an open thread. Degraded
// is set when the real ids could not be read and name-derived fallbacks are
// in use.
type Identity struct {
	UserID   string
	ItemID   string
	Degraded bool
}

// Product describes the item card attached to an open thread.
type Product struct {
	Title       string
	Price       string
	OrderStatus string
	Info        string
}

// Fragment is one buyer message: text, attached image URLs, or both.
type Fragment struct {
	Text      string
	ImageURLs []string
}

// Empty reports whether the fragment carries nothing sendable.
func (f Fragment) Empty() bool {
	return strings.TrimSpace(f.Text) == "" && len(f.ImageURLs) == 0
}

// Adapter is the storefront automation surface. All methods operate on the
// adapter's single live page; Enter/Leave bracket work inside one thread.
type Adapter interface {
	// ListThreads returns every visible conversation.
	ListThreads(ctx context.Context) ([]ThreadRef, error)
	// ListUnreadThreads returns only conversations with unread messages.
	ListUnreadThreads(ctx context.Context) ([]ThreadRef, error)
	// Enter opens the given thread and waits for it to become interactive.
	Enter(ctx context.Context, t ThreadRef) error
	// Fragments returns the buyer messages since the seller last spoke,
	// oldest first, system notices excluded.
	Fragments(ctx context.Context) ([]Fragment, error)
	// Identifiers extracts the (user, item) identity of the open thread.
	Identifiers(ctx context.Context, buyerName string) (Identity, error)
	// ProductInfo reads the item card of the open thread.
	ProductInfo(ctx context.Context) (Product, error)
	// Send posts a reply into the open thread.
	Send(ctx context.Context, text string) error
	// Leave deselects the open thread so new messages show as unread.
	Leave(ctx context.Context) error
	// Close shuts the automation session down.
	Close() error
}

// DegradedIdentity builds the name-derived fallback for threads whose real
// ids cannot be read. The reply still goes out; only cross-item memory and
// re-engagement keying get weaker.
func DegradedIdentity(buyerName string) Identity {
	return Identity{
		UserID:   "name_" + buyerName,
		ItemID:   "unknown",
		Degraded: true,
	}
}
