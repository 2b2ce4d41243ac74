package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no session exists for a (user, item) pair.
var ErrNotFound = errors.New("session not found")

// Customer types, fixed at session creation and never recomputed.
const (
	CustomerNew       = "new"
	CustomerReturning = "returning"
)

// Session is one buyer/item conversation record. Identity is the
// (UserID, ItemID) pair; ConversationID stays empty until the first AI turn.
type Session struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	ItemID         string    `json:"item_id"`
	BuyerName      string    `json:"buyer_name,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CustomerType   string    `json:"customer_type"`
	OrderStatus    string    `json:"order_status,omitempty"`
	InactiveSent   bool      `json:"inactive_sent"`
	LastMessageAt  time.Time `json:"last_message_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionStore is the persistence contract for Session records.
// Implementations: memory (tests/no-DB), sqlite (default), postgres.
type SessionStore interface {
	// Get returns the session for the pair, or ErrNotFound.
	Get(ctx context.Context, userID, itemID string) (*Session, error)
	// Insert persists a new session. The pair must not already exist.
	Insert(ctx context.Context, s *Session) error

	// ListByUser returns all of a user's sessions, most recently updated first.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	// ListOtherByUser is ListByUser excluding one item.
	ListOtherByUser(ctx context.Context, userID, excludeItemID string) ([]*Session, error)
	// ListAll returns every session, most recently updated first.
	ListAll(ctx context.Context) ([]*Session, error)

	SetConversationID(ctx context.Context, userID, itemID, conversationID string) error
	ClearConversationID(ctx context.Context, userID, itemID string) error
	TouchLastMessage(ctx context.Context, userID, itemID string, at time.Time) error
	SetOrderStatus(ctx context.Context, userID, itemID, orderStatus string) error
	SetBuyerName(ctx context.Context, userID, itemID, buyerName string) error

	// SetInactiveSent flips the flag on all of the user's sessions.
	SetInactiveSent(ctx context.Context, userID string, sent bool) error
	// InactiveSent reports whether any of the user's sessions carries the flag.
	InactiveSent(ctx context.Context, userID string) (bool, error)

	// InactiveCandidates returns sessions whose last activity is older than
	// cutoff, whose flag is unset, and whose order status is not in
	// paidStatuses. Used by the restart-recovery sweep.
	InactiveCandidates(ctx context.Context, cutoff time.Time, paidStatuses []string) ([]*Session, error)

	Close() error
}

// NewSessionID mints a sortable row id.
func NewSessionID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
