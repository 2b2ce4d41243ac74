// Package sessions is the policy layer over the session store: it decides
// customer type at creation, inherits the per-user re-engagement flag, and
// keeps conversation binding idempotent.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seastall/fishreply/internal/store"
)

// Directory wraps a SessionStore with the session lifecycle rules.
type Directory struct {
	store store.SessionStore
	log   *slog.Logger
}

func NewDirectory(st store.SessionStore, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{store: st, log: log.With("component", "sessions")}
}

// Store exposes the underlying store for read-only admin surfaces.
func (d *Directory) Store() store.SessionStore { return d.store }

// GetOrCreate returns the session for the (user, item) pair, creating it on
// first contact. Creation fixes the customer type for the session's lifetime:
// "returning" when the user already has a session on any other item, "new"
// otherwise. The re-engagement flag is inherited from the user's existing
// sessions so a fresh item never re-triggers a nudge already sent.
func (d *Directory) GetOrCreate(ctx context.Context, userID, itemID, buyerName string) (*store.Session, error) {
	s, err := d.store.Get(ctx, userID, itemID)
	if err == nil {
		if buyerName != "" && s.BuyerName != buyerName {
			if err := d.store.SetBuyerName(ctx, userID, itemID, buyerName); err != nil {
				d.log.Warn("update buyer name failed", "user_id", userID, "error", err)
			} else {
				s.BuyerName = buyerName
			}
		}
		return s, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	others, err := d.store.ListOtherByUser(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	customerType := store.CustomerNew
	if len(others) > 0 {
		customerType = store.CustomerReturning
	}

	inactiveSent, err := d.store.InactiveSent(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s = &store.Session{
		ID:           store.NewSessionID(),
		UserID:       userID,
		ItemID:       itemID,
		BuyerName:    buyerName,
		CustomerType: customerType,
		InactiveSent: inactiveSent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.Insert(ctx, s); err != nil {
		// Lost a race with another create for the same pair; re-read.
		if existing, getErr := d.store.Get(ctx, userID, itemID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}

	d.log.Info("session created",
		"user_id", userID, "item_id", itemID,
		"customer_type", customerType, "inactive_sent", inactiveSent)
	return s, nil
}

// Touch records buyer activity time for the pair.
func (d *Directory) Touch(ctx context.Context, userID, itemID string, at time.Time) error {
	return d.store.TouchLastMessage(ctx, userID, itemID, at)
}

// BindConversation attaches an AI conversation id to the pair once. A session
// that already carries one keeps it; rebinding is not an error, just a no-op.
func (d *Directory) BindConversation(ctx context.Context, userID, itemID, conversationID string) error {
	s, err := d.store.Get(ctx, userID, itemID)
	if err != nil {
		return err
	}
	if s.ConversationID != "" {
		return nil
	}
	return d.store.SetConversationID(ctx, userID, itemID, conversationID)
}

// ResetInactive clears the re-engagement flag on all of the user's sessions.
// Called whenever the buyer speaks again.
func (d *Directory) ResetInactive(ctx context.Context, userID string) error {
	return d.store.SetInactiveSent(ctx, userID, false)
}

// MarkInactiveSent sets the re-engagement flag on all of the user's sessions.
func (d *Directory) MarkInactiveSent(ctx context.Context, userID string) error {
	return d.store.SetInactiveSent(ctx, userID, true)
}

// InactiveSent reports whether the user has already been nudged.
func (d *Directory) InactiveSent(ctx context.Context, userID string) (bool, error) {
	return d.store.InactiveSent(ctx, userID)
}

// UpdateOrderStatus records the latest observed order status for the pair.
func (d *Directory) UpdateOrderStatus(ctx context.Context, userID, itemID, status string) error {
	if status == "" {
		return nil
	}
	return d.store.SetOrderStatus(ctx, userID, itemID, status)
}

// HasPaid reports whether any of the user's sessions sits in a paid status.
func (d *Directory) HasPaid(ctx context.Context, userID string, paidStatuses []string) (bool, error) {
	all, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	paid := make(map[string]bool, len(paidStatuses))
	for _, s := range paidStatuses {
		paid[s] = true
	}
	for _, s := range all {
		if paid[s.OrderStatus] {
			return true, nil
		}
	}
	return false, nil
}

// ResetConversation drops the AI conversation binding for the pair, forcing
// the next turn to start a fresh conversation.
func (d *Directory) ResetConversation(ctx context.Context, userID, itemID string) error {
	return d.store.ClearConversationID(ctx, userID, itemID)
}
