package goofish

import (
	"context"
	"fmt"
	"time"

	"github.com/seastall/fishreply/internal/market"
)

type threadRow struct {
	Index       int    `json:"index"`
	BuyerName   string `json:"buyer_name"`
	LastMessage string `json:"last_message"`
	Time        string `json:"time"`
	UnreadCount int    `json:"unread_count"`
	OrderStatus string `json:"order_status"`
}

func (a *Adapter) ListThreads(ctx context.Context) ([]market.ThreadRef, error) {
	var rows []threadRow
	if err := a.eval(jsListThreads, &rows, statusKeywords); err != nil {
		return nil, err
	}
	out := make([]market.ThreadRef, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.ThreadRef{
			Index:       r.Index,
			BuyerName:   r.BuyerName,
			LastMessage: r.LastMessage,
			Time:        r.Time,
			UnreadCount: r.UnreadCount,
			OrderStatus: r.OrderStatus,
		})
	}
	return out, nil
}

func (a *Adapter) ListUnreadThreads(ctx context.Context) ([]market.ThreadRef, error) {
	all, err := a.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	var unread []market.ThreadRef
	for _, t := range all {
		if t.UnreadCount > 0 {
			unread = append(unread, t)
		}
	}
	if len(unread) > 0 {
		a.log.Info("unread threads found", "count", len(unread))
	}
	return unread, nil
}

func (a *Adapter) Enter(ctx context.Context, t market.ThreadRef) error {
	var clicked bool
	if err := a.eval(jsClickThread, &clicked, t.Index); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("goofish: thread %d no longer in list", t.Index)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.opts.EnterDelay):
	}

	// The composer appearing is the signal the thread finished rendering.
	if _, err := a.page.Timeout(3 * time.Second).Element(`textarea, [contenteditable="true"]`); err != nil {
		a.log.Warn("composer did not appear in time, continuing", "buyer", t.BuyerName)
	}
	a.log.Info("entered thread", "buyer", t.BuyerName, "unread", t.UnreadCount)
	return nil
}

func (a *Adapter) Leave(ctx context.Context) error {
	var ok bool
	if err := a.eval(jsLeaveThread, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("goofish: no thread to deselect")
	}
	return nil
}
