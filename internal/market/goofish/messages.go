package goofish

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/seastall/fishreply/internal/market"
)

type messageRow struct {
	Sender    string   `json:"sender"`
	Content   string   `json:"content"`
	IsSystem  bool     `json:"is_system"`
	ImageURLs []string `json:"image_urls"`
}

// Fragments returns the buyer messages that arrived after the seller's last
// reply in the open thread, system notices stripped.
func (a *Adapter) Fragments(ctx context.Context) ([]market.Fragment, error) {
	var rows []messageRow
	if err := a.eval(jsListMessages, &rows, systemMessageKeywords); err != nil {
		return nil, err
	}
	return selectBuyerFragments(rows), nil
}

// selectBuyerFragments keeps the buyer messages newer than the seller's last
// reply, dropping system notices and empty rows.
func selectBuyerFragments(rows []messageRow) []market.Fragment {
	lastSeller := -1
	for i, m := range rows {
		if m.Sender == "seller" {
			lastSeller = i
		}
	}

	var out []market.Fragment
	for _, m := range rows[lastSeller+1:] {
		if m.IsSystem || m.Sender != "buyer" {
			continue
		}
		f := market.Fragment{Text: m.Content, ImageURLs: m.ImageURLs}
		if !f.Empty() {
			out = append(out, f)
		}
	}
	return out
}

// Identifiers reads the open thread's user and item ids from page links.
// The ids render late, so both lookups retry; when the user id never shows
// up, the name-derived degraded identity keeps the reply flowing.
func (a *Adapter) Identifiers(ctx context.Context, buyerName string) (market.Identity, error) {
	userID, err := a.retryString(ctx, jsUserID, 10)
	if err != nil {
		return market.Identity{}, err
	}
	itemID, err := a.retryString(ctx, jsItemID, 10)
	if err != nil {
		return market.Identity{}, err
	}

	if userID == "" {
		a.log.Warn("user id not found, using degraded identity", "buyer", buyerName)
		id := market.DegradedIdentity(buyerName)
		if itemID != "" {
			id.ItemID = itemID
		}
		return id, nil
	}
	if itemID == "" {
		// Threads on finished trades often drop the item card.
		itemID = "unknown"
	}
	return market.Identity{UserID: userID, ItemID: itemID}, nil
}

func (a *Adapter) retryString(ctx context.Context, js string, attempts int) (string, error) {
	for i := 0; i < attempts; i++ {
		var v *string
		if err := a.eval(js, &v); err != nil {
			a.log.Debug("id lookup eval failed", "error", err)
		} else if v != nil && *v != "" {
			return *v, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return "", nil
}

type productRow struct {
	Title       string `json:"title"`
	Price       string `json:"price"`
	OrderStatus string `json:"order_status"`
	Info        string `json:"info"`
}

func (a *Adapter) ProductInfo(ctx context.Context) (market.Product, error) {
	var p productRow
	if err := a.eval(jsProductInfo, &p); err != nil {
		return market.Product{}, err
	}
	return market.Product{
		Title:       p.Title,
		Price:       p.Price,
		OrderStatus: p.OrderStatus,
		Info:        p.Info,
	}, nil
}

var composerSelectors = []string{
	`textarea[placeholder*="输入"]`,
	`textarea[placeholder*="消息"]`,
	`textarea`,
	`[contenteditable="true"]`,
	`[class*="input"][class*="message"]`,
	`[class*="editor"]`,
	`div[class*="textarea"]`,
}

var sendButtonSelectors = []string{
	`[class*="send-btn"]`,
	`[class*="send"][class*="button"]`,
}

// Send types the reply into the composer and submits it. Retries a few times
// since the composer can be mid-render right after entering a thread.
func (a *Adapter) Send(ctx context.Context, text string) error {
	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		if lastErr = a.sendOnce(text); lastErr == nil {
			preview := []rune(text)
			if len(preview) > 50 {
				preview = preview[:50]
			}
			a.log.Info("reply sent", "preview", string(preview))
			return nil
		}
		a.log.Warn("send attempt failed", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("goofish: send failed after %d attempts: %w", maxRetries, lastErr)
}

func (a *Adapter) sendOnce(text string) error {
	composer := a.findFirst(composerSelectors)
	if composer == nil {
		return fmt.Errorf("goofish: composer not found")
	}

	if err := composer.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("goofish: focus composer: %w", err)
	}
	if err := composer.SelectAllText(); err == nil {
		_ = composer.Input("")
	}
	if err := composer.Input(text); err != nil {
		return fmt.Errorf("goofish: type reply: %w", err)
	}

	if btn := a.findFirst(sendButtonSelectors); btn != nil {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("goofish: click send: %w", err)
		}
	} else if err := composer.Type(input.Enter); err != nil {
		return fmt.Errorf("goofish: press enter: %w", err)
	}

	time.Sleep(500 * time.Millisecond)
	return nil
}

func (a *Adapter) findFirst(selectors []string) *rod.Element {
	for _, sel := range selectors {
		el, err := a.page.Timeout(time.Second).Element(sel)
		if err == nil && el != nil {
			return el
		}
	}
	return nil
}
