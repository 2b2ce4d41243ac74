package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process SessionStore. Used by tests and by runs
// without a database configured; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // key: userID + "\x00" + itemID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func pairKey(userID, itemID string) string {
	return userID + "\x00" + itemID
}

func (m *MemoryStore) Get(_ context.Context, userID, itemID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[pairKey(userID, itemID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Insert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(s.UserID, s.ItemID)
	if _, exists := m.sessions[key]; exists {
		return fmt.Errorf("insert session: pair %s/%s already exists", s.UserID, s.ItemID)
	}
	cp := *s
	m.sessions[key] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (m *MemoryStore) ListOtherByUser(ctx context.Context, userID, excludeItemID string) ([]*Session, error) {
	all, _ := m.ListByUser(ctx, userID)
	out := all[:0]
	for _, s := range all {
		if s.ItemID != excludeItemID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAll(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sortByUpdated(out)
	return out, nil
}

func (m *MemoryStore) update(userID, itemID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pairKey(userID, itemID)]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetConversationID(_ context.Context, userID, itemID, conversationID string) error {
	return m.update(userID, itemID, func(s *Session) { s.ConversationID = conversationID })
}

func (m *MemoryStore) ClearConversationID(_ context.Context, userID, itemID string) error {
	return m.update(userID, itemID, func(s *Session) { s.ConversationID = "" })
}

func (m *MemoryStore) TouchLastMessage(_ context.Context, userID, itemID string, at time.Time) error {
	return m.update(userID, itemID, func(s *Session) { s.LastMessageAt = at })
}

func (m *MemoryStore) SetOrderStatus(_ context.Context, userID, itemID, orderStatus string) error {
	return m.update(userID, itemID, func(s *Session) { s.OrderStatus = orderStatus })
}

func (m *MemoryStore) SetBuyerName(_ context.Context, userID, itemID, buyerName string) error {
	return m.update(userID, itemID, func(s *Session) { s.BuyerName = buyerName })
}

func (m *MemoryStore) SetInactiveSent(_ context.Context, userID string, sent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.InactiveSent = sent
			s.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *MemoryStore) InactiveSent(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.InactiveSent {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) InactiveCandidates(_ context.Context, cutoff time.Time, paidStatuses []string) ([]*Session, error) {
	paid := make(map[string]bool, len(paidStatuses))
	for _, s := range paidStatuses {
		paid[s] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.InactiveSent || s.LastMessageAt.IsZero() || !s.LastMessageAt.Before(cutoff) {
			continue
		}
		if paid[s.OrderStatus] {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sortByUpdated(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortByUpdated(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		return ss[i].UpdatedAt.After(ss[j].UpdatedAt)
	})
}
