package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default on-disk SessionStore (CGO-free driver).
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	item_id         TEXT NOT NULL,
	buyer_name      TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	customer_type   TEXT NOT NULL DEFAULT 'new',
	order_status    TEXT NOT NULL DEFAULT '',
	inactive_sent   INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMP,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	UNIQUE (user_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);
`

// NewSQLiteStore opens (and creates if needed) the sqlite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteCols = `id, user_id, item_id, buyer_name, conversation_id,
	customer_type, order_status, inactive_sent, last_message_at, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var s Session
	var idStr string
	var last sql.NullTime
	err := row.Scan(&idStr, &s.UserID, &s.ItemID, &s.BuyerName, &s.ConversationID,
		&s.CustomerType, &s.OrderStatus, &s.InactiveSent, &last, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ID = parseID(idStr)
	if last.Valid {
		s.LastMessageAt = last.Time
	}
	return &s, nil
}

func (st *SQLiteStore) Get(ctx context.Context, userID, itemID string) (*Session, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+sqliteCols+` FROM sessions WHERE user_id = ? AND item_id = ?`,
		userID, itemID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (st *SQLiteStore) Insert(ctx context.Context, s *Session) error {
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sqliteCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.UserID, s.ItemID, s.BuyerName, s.ConversationID,
		s.CustomerType, s.OrderStatus, s.InactiveSent, nullTime(s.LastMessageAt),
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (st *SQLiteStore) queryList(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (st *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return st.queryList(ctx,
		`SELECT `+sqliteCols+` FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`,
		userID)
}

func (st *SQLiteStore) ListOtherByUser(ctx context.Context, userID, excludeItemID string) ([]*Session, error) {
	return st.queryList(ctx,
		`SELECT `+sqliteCols+` FROM sessions WHERE user_id = ? AND item_id != ? ORDER BY updated_at DESC`,
		userID, excludeItemID)
}

func (st *SQLiteStore) ListAll(ctx context.Context) ([]*Session, error) {
	return st.queryList(ctx, `SELECT `+sqliteCols+` FROM sessions ORDER BY updated_at DESC`)
}

func (st *SQLiteStore) set(ctx context.Context, query string, args ...interface{}) error {
	_, err := st.db.ExecContext(ctx, query, args...)
	return err
}

func (st *SQLiteStore) SetConversationID(ctx context.Context, userID, itemID, conversationID string) error {
	return st.set(ctx,
		`UPDATE sessions SET conversation_id = ?, updated_at = ? WHERE user_id = ? AND item_id = ?`,
		conversationID, time.Now(), userID, itemID)
}

func (st *SQLiteStore) ClearConversationID(ctx context.Context, userID, itemID string) error {
	return st.set(ctx,
		`UPDATE sessions SET conversation_id = '', updated_at = ? WHERE user_id = ? AND item_id = ?`,
		time.Now(), userID, itemID)
}

func (st *SQLiteStore) TouchLastMessage(ctx context.Context, userID, itemID string, at time.Time) error {
	return st.set(ctx,
		`UPDATE sessions SET last_message_at = ?, updated_at = ? WHERE user_id = ? AND item_id = ?`,
		at, time.Now(), userID, itemID)
}

func (st *SQLiteStore) SetOrderStatus(ctx context.Context, userID, itemID, orderStatus string) error {
	return st.set(ctx,
		`UPDATE sessions SET order_status = ?, updated_at = ? WHERE user_id = ? AND item_id = ?`,
		orderStatus, time.Now(), userID, itemID)
}

func (st *SQLiteStore) SetBuyerName(ctx context.Context, userID, itemID, buyerName string) error {
	return st.set(ctx,
		`UPDATE sessions SET buyer_name = ?, updated_at = ? WHERE user_id = ? AND item_id = ?`,
		buyerName, time.Now(), userID, itemID)
}

func (st *SQLiteStore) SetInactiveSent(ctx context.Context, userID string, sent bool) error {
	return st.set(ctx,
		`UPDATE sessions SET inactive_sent = ?, updated_at = ? WHERE user_id = ?`,
		sent, time.Now(), userID)
}

func (st *SQLiteStore) InactiveSent(ctx context.Context, userID string) (bool, error) {
	var n int
	err := st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND inactive_sent = 1`,
		userID).Scan(&n)
	return n > 0, err
}

func (st *SQLiteStore) InactiveCandidates(ctx context.Context, cutoff time.Time, paidStatuses []string) ([]*Session, error) {
	query := `SELECT ` + sqliteCols + ` FROM sessions
		WHERE inactive_sent = 0
		  AND last_message_at IS NOT NULL
		  AND last_message_at < ?`
	args := []interface{}{cutoff}
	if len(paidStatuses) > 0 {
		query += ` AND order_status NOT IN (?` + strings.Repeat(", ?", len(paidStatuses)-1) + `)`
		for _, s := range paidStatuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY updated_at DESC`
	return st.queryList(ctx, query, args...)
}

func (st *SQLiteStore) Close() error { return st.db.Close() }

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
