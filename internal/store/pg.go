package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore implements SessionStore backed by Postgres. Schema is managed by
// the migrate command, not created here.
type PGStore struct {
	db *sql.DB
}

// OpenPG connects to Postgres via the pgx stdlib driver and pings it.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGStore{db: db}, nil
}

const pgCols = `id, user_id, item_id, buyer_name, conversation_id,
	customer_type, order_status, inactive_sent, last_message_at, created_at, updated_at`

func (st *PGStore) Get(ctx context.Context, userID, itemID string) (*Session, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+pgCols+` FROM sessions WHERE user_id = $1 AND item_id = $2`,
		userID, itemID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (st *PGStore) Insert(ctx context.Context, s *Session) error {
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO sessions (`+pgCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID.String(), s.UserID, s.ItemID, s.BuyerName, s.ConversationID,
		s.CustomerType, s.OrderStatus, s.InactiveSent, nullTime(s.LastMessageAt),
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (st *PGStore) queryList(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
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

func (st *PGStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return st.queryList(ctx,
		`SELECT `+pgCols+` FROM sessions WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID)
}

func (st *PGStore) ListOtherByUser(ctx context.Context, userID, excludeItemID string) ([]*Session, error) {
	return st.queryList(ctx,
		`SELECT `+pgCols+` FROM sessions WHERE user_id = $1 AND item_id <> $2 ORDER BY updated_at DESC`,
		userID, excludeItemID)
}

func (st *PGStore) ListAll(ctx context.Context) ([]*Session, error) {
	return st.queryList(ctx, `SELECT `+pgCols+` FROM sessions ORDER BY updated_at DESC`)
}

func (st *PGStore) set(ctx context.Context, query string, args ...interface{}) error {
	_, err := st.db.ExecContext(ctx, query, args...)
	return err
}

func (st *PGStore) SetConversationID(ctx context.Context, userID, itemID, conversationID string) error {
	return st.set(ctx,
		`UPDATE sessions SET conversation_id = $1, updated_at = now() WHERE user_id = $2 AND item_id = $3`,
		conversationID, userID, itemID)
}

func (st *PGStore) ClearConversationID(ctx context.Context, userID, itemID string) error {
	return st.set(ctx,
		`UPDATE sessions SET conversation_id = '', updated_at = now() WHERE user_id = $1 AND item_id = $2`,
		userID, itemID)
}

func (st *PGStore) TouchLastMessage(ctx context.Context, userID, itemID string, at time.Time) error {
	return st.set(ctx,
		`UPDATE sessions SET last_message_at = $1, updated_at = now() WHERE user_id = $2 AND item_id = $3`,
		at, userID, itemID)
}

func (st *PGStore) SetOrderStatus(ctx context.Context, userID, itemID, orderStatus string) error {
	return st.set(ctx,
		`UPDATE sessions SET order_status = $1, updated_at = now() WHERE user_id = $2 AND item_id = $3`,
		orderStatus, userID, itemID)
}

func (st *PGStore) SetBuyerName(ctx context.Context, userID, itemID, buyerName string) error {
	return st.set(ctx,
		`UPDATE sessions SET buyer_name = $1, updated_at = now() WHERE user_id = $2 AND item_id = $3`,
		buyerName, userID, itemID)
}

func (st *PGStore) SetInactiveSent(ctx context.Context, userID string, sent bool) error {
	return st.set(ctx,
		`UPDATE sessions SET inactive_sent = $1, updated_at = now() WHERE user_id = $2`,
		sent, userID)
}

func (st *PGStore) InactiveSent(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := st.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE user_id = $1 AND inactive_sent)`,
		userID).Scan(&exists)
	return exists, err
}

func (st *PGStore) InactiveCandidates(ctx context.Context, cutoff time.Time, paidStatuses []string) ([]*Session, error) {
	query := `SELECT ` + pgCols + ` FROM sessions
		WHERE NOT inactive_sent
		  AND last_message_at IS NOT NULL
		  AND last_message_at < $1`
	args := []interface{}{cutoff}
	if len(paidStatuses) > 0 {
		ph := make([]string, len(paidStatuses))
		for i, s := range paidStatuses {
			ph[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, s)
		}
		query += ` AND order_status NOT IN (` + strings.Join(ph, ", ") + `)`
	}
	query += ` ORDER BY updated_at DESC`
	return st.queryList(ctx, query, args...)
}

func (st *PGStore) Close() error { return st.db.Close() }
