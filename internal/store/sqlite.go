// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that stored timestamps sort lexicographically
// in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Writers wait for each other instead of failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			shop TEXT NOT NULL,
			session_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL DEFAULT '',
			customer_id TEXT,
			page_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			primary_intent TEXT NOT NULL DEFAULT '',
			escalation_reason TEXT NOT NULL DEFAULT '',
			escalated_at TEXT,
			rating INTEGER,
			feedback TEXT NOT NULL DEFAULT '',
			helpful INTEGER,
			last_message_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			resolved_at TEXT,

			CHECK (status IN ('active', 'escalated', 'resolved'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_shop_session
			ON conversations(shop, session_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			confidence REAL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_estimate REAL NOT NULL DEFAULT 0,
			is_delivered INTEGER NOT NULL DEFAULT 0,
			is_read INTEGER NOT NULL DEFAULT 0,
			client_message_id TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (role IN ('user', 'assistant', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			shop TEXT NOT NULL,
			email TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			orders_count INTEGER NOT NULL DEFAULT 0,
			total_spent REAL NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_shop_email
			ON customers(shop, email);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'client_message_id'`,
			apply:  `ALTER TABLE messages ADD COLUMN client_message_id TEXT`,
			column: "client_message_id",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'page_url'`,
			apply:  `ALTER TABLE conversations ADD COLUMN page_url TEXT NOT NULL DEFAULT ''`,
			column: "page_url",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}

	// Partial unique index: only messages that carry an idempotency key participate
	_, err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
			ON messages(conversation_id, client_message_id, role)
			WHERE client_message_id IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("creating client message index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString converts an empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, shop, session_id, visitor_id, customer_id, page_url, status,
			primary_intent, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Shop,
		conv.SessionID,
		conv.VisitorID,
		nullString(conv.CustomerID),
		conv.PageURL,
		string(conv.Status),
		conv.PrimaryIntent,
		formatTime(conv.LastMessageAt),
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "shop", conv.Shop)
	return nil
}

const conversationColumns = `id, shop, session_id, visitor_id, customer_id, page_url, status,
	primary_intent, escalation_reason, escalated_at, rating, feedback, helpful,
	last_message_at, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var customerID, escalatedAt, resolvedAt sql.NullString
	var rating, helpful sql.NullInt64
	var status, lastMessageAt, createdAt string

	err := row.Scan(
		&conv.ID,
		&conv.Shop,
		&conv.SessionID,
		&conv.VisitorID,
		&customerID,
		&conv.PageURL,
		&status,
		&conv.PrimaryIntent,
		&conv.EscalationReason,
		&escalatedAt,
		&rating,
		&conv.Feedback,
		&helpful,
		&lastMessageAt,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.Status = ConversationStatus(status)
	conv.CustomerID = customerID.String
	if rating.Valid {
		r := int(rating.Int64)
		conv.Rating = &r
	}
	if helpful.Valid {
		h := helpful.Int64 == 1
		conv.Helpful = &h
	}

	if conv.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.EscalatedAt, err = parseTimePtr(escalatedAt); err != nil {
		return nil, fmt.Errorf("parsing escalated_at: %w", err)
	}
	if conv.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}

	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationBySession retrieves the most recent conversation for a shop's
// widget session. Returns ErrNotFound if the session has none.
func (s *SQLiteStore) GetConversationBySession(ctx context.Context, shop, sessionID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE shop = ? AND session_id = ?
		ORDER BY created_at DESC
		LIMIT 1`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, shop, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by session: %w", err)
	}
	return conv, nil
}

// UpdateConversationStatus writes the status-related fields of conv, but only if
// the stored status still equals expected. Returns ErrNotFound if the conversation
// doesn't exist and ErrStatusConflict if its status has moved on.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, conv *Conversation, expected ConversationStatus) error {
	var rating, helpful any
	if conv.Rating != nil {
		rating = *conv.Rating
	}
	if conv.Helpful != nil {
		helpful = boolToInt(*conv.Helpful)
	}

	query := `
		UPDATE conversations
		SET status = ?, escalation_reason = ?, escalated_at = ?, rating = ?, feedback = ?,
			helpful = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(conv.Status),
		conv.EscalationReason,
		formatTimePtr(conv.EscalatedAt),
		rating,
		conv.Feedback,
		helpful,
		formatTimePtr(conv.ResolvedAt),
		conv.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetConversation(ctx, conv.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}

	s.logger.Debug("updated conversation status", "id", conv.ID, "from", expected, "to", conv.Status)
	return nil
}

// SaveExchange writes all messages of the exchange and updates the conversation's
// bookkeeping in a single transaction.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex *Exchange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, msg := range ex.Messages {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}

	// primary_intent is first-wins: only written while still empty
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = ?,
			primary_intent = CASE WHEN primary_intent = '' THEN ? ELSE primary_intent END
		WHERE id = ?
	`, formatTime(ex.LastMessageAt), ex.Intent, ex.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing exchange: %w", err)
	}

	s.logger.Debug("saved exchange", "conversation_id", ex.ConversationID, "messages", len(ex.Messages))
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *Message) error {
	var confidence any
	if msg.Confidence != nil {
		confidence = *msg.Confidence
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, intent, confidence, provider, model,
			tokens_used, cost_estimate, is_delivered, is_read, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		msg.Intent,
		confidence,
		msg.Provider,
		msg.Model,
		msg.TokensUsed,
		msg.CostEstimate,
		boolToInt(msg.IsDelivered),
		boolToInt(msg.IsRead),
		nullString(msg.ClientMessageID),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && msg.ClientMessageID != "" {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, role, content, intent, confidence, provider, model,
	tokens_used, cost_estimate, is_delivered, is_read, client_message_id, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var role, createdAt string
	var confidence sql.NullFloat64
	var clientID sql.NullString
	var delivered, read int

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&role,
		&msg.Content,
		&msg.Intent,
		&confidence,
		&msg.Provider,
		&msg.Model,
		&msg.TokensUsed,
		&msg.CostEstimate,
		&delivered,
		&read,
		&clientID,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Role = Role(role)
	msg.IsDelivered = delivered == 1
	msg.IsRead = read == 1
	msg.ClientMessageID = clientID.String
	if confidence.Valid {
		c := confidence.Float64
		msg.Confidence = &c
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// GetMessages retrieves messages for a conversation, limited to the most recent `limit`.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit > 0 {
		// Take the N most recent, then flip them back to ascending order
		return s.queryMessages(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+`, rowid AS seq
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, seq DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`, conversationID, limit)
	}

	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID)
}

// GetMessagesSince returns all messages created strictly after since, oldest first.
func (s *SQLiteStore) GetMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND created_at > ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID, formatTime(since))
}

// GetMessageByClientID looks up a message by its idempotency key and role.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string, role Role) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND client_message_id = ? AND role = ?
	`, conversationID, clientMessageID, string(role))

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by client id: %w", err)
	}
	return msg, nil
}

// MarkDelivered sets the delivery flag on the given messages.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := `UPDATE messages SET is_delivered = 1 WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking messages delivered: %w", err)
	}
	return nil
}

// SaveCustomer inserts or replaces a customer record, keyed by shop and email.
func (s *SQLiteStore) SaveCustomer(ctx context.Context, customer *Customer) error {
	tags, err := json.Marshal(customer.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	if customer.Tags == nil {
		tags = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customers (id, shop, email, name, orders_count, total_spent, tags_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(shop, email) DO UPDATE SET
			name = excluded.name,
			orders_count = excluded.orders_count,
			total_spent = excluded.total_spent,
			tags_json = excluded.tags_json
	`,
		customer.ID,
		customer.Shop,
		strings.ToLower(customer.Email),
		customer.Name,
		customer.OrdersCount,
		customer.TotalSpent,
		string(tags),
		formatTime(customer.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving customer: %w", err)
	}
	return nil
}

const customerColumns = `id, shop, email, name, orders_count, total_spent, tags_json, created_at`

func scanCustomer(row rowScanner) (*Customer, error) {
	var c Customer
	var tags, createdAt string

	if err := row.Scan(&c.ID, &c.Shop, &c.Email, &c.Name, &c.OrdersCount, &c.TotalSpent, &tags, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing customer created_at: %w", err)
	}
	return &c, nil
}

// GetCustomer retrieves a customer by ID.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	return c, nil
}

// GetCustomerByEmail retrieves a shop's customer by email (case-insensitive).
func (s *SQLiteStore) GetCustomerByEmail(ctx context.Context, shop, email string) (*Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE shop = ? AND email = ?`,
		shop, strings.ToLower(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer by email: %w", err)
	}
	return c, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
