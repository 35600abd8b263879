package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/chatrelay/internal/config"
	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/models"
)

const notifyChannel = "message_changes"

type DatabaseClient struct {
	db     *sql.DB
	dsn    string
	hub    *changeHub
	logger *slog.Logger

	cancelListen context.CancelFunc
	listenDone   chan struct{}
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	listenCtx, stop := context.WithCancel(context.Background())
	c := &DatabaseClient{
		db:           db,
		dsn:          dsn,
		hub:          newChangeHub(),
		logger:       logger,
		cancelListen: stop,
		listenDone:   make(chan struct{}),
	}
	go c.listen(listenCtx)

	return c, nil
}

// buildDSN appends verify-ca TLS params when a root cert is configured.
func buildDSN(rawURL, certPath string) (string, error) {
	if certPath == "" {
		return rawURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.cancelListen != nil {
		c.cancelListen()
		<-c.listenDone
	}
	c.hub.closeAll()
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Conversations

func (c *DatabaseClient) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("nil conversation")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	meta, err := json.Marshal(conv.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	const q = `
		INSERT INTO conversations (id, user_id, guest_id, title, meta)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q, conv.ID, conv.UserID, conv.GuestID, conv.Title, meta).
		Scan(&conv.CreatedAt, &conv.UpdatedAt)
}

const conversationColumns = `id, COALESCE(user_id, ''), COALESCE(guest_id, ''), title, meta, last_message_number, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var (
		conv models.Conversation
		meta []byte
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.GuestID, &conv.Title, &meta,
		&conv.LastMessageNumber, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &conv.Meta); err != nil {
			return nil, fmt.Errorf("decode conversation meta: %w", err)
		}
	}
	return &conv, nil
}

func (c *DatabaseClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return conv, err
}

func (c *DatabaseClient) ListConversations(ctx context.Context, owner models.Owner) ([]models.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE ($1 <> '' AND user_id = $1) OR ($2 <> '' AND guest_id = $2)
		ORDER BY updated_at DESC`
	rows, err := c.db.QueryContext(ctx, q, owner.UserID, owner.GuestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateConversationTitle(ctx context.Context, id, title string) error {
	const q = `UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`
	res, err := c.db.ExecContext(ctx, q, id, title)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation; messages and embeddings go
// with it through ON DELETE CASCADE.
func (c *DatabaseClient) DeleteConversation(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Messages

func (c *DatabaseClient) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = models.StatusComplete
	}
	meta, err := json.Marshal(msg.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The counter row lock serializes allocation per conversation, and the
	// counter only ever grows, so numbers are never handed out twice.
	var number int64
	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET last_message_number = last_message_number + 1, updated_at = now()
		WHERE id = $1
		RETURNING last_message_number
	`, msg.ChatID).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("allocate message number: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, role, text, message_number, client_msg_id, status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chat_id, role, client_msg_id) DO NOTHING
		RETURNING created_at
	`, msg.ID, msg.ChatID, string(msg.Role), msg.Text, number, msg.ClientMsgID, msg.Status, meta).
		Scan(&msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	msg.MessageNumber = number
	return nil
}

const messageColumns = `id, chat_id, role, text, message_number, client_msg_id, status, meta, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		m    models.Message
		role string
		meta []byte
	)
	if err := row.Scan(&m.ID, &m.ChatID, &role, &m.Text, &m.MessageNumber,
		&m.ClientMsgID, &m.Status, &meta, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Meta); err != nil {
			return nil, fmt.Errorf("decode message meta: %w", err)
		}
	}
	return &m, nil
}

func (c *DatabaseClient) FindMessageByClientID(ctx context.Context, chatID string, role models.Role, clientMsgID string) (*models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1 AND role = $2 AND client_msg_id = $3`
	m, err := scanMessage(c.db.QueryRowContext(ctx, q, chatID, string(role), clientMsgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (c *DatabaseClient) getMessage(ctx context.Context, id string) (*models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (c *DatabaseClient) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1 ORDER BY message_number ASC`
	rows, err := c.db.QueryContext(ctx, q, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Embeddings

func (c *DatabaseClient) UpsertMessageEmbedding(ctx context.Context, messageID, chatID string, embedding []float32) error {
	const q = `
		INSERT INTO message_embeddings (message_id, chat_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET embedding = EXCLUDED.embedding
	`
	_, err := c.db.ExecContext(ctx, q, messageID, chatID, pgvector.NewVector(embedding))
	return err
}

// SearchMessages returns the messages of chatID nearest to embedding.
func (c *DatabaseClient) SearchMessages(ctx context.Context, chatID string, embedding []float32, limit int) ([]models.MessageHit, error) {
	const q = `
		SELECT m.id, m.chat_id, m.role, m.text, m.message_number, m.client_msg_id, m.status, m.meta, m.created_at,
		       e.embedding <-> $2 AS distance
		FROM message_embeddings e
		JOIN messages m ON m.id = e.message_id
		WHERE e.chat_id = $1
		ORDER BY distance
		LIMIT $3
	`
	rows, err := c.db.QueryContext(ctx, q, chatID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MessageHit
	for rows.Next() {
		var (
			hit  models.MessageHit
			role string
			meta []byte
		)
		m := &hit.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Text, &m.MessageNumber,
			&m.ClientMsgID, &m.Status, &meta, &m.CreatedAt, &hit.Distance); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		_ = json.Unmarshal(meta, &m.Meta)
		out = append(out, hit)
	}
	return out, rows.Err()
}

// Payment signals

func (c *DatabaseClient) GetPaymentSignals(ctx context.Context, guestID string) (*models.PaymentSignals, error) {
	const q = `
		SELECT guest_id, payment_confirmed, report_ready, payment_error, updated_at
		FROM guest_payments WHERE guest_id = $1
	`
	var p models.PaymentSignals
	err := c.db.QueryRowContext(ctx, q, guestID).Scan(
		&p.GuestID, &p.PaymentConfirmed, &p.ReportReady, &p.PaymentError, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.PaymentSignals{GuestID: guestID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *DatabaseClient) MarkPaymentSignal(ctx context.Context, guestID string, signal core.PaymentSignal) error {
	var column string
	switch signal {
	case core.SignalPaymentConfirmed, core.SignalReportReady, core.SignalPaymentError:
		column = string(signal)
	default:
		return fmt.Errorf("unknown payment signal %q", signal)
	}
	q := fmt.Sprintf(`
		INSERT INTO guest_payments (guest_id, %[1]s, updated_at)
		VALUES ($1, true, now())
		ON CONFLICT (guest_id) DO UPDATE SET %[1]s = true, updated_at = now()
	`, column)
	_, err := c.db.ExecContext(ctx, q, guestID)
	return err
}

// Change feed

func (c *DatabaseClient) SubscribeMessages(ctx context.Context, chatID string) (<-chan models.MessageChange, error) {
	return c.hub.subscribe(ctx, chatID), nil
}

type notifyPayload struct {
	Op     models.ChangeOp `json:"op"`
	ID     string          `json:"id"`
	ChatID string          `json:"chat_id"`
}

// listen holds one LISTEN connection and republishes notifications to the
// hub, reconnecting with a fixed delay when the connection drops.
func (c *DatabaseClient) listen(ctx context.Context) {
	defer close(c.listenDone)
	for {
		err := c.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("change feed connection lost", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *DatabaseClient) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var p notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			c.logger.Warn("bad change payload", "payload", n.Payload, "error", err)
			continue
		}
		if !c.hub.hasSubscribers(p.ChatID) {
			continue
		}
		change := models.MessageChange{Op: p.Op, ChatID: p.ChatID, ID: p.ID}
		if p.Op != models.ChangeDelete {
			m, err := c.getMessage(ctx, p.ID)
			if err != nil {
				c.logger.Warn("load changed message", "id", p.ID, "error", err)
				continue
			}
			change.Message = m
		}
		c.hub.publish(change)
	}
}

var _ core.DbClient = (*DatabaseClient)(nil)
