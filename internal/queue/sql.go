package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/tunnelmesh/regionsync/internal/database"
)

var migrations = []*migrate.Migration{
	{
		Id: "20240501_queue",
		Up: []string{
			`CREATE TABLE queue_messages (
				id            TEXT    PRIMARY KEY,
				queue_name    TEXT    NOT NULL,
				body          TEXT    NOT NULL,
				attributes    TEXT    NOT NULL DEFAULT '{}',
				sent_at       BIGINT  NOT NULL,
				visible_at    BIGINT  NOT NULL,
				receipt       TEXT    NOT NULL DEFAULT '',
				receive_count INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX queue_messages_visible ON queue_messages (queue_name, visible_at)`,
			`CREATE INDEX queue_messages_receipt ON queue_messages (receipt)`,
		},
		Down: []string{`DROP TABLE queue_messages`},
	},
}

// SQLQueue is a Queue stored in a SQL table. Several named queues can share
// one database. On Postgres concurrent receivers skip each other's rows.
type SQLQueue struct {
	db      *sql.DB
	dialect database.Dialect
	name    string
	now     func() time.Time
}

// NewSQLQueue migrates the queue schema and returns the queue called name.
func NewSQLQueue(db *sql.DB, dialect database.Dialect, name string) (*SQLQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if _, err := database.Migrate(db, dialect, "queue_migrations", migrations); err != nil {
		return nil, err
	}
	return &SQLQueue{db: db, dialect: dialect, name: name, now: time.Now}, nil
}

// Name returns the queue name.
func (q *SQLQueue) Name() string { return q.name }

func (q *SQLQueue) Send(ctx context.Context, body []byte, attrs map[string]string) error {
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	now := q.now().UnixMilli()
	_, err = q.db.ExecContext(ctx, q.dialect.Rebind(
		`INSERT INTO queue_messages (id, queue_name, body, attributes, sent_at, visible_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), q.name, string(body), string(encoded), now, now)
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.name, err)
	}
	return nil
}

func (q *SQLQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}

	var out []Message
	err := database.InTx(ctx, q.db, func(tx *sql.Tx) error {
		out = out[:0]
		now := q.now()
		rows, err := tx.QueryContext(ctx, q.dialect.Rebind(
			`SELECT id, body, attributes, sent_at, receive_count FROM queue_messages
			 WHERE queue_name = ? AND visible_at <= ?
			 ORDER BY sent_at, id LIMIT ?`+q.dialect.SkipLocked()),
			q.name, now.UnixMilli(), max)
		if err != nil {
			return fmt.Errorf("select messages: %w", err)
		}
		for rows.Next() {
			var (
				m     Message
				body  string
				attrs string
				sent  int64
			)
			if err := rows.Scan(&m.ID, &body, &attrs, &sent, &m.ReceiveCount); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan message: %w", err)
			}
			m.Body = []byte(body)
			if err := json.Unmarshal([]byte(attrs), &m.Attributes); err != nil {
				_ = rows.Close()
				return fmt.Errorf("decode attributes of %s: %w", m.ID, err)
			}
			if len(m.Attributes) == 0 {
				m.Attributes = nil
			}
			m.SentAt = time.UnixMilli(sent).UTC()
			out = append(out, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		visibleAt := now.Add(visibility).UnixMilli()
		for i := range out {
			out[i].Receipt = uuid.NewString()
			out[i].ReceiveCount++
			if _, err := tx.ExecContext(ctx, q.dialect.Rebind(
				`UPDATE queue_messages SET receipt = ?, visible_at = ?, receive_count = ? WHERE id = ?`),
				out[i].Receipt, visibleAt, out[i].ReceiveCount, out[i].ID); err != nil {
				return fmt.Errorf("hide message %s: %w", out[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}
	return out, nil
}

func (q *SQLQueue) Delete(ctx context.Context, receipt string) error {
	if strings.TrimSpace(receipt) == "" {
		return ErrReceiptNotFound
	}
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(
		`DELETE FROM queue_messages WHERE queue_name = ? AND receipt = ?`), q.name, receipt)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// Depth returns the number of messages not yet deleted.
func (q *SQLQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(
		`SELECT COUNT(*) FROM queue_messages WHERE queue_name = ?`), q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
