package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/tunnelmesh/regionsync/internal/database"
)

var migrations = []*migrate.Migration{
	{
		Id: "20240501_journal",
		Up: []string{
			`CREATE TABLE journal_entries (
				object_key    TEXT    NOT NULL,
				region        TEXT    NOT NULL,
				event_time    INTEGER NOT NULL,
				event_name    TEXT    NOT NULL,
				encoded_key   TEXT    NOT NULL,
				principal     TEXT    NOT NULL DEFAULT '',
				ip_address    TEXT    NOT NULL DEFAULT '',
				source        TEXT    NOT NULL DEFAULT '',
				size          INTEGER,
				expire        INTEGER NOT NULL,
				update_region TEXT    NOT NULL DEFAULT '',
				PRIMARY KEY (object_key, region, event_time, event_name)
			)`,
			`CREATE INDEX journal_entries_expire ON journal_entries (expire)`,
			`CREATE TABLE journal_stream (
				seq        INTEGER PRIMARY KEY AUTOINCREMENT,
				event_name TEXT    NOT NULL,
				keys       TEXT    NOT NULL,
				new_image  TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE stream_checkpoints (
				consumer TEXT    PRIMARY KEY,
				seq      INTEGER NOT NULL
			)`,
		},
		Down: []string{
			`DROP TABLE stream_checkpoints`,
			`DROP TABLE journal_stream`,
			`DROP TABLE journal_entries`,
		},
	},
}

// Stream is the ordered change stream of a journal table with durable
// per-consumer checkpoints.
type Stream interface {
	// ReadStream returns up to limit records with a sequence number above after.
	ReadStream(ctx context.Context, after int64, limit int) ([]StreamRecord, error)
	// Checkpoint returns the last sequence number consumer acknowledged.
	Checkpoint(ctx context.Context, consumer string) (int64, error)
	// SaveCheckpoint records seq as acknowledged by consumer. Checkpoints never move back.
	SaveCheckpoint(ctx context.Context, consumer string, seq int64) error
}

// SQLTable is a region's journal table backed by SQLite. Every write appends
// a change-stream record in the same transaction.
type SQLTable struct {
	db     *sql.DB
	name   string
	region string
	now    func() time.Time
}

var (
	_ Table  = (*SQLTable)(nil)
	_ Stream = (*SQLTable)(nil)
)

// OpenSQLTable opens or creates the journal table name of region at path.
func OpenSQLTable(ctx context.Context, path, name, region string) (*SQLTable, error) {
	db, err := database.Open(ctx, database.SQLite, database.SQLitePath(path))
	if err != nil {
		return nil, fmt.Errorf("open journal %s/%s: %w", name, region, err)
	}
	t, err := NewSQLTable(db, name, region)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// NewSQLTable wraps an open SQLite database and applies the journal schema.
func NewSQLTable(db *sql.DB, name, region string) (*SQLTable, error) {
	if _, err := database.Migrate(db, database.SQLite, "journal_migrations", migrations); err != nil {
		return nil, err
	}
	return &SQLTable{db: db, name: name, region: region, now: time.Now}, nil
}

// Name returns the table name.
func (t *SQLTable) Name() string { return t.name }

// Region returns the region the table lives in.
func (t *SQLTable) Region() string { return t.region }

// Close closes the underlying database.
func (t *SQLTable) Close() error { return t.db.Close() }

func nullableSize(size *int64) sql.NullInt64 {
	if size == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *size, Valid: true}
}

// Put writes e, emitting INSERT for a new key and MODIFY for an existing one.
func (t *SQLTable) Put(ctx context.Context, e Entry) error {
	keys, err := json.Marshal(e.PrimaryKey())
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	image, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal image: %w", err)
	}

	return database.InTx(ctx, t.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM journal_entries WHERE object_key = ? AND region = ? AND event_time = ? AND event_name = ?`,
			e.Key, e.Region, e.Time.UnixMilli(), e.EventName,
		).Scan(&exists)
		streamEvent := StreamModify
		switch {
		case errors.Is(err, sql.ErrNoRows):
			streamEvent = StreamInsert
			_, err = tx.ExecContext(ctx,
				`INSERT INTO journal_entries (object_key, region, event_time, event_name, encoded_key,
					principal, ip_address, source, size, expire, update_region)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Key, e.Region, e.Time.UnixMilli(), e.EventName, e.EncodedKey,
				e.Principal, e.IPAddress, e.Source, nullableSize(e.Size), e.Expire.Unix(), e.UpdateRegion,
			)
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE journal_entries SET encoded_key = ?, principal = ?, ip_address = ?, source = ?,
					size = ?, expire = ?, update_region = ?
				WHERE object_key = ? AND region = ? AND event_time = ? AND event_name = ?`,
				e.EncodedKey, e.Principal, e.IPAddress, e.Source, nullableSize(e.Size), e.Expire.Unix(), e.UpdateRegion,
				e.Key, e.Region, e.Time.UnixMilli(), e.EventName,
			)
		}
		if err != nil {
			return fmt.Errorf("write journal row: %w", err)
		}
		return t.appendStream(ctx, tx, streamEvent, keys, image)
	})
}

func (t *SQLTable) appendStream(ctx context.Context, tx *sql.Tx, event string, keys, image []byte) error {
	var img sql.NullString
	if image != nil {
		img = sql.NullString{String: string(image), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO journal_stream (event_name, keys, new_image, created_at) VALUES (?, ?, ?, ?)`,
		event, string(keys), img, t.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("append stream record: %w", err)
	}
	return nil
}

// Get returns the row stored under key.
func (t *SQLTable) Get(ctx context.Context, key EntryKey) (*Entry, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT object_key, region, event_time, event_name, encoded_key, principal, ip_address,
			source, size, expire, update_region
		FROM journal_entries WHERE object_key = ? AND region = ? AND event_time = ? AND event_name = ?`,
		key.Key, key.Region, key.Time.UnixMilli(), key.EventName,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		eventMs, exp int64
		size         sql.NullInt64
	)
	if err := s.Scan(&e.Key, &e.Region, &eventMs, &e.EventName, &e.EncodedKey, &e.Principal,
		&e.IPAddress, &e.Source, &size, &exp, &e.UpdateRegion); err != nil {
		return nil, err
	}
	e.Time = time.UnixMilli(eventMs).UTC()
	e.Expire = time.Unix(exp, 0).UTC()
	if size.Valid {
		n := size.Int64
		e.Size = &n
	}
	return &e, nil
}

// ReadStream returns up to limit stream records after the given sequence number.
func (t *SQLTable) ReadStream(ctx context.Context, after int64, limit int) ([]StreamRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT seq, event_name, keys, new_image, created_at FROM journal_stream
		WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StreamRecord
	for rows.Next() {
		var (
			rec       StreamRecord
			keys      string
			image     sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&rec.SequenceNumber, &rec.EventName, &keys, &image, &createdMs); err != nil {
			return nil, fmt.Errorf("scan stream record: %w", err)
		}
		if err := json.Unmarshal([]byte(keys), &rec.Keys); err != nil {
			return nil, fmt.Errorf("decode stream keys %d: %w", rec.SequenceNumber, err)
		}
		if image.Valid {
			rec.NewImage = &Entry{}
			if err := json.Unmarshal([]byte(image.String), rec.NewImage); err != nil {
				return nil, fmt.Errorf("decode stream image %d: %w", rec.SequenceNumber, err)
			}
		}
		rec.SourceTable = t.name
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastSequence returns the newest stream sequence number, or 0 when empty.
func (t *SQLTable) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := t.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal_stream`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq.Int64, nil
}

// Checkpoint returns the acknowledged sequence number of consumer.
func (t *SQLTable) Checkpoint(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := t.db.QueryRowContext(ctx, `SELECT seq FROM stream_checkpoints WHERE consumer = ?`, consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", consumer, err)
	}
	return seq, nil
}

// SaveCheckpoint advances the checkpoint of consumer to seq.
func (t *SQLTable) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO stream_checkpoints (consumer, seq) VALUES (?, ?)
		ON CONFLICT (consumer) DO UPDATE SET seq = excluded.seq WHERE excluded.seq > stream_checkpoints.seq`,
		consumer, seq)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", consumer, err)
	}
	return nil
}

// DeleteExpired removes rows whose expiry is before now and emits a REMOVE
// stream record for each.
func (t *SQLTable) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := database.InTx(ctx, t.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT object_key, region, event_time, event_name FROM journal_entries WHERE expire < ?`, now.Unix())
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		var expired []EntryKey
		for rows.Next() {
			var (
				k  EntryKey
				ms int64
			)
			if err := rows.Scan(&k.Key, &k.Region, &ms, &k.EventName); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan expired: %w", err)
			}
			k.Time = time.UnixMilli(ms).UTC()
			expired = append(expired, k)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, k := range expired {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM journal_entries WHERE object_key = ? AND region = ? AND event_time = ? AND event_name = ?`,
				k.Key, k.Region, k.Time.UnixMilli(), k.EventName); err != nil {
				return fmt.Errorf("delete expired: %w", err)
			}
			keys, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("marshal keys: %w", err)
			}
			if err := t.appendStream(ctx, tx, StreamRemove, keys, nil); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

// TrimStream deletes stream records up to and including seq.
func (t *SQLTable) TrimStream(ctx context.Context, seq int64) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM journal_stream WHERE seq <= ?`, seq)
	if err != nil {
		return 0, fmt.Errorf("trim stream: %w", err)
	}
	return res.RowsAffected()
}
