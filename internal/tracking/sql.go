package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/tunnelmesh/regionsync/internal/database"
)

var migrations = []*migrate.Migration{
	{
		Id: "20240501_tracking",
		Up: []string{
			`CREATE TABLE multipart_uploads (
				object_key          TEXT    NOT NULL,
				journal_item_hash   TEXT    NOT NULL,
				upload_id           TEXT    NOT NULL DEFAULT '',
				total_parts         INTEGER NOT NULL DEFAULT 0,
				max_part_size       BIGINT  NOT NULL DEFAULT 0,
				remote_bucket       TEXT    NOT NULL DEFAULT '',
				local_bucket        TEXT    NOT NULL DEFAULT '',
				encoded_key         TEXT    NOT NULL DEFAULT '',
				status              TEXT    NOT NULL,
				processing_attempts INTEGER NOT NULL DEFAULT 0,
				object_etag         TEXT    NOT NULL DEFAULT '',
				claim_token         TEXT    NOT NULL DEFAULT '',
				claim_expires       BIGINT  NOT NULL DEFAULT 0,
				created_at          BIGINT  NOT NULL,
				queued_at           BIGINT  NOT NULL DEFAULT 0,
				last_processed      BIGINT  NOT NULL DEFAULT 0,
				finished_at         BIGINT  NOT NULL DEFAULT 0,
				expire              BIGINT  NOT NULL,
				PRIMARY KEY (object_key, journal_item_hash)
			)`,
			`CREATE INDEX multipart_uploads_expire ON multipart_uploads (expire)`,
			`CREATE INDEX multipart_uploads_status ON multipart_uploads (status)`,
			`CREATE TABLE multipart_parts (
				object_key        TEXT    NOT NULL,
				journal_item_hash TEXT    NOT NULL,
				part_number       INTEGER NOT NULL,
				etag              TEXT    NOT NULL,
				PRIMARY KEY (object_key, journal_item_hash, part_number)
			)`,
		},
		Down: []string{
			`DROP TABLE multipart_parts`,
			`DROP TABLE multipart_uploads`,
		},
	},
}

const recordColumns = `object_key, journal_item_hash, upload_id, total_parts, max_part_size,
	remote_bucket, local_bucket, encoded_key, status, processing_attempts, object_etag,
	claim_token, claim_expires, created_at, queued_at, last_processed, finished_at, expire`

// SQLTable is a Table backed by SQLite or Postgres. Each mutation runs in a
// transaction that locks the record row: SQLite transactions take the write
// lock at BEGIN, Postgres rows are selected FOR UPDATE.
type SQLTable struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

var _ Table = (*SQLTable)(nil)

// NewSQLTable applies the tracking schema to db.
func NewSQLTable(db *sql.DB, dialect database.Dialect) (*SQLTable, error) {
	if _, err := database.Migrate(db, dialect, "tracking_migrations", migrations); err != nil {
		return nil, err
	}
	return &SQLTable{db: db, dialect: dialect, now: time.Now}, nil
}

func (t *SQLTable) q(query string) string {
	return t.dialect.Rebind(query)
}

func millis(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var status string
	var claimExp, created, queued, last, fin, ex int64
	if err := s.Scan(&r.Key, &r.JournalItemHash, &r.UploadID, &r.TotalParts, &r.MaxPartSize,
		&r.RemoteBucket, &r.LocalBucket, &r.EncodedKey, &status, &r.ProcessingAttempts, &r.ObjectETag,
		&r.ClaimToken, &claimExp, &created, &queued, &last, &fin, &ex); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	r.Status = st
	r.ClaimExpires = fromMillis(claimExp)
	r.CreatedAt = fromMillis(created)
	r.QueuedAt = fromMillis(queued)
	r.LastProcessed = fromMillis(last)
	r.FinishedAt = fromMillis(fin)
	r.Expire = fromMillis(ex)
	return &r, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (t *SQLTable) load(ctx context.Context, q queryer, key, hash, suffix string) (*Record, error) {
	row := q.QueryRowContext(ctx, t.q(`SELECT `+recordColumns+` FROM multipart_uploads
		WHERE object_key = ? AND journal_item_hash = ?`+suffix), key, hash)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tracking record: %w", err)
	}
	if err := t.loadParts(ctx, q, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *SQLTable) loadParts(ctx context.Context, q queryer, r *Record) error {
	rows, err := q.QueryContext(ctx, t.q(`SELECT part_number, etag FROM multipart_parts
		WHERE object_key = ? AND journal_item_hash = ?`), r.Key, r.JournalItemHash)
	if err != nil {
		return fmt.Errorf("load parts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			n    int
			etag string
		)
		if err := rows.Scan(&n, &etag); err != nil {
			return fmt.Errorf("scan part: %w", err)
		}
		if r.Parts == nil {
			r.Parts = make(map[int]string)
		}
		r.Parts[n] = etag
	}
	return rows.Err()
}

func (t *SQLTable) save(ctx context.Context, tx *sql.Tx, r *Record) error {
	_, err := tx.ExecContext(ctx, t.q(`UPDATE multipart_uploads SET upload_id = ?, total_parts = ?,
		max_part_size = ?, remote_bucket = ?, local_bucket = ?, encoded_key = ?, status = ?,
		processing_attempts = ?, object_etag = ?, claim_token = ?, claim_expires = ?, queued_at = ?,
		last_processed = ?, finished_at = ?, expire = ?
		WHERE object_key = ? AND journal_item_hash = ?`),
		r.UploadID, r.TotalParts, r.MaxPartSize, r.RemoteBucket, r.LocalBucket, r.EncodedKey,
		r.Status.String(), r.ProcessingAttempts, r.ObjectETag, r.ClaimToken, millis(r.ClaimExpires),
		millis(r.QueuedAt), millis(r.LastProcessed), millis(r.FinishedAt), millis(r.Expire),
		r.Key, r.JournalItemHash)
	if err != nil {
		return fmt.Errorf("update tracking record: %w", err)
	}
	return nil
}

// mutate loads a record under lock, applies fn and persists the result.
func (t *SQLTable) mutate(ctx context.Context, key, hash string, fn func(tx *sql.Tx, r *Record, now time.Time) error) (*Record, error) {
	var out *Record
	var fnErr error
	err := database.InTx(ctx, t.db, func(tx *sql.Tx) error {
		r, err := t.load(ctx, tx, key, hash, t.dialect.ForUpdate())
		if err != nil {
			return err
		}
		if fnErr = fn(tx, r, t.now()); fnErr != nil {
			out = r
			return fnErr
		}
		if err := t.save(ctx, tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if fnErr != nil {
		return out, fnErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Claim implements Table.
func (t *SQLTable) Claim(ctx context.Context, key, hash, token string, lease time.Duration) (*Record, ClaimOutcome, error) {
	var (
		out     *Record
		outcome ClaimOutcome
	)
	err := database.InTx(ctx, t.db, func(tx *sql.Tx) error {
		now := t.now()
		fresh := newClaim(key, hash, token, lease, now)
		res, err := tx.ExecContext(ctx, t.q(`INSERT INTO multipart_uploads (object_key, journal_item_hash,
			status, claim_token, claim_expires, created_at, expire) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (object_key, journal_item_hash) DO NOTHING`),
			key, hash, fresh.Status.String(), token, millis(fresh.ClaimExpires), millis(now), millis(fresh.Expire))
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			out, outcome = fresh, ClaimAcquired
			return nil
		}

		r, err := t.load(ctx, tx, key, hash, t.dialect.ForUpdate())
		if err != nil {
			return err
		}
		outcome = applyClaim(r, token, lease, now)
		out = r
		if outcome != ClaimAcquired {
			return nil
		}
		return t.save(ctx, tx, r)
	})
	if err != nil {
		return nil, 0, err
	}
	return out, outcome, nil
}

// Queue implements Table.
func (t *SQLTable) Queue(ctx context.Context, key, hash, token string, p QueueParams) (*Record, error) {
	r, err := t.mutate(ctx, key, hash, func(_ *sql.Tx, r *Record, now time.Time) error {
		return applyQueue(r, token, p, now)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrClaimLost
	}
	return r, err
}

// Get implements Table.
func (t *SQLTable) Get(ctx context.Context, key, hash string) (*Record, error) {
	return t.load(ctx, t.db, key, hash, "")
}

// RecordPart implements Table.
func (t *SQLTable) RecordPart(ctx context.Context, key, hash string, part int, etag string) (*Record, error) {
	return t.mutate(ctx, key, hash, func(tx *sql.Tx, r *Record, now time.Time) error {
		if err := applyPart(r, part, etag, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, t.q(`INSERT INTO multipart_parts (object_key, journal_item_hash, part_number, etag)
			VALUES (?, ?, ?, ?) ON CONFLICT (object_key, journal_item_hash, part_number) DO UPDATE SET etag = excluded.etag`),
			key, hash, part, etag)
		if err != nil {
			return fmt.Errorf("record part %d: %w", part, err)
		}
		return nil
	})
}

// Complete implements Table.
func (t *SQLTable) Complete(ctx context.Context, key, hash, objectETag string) (*Record, error) {
	return t.mutate(ctx, key, hash, func(_ *sql.Tx, r *Record, now time.Time) error {
		return applyComplete(r, objectETag, now)
	})
}

// List implements Table.
func (t *SQLTable) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, f.Status.String())
	}
	query := `SELECT ` + recordColumns + ` FROM multipart_uploads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, object_key, journal_item_hash"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.db.QueryContext(ctx, t.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan tracking record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Parts are loaded after the cursor is closed; SQLite runs on a single connection.
	for _, r := range out {
		if err := t.loadParts(ctx, t.db, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteExpired implements Table.
func (t *SQLTable) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := database.InTx(ctx, t.db, func(tx *sql.Tx) error {
		cutoff := now.UnixMilli()
		if _, err := tx.ExecContext(ctx, t.q(`DELETE FROM multipart_parts WHERE EXISTS (
			SELECT 1 FROM multipart_uploads u WHERE u.object_key = multipart_parts.object_key
			AND u.journal_item_hash = multipart_parts.journal_item_hash AND u.expire < ?)`), cutoff); err != nil {
			return fmt.Errorf("delete expired parts: %w", err)
		}
		res, err := tx.ExecContext(ctx, t.q(`DELETE FROM multipart_uploads WHERE expire < ?`), cutoff)
		if err != nil {
			return fmt.Errorf("delete expired records: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// Counts returns the number of records per status name.
func (t *SQLTable) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM multipart_uploads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tracking records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
