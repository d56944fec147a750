package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-asyncop"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite persists records and identifiers in a SQLite database. Rows keep
// the full value as JSON next to the columns used for lookups.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	s := NewSQLite(db)
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database. The schema is applied by OpenSQLite.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// WithClock overrides the time source used for UpdatedAt stamps.
func (s *SQLite) WithClock(now func() time.Time) *SQLite {
	if now != nil {
		s.now = now
	}
	return s
}

// Close releases the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// Load reads one record.
func (s *SQLite) Load(ctx context.Context, id string) (*asyncop.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM operation_records WHERE id = ?`, strings.TrimSpace(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, asyncop.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	return decodeRecord(data)
}

func decodeRecord(data string) (*asyncop.Record, error) {
	var rec asyncop.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Save upserts rec and bumps its version. The last writer wins.
func (s *SQLite) Save(ctx context.Context, rec *asyncop.Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if rec == nil {
		return errors.New("record required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var stored int
	err = tx.QueryRowContext(ctx, `SELECT version FROM operation_records WHERE id = ?`, rec.ID).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	version := rec.Version
	if stored > version {
		version = stored
	}
	version++
	updatedAt := s.now().UTC()

	cp := rec.Clone()
	cp.Version = version
	cp.UpdatedAt = updatedAt
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO operation_records
		(id, operation_name, status, house_id, provider_id, scheduled, created, version, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			operation_name=excluded.operation_name,
			status=excluded.status,
			house_id=excluded.house_id,
			provider_id=excluded.provider_id,
			scheduled=excluded.scheduled,
			version=excluded.version,
			updated_at=excluded.updated_at,
			data=excluded.data`,
		cp.ID, cp.OperationName, string(cp.Status), cp.HouseID, cp.ProviderID,
		formatTimePtr(cp.Scheduled), formatTime(cp.Created), version, formatTime(updatedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	rec.Version = version
	rec.UpdatedAt = updatedAt
	return nil
}

func (s *SQLite) QueryFamily(ctx context.Context, id string) ([]*asyncop.Record, error) {
	return walk(ctx, id, s.Load, familyLinks)
}

func (s *SQLite) QueryChain(ctx context.Context, id string) ([]*asyncop.Record, error) {
	return walk(ctx, id, s.Load, chainLinks)
}

func (s *SQLite) QueryByScope(ctx context.Context, houseID, providerID string) ([]*asyncop.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	return s.queryRecords(ctx, `SELECT data FROM operation_records
		WHERE (? = '' OR house_id = ?) AND (? = '' OR provider_id = ?)
		ORDER BY created ASC, id ASC`,
		houseID, houseID, providerID, providerID)
}

func (s *SQLite) QueryDue(ctx context.Context, before time.Time, limit int) ([]*asyncop.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(ctx, `SELECT data FROM operation_records
		WHERE scheduled != '' AND scheduled <= ?
		AND status NOT IN (?, ?, ?, ?)
		ORDER BY scheduled ASC, id ASC
		LIMIT ?`,
		formatTime(before),
		string(asyncop.StatusDone), string(asyncop.StatusWarning),
		string(asyncop.StatusCanceled), string(asyncop.StatusError),
		limit)
}

func (s *SQLite) queryRecords(ctx context.Context, query string, args ...any) ([]*asyncop.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*asyncop.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Find returns the identifier row for the key.
func (s *SQLite) Find(ctx context.Context, tag, objectID, providerID string) (*asyncop.Identifier, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	key := asyncop.IdentifierKey{Tag: tag, ObjectID: objectID, ProviderID: providerID}
	idents, err := s.queryIdentifiers(ctx, `SELECT data, version FROM external_identifiers
		WHERE tag = ? AND object_id = ? AND provider_id = ?`, tag, objectID, providerID)
	if err != nil {
		return nil, fmt.Errorf("find identifier %s: %w", key, err)
	}
	if len(idents) == 0 {
		return nil, fmt.Errorf("identifier %s: %w", key, asyncop.ErrNotFound)
	}
	return idents[0], nil
}

func (s *SQLite) FindLatest(ctx context.Context, tag, objectID string) (*asyncop.Identifier, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	idents, err := s.queryIdentifiers(ctx, `SELECT data, version FROM external_identifiers
		WHERE tag = ? AND object_id = ? AND provider_id != '' AND deleted = 0
		ORDER BY updated_at DESC LIMIT 1`, tag, objectID)
	if err != nil {
		return nil, err
	}
	if len(idents) == 0 {
		return nil, fmt.Errorf("identifier %s:%s: %w", tag, objectID, asyncop.ErrNotFound)
	}
	return idents[0], nil
}

func (s *SQLite) FindByRecord(ctx context.Context, recordID string) ([]*asyncop.Identifier, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if strings.TrimSpace(recordID) == "" {
		return nil, nil
	}
	return s.queryIdentifiers(ctx, `SELECT data, version FROM external_identifiers
		WHERE record_id = ? ORDER BY tag, object_id, provider_id`, recordID)
}

func (s *SQLite) queryIdentifiers(ctx context.Context, query string, args ...any) ([]*asyncop.Identifier, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*asyncop.Identifier
	for rows.Next() {
		var data string
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, err
		}
		var ident asyncop.Identifier
		if err := json.Unmarshal([]byte(data), &ident); err != nil {
			return nil, fmt.Errorf("decode identifier: %w", err)
		}
		ident.Version = version
		out = append(out, &ident)
	}
	return out, rows.Err()
}

// BatchWrite applies all ops in one transaction.
func (s *SQLite) BatchWrite(ctx context.Context, ops []asyncop.BatchOp) (asyncop.BatchResult, error) {
	var result asyncop.BatchResult
	if s == nil || s.db == nil {
		return result, errors.New("sqlite store not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UTC()
	for _, op := range ops {
		if op.Identifier == nil {
			return asyncop.BatchResult{}, errors.New("batch op without identifier")
		}
		ident := op.Identifier.Clone()
		key := ident.Key()
		switch op.Kind {
		case asyncop.BatchDelete:
			res, err := tx.ExecContext(ctx, `DELETE FROM external_identifiers
				WHERE tag = ? AND object_id = ? AND provider_id = ?`, key.Tag, key.ObjectID, key.ProviderID)
			if err != nil {
				return asyncop.BatchResult{}, fmt.Errorf("delete identifier %s: %w", key, err)
			}
			n, _ := res.RowsAffected()
			result.Deleted += int(n)
			continue
		case asyncop.BatchInsert, asyncop.BatchReplace:
		default:
			return asyncop.BatchResult{}, fmt.Errorf("unknown batch op %q", op.Kind)
		}

		expected := ident.Version
		ident.Version++
		ident.PendingWrite = false
		ident.Discard = false
		if ident.UpdatedAt.IsZero() {
			ident.UpdatedAt = now
		}
		payload, err := json.Marshal(ident)
		if err != nil {
			return asyncop.BatchResult{}, fmt.Errorf("encode identifier %s: %w", key, err)
		}
		deleted := 0
		if ident.DeletedAt != nil {
			deleted = 1
		}

		if op.Kind == asyncop.BatchInsert {
			_, err = tx.ExecContext(ctx, `INSERT INTO external_identifiers
				(tag, object_id, provider_id, record_id, deleted, version, updated_at, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				key.Tag, key.ObjectID, key.ProviderID, ident.RecordID, deleted, 1, formatTime(ident.UpdatedAt), string(payload))
			if err != nil {
				return asyncop.BatchResult{}, fmt.Errorf("insert identifier %s: %w", key, err)
			}
			result.Inserted++
			continue
		}

		res, err := tx.ExecContext(ctx, `UPDATE external_identifiers
			SET record_id = ?, deleted = ?, version = ?, updated_at = ?, data = ?
			WHERE tag = ? AND object_id = ? AND provider_id = ? AND version = ?`,
			ident.RecordID, deleted, ident.Version, formatTime(ident.UpdatedAt), string(payload),
			key.Tag, key.ObjectID, key.ProviderID, expected)
		if err != nil {
			return asyncop.BatchResult{}, fmt.Errorf("replace identifier %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return asyncop.BatchResult{}, fmt.Errorf("replace identifier %s: missing or version conflict at %d", key, expected)
		}
		result.Updated++
	}
	if err := tx.Commit(); err != nil {
		return asyncop.BatchResult{}, err
	}
	tx = nil
	return result, nil
}
