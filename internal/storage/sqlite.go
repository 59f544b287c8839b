package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	logx "remindd/pkg/logx"
	"strings"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"remindd/internal/reminder"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const dateLayout = "2006-01-02"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.DeliveryRetention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- definitions

func (s *sqliteStore) PutDefinition(ctx context.Context, def *reminder.Definition) error {
	if def == nil || def.ID == "" {
		return errors.New("definition id is required")
	}
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions(id, domain, case_type, retired, body, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET domain=excluded.domain, case_type=excluded.case_type,
		   retired=excluded.retired, body=excluded.body, updated_at=excluded.updated_at`,
		def.ID, def.Domain, def.CaseType, boolInt(def.Retired), string(body), def.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDefinition(ctx context.Context, id string) (*reminder.Definition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM definitions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("definition %s: %w", id, reminder.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(body)
}

func (s *sqliteStore) ListDefinitions(ctx context.Context, f reminder.DefinitionFilter) ([]*reminder.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM definitions
		 WHERE (? = '' OR domain = ?)
		   AND (? = '' OR case_type = '' OR case_type = ?)
		   AND (? = 1 OR retired = 0)
		 ORDER BY id`,
		f.Domain, f.Domain, f.CaseType, f.CaseType, boolInt(f.IncludeRetired),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*reminder.Definition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		d, err := decodeDefinition(body)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decodeDefinition(body string) (*reminder.Definition, error) {
	var d reminder.Definition
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &d, nil
}

// --- instances

const instanceColumns = `id, domain, case_id, definition_id, user_id, method, next_fire, last_fired, active,
	lang, start_date, iteration, event_index, callback_try_count, callback_received, retired, version`

func (s *sqliteStore) CreateInstance(ctx context.Context, inst *reminder.Instance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances(`+instanceColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`,
		inst.ID, inst.Domain, inst.CaseID, inst.DefinitionID, inst.UserID, string(inst.Method),
		inst.NextFire.UnixMilli(), nullTime(inst.LastFired), boolInt(inst.Active),
		inst.Language, inst.StartDate.Format(dateLayout), inst.Iteration, inst.EventIndex,
		inst.CallbackTryCount, boolInt(inst.CallbackReceived), boolInt(inst.Retired),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("instance %s/%s: %w", inst.DefinitionID, inst.CaseID, reminder.ErrExists)
	}
	if err != nil {
		return err
	}
	inst.Version = 1
	return nil
}

func (s *sqliteStore) UpdateInstance(ctx context.Context, inst *reminder.Instance) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET user_id=?, method=?, next_fire=?, last_fired=?, active=?, lang=?, start_date=?,
		   iteration=?, event_index=?, callback_try_count=?, callback_received=?, retired=?, version=version+1
		 WHERE id=? AND version=? AND (retired = 0 OR ? = 1)`,
		inst.UserID, string(inst.Method), inst.NextFire.UnixMilli(), nullTime(inst.LastFired), boolInt(inst.Active),
		inst.Language, inst.StartDate.Format(dateLayout), inst.Iteration, inst.EventIndex,
		inst.CallbackTryCount, boolInt(inst.CallbackReceived), boolInt(inst.Retired),
		inst.ID, inst.Version, boolInt(inst.Retired),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var v int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM instances WHERE id = ?`, inst.ID).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("instance %s: %w", inst.ID, reminder.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("instance %s at version %d, have %d: %w", inst.ID, v, inst.Version, reminder.ErrConflict)
	}
	inst.Version++
	return nil
}

func (s *sqliteStore) GetInstance(ctx context.Context, id string) (*reminder.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, reminder.ErrNotFound)
	}
	return inst, err
}

func (s *sqliteStore) FindInstance(ctx context.Context, domain, definitionID, caseID string) (*reminder.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE definition_id = ? AND case_id = ? AND retired = 0 AND (? = '' OR domain = ?)`,
		definitionID, caseID, domain, domain,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s/%s: %w", definitionID, caseID, reminder.ErrNotFound)
	}
	return inst, err
}

func (s *sqliteStore) DueInstances(ctx context.Context, q reminder.DueQuery) ([]*reminder.Instance, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	hasCursor := 0
	if !q.After.IsZero() {
		hasCursor = 1
	}
	after := q.After.NextFire.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE retired = 0 AND active = 1 AND next_fire <= ? AND (? = '' OR domain = ?)
		   AND (? = 0 OR next_fire > ? OR (next_fire = ? AND id > ?))
		 ORDER BY next_fire, id LIMIT ?`,
		q.Before.UnixMilli(), q.Domain, q.Domain,
		hasCursor, after, after, q.After.ID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func (s *sqliteStore) InstancesByDefinition(ctx context.Context, definitionID string) ([]*reminder.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE definition_id = ? AND retired = 0 ORDER BY case_id`,
		definitionID,
	)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*reminder.Instance, error) {
	var (
		inst                        reminder.Instance
		method, startDate           string
		nextFire                    int64
		lastFired                   sql.NullInt64
		active, cbReceived, retired int
	)
	err := r.Scan(&inst.ID, &inst.Domain, &inst.CaseID, &inst.DefinitionID, &inst.UserID, &method,
		&nextFire, &lastFired, &active, &inst.Language, &startDate, &inst.Iteration, &inst.EventIndex,
		&inst.CallbackTryCount, &cbReceived, &retired, &inst.Version)
	if err != nil {
		return nil, err
	}
	inst.Method = reminder.DeliveryMethod(method)
	inst.NextFire = time.UnixMilli(nextFire).UTC()
	if lastFired.Valid {
		inst.LastFired = time.UnixMilli(lastFired.Int64).UTC()
	}
	inst.Active = active != 0
	inst.CallbackReceived = cbReceived != 0
	inst.Retired = retired != 0
	if d, err := time.Parse(dateLayout, startDate); err == nil {
		inst.StartDate = d
	}
	return &inst, nil
}

func collectInstances(rows *sql.Rows) ([]*reminder.Instance, error) {
	defer rows.Close()
	var out []*reminder.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- cases

func (s *sqliteStore) PutCase(ctx context.Context, c *reminder.Case) error {
	if c == nil || c.ID == "" {
		return errors.New("case id is required")
	}
	props, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("encode case %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cases(domain, id, type, user_id, closed, properties, modified_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(domain, id) DO UPDATE SET type=excluded.type, user_id=excluded.user_id,
		   closed=excluded.closed, properties=excluded.properties, modified_at=excluded.modified_at`,
		c.Domain, c.ID, c.Type, c.OwnerID, boolInt(c.Closed), string(props), c.ModifiedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetCase(ctx context.Context, domain, caseID string) (*reminder.Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT domain, id, type, user_id, closed, properties, modified_at FROM cases WHERE domain = ? AND id = ?`,
		domain, caseID,
	)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", caseID, reminder.ErrNotFound)
	}
	return c, err
}

func (s *sqliteStore) OpenCases(ctx context.Context, domain, caseType string) ([]*reminder.Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, id, type, user_id, closed, properties, modified_at FROM cases
		 WHERE domain = ? AND closed = 0 AND (? = '' OR type = ?) ORDER BY id`,
		domain, caseType, caseType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*reminder.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCase(r rowScanner) (*reminder.Case, error) {
	var (
		c        reminder.Case
		closed   int
		props    string
		modified int64
	)
	if err := r.Scan(&c.Domain, &c.ID, &c.Type, &c.OwnerID, &closed, &props, &modified); err != nil {
		return nil, err
	}
	c.Closed = closed != 0
	c.ModifiedAt = time.UnixMilli(modified).UTC()
	dec := json.NewDecoder(strings.NewReader(props))
	dec.UseNumber()
	if err := dec.Decode(&c.Properties); err != nil {
		return nil, fmt.Errorf("decode case %s properties: %w", c.ID, err)
	}
	return &c, nil
}

func (s *sqliteStore) CasesOwnedBy(ctx context.Context, userID string) ([]*reminder.Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, id, type, user_id, closed, properties, modified_at FROM cases
		 WHERE user_id = ? AND closed = 0 ORDER BY domain, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*reminder.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- users

func (s *sqliteStore) PutUser(ctx context.Context, u *reminder.User) error {
	if u == nil || u.ID == "" {
		return errors.New("user id is required")
	}
	data, err := json.Marshal(u.Data)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", u.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users(id, time_zone, phone_number, email, data) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET time_zone=excluded.time_zone, phone_number=excluded.phone_number,
		   email=excluded.email, data=excluded.data`,
		u.ID, u.TimeZone, u.PhoneNumber, u.Email, string(data),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, userID string) (*reminder.User, error) {
	var (
		u    reminder.User
		data string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, time_zone, phone_number, email, data FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.TimeZone, &u.PhoneNumber, &u.Email, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, reminder.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if data != "" && data != "null" {
		if err := json.Unmarshal([]byte(data), &u.Data); err != nil {
			return nil, fmt.Errorf("decode user %s data: %w", userID, err)
		}
	}
	return &u, nil
}

func (s *sqliteStore) DeleteUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", userID, reminder.ErrNotFound)
	}
	return nil
}

// --- acks

func (s *sqliteStore) RecordAck(ctx context.Context, ack reminder.Ack) error {
	if ack.UserID == "" {
		return errors.New("ack user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acks(id, user_id, phone_number, at) VALUES(?,?,?,?)`,
		ack.ID, ack.UserID, nullStr(ack.PhoneNumber), ack.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AckedBetween(ctx context.Context, userID string, since, until time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM acks WHERE user_id = ? AND at > ? AND at <= ? LIMIT 1`,
		userID, since.UnixMilli(), until.UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- deliveries

func (s *sqliteStore) AppendDelivery(ctx context.Context, d reminder.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, at, instance_id, definition_id, case_id, user_id, method, iteration, event_index, ok, chars, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.At.UnixMilli(), d.InstanceID, d.DefinitionID, d.CaseID, d.UserID, string(d.Method),
		d.Iteration, d.EventIndex, boolInt(d.OK), d.Chars, nullStr(d.Error),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneDeliveries(pctx, d.At.Add(-s.retention)); perr != nil {
			s.log.Debug("delivery prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, instanceID string, limit int) ([]reminder.Delivery, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, instance_id, definition_id, case_id, user_id, method, iteration, event_index, ok, chars, err
		 FROM deliveries WHERE (? = '' OR instance_id = ?) ORDER BY at DESC, rowid DESC LIMIT ?`,
		instanceID, instanceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Delivery
	for rows.Next() {
		var (
			d      reminder.Delivery
			at     int64
			method string
			ok     int
			msg    sql.NullString
		)
		if err := rows.Scan(&d.ID, &at, &d.InstanceID, &d.DefinitionID, &d.CaseID, &d.UserID, &method,
			&d.Iteration, &d.EventIndex, &ok, &d.Chars, &msg); err != nil {
			return nil, err
		}
		d.At = time.UnixMilli(at).UTC()
		d.Method = reminder.DeliveryMethod(method)
		d.OK = ok != 0
		d.Error = msg.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneDeliveries(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, cutoff.UnixMilli())
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
