package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vetdesk/internal/domain"
	"vetdesk/internal/logging"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Dialect selects SQL driver specifics.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists one row per case in SQLite or PostgreSQL.
// Params: database handle, dialect and logger.
// Returns: durable store with revision-guarded updates.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// OpenSQLite opens or creates SQLite case database.
// Params: database file path and logger.
// Returns: migrated store or open error.
func OpenSQLite(path string, logger *slog.Logger) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	db, err := sql.Open(string(DialectSQLite), dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(db, DialectSQLite, logger)
}

// OpenPostgres connects to PostgreSQL case database.
// Params: lib/pq DSN and logger.
// Returns: migrated store or connect error.
func OpenPostgres(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLStore(db, DialectPostgres, logger)
}

func newSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, logger: logging.OrNop(logger)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, s.classify("store.ping", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Debug("case store schema applied", "dialect", string(dialect))
	return s, nil
}

// Create inserts a new case row.
// Params: case in pending_review with assigned id.
// Returns: case id or ErrConflict when id already exists.
func (s *SQLStore) Create(ctx context.Context, c domain.EmergencyCase) (string, error) {
	if err := validateNew(c); err != nil {
		return "", err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode case: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO emergency_cases
		(case_id, status, expert_channel_ref, revision, body, created_ms, updated_ms)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (case_id) DO NOTHING`),
		c.CaseID, string(c.Status), nullableRef(c.ExpertChannelRef), string(body), c.CreatedAt.UnixMilli(), now)
	if err != nil {
		return "", s.classify("store.create", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", s.classify("store.create", err)
	}
	if affected == 0 {
		return "", conflict("case id %s already exists", c.CaseID)
	}
	return c.CaseID, nil
}

// Get reads one case row.
// Params: case id.
// Returns: case or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, caseID string) (domain.EmergencyCase, error) {
	c, _, err := s.load(ctx, caseID)
	return c, err
}

// Update applies mutator under status and revision guard.
// Params: case id, expected status and mutator.
// Returns: updated case, ErrNotFound, ErrConflict or guard error.
func (s *SQLStore) Update(ctx context.Context, caseID string, expected domain.Status, mutate Mutator) (domain.EmergencyCase, error) {
	prev, revision, err := s.load(ctx, caseID)
	if err != nil {
		return domain.EmergencyCase{}, err
	}
	next, err := applyMutation(prev, expected, mutate)
	if err != nil {
		return domain.EmergencyCase{}, err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return domain.EmergencyCase{}, fmt.Errorf("encode case: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE emergency_cases
		SET status = ?, expert_channel_ref = ?, revision = ?, body = ?, updated_ms = ?
		WHERE case_id = ? AND revision = ? AND status = ?`),
		string(next.Status), nullableRef(next.ExpertChannelRef), revision+1, string(body), time.Now().UnixMilli(),
		caseID, revision, string(expected))
	if err != nil {
		return domain.EmergencyCase{}, s.classify("store.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.EmergencyCase{}, s.classify("store.update", err)
	}
	if affected == 0 {
		return domain.EmergencyCase{}, conflict("case %s changed concurrently", caseID)
	}
	return next, nil
}

// List returns cases filtered by status, ordered by creation time.
// Params: optional status filter.
// Returns: cases or store error.
func (s *SQLStore) List(ctx context.Context, statuses ...domain.Status) ([]domain.EmergencyCase, error) {
	query := `SELECT body FROM emergency_cases`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for _, status := range statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_ms, case_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.classify("store.list", err)
	}
	defer rows.Close()

	out := make([]domain.EmergencyCase, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, s.classify("store.list", err)
		}
		var c domain.EmergencyCase
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("decode case: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("store.list", err)
	}
	sortCases(out)
	return out, nil
}

// FindByExpertRef resolves case by expert channel message ref.
// Params: message ref.
// Returns: case or ErrNotFound.
func (s *SQLStore) FindByExpertRef(ctx context.Context, ref string) (domain.EmergencyCase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.EmergencyCase{}, ErrNotFound
	}
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM emergency_cases WHERE expert_channel_ref = ?`), ref).Scan(&body)
	if err != nil {
		return domain.EmergencyCase{}, s.classify("store.find_by_ref", err)
	}
	var c domain.EmergencyCase
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return domain.EmergencyCase{}, fmt.Errorf("decode case: %w", err)
	}
	return c, nil
}

// Close closes database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) load(ctx context.Context, caseID string) (domain.EmergencyCase, int64, error) {
	var (
		body     string
		revision int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body, revision FROM emergency_cases WHERE case_id = ?`), caseID).Scan(&body, &revision)
	if err != nil {
		return domain.EmergencyCase{}, 0, s.classify("store.get", err)
	}
	var c domain.EmergencyCase
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return domain.EmergencyCase{}, 0, fmt.Errorf("decode case %s: %w", caseID, err)
	}
	return c, revision, nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify maps driver errors into store error taxonomy.
// Params: operation label and driver error.
// Returns: ErrNotFound, ErrConflict, StoreUnavailable or wrapped error.
func (s *SQLStore) classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked:
			return unavailable(op, err)
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return conflict("%s: %v", op, err)
		}
	}
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return conflict("%s: %v", op, err)
		case pgErr.Code.Class() == "08", pgErr.Code.Class() == "57":
			return unavailable(op, err)
		}
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullableRef(ref string) sql.NullString {
	ref = strings.TrimSpace(ref)
	return sql.NullString{String: ref, Valid: ref != ""}
}
