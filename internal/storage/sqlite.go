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
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "agentcore/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// auditKeep bounds the audit table; older rows are pruned opportunistically.
const auditKeep = 50000

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger

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

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, name, ref_id, status, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.Name, nullStr(e.RefID),
		e.Status, nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneAudit(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

type auditRow struct {
	At     string `db:"at"`
	Kind   string `db:"kind"`
	Name   string `db:"name"`
	RefID  string `db:"ref_id"`
	Status string `db:"status"`
	Err    string `db:"err"`
	TookMS int64  `db:"took_ms"`
	Meta   string `db:"meta"`
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	q := `SELECT at, kind, name, IFNULL(ref_id,'') AS ref_id, status, IFNULL(err,'') AS err,
	             took_ms, IFNULL(meta,'') AS meta
	      FROM audit ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	// Newest first from the query; callers get oldest first.
	out := make([]AuditEntry, len(rows))
	for i, r := range rows {
		at, _ := time.Parse(time.RFC3339Nano, r.At)
		out[len(rows)-1-i] = AuditEntry{
			At:     at,
			Kind:   r.Kind,
			Name:   r.Name,
			RefID:  r.RefID,
			Status: r.Status,
			Error:  r.Err,
			TookMS: r.TookMS,
			Meta:   r.Meta,
		}
	}
	return out, nil
}

func (s *sqliteStore) SaveContext(ctx context.Context, values map[string]any) error {
	raw, skipped := EncodeContext(values)
	if len(skipped) > 0 {
		s.log.Debug("context keys not persisted", logx.Strings("keys", skipped))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM context_snapshot`); err != nil {
		return err
	}
	for k, v := range raw {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO context_snapshot(key, value) VALUES(?,?)`, k, string(v)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO context_meta(id, saved_at) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at=excluded.saved_at`,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadContext(ctx context.Context) (map[string]any, bool, error) {
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM context_meta WHERE id = 1`).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM context_snapshot`); err != nil {
		return nil, false, err
	}
	raw := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		raw[r.Key] = json.RawMessage(r.Value)
	}
	return decodeContext(raw), true, nil
}

func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE id <= (SELECT MAX(id) FROM audit) - ?`, auditKeep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
