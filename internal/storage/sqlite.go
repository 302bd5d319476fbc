package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"feedrelay/internal/model"
	"feedrelay/internal/settings"
	logx "feedrelay/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	version, err := migrateSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("schema ready", logx.Int("version", int(version)))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ActiveTasks(ctx context.Context) ([]model.Task, error) {
	return s.tasks(ctx, `SELECT id, active FROM tasks WHERE active = 1 ORDER BY id`)
}

func (s *sqliteStore) Task(ctx context.Context, id string) (model.Task, bool, error) {
	ts, err := s.tasks(ctx, `SELECT id, active FROM tasks WHERE id = ?`, id)
	if err != nil || len(ts) == 0 {
		return model.Task{}, false, err
	}
	return ts[0], true, nil
}

func (s *sqliteStore) tasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.Active); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// One connection: children are read after the parent cursor closes.
	for i := range out {
		if err := s.fillTask(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) fillTask(ctx context.Context, t *model.Task) error {
	rows, err := s.db.QueryContext(ctx, `SELECT source FROM task_sources WHERE task_id = ? ORDER BY source`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			rows.Close()
			return err
		}
		t.Sources = append(t.Sources, model.FeedID(src))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT chat_id, thread_id, owner_id, settings_key FROM task_destinations WHERE task_id = ? ORDER BY pos`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d   model.Destination
			key sql.NullString
		)
		if err := rows.Scan(&d.ChatID, &d.ThreadID, &d.OwnerID, &key); err != nil {
			return err
		}
		d.Settings = key.String
		t.Destinations = append(t.Destinations, d)
	}
	return rows.Err()
}

func (s *sqliteStore) PutTask(ctx context.Context, t model.Task) error {
	if err := ValidateTask(t); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(id, active, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET active=excluded.active, updated_at=excluded.updated_at`,
		t.ID, t.Active, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	if err := deleteChildren(ctx, tx, t.ID); err != nil {
		return err
	}
	for _, src := range t.Sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_sources(task_id, source) VALUES(?,?)`, t.ID, string(src)); err != nil {
			return err
		}
	}
	for i, d := range t.Destinations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_destinations(task_id, pos, chat_id, thread_id, owner_id, settings_key) VALUES(?,?,?,?,?,?)`,
			t.ID, i, d.ChatID, d.ThreadID, d.OwnerID, nullStr(d.Settings)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := deleteChildren(ctx, tx, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func deleteChildren(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_sources WHERE task_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM task_destinations WHERE task_id = ?`, id)
	return err
}

func (s *sqliteStore) LoadSettings(ctx context.Context, key string) (settings.Settings, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM destination_settings WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Settings{}, nil
	}
	if err != nil {
		return settings.Settings{}, err
	}
	var st settings.Settings
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return settings.Settings{}, fmt.Errorf("settings %q: %w", key, err)
	}
	return st, nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, key string, st settings.Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO destination_settings(key, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		key, string(b), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) MarkSeen(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("seen prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Seen(ctx context.Context, key string) (bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM seen WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ms >= time.Now().UnixMilli(), nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
