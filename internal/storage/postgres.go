package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"feedrelay/internal/model"
	"feedrelay/internal/settings"
	logx "feedrelay/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store.dsn is required for postgres driver")
	}
	version, err := migratePostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("schema ready", logx.Int("version", int(version)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &postgresStore{pool: pool, log: log, pruneEvery: 500}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) ActiveTasks(ctx context.Context) ([]model.Task, error) {
	return s.tasks(ctx, `SELECT id, active FROM tasks WHERE active ORDER BY id`)
}

func (s *postgresStore) Task(ctx context.Context, id string) (model.Task, bool, error) {
	ts, err := s.tasks(ctx, `SELECT id, active FROM tasks WHERE id = $1`, id)
	if err != nil || len(ts) == 0 {
		return model.Task{}, false, err
	}
	return ts[0], true, nil
}

// tasks loads the parent rows, then every child row in two queries.
func (s *postgresStore) tasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	if len(out) == 0 {
		return nil, nil
	}

	ids := make([]string, len(out))
	byID := make(map[string]*model.Task, len(out))
	for i := range out {
		ids[i] = out[i].ID
		byID[out[i].ID] = &out[i]
	}

	rows, err = s.pool.Query(ctx,
		`SELECT task_id, source FROM task_sources WHERE task_id = ANY($1) ORDER BY task_id, source`, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, src string
		if err := rows.Scan(&id, &src); err != nil {
			rows.Close()
			return nil, err
		}
		if t := byID[id]; t != nil {
			t.Sources = append(t.Sources, model.FeedID(src))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT task_id, chat_id, thread_id, owner_id, settings_key
		 FROM task_destinations WHERE task_id = ANY($1) ORDER BY task_id, pos`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			d   model.Destination
			key *string
		)
		if err := rows.Scan(&id, &d.ChatID, &d.ThreadID, &d.OwnerID, &key); err != nil {
			return nil, err
		}
		if key != nil {
			d.Settings = *key
		}
		if t := byID[id]; t != nil {
			t.Destinations = append(t.Destinations, d)
		}
	}
	return out, rows.Err()
}

func (s *postgresStore) PutTask(ctx context.Context, t model.Task) error {
	if err := ValidateTask(t); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tasks(id, active, updated_at) VALUES($1, $2, now())
			 ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, updated_at = now()`,
			t.ID, t.Active); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM task_sources WHERE task_id = $1`, t.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM task_destinations WHERE task_id = $1`, t.ID); err != nil {
			return err
		}
		b := &pgx.Batch{}
		for _, src := range t.Sources {
			b.Queue(`INSERT INTO task_sources(task_id, source) VALUES($1, $2) ON CONFLICT DO NOTHING`, t.ID, string(src))
		}
		for i, d := range t.Destinations {
			var key *string
			if k := strings.TrimSpace(d.Settings); k != "" {
				key = &k
			}
			b.Queue(`INSERT INTO task_destinations(task_id, pos, chat_id, thread_id, owner_id, settings_key)
				VALUES($1, $2, $3, $4, $5, $6)`, t.ID, i, d.ChatID, d.ThreadID, d.OwnerID, key)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

func (s *postgresStore) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) LoadSettings(ctx context.Context, key string) (settings.Settings, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM destination_settings WHERE key = $1`, key).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings.Settings{}, nil
	}
	if err != nil {
		return settings.Settings{}, err
	}
	var st settings.Settings
	if err := json.Unmarshal(body, &st); err != nil {
		return settings.Settings{}, fmt.Errorf("settings %q: %w", key, err)
	}
	return st, nil
}

func (s *postgresStore) PutSettings(ctx context.Context, key string, st settings.Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO destination_settings(key, body, updated_at) VALUES($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		key, string(b))
	return err
}

func (s *postgresStore) MarkSeen(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seen(key, until) VALUES($1, $2)
		 ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until`, key, until)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, perr := s.pool.Exec(pctx, `DELETE FROM seen WHERE until < $1`, time.Now()); perr != nil {
			s.log.Debug("seen prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *postgresStore) Seen(ctx context.Context, key string) (bool, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM seen WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !until.Before(time.Now()), nil
}
