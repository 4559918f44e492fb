package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ppc-rules-engine/internal/config"
	"ppc-rules-engine/internal/validation"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// unique_violation
const pgUniqueViolation = "23505"

const queryTimeout = 5 * time.Second

type Store struct {
	pool    *pgxpool.Pool
	channel string
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{pool: pool, channel: cfg.Listener.Channel}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// LoadCampaigns loads every campaign with its metrics bag.
func (s *Store) LoadCampaigns(ctx context.Context) ([]validation.Campaign, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, budget, status, metrics
		FROM campaigns
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []validation.Campaign
	for rows.Next() {
		var (
			c       validation.Campaign
			metrics []byte
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Budget, &c.Status, &metrics); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if len(metrics) > 0 {
			if err := json.Unmarshal(metrics, &c.Metrics); err != nil {
				return nil, fmt.Errorf("decode metrics for campaign %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const ruleColumns = `id, name, conditions, action, adjustment, is_active`

// LoadRules loads all rules, active or not.
func (s *Store) LoadRules(ctx context.Context) ([]validation.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []validation.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, id string) (validation.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return validation.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r, err
}

// InsertRule stores a new rule and notifies listeners in the same transaction.
func (s *Store) InsertRule(ctx context.Context, r validation.Rule) error {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rules (id, name, conditions, action, adjustment, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		`, r.ID, r.Name, conds, string(r.Action), r.Adjustment, r.IsActive); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("rule %s: %w", r.ID, ErrExists)
			}
			return fmt.Errorf("insert rule: %w", err)
		}
		return s.notify(ctx, tx, "rules")
	})
}

func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE rules SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return s.notify(ctx, tx, "rules")
	})
}

func (s *Store) notify(ctx context.Context, tx pgx.Tx, payload string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.ListenChannel(), payload); err != nil {
		return fmt.Errorf("notify %s: %w", s.ListenChannel(), err)
	}
	return nil
}

func scanRule(row pgx.Row) (validation.Rule, error) {
	var (
		r      validation.Rule
		conds  []byte
		action string
	)
	if err := row.Scan(&r.ID, &r.Name, &conds, &action, &r.Adjustment, &r.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan rule: %w", err)
	}
	r.Action = validation.Action(action)
	if err := json.Unmarshal(conds, &r.Conditions); err != nil {
		return r, fmt.Errorf("decode conditions for rule %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) ListenChannel() string {
	if s.channel == "" {
		return "ppc_data_change"
	}
	return s.channel
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
