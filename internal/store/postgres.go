package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/schema"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore is the Postgres-backed Store. Documents are stored as JSONB
// keyed by their natural id, matching the file backend's layout.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database, applies pending migrations and
// returns the store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errs.New("store/postgres", errs.CodeValidation, errs.WithMessage("dsn required"))
	}
	if err := applyMigrations(ctx, dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New("store/postgres", errs.CodeValidation,
			errs.WithMessage("parse dsn"), errs.WithCause(err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithMessage("create pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithMessage("ping database"), errs.WithCause(err))
	}
	return &PostgresStore{pool: pool}, nil
}

func applyMigrations(ctx context.Context, dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithMessage("load migrations"), errs.WithCause(err))
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return errs.New("store/postgres", errs.CodeValidation,
			errs.WithMessage("parse dsn"), errs.WithCause(err))
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithMessage("initialise migrate driver"), errs.WithCause(err))
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithMessage("initialise migrate instance"), errs.WithCause(err))
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Debug("migrations up-to-date")
			return nil
		}
		return errs.New("store/postgres", errs.CodeUnavailable,
			errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	observability.Log().Info("migrations applied")
	return nil
}

// LoadPairs returns all persisted pairs ordered by pair id.
func (s *PostgresStore) LoadPairs(ctx context.Context) ([]schema.MonitoringPair, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM pairs ORDER BY pair_id`)
	if err != nil {
		return nil, queryErr("load pairs", err)
	}
	defer rows.Close()

	var out []schema.MonitoringPair
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, queryErr("scan pair", err)
		}
		var p schema.MonitoringPair
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, queryErr("decode pair", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePair upserts the pair document.
func (s *PostgresStore) SavePair(ctx context.Context, pair schema.MonitoringPair) error {
	if pair.PairID == "" {
		return errs.New("store/postgres", errs.CodeValidation, errs.WithMessage("pairId required"))
	}
	doc, err := json.Marshal(pair)
	if err != nil {
		return queryErr("encode pair", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO pairs (pair_id, doc, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (pair_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		pair.PairID, doc)
	if err != nil {
		return queryErr("save pair", err)
	}
	return nil
}

// DeletePair removes the pair row if present.
func (s *PostgresStore) DeletePair(ctx context.Context, pairID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pairs WHERE pair_id = $1`, pairID); err != nil {
		return queryErr("delete pair", err)
	}
	return nil
}

// LoadPlans returns all persisted TWAP plans ordered by plan id.
func (s *PostgresStore) LoadPlans(ctx context.Context) ([]schema.TwapPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM twap_plans ORDER BY plan_id`)
	if err != nil {
		return nil, queryErr("load plans", err)
	}
	defer rows.Close()

	var out []schema.TwapPlan
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, queryErr("scan plan", err)
		}
		var p schema.TwapPlan
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, queryErr("decode plan", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePlan upserts the plan document.
func (s *PostgresStore) SavePlan(ctx context.Context, plan schema.TwapPlan) error {
	if plan.PlanID == "" {
		return errs.New("store/postgres", errs.CodeValidation, errs.WithMessage("planId required"))
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		return queryErr("encode plan", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO twap_plans (plan_id, doc, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (plan_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		plan.PlanID, doc)
	if err != nil {
		return queryErr("save plan", err)
	}
	return nil
}

// AppendExecution inserts the record and trims rows beyond ExecutionLogCap.
func (s *PostgresStore) AppendExecution(ctx context.Context, rec schema.ExecutionRecord) error {
	if rec.ID == "" {
		return errs.New("store/postgres", errs.CodeValidation, errs.WithMessage("execution id required"))
	}
	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return queryErr("encode execution", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return queryErr("begin append execution", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO executions (id, pair_id, plan_id, ts, doc) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.PairID, rec.PlanID, rec.Ts, doc)
	if err != nil {
		return queryErr("append execution", err)
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`
DELETE FROM executions WHERE id NOT IN (
    SELECT id FROM executions ORDER BY ts DESC LIMIT %d)`, ExecutionLogCap))
	if err != nil {
		return queryErr("trim executions", err)
	}
	return tx.Commit(ctx)
}

// LoadExecutions returns the most recent records, newest first.
func (s *PostgresStore) LoadExecutions(ctx context.Context, limit int) ([]schema.ExecutionRecord, error) {
	if limit <= 0 || limit > ExecutionLogCap {
		limit = ExecutionLogCap
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM executions ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, queryErr("load executions", err)
	}
	defer rows.Close()

	var out []schema.ExecutionRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, queryErr("scan execution", err)
		}
		var rec schema.ExecutionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, queryErr("decode execution", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func queryErr(msg string, err error) error {
	return errs.New("store/postgres", errs.CodeUnavailable,
		errs.WithMessage(msg), errs.WithCause(err))
}
