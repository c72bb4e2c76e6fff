package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and applies pending migrations.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SaveCall upserts the call row and replaces its turns in one transaction.
func (p *Postgres) SaveCall(ctx context.Context, rec CallRecord) error {
	if rec.ConnectionID == "" {
		return fmt.Errorf("connection id is required")
	}
	params := rec.CustomParameters
	if params == nil {
		params = map[string]string{}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO relay_calls (
			connection_id, call_sid, session_id, account_sid, direction,
			from_number, to_number, custom_parameters,
			connected_at, ended_at, end_reason, interrupts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (connection_id) DO UPDATE SET
			call_sid = EXCLUDED.call_sid,
			session_id = EXCLUDED.session_id,
			account_sid = EXCLUDED.account_sid,
			direction = EXCLUDED.direction,
			from_number = EXCLUDED.from_number,
			to_number = EXCLUDED.to_number,
			custom_parameters = EXCLUDED.custom_parameters,
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			interrupts = EXCLUDED.interrupts
	`,
		rec.ConnectionID, rec.CallSID, rec.SessionID, rec.AccountSID, rec.Direction,
		rec.From, rec.To, params,
		rec.ConnectedAt, rec.EndedAt, rec.EndReason, rec.Interrupts,
	)
	if err != nil {
		return fmt.Errorf("upsert call: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM relay_call_turns WHERE connection_id = $1`, rec.ConnectionID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	if len(rec.Transcript) > 0 {
		rows := make([][]any, len(rec.Transcript))
		for i, t := range rec.Transcript {
			rows[i] = []any{rec.ConnectionID, i, t.Role, t.Content, t.Interrupted, t.InterruptedAtOffset, t.Timestamp}
		}
		_, err = tx.CopyFrom(
			ctx,
			pgx.Identifier{"relay_call_turns"},
			[]string{"connection_id", "seq", "role", "content", "interrupted", "interrupted_at_offset", "spoken_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy turns: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
