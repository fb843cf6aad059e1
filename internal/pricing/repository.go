package pricing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/money"
)

type Repository interface {
	// Get returns the setting, creating it with def when it does not exist yet.
	Get(ctx context.Context, def money.Amount, currency string) (*Setting, error)
	Upsert(ctx context.Context, rate money.Amount, currency string, by uuid.UUID) (*Setting, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanSetting(row pgx.Row) (*Setting, error) {
	var s Setting
	var rate int64
	if err := row.Scan(&rate, &s.Currency, &s.UpdatedBy, &s.UpdatedAt, &s.Version); err != nil {
		return nil, err
	}
	s.HourlyRate = money.Amount(rate)
	return &s, nil
}

func (r *PgRepository) Get(ctx context.Context, def money.Amount, currency string) (*Setting, error) {
	var out *Setting
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO pricing_settings (id, hourly_rate, currency, updated_at, version)
			VALUES (1, $1, $2, now(), 1)
			ON CONFLICT (id) DO NOTHING
		`, int64(def), currency); err != nil {
			return fmt.Errorf("ensure pricing setting: %w", err)
		}

		s, err := scanSetting(tx.QueryRow(ctx, `
			SELECT hourly_rate, currency, updated_by, updated_at, version
			FROM pricing_settings
			WHERE id = 1
		`))
		if err != nil {
			return fmt.Errorf("read pricing setting: %w", err)
		}
		out = s
		return nil
	})
	return out, err
}

func (r *PgRepository) Upsert(ctx context.Context, rate money.Amount, currency string, by uuid.UUID) (*Setting, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO pricing_settings (id, hourly_rate, currency, updated_by, updated_at, version)
		VALUES (1, $1, $2, $3, now(), 1)
		ON CONFLICT (id) DO UPDATE
		SET hourly_rate = EXCLUDED.hourly_rate,
		    currency = EXCLUDED.currency,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = now(),
		    version = pricing_settings.version + 1
		RETURNING hourly_rate, currency, updated_by, updated_at, version
	`, int64(rate), currency, by)

	s, err := scanSetting(row)
	if err != nil {
		if db.IsPgError(err, db.CodeCheckViolation, "") {
			return nil, ErrInvalidRate
		}
		return nil, fmt.Errorf("upsert pricing setting: %w", err)
	}
	return s, nil
}
