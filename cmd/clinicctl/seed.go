package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/iyzico"
)

type seedOptions struct {
	practitioners int
	patients      int
	days          int
	slotsPerDay   int
	slotLength    time.Duration
	firstHour     int
	adminEmail    string
	seed          uint64
}

func seedCmd() *cobra.Command {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with fake users and open slots",
		Long: `Seed inserts fake practitioners and patients plus a run of consecutive
open slots starting tomorrow. Slots that would overlap existing ones are
skipped, so the command can be rerun.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			return runSeed(cmd.Context(), e, opts)
		},
	}

	cmd.Flags().IntVar(&opts.practitioners, "practitioners", 3, "number of practitioners")
	cmd.Flags().IntVar(&opts.patients, "patients", 200, "number of patients")
	cmd.Flags().IntVar(&opts.days, "days", 7, "days of slots to open, starting tomorrow")
	cmd.Flags().IntVar(&opts.slotsPerDay, "slots-per-day", 8, "consecutive slots per day")
	cmd.Flags().DurationVar(&opts.slotLength, "slot-length", time.Hour, "length of each slot")
	cmd.Flags().IntVar(&opts.firstHour, "first-hour", 9, "hour of the first slot in the clinic timezone")
	cmd.Flags().StringVar(&opts.adminEmail, "admin-email", "admin@clinic.local", "email of the admin account (empty to skip)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "fake data seed, 0 picks a random one")

	return cmd
}

func runSeed(ctx context.Context, e *env, opts seedOptions) error {
	if opts.seed == 0 {
		opts.seed = uint64(time.Now().UnixNano())
	}
	faker := gofakeit.New(opts.seed)

	if opts.adminEmail != "" {
		id, err := upsertUser(ctx, e.pool, user{
			email: opts.adminEmail, first: "Clinic", last: "Admin", role: auth.RoleAdmin,
		})
		if err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		e.log.Info("admin ready", zap.String("id", id.String()), zap.String("email", opts.adminEmail))
	}

	practitioners, err := seedUsers(ctx, e, faker, auth.RolePractitioner, opts.practitioners)
	if err != nil {
		return fmt.Errorf("seed practitioners: %w", err)
	}
	if _, err := seedUsers(ctx, e, faker, auth.RolePatient, opts.patients); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}
	if len(practitioners) == 0 {
		e.log.Info("no practitioners, skipping slots")
		return nil
	}

	loc, err := time.LoadLocation(e.cfg.Notify.Timezone)
	if err != nil {
		loc = time.UTC
	}
	created, err := seedSlots(ctx, e.pool, practitioners, opts, loc)
	if err != nil {
		return fmt.Errorf("seed slots: %w", err)
	}

	e.log.Info("seed complete",
		zap.Int("practitioners", len(practitioners)),
		zap.Int("patients", opts.patients),
		zap.Int("slots", created),
		zap.Uint64("seed", opts.seed),
	)
	return nil
}

type user struct {
	email, first, last, phone string
	role                      auth.Role
}

func upsertUser(ctx context.Context, q db.Querier, u user) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx, `
		INSERT INTO users (id, email, first_name, last_name, phone, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE SET role = EXCLUDED.role, updated_at = now()
		RETURNING id
	`, uuid.New(), strings.ToLower(u.email), u.first, u.last, u.phone, string(u.role)).Scan(&id)
	return id, err
}

func seedUsers(ctx context.Context, e *env, faker *gofakeit.Faker, role auth.Role, count int) ([]uuid.UUID, error) {
	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
			for i := offset; i < end; i++ {
				first, last := faker.FirstName(), faker.LastName()
				id, err := upsertUser(ctx, tx, user{
					email: fmt.Sprintf("%s.%s.%d@%s", first, last, i, faker.DomainName()),
					first: first,
					last:  last,
					phone: iyzico.NormalizePhone(faker.Phone()),
					role:  role,
				})
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		e.log.Info("users seeded", zap.String("role", string(role)), zap.Int("done", end), zap.Int("total", count))
	}
	return ids, nil
}

// seedSlots lays out back to back slots per day. Slots never overlap, so
// practitioners take turns rather than sharing an hour.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, practitioners []uuid.UUID, opts seedOptions, loc *time.Location) (int, error) {
	tomorrow := time.Now().In(loc).AddDate(0, 0, 1)
	created := 0

	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		n := 0
		for d := 0; d < opts.days; d++ {
			day := tomorrow.AddDate(0, 0, d)
			start := time.Date(day.Year(), day.Month(), day.Day(), opts.firstHour, 0, 0, 0, loc)

			for s := 0; s < opts.slotsPerDay; s++ {
				from := start.Add(time.Duration(s) * opts.slotLength)
				tag, err := tx.Exec(ctx, `
					INSERT INTO time_slots (id, practitioner_id, start_time, end_time)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT DO NOTHING
				`, uuid.New(), practitioners[n%len(practitioners)], from.UTC(), from.Add(opts.slotLength).UTC())
				if err != nil {
					return err
				}
				created += int(tag.RowsAffected())
				n++
			}
		}
		return nil
	})
	return created, err
}
