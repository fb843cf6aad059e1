package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/money"
)

type PgRepository struct {
	pool *pgxpool.Pool
	q    db.Querier
	inTx bool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Store) error) error {
	if r.inTx {
		return fn(r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PgRepository{pool: r.pool, q: tx, inTx: true})
	})
}

const selectPayment = `SELECT ` + appointment.PaymentColumns + ` FROM payments`

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*appointment.Payment, error) {
	return appointment.ScanPayment(r.q.QueryRow(ctx, selectPayment+` WHERE id = $1`, id))
}

func (r *PgRepository) FindByConversationID(ctx context.Context, conversationID string) ([]appointment.Payment, error) {
	return r.findBy(ctx, "gateway_conversation_id", conversationID)
}

func (r *PgRepository) FindByBasketID(ctx context.Context, basketID string) ([]appointment.Payment, error) {
	return r.findBy(ctx, "gateway_basket_id", basketID)
}

func (r *PgRepository) FindByToken(ctx context.Context, token string) ([]appointment.Payment, error) {
	return r.findBy(ctx, "gateway_token", token)
}

// findBy is only called with the fixed column names above.
func (r *PgRepository) findBy(ctx context.Context, column, value string) ([]appointment.Payment, error) {
	if value == "" {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, selectPayment+` WHERE `+column+` = $1 ORDER BY created_at ASC, id ASC`, value)
	if err != nil {
		return nil, fmt.Errorf("find payments by %s: %w", column, err)
	}
	return collectPayments(rows)
}

func (r *PgRepository) List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]appointment.Payment, error) {
	var rows pgx.Rows
	var err error
	if patientID != nil {
		rows, err = r.q.Query(ctx, selectPayment+`
			WHERE patient_id = $1
			ORDER BY created_at DESC
			LIMIT NULLIF($2::int, 0) OFFSET $3`, *patientID, limit, offset)
	} else {
		rows, err = r.q.Query(ctx, selectPayment+`
			ORDER BY created_at DESC
			LIMIT NULLIF($1::int, 0) OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return collectPayments(rows)
}

func (r *PgRepository) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]appointment.Payment, error) {
	rows, err := r.q.Query(ctx, selectPayment+`
		WHERE status = 'processing'
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	return collectPayments(rows)
}

func (r *PgRepository) Create(ctx context.Context, p appointment.Payment) (*appointment.Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, patient_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+appointment.PaymentColumns,
		p.ID, p.AppointmentID, p.PatientID, int64(p.Amount), p.Currency, p.Status)

	out, err := appointment.ScanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return out, nil
}

func (r *PgRepository) MarkProcessing(ctx context.Context, id uuid.UUID, amount money.Amount, ref CheckoutRef) (*appointment.Payment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE payments
		SET status = 'processing',
		    amount = $2,
		    gateway_conversation_id = $3,
		    gateway_basket_id = $4,
		    gateway_token = $5,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('completed', 'refunded')
		RETURNING `+appointment.PaymentColumns,
		id, int64(amount), ref.ConversationID, ref.BasketID, ref.Token)

	p, err := appointment.ScanPayment(row)
	if err != nil {
		if errors.Is(err, appointment.ErrPaymentNotFound) {
			return nil, ErrAlreadyPaid
		}
		return nil, fmt.Errorf("mark payment processing: %w", err)
	}
	return p, nil
}

func (r *PgRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments
		SET status = 'failed',
		    error_message = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('completed', 'refunded', 'cancelled')
	`, id, message)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) Complete(ctx context.Context, id uuid.UUID, c Completion) (*appointment.Payment, bool, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE payments
		SET status = 'completed',
		    gateway_payment_id = $2,
		    payment_method = $3,
		    paid_at = $4,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('completed', 'refunded')
		RETURNING `+appointment.PaymentColumns,
		id, c.GatewayPaymentID, c.PaymentMethod, c.PaidAt)

	p, err := appointment.ScanPayment(row)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, appointment.ErrPaymentNotFound) {
		return nil, false, fmt.Errorf("complete payment: %w", err)
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PgRepository) MarkAppointmentPaid(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET status = 'paid',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending_payment'
	`, appointmentID)
	if err != nil {
		return false, fmt.Errorf("mark appointment paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func collectPayments(rows pgx.Rows) ([]appointment.Payment, error) {
	defer rows.Close()

	var result []appointment.Payment
	for rows.Next() {
		p, err := appointment.ScanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
