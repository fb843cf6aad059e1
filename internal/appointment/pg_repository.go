package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PgRepository{pool: r.pool, q: tx, inTx: true})
	})
}

// Helpers

const userColumns = `id, email, first_name, last_name, phone, role, created_at`

const slotColumns = `id, practitioner_id, start_time, end_time, is_booked, created_at, updated_at`

const appointmentColumns = `id, patient_id, time_slot_id, status, notes, created_at, updated_at, cancelled_at, cancelled_by_privileged`

// PaymentColumns matches ScanPayment. Payment queries outside this package reuse both.
const PaymentColumns = `id, appointment_id, patient_id, amount, currency, status,
	COALESCE(gateway_payment_id, ''), COALESCE(gateway_conversation_id, ''),
	COALESCE(gateway_basket_id, ''), COALESCE(gateway_token, ''),
	COALESCE(payment_method, ''), COALESCE(error_message, ''),
	created_at, updated_at, paid_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Phone, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(&s.ID, &s.PractitionerID, &s.StartTime, &s.EndTime, &s.IsBooked, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.SlotID,
		&a.Status,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CancelledAt,
		&a.CancelledByPrivileged,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ScanPayment reads a row selected with PaymentColumns.
func ScanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount int64
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.PatientID,
		&amount,
		&p.Currency,
		&p.Status,
		&p.GatewayPaymentID,
		&p.GatewayConversationID,
		&p.GatewayBasketID,
		&p.GatewayToken,
		&p.PaymentMethod,
		&p.ErrorMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	p.Amount = money.Amount(amount)
	return &p, nil
}

// Slot and patient are inner joined so appointments with dangling relations
// never reach callers. Practitioner and payment are optional.
const detailSelect = `
	SELECT a.id, a.patient_id, a.time_slot_id, a.status, a.notes, a.created_at, a.updated_at,
	       a.cancelled_at, a.cancelled_by_privileged,
	       s.id, s.practitioner_id, s.start_time, s.end_time, s.is_booked, s.created_at, s.updated_at,
	       u.id, u.email, u.first_name, u.last_name, u.phone, u.role, u.created_at,
	       pr.id, COALESCE(pr.email, ''), COALESCE(pr.first_name, ''), COALESCE(pr.last_name, ''),
	       COALESCE(pr.phone, ''), COALESCE(pr.role, ''), pr.created_at,
	       p.id, COALESCE(p.amount, 0), COALESCE(p.currency, ''), COALESCE(p.status, ''),
	       COALESCE(p.gateway_payment_id, ''), COALESCE(p.gateway_conversation_id, ''),
	       COALESCE(p.gateway_basket_id, ''), COALESCE(p.gateway_token, ''),
	       COALESCE(p.payment_method, ''), COALESCE(p.error_message, ''),
	       p.created_at, p.updated_at, p.paid_at
	FROM appointments a
	JOIN time_slots s ON s.id = a.time_slot_id
	JOIN users u ON u.id = a.patient_id
	LEFT JOIN users pr ON pr.id = s.practitioner_id
	LEFT JOIN payments p ON p.appointment_id = a.id
`

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var d AppointmentDetail

	var prID *uuid.UUID
	var pr User
	var prCreated *time.Time

	var payID *uuid.UUID
	var pay Payment
	var amount int64
	var payCreated, payUpdated *time.Time

	err := row.Scan(
		&d.ID, &d.PatientID, &d.SlotID, &d.Status, &d.Notes, &d.CreatedAt, &d.UpdatedAt,
		&d.CancelledAt, &d.CancelledByPrivileged,
		&d.Slot.ID, &d.Slot.PractitionerID, &d.Slot.StartTime, &d.Slot.EndTime, &d.Slot.IsBooked,
		&d.Slot.CreatedAt, &d.Slot.UpdatedAt,
		&d.Patient.ID, &d.Patient.Email, &d.Patient.FirstName, &d.Patient.LastName, &d.Patient.Phone,
		&d.Patient.Role, &d.Patient.CreatedAt,
		&prID, &pr.Email, &pr.FirstName, &pr.LastName, &pr.Phone, &pr.Role, &prCreated,
		&payID, &amount, &pay.Currency, &pay.Status,
		&pay.GatewayPaymentID, &pay.GatewayConversationID, &pay.GatewayBasketID, &pay.GatewayToken,
		&pay.PaymentMethod, &pay.ErrorMessage,
		&payCreated, &payUpdated, &pay.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if prID != nil {
		pr.ID = *prID
		if prCreated != nil {
			pr.CreatedAt = *prCreated
		}
		d.Practitioner = &pr
	}
	if payID != nil {
		pay.ID = *payID
		pay.AppointmentID = d.ID
		pay.PatientID = d.PatientID
		pay.Amount = money.Amount(amount)
		if payCreated != nil {
			pay.CreatedAt = *payCreated
		}
		if payUpdated != nil {
			pay.UpdatedAt = *payUpdated
		}
		d.Payment = &pay
	}

	return &d, nil
}

// Interface methods

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *PgRepository) ListAvailableSlots(ctx context.Context) ([]TimeSlot, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE is_booked = false
		ORDER BY start_time ASC
	`)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1`, id)
	return scanSlot(row)
}

// FindOverlappingSlots matches every slot, booked or not, whose range
// intersects [start, end). Touching endpoints do not overlap.
func (r *PgRepository) FindOverlappingSlots(ctx context.Context, start, end time.Time) ([]TimeSlot, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE start_time < $2
		  AND end_time > $1
		ORDER BY start_time ASC
	`, start, end)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func (r *PgRepository) CreateSlot(ctx context.Context, slot TimeSlot) (*TimeSlot, error) {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO time_slots (id, practitioner_id, start_time, end_time, is_booked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, now(), now())
		RETURNING `+slotColumns, slot.ID, slot.PractitionerID, slot.StartTime, slot.EndTime)

	s, err := scanSlot(row)
	if err != nil {
		if db.IsPgError(err, db.CodeExclusionViolation, "time_slots_no_overlap") {
			return nil, ErrSlotOverlap
		}
		if db.IsPgError(err, db.CodeCheckViolation, "time_slots_start_before_end") {
			return nil, ErrInvalidSlotRange
		}
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	return s, nil
}

func (r *PgRepository) DeleteUnbookedSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM time_slots WHERE id = $1 AND is_booked = false`, id)
	if err != nil {
		if db.IsPgError(err, db.CodeForeignKeyViolation, "") {
			// cancelled appointments still reference it
			return fmt.Errorf("%w: slot has appointment history", ErrSlotAlreadyBooked)
		}
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetSlotByID(ctx, id); err != nil {
			return err
		}
		return ErrSlotAlreadyBooked
	}
	return nil
}

func (r *PgRepository) ClaimSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE time_slots
		SET is_booked = true,
		    updated_at = now()
		WHERE id = $1
		  AND is_booked = false
		RETURNING `+slotColumns, id)

	s, err := scanSlot(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return nil, fmt.Errorf("claim slot: %w", err)
	}

	// nothing updated: either missing or somebody else holds it
	if _, err := r.GetSlotByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrSlotAlreadyBooked
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		UPDATE time_slots
		SET is_booked = false,
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, appt Appointment) (*Appointment, error) {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, time_slot_id, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+appointmentColumns, appt.ID, appt.PatientID, appt.SlotID, appt.Status, appt.Notes)

	a, err := scanAppointment(row)
	if err != nil {
		if db.IsPgError(err, db.CodeUniqueViolation, "uq_appointments_live_slot") {
			return nil, ErrSlotAlreadyBooked
		}
		if db.IsPgError(err, db.CodeForeignKeyViolation, "") {
			return nil, fmt.Errorf("%w: patient or slot missing", ErrUserNotFound)
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return a, nil
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.q.QueryRow(ctx, detailSelect+` WHERE a.id = $1`, id)
	return scanDetail(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]AppointmentDetail, error) {
	var where []string
	var args []any

	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("a.patient_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("a.status = $%d", len(args)))
	}

	query := detailSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY s.start_time DESC, a.created_at DESC LIMIT NULLIF($%d::int, 0) OFFSET $%d", len(args)-1, len(args))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID, at time.Time, privileged bool) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancelled_at = $2,
		    cancelled_by_privileged = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'cancelled'
		RETURNING `+appointmentColumns, id, at, privileged)

	a, err := scanAppointment(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrAppointmentNotFound
	}
	return nil, ErrAlreadyCancelled
}

func (r *PgRepository) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, patient_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+PaymentColumns, p.ID, p.AppointmentID, p.PatientID, int64(p.Amount), p.Currency, p.Status)

	out, err := ScanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return out, nil
}

func (r *PgRepository) CancelOpenPayment(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		UPDATE payments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE appointment_id = $1
		  AND status IN ('pending', 'processing', 'failed')
	`, appointmentID)
	if err != nil {
		return fmt.Errorf("cancel payment: %w", err)
	}
	return nil
}

func collectSlots(rows pgx.Rows) ([]TimeSlot, error) {
	defer rows.Close()

	var result []TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
