package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/apperr"
)

var (
	ErrUserNotFound        = apperr.NotFound("user_not_found", "user not found")
	ErrSlotNotFound        = apperr.NotFound("slot_not_found", "slot not found")
	ErrAppointmentNotFound = apperr.NotFound("appointment_not_found", "appointment not found")
	ErrPaymentNotFound     = apperr.NotFound("payment_not_found", "payment not found")

	ErrSlotAlreadyBooked = apperr.Conflict("slot_already_booked", "slot is already booked")
	ErrSlotOverlap       = apperr.Validation("slot_overlap", "time slot overlaps an existing slot")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// InTx runs fn against a repository bound to one transaction.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)

	// Slots
	ListAvailableSlots(ctx context.Context) ([]TimeSlot, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	FindOverlappingSlots(ctx context.Context, start, end time.Time) ([]TimeSlot, error)
	CreateSlot(ctx context.Context, slot TimeSlot) (*TimeSlot, error)
	DeleteUnbookedSlot(ctx context.Context, id uuid.UUID) error
	// ClaimSlot flips is_booked from false to true. It fails with
	// ErrSlotAlreadyBooked or ErrSlotNotFound when no row changed.
	ClaimSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	ReleaseSlot(ctx context.Context, id uuid.UUID) error

	// Appointments
	CreateAppointment(ctx context.Context, appt Appointment) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	// ListAppointments returns only appointments whose slot and patient
	// still resolve; dangling rows are left out.
	ListAppointments(ctx context.Context, f ListFilter) ([]AppointmentDetail, error)
	// CancelAppointment moves a live appointment to cancelled. A row that is
	// already cancelled yields ErrAlreadyCancelled.
	CancelAppointment(ctx context.Context, id uuid.UUID, at time.Time, privileged bool) (*Appointment, error)

	// Payments created alongside the booking
	CreatePayment(ctx context.Context, p Payment) (*Payment, error)
	// CancelOpenPayment cancels the appointment's payment unless it is settled.
	CancelOpenPayment(ctx context.Context, appointmentID uuid.UUID) error
}
