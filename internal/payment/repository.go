package payment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/money"
)

// CheckoutRef is what the gateway needs to find its way back to a payment.
type CheckoutRef struct {
	ConversationID string
	BasketID       string
	Token          string
}

type Completion struct {
	GatewayPaymentID string
	PaymentMethod    string
	PaidAt           time.Time
}

type Store interface {
	InTx(ctx context.Context, fn func(tx Store) error) error

	GetByID(ctx context.Context, id uuid.UUID) (*appointment.Payment, error)
	// Finders return matches oldest first.
	FindByConversationID(ctx context.Context, conversationID string) ([]appointment.Payment, error)
	FindByBasketID(ctx context.Context, basketID string) ([]appointment.Payment, error)
	FindByToken(ctx context.Context, token string) ([]appointment.Payment, error)
	List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]appointment.Payment, error)
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]appointment.Payment, error)

	Create(ctx context.Context, p appointment.Payment) (*appointment.Payment, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, amount money.Amount, ref CheckoutRef) (*appointment.Payment, error)
	// MarkFailed leaves settled and cancelled payments alone and reports whether it wrote.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error)
	// Complete settles a payment. changed is false when it was already settled.
	Complete(ctx context.Context, id uuid.UUID, c Completion) (p *appointment.Payment, changed bool, err error)
	// MarkAppointmentPaid moves pending_payment to paid and reports whether it did.
	MarkAppointmentPaid(ctx context.Context, appointmentID uuid.UUID) (bool, error)
}

// Appointments is the read side of the appointment store the reconciler needs.
type Appointments interface {
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error)
}
