// Package notify carries appointment and payment lifecycle events from the
// domain services to the mailer. Services hand over value snapshots and never
// wait on delivery.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/money"
)

type EventType string

const (
	EventAppointmentCreated   EventType = "appointment.created"
	EventAppointmentCancelled EventType = "appointment.cancelled"
	EventPaymentCompleted     EventType = "payment.completed"
)

// AppointmentEvent is a snapshot taken at the time of the change.
type AppointmentEvent struct {
	AppointmentID    uuid.UUID `json:"appointment_id"`
	Status           string    `json:"status"`
	PatientID        uuid.UUID `json:"patient_id"`
	PatientName      string    `json:"patient_name"`
	PatientEmail     string    `json:"patient_email"`
	PractitionerName string    `json:"practitioner_name,omitempty"`
	SlotStart        time.Time `json:"slot_start"`
	SlotEnd          time.Time `json:"slot_end"`
	Notes            string    `json:"notes,omitempty"`
}

type PaymentEvent struct {
	Appointment      AppointmentEvent `json:"appointment"`
	PaymentID        uuid.UUID        `json:"payment_id"`
	Amount           money.Amount     `json:"amount"`
	Currency         string           `json:"currency"`
	GatewayPaymentID string           `json:"gateway_payment_id,omitempty"`
	PaymentMethod    string           `json:"payment_method,omitempty"`
	PaidAt           time.Time        `json:"paid_at"`
}

// Envelope is what travels on the stream.
type Envelope struct {
	ID                    uuid.UUID         `json:"id"`
	Type                  EventType         `json:"type"`
	OccurredAt            time.Time         `json:"occurred_at"`
	Appointment           *AppointmentEvent `json:"appointment,omitempty"`
	Payment               *PaymentEvent     `json:"payment,omitempty"`
	CancelledByPrivileged bool              `json:"cancelled_by_privileged,omitempty"`
}

// Dispatcher is fire and forget: implementations log their own failures.
type Dispatcher interface {
	NotifyCreated(ctx context.Context, ev AppointmentEvent)
	NotifyCancelled(ctx context.Context, ev AppointmentEvent, byPrivileged bool)
	NotifyPaymentCompleted(ctx context.Context, ev PaymentEvent)
}
