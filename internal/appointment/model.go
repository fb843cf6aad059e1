package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/notify"
	"github.com/hackgods/clinic-appointments/internal/pricing"
)

type AppointmentStatus string

const (
	StatusPendingPayment AppointmentStatus = "pending_payment"
	StatusPaid           AppointmentStatus = "paid"
	StatusCancelled      AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Settled payments are never rewritten by gateway results or cancellation.
func (s PaymentStatus) Settled() bool {
	return s == PaymentCompleted || s == PaymentRefunded
}

type User struct {
	ID        uuid.UUID
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Role      auth.Role
	CreatedAt time.Time
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type TimeSlot struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	IsBooked       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *TimeSlot) Window() *pricing.Window {
	if s == nil {
		return nil
	}
	return &pricing.Window{Start: s.StartTime, End: s.EndTime}
}

type Appointment struct {
	ID                    uuid.UUID
	PatientID             uuid.UUID
	SlotID                uuid.UUID
	Status                AppointmentStatus
	Notes                 *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CancelledAt           *time.Time
	CancelledByPrivileged *bool
}

type Payment struct {
	ID                    uuid.UUID
	AppointmentID         uuid.UUID
	PatientID             uuid.UUID
	Amount                money.Amount
	Currency              string
	Status                PaymentStatus
	GatewayPaymentID      string
	GatewayConversationID string
	GatewayBasketID       string
	GatewayToken          string
	PaymentMethod         string
	ErrorMessage          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	PaidAt                *time.Time
}

// AppointmentDetail is an appointment with the relations listing and
// notifications need. Slot and Patient are always present.
type AppointmentDetail struct {
	Appointment
	Slot         TimeSlot
	Patient      User
	Practitioner *User
	Payment      *Payment
}

func (d *AppointmentDetail) Event() notify.AppointmentEvent {
	ev := notify.AppointmentEvent{
		AppointmentID: d.ID,
		Status:        string(d.Status),
		PatientID:     d.Patient.ID,
		PatientName:   d.Patient.FullName(),
		PatientEmail:  d.Patient.Email,
		SlotStart:     d.Slot.StartTime,
		SlotEnd:       d.Slot.EndTime,
	}
	if d.Practitioner != nil {
		ev.PractitionerName = d.Practitioner.FullName()
	}
	if d.Notes != nil {
		ev.Notes = *d.Notes
	}
	return ev
}

type ListFilter struct {
	PatientID *uuid.UUID
	Status    *AppointmentStatus
	Limit     int
	Offset    int
}
