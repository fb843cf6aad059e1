package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/payment"
	"github.com/hackgods/clinic-appointments/internal/pricing"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type CreateSlotRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type BookAppointmentRequest struct {
	TimeSlotID string `json:"time_slot_id"`
	Notes      string `json:"notes"`
}

type InitPaymentRequest struct {
	AppointmentID string        `json:"appointment_id"`
	Amount        *money.Amount `json:"amount,omitempty"`
}

type VerifyPaymentRequest struct {
	Token string `json:"token"`
}

type PriceSettingRequest struct {
	HourlyRate *money.Amount `json:"hourly_rate"`
}

type SlotResponse struct {
	ID             uuid.UUID `json:"id"`
	PractitionerID uuid.UUID `json:"practitioner_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	IsBooked       bool      `json:"is_booked"`
}

type UserSummary struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Phone    string    `json:"phone,omitempty"`
}

type AppointmentResponse struct {
	ID           uuid.UUID        `json:"id"`
	Status       string           `json:"status"`
	Notes        *string          `json:"notes,omitempty"`
	TimeSlot     SlotResponse     `json:"time_slot"`
	Patient      UserSummary      `json:"patient"`
	Practitioner *UserSummary     `json:"practitioner,omitempty"`
	Payment      *PaymentResponse `json:"payment,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CancelledAt  *time.Time       `json:"cancelled_at,omitempty"`
}

type PaymentResponse struct {
	ID            uuid.UUID    `json:"id"`
	AppointmentID uuid.UUID    `json:"appointment_id"`
	PatientID     uuid.UUID    `json:"patient_id"`
	Amount        money.Amount `json:"amount"`
	Currency      string       `json:"currency"`
	Status        string       `json:"status"`
	PaymentMethod string       `json:"payment_method,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	PaidAt        *time.Time   `json:"paid_at,omitempty"`
}

type CheckoutResponse struct {
	PaymentID           uuid.UUID `json:"payment_id"`
	Token               string    `json:"token"`
	CheckoutFormContent string    `json:"checkout_form_content"`
	PaymentPageURL      string    `json:"payment_page_url,omitempty"`
}

type VerifyResponse struct {
	Success       bool      `json:"success"`
	Status        string    `json:"status"`
	PaymentID     uuid.UUID `json:"payment_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Message       string    `json:"message,omitempty"`
}

type PriceSettingResponse struct {
	HourlyRate money.Amount `json:"hourly_rate"`
	Currency   string       `json:"currency"`
	UpdatedBy  *uuid.UUID   `json:"updated_by,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func toSlot(s appointment.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:             s.ID,
		PractitionerID: s.PractitionerID,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		IsBooked:       s.IsBooked,
	}
}

func toUser(u appointment.User) UserSummary {
	return UserSummary{ID: u.ID, Email: u.Email, FullName: u.FullName(), Phone: u.Phone}
}

func toPayment(p appointment.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		PatientID:     p.PatientID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        string(p.Status),
		PaymentMethod: p.PaymentMethod,
		ErrorMessage:  p.ErrorMessage,
		CreatedAt:     p.CreatedAt,
		PaidAt:        p.PaidAt,
	}
}

func toAppointment(d appointment.AppointmentDetail) AppointmentResponse {
	resp := AppointmentResponse{
		ID:          d.ID,
		Status:      string(d.Status),
		Notes:       d.Notes,
		TimeSlot:    toSlot(d.Slot),
		Patient:     toUser(d.Patient),
		CreatedAt:   d.CreatedAt,
		CancelledAt: d.CancelledAt,
	}
	if d.Practitioner != nil {
		u := toUser(*d.Practitioner)
		resp.Practitioner = &u
	}
	if d.Payment != nil {
		p := toPayment(*d.Payment)
		resp.Payment = &p
	}
	return resp
}

func toVerify(o payment.Outcome) VerifyResponse {
	return VerifyResponse{
		Success:       o.Succeeded(),
		Status:        string(o.Status),
		PaymentID:     o.PaymentID,
		AppointmentID: o.AppointmentID,
		Message:       o.Message,
	}
}

func toPriceSetting(s pricing.Setting) PriceSettingResponse {
	return PriceSettingResponse{
		HourlyRate: s.HourlyRate,
		Currency:   s.Currency,
		UpdatedBy:  s.UpdatedBy,
		UpdatedAt:  s.UpdatedAt,
	}
}
