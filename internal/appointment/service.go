package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/apperr"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/metrics"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/notify"
	"github.com/hackgods/clinic-appointments/internal/pricing"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
)

var (
	ErrSlotBeingBooked     = apperr.Conflict("slot_being_booked", "slot is currently being booked, please retry")
	ErrStaffCannotBook     = apperr.Permission("staff_cannot_book", "staff accounts cannot book appointments")
	ErrSlotManageForbidden = apperr.Permission("slot_manage_forbidden", "only staff can manage time slots")
	ErrInvalidSlotTime     = apperr.Validation("invalid_slot_time", "start_time and end_time must be ISO 8601 timestamps")
	ErrInvalidSlotRange    = apperr.Validation("invalid_slot_range", "end_time must be after start_time")
	ErrInvalidStatusFilter = apperr.Validation("invalid_status", "unknown appointment status")
	ErrAlreadyCancelled    = apperr.Conflict("appointment_already_cancelled", "appointment is already cancelled")
	ErrUnknownAccount      = apperr.New(apperr.KindUnauthenticated, "unknown_account", "the account behind this token no longer exists")
)

var tracer = otel.Tracer("github.com/hackgods/clinic-appointments/internal/appointment")

// Pricer prices a slot window. It never fails; see pricing.Service.CalculatePrice.
type Pricer interface {
	CalculatePrice(ctx context.Context, w *pricing.Window) money.Amount
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	pricer   Pricer
	notifier notify.Dispatcher
	cfg      config.Config
	log      *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, pricer Pricer, notifier notify.Dispatcher, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		pricer:   pricer,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

type BookInput struct {
	SlotID uuid.UUID
	Notes  string
}

type CreateSlotInput struct {
	StartTime string
	EndTime   string
}

// ListAvailable returns every unbooked slot, earliest first.
func (s *Service) ListAvailable(ctx context.Context) ([]TimeSlot, error) {
	slots, err := s.repo.ListAvailableSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	return slots, nil
}

// CreateSlot publishes a new bookable window owned by the calling practitioner.
// Any existing slot, booked or not, that intersects the window rejects it.
func (s *Service) CreateSlot(ctx context.Context, actor auth.Actor, in CreateSlotInput) (*TimeSlot, error) {
	ctx, span := tracer.Start(ctx, "appointment.CreateSlot")
	defer span.End()

	if !actor.Elevated() {
		return nil, ErrSlotManageForbidden
	}

	start, err := parseTimestamp(in.StartTime)
	if err != nil {
		return nil, fmt.Errorf("%w: start_time %v", ErrInvalidSlotTime, err)
	}
	end, err := parseTimestamp(in.EndTime)
	if err != nil {
		return nil, fmt.Errorf("%w: end_time %v", ErrInvalidSlotTime, err)
	}
	if !end.After(start) {
		return nil, ErrInvalidSlotRange
	}
	if err := s.requireAccount(ctx, actor); err != nil {
		return nil, err
	}

	overlapping, err := s.repo.FindOverlappingSlots(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("check overlapping slots: %w", err)
	}
	if len(overlapping) > 0 {
		o := overlapping[0]
		return nil, fmt.Errorf("%w: conflicts with %s (%s - %s)", ErrSlotOverlap,
			o.ID, o.StartTime.Format(time.RFC3339), o.EndTime.Format(time.RFC3339))
	}

	slot, err := s.repo.CreateSlot(ctx, TimeSlot{
		PractitionerID: actor.UserID,
		StartTime:      start,
		EndTime:        end,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("slot_id", slot.ID.String()))
	s.log.Info("slot created",
		zap.String("slot_id", slot.ID.String()),
		zap.String("practitioner_id", actor.UserID.String()),
		zap.Time("start", slot.StartTime),
		zap.Time("end", slot.EndTime),
	)
	return slot, nil
}

// requireAccount checks that a token's subject still has a users row; slots and
// appointments reference it by foreign key.
func (s *Service) requireAccount(ctx context.Context, actor auth.Actor) error {
	_, err := s.repo.GetUserByID(ctx, actor.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return ErrUnknownAccount
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	return nil
}

func (s *Service) DeleteSlot(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if !actor.Elevated() {
		return ErrSlotManageForbidden
	}
	if err := s.repo.DeleteUnbookedSlot(ctx, id); err != nil {
		return err
	}
	s.log.Info("slot deleted", zap.String("slot_id", id.String()), zap.String("by", actor.UserID.String()))
	return nil
}

// BookSlot reserves a slot for the calling patient. The slot flip, the
// appointment and its priced payment are written in one transaction; the
// Redis lock only turns obvious contention away early.
func (s *Service) BookSlot(ctx context.Context, actor auth.Actor, in BookInput) (*AppointmentDetail, error) {
	ctx, span := tracer.Start(ctx, "appointment.BookSlot",
		trace.WithAttributes(attribute.String("slot_id", in.SlotID.String())))
	defer span.End()

	detail, err := s.bookSlot(ctx, actor, in)

	switch {
	case err == nil:
		metrics.BookingAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
	case apperr.Is(err, apperr.KindConflict):
		metrics.BookingAttempts.WithLabelValues(metrics.OutcomeConflict).Inc()
	case apperr.Is(err, apperr.KindInternal):
		metrics.BookingAttempts.WithLabelValues(metrics.OutcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		metrics.BookingAttempts.WithLabelValues(metrics.OutcomeRejected).Inc()
	}

	return detail, err
}

func (s *Service) bookSlot(ctx context.Context, actor auth.Actor, in BookInput) (*AppointmentDetail, error) {
	if actor.Role != auth.RolePatient {
		return nil, ErrStaffCannotBook
	}
	if err := s.requireAccount(ctx, actor); err != nil {
		return nil, err
	}

	var notes *string
	if n := strings.TrimSpace(in.Notes); n != "" {
		notes = &n
	}

	var booked *AppointmentDetail

	err := s.locker.WithSlotLock(ctx, in.SlotID, func(lockCtx context.Context) error {
		slot, err := s.repo.GetSlotByID(lockCtx, in.SlotID)
		if err != nil {
			return err
		}
		if slot.IsBooked {
			return ErrSlotAlreadyBooked
		}

		amount := s.pricer.CalculatePrice(lockCtx, slot.Window())

		return s.repo.InTx(lockCtx, func(tx Repository) error {
			if _, err := tx.ClaimSlot(lockCtx, in.SlotID); err != nil {
				return err
			}

			appt, err := tx.CreateAppointment(lockCtx, Appointment{
				PatientID: actor.UserID,
				SlotID:    in.SlotID,
				Status:    StatusPendingPayment,
				Notes:     notes,
			})
			if err != nil {
				return err
			}

			if _, err := tx.CreatePayment(lockCtx, Payment{
				AppointmentID: appt.ID,
				PatientID:     actor.UserID,
				Amount:        amount,
				Currency:      s.cfg.Currency,
				Status:        PaymentPending,
			}); err != nil {
				return err
			}

			booked, err = tx.GetAppointmentDetail(lockCtx, appt.ID)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.log.Info("slot booked",
		zap.String("appointment_id", booked.ID.String()),
		zap.String("slot_id", in.SlotID.String()),
		zap.String("patient_id", actor.UserID.String()),
	)

	s.notifier.NotifyCreated(ctx, booked.Event())

	return booked, nil
}

// Cancel marks an appointment cancelled and voids its open payment. The slot
// goes back on offer only when it has not started yet. Cancelling twice is a
// no-op that returns the current state.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*AppointmentDetail, error) {
	ctx, span := tracer.Start(ctx, "appointment.Cancel",
		trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer span.End()

	detail, err := s.visible(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if detail.Status == StatusCancelled {
		return detail, nil
	}

	now := s.now()
	privileged := actor.Elevated()

	err = s.repo.InTx(ctx, func(tx Repository) error {
		if _, err := tx.CancelAppointment(ctx, id, now, privileged); err != nil {
			return err
		}
		return tx.CancelOpenPayment(ctx, id)
	})
	if errors.Is(err, ErrAlreadyCancelled) {
		// lost a race with another cancel; that one did the side effects
		return s.repo.GetAppointmentDetail(ctx, id)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	if detail.Slot.StartTime.After(now) {
		if err := s.repo.ReleaseSlot(ctx, detail.Slot.ID); err != nil {
			s.log.Warn("slot release after cancellation failed",
				zap.String("appointment_id", id.String()),
				zap.String("slot_id", detail.Slot.ID.String()),
				zap.Error(err),
			)
		}
	}

	updated, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		s.log.Warn("reload after cancellation failed", zap.String("appointment_id", id.String()), zap.Error(err))
		updated = detail
		updated.Status = StatusCancelled
		updated.CancelledAt = &now
		updated.CancelledByPrivileged = &privileged
	}

	s.log.Info("appointment cancelled",
		zap.String("appointment_id", id.String()),
		zap.String("by", actor.UserID.String()),
		zap.Bool("privileged", privileged),
	)

	s.notifier.NotifyCancelled(ctx, updated.Event(), privileged)

	return updated, nil
}

// Get retrieves a fully hydrated appointment visible to the actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*AppointmentDetail, error) {
	return s.visible(ctx, actor, id)
}

// List returns all appointments for staff and the caller's own for patients.
func (s *Service) List(ctx context.Context, actor auth.Actor, status string, limit, offset int) ([]AppointmentDetail, error) {
	limit, offset = db.Page(limit, offset)

	f := ListFilter{Limit: limit, Offset: offset}
	if status != "" {
		st := AppointmentStatus(status)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatusFilter, status)
		}
		f.Status = &st
	}
	if !actor.Elevated() {
		uid := actor.UserID
		f.PatientID = &uid
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// visible hides other patients' appointments behind not found.
func (s *Service) visible(ctx context.Context, actor auth.Actor, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Elevated() && !actor.Owns(detail.PatientID) {
		return nil, ErrAppointmentNotFound
	}
	return detail, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339 with Z or an offset; naive values are UTC.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a valid timestamp", raw)
}
