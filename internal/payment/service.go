package payment

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

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/apperr"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/metrics"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/notify"
)

var (
	ErrMissingToken         = apperr.Validation("missing_token", "payment token is required")
	ErrTokenMismatch        = apperr.Validation("token_mismatch", "token does not belong to this payment")
	ErrInvalidAmount        = apperr.Validation("invalid_amount", "amount must be positive")
	ErrAlreadyPaid          = apperr.Validation("already_paid", "appointment is already paid")
	ErrAppointmentCancelled = apperr.Validation("appointment_cancelled", "appointment is cancelled")
	ErrCheckoutForbidden    = apperr.Permission("checkout_forbidden", "only patients can pay for appointments")
	ErrPaymentUnresolved    = apperr.Gateway("payment_unresolved", "no payment matches the gateway result")
	ErrMalformedResult      = apperr.Gateway("malformed_gateway_result", "payment gateway returned an unreadable result")
	ErrGatewayUnavailable   = apperr.Gateway("gateway_unavailable", "payment gateway could not start checkout")
)

// Reconciliation entry points, used as metric labels.
const (
	SourceVerify   = "verify"
	SourceCallback = "callback"
	SourceSweep    = "sweep"
)

type OutcomeStatus string

const (
	OutcomeCompleted        OutcomeStatus = "completed"
	OutcomeAlreadyCompleted OutcomeStatus = "already_completed"
	OutcomeFailed           OutcomeStatus = "failed"
)

// Outcome is the result of applying one gateway answer.
type Outcome struct {
	Status        OutcomeStatus
	PaymentID     uuid.UUID
	AppointmentID uuid.UUID
	Message       string
}

func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeCompleted || o.Status == OutcomeAlreadyCompleted
}

type InitInput struct {
	AppointmentID uuid.UUID
	Amount        *money.Amount
	ClientIP      string
}

type CheckoutResult struct {
	PaymentID uuid.UUID
	Token     string
	Content   string
	PageURL   string
}

const staleBatchSize = 100

var tracer = otel.Tracer("github.com/hackgods/clinic-appointments/internal/payment")

type Service struct {
	store    Store
	appts    Appointments
	gateway  Gateway
	pricer   appointment.Pricer
	notifier notify.Dispatcher
	cfg      config.Config
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store Store, appts Appointments, gateway Gateway, pricer appointment.Pricer, notifier notify.Dispatcher, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		appts:    appts,
		gateway:  gateway,
		pricer:   pricer,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// InitiateCheckout opens a hosted checkout for the caller's own appointment.
// A gateway failure leaves the payment failed so the patient can retry.
func (s *Service) InitiateCheckout(ctx context.Context, actor auth.Actor, in InitInput) (*CheckoutResult, error) {
	ctx, span := tracer.Start(ctx, "payment.InitiateCheckout",
		trace.WithAttributes(attribute.String("appointment_id", in.AppointmentID.String())))
	defer span.End()

	res, err := s.initiateCheckout(ctx, actor, in)
	switch {
	case err == nil:
		metrics.CheckoutInitiations.WithLabelValues(metrics.OutcomeSuccess).Inc()
	case apperr.Is(err, apperr.KindGateway), apperr.Is(err, apperr.KindInternal):
		metrics.CheckoutInitiations.WithLabelValues(metrics.OutcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		metrics.CheckoutInitiations.WithLabelValues(metrics.OutcomeRejected).Inc()
	}
	return res, err
}

func (s *Service) initiateCheckout(ctx context.Context, actor auth.Actor, in InitInput) (*CheckoutResult, error) {
	if actor.Role != auth.RolePatient {
		return nil, ErrCheckoutForbidden
	}
	if in.Amount != nil && *in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	detail, err := s.appts.GetAppointmentDetail(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(detail.PatientID) {
		return nil, appointment.ErrAppointmentNotFound
	}
	if detail.Status == appointment.StatusCancelled {
		return nil, ErrAppointmentCancelled
	}
	if detail.Status == appointment.StatusPaid || (detail.Payment != nil && detail.Payment.Status.Settled()) {
		return nil, ErrAlreadyPaid
	}

	amount := s.pricer.CalculatePrice(ctx, detail.Slot.Window())
	if in.Amount != nil && *in.Amount != amount {
		s.log.Warn("client amount differs from slot price",
			zap.String("appointment_id", detail.ID.String()),
			zap.String("requested", in.Amount.String()),
			zap.String("priced", amount.String()),
		)
		amount = *in.Amount
	}

	p := detail.Payment
	if p == nil {
		// booking always writes one; rows lost to manual cleanup get a fresh one
		p, err = s.store.Create(ctx, appointment.Payment{
			AppointmentID: detail.ID,
			PatientID:     detail.PatientID,
			Amount:        amount,
			Currency:      s.cfg.Currency,
			Status:        appointment.PaymentPending,
		})
		if err != nil {
			return nil, fmt.Errorf("recreate payment: %w", err)
		}
		s.log.Warn("payment row missing, recreated",
			zap.String("appointment_id", detail.ID.String()),
			zap.String("payment_id", p.ID.String()),
		)
	}

	ref := p.ID.String()
	req := CheckoutRequest{
		ConversationID: ref,
		BasketID:       ref,
		Price:          amount,
		Currency:       p.Currency,
		CallbackURL:    strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/payments/callback/",
		Buyer: Buyer{
			ID:           detail.Patient.ID.String(),
			Name:         detail.Patient.FirstName,
			Surname:      detail.Patient.LastName,
			Email:        detail.Patient.Email,
			Phone:        detail.Patient.Phone,
			IP:           in.ClientIP,
			RegisteredAt: detail.Patient.CreatedAt,
			LastLoginAt:  s.now(),
		},
		Item: BasketItem{
			ID:        detail.ID.String(),
			Name:      "Appointment " + detail.Slot.StartTime.UTC().Format("2006-01-02 15:04"),
			Category1: "Health",
			Category2: "Consultation",
			Price:     amount,
		},
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	session, err := s.gateway.InitializeCheckout(gwCtx, req)
	cancel()
	if err == nil && strings.TrimSpace(session.Content) == "" {
		err = errors.New("checkout form content is empty")
	}
	if err != nil {
		s.log.Error("checkout initialization failed",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
		if _, ferr := s.store.MarkFailed(ctx, p.ID, err.Error()); ferr != nil {
			s.log.Error("mark payment failed", zap.String("payment_id", p.ID.String()), zap.Error(ferr))
		}
		return nil, apperr.Wrap(ErrGatewayUnavailable, err)
	}

	if _, err := s.store.MarkProcessing(ctx, p.ID, amount, CheckoutRef{
		ConversationID: ref,
		BasketID:       ref,
		Token:          session.Token,
	}); err != nil {
		return nil, err
	}

	s.log.Info("checkout initialized",
		zap.String("payment_id", p.ID.String()),
		zap.String("appointment_id", detail.ID.String()),
		zap.String("amount", amount.String()),
	)

	return &CheckoutResult{
		PaymentID: p.ID,
		Token:     session.Token,
		Content:   session.Content,
		PageURL:   session.PageURL,
	}, nil
}

// Verify reconciles a checkout on behalf of the payment's patient or staff.
func (s *Service) Verify(ctx context.Context, actor auth.Actor, paymentID uuid.UUID, token string) (*Outcome, error) {
	if _, err := s.Get(ctx, actor, paymentID); err != nil {
		return nil, err
	}
	return s.Reconcile(ctx, SourceVerify, token, &paymentID)
}

// HandleCallback reconciles an unauthenticated gateway callback.
func (s *Service) HandleCallback(ctx context.Context, token string) (*Outcome, error) {
	return s.Reconcile(ctx, SourceCallback, token, nil)
}

// Reconcile fetches the gateway's answer for token and applies it. Applying the
// same success twice is a no-op; only the first one notifies.
func (s *Service) Reconcile(ctx context.Context, source, token string, expected *uuid.UUID) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "payment.Reconcile", trace.WithAttributes(attribute.String("source", source)))
	defer span.End()

	out, err := s.reconcile(ctx, token, expected)
	switch {
	case err != nil:
		metrics.PaymentReconciliations.WithLabelValues(source, metrics.OutcomeError).Inc()
		if !apperr.Is(err, apperr.KindValidation) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	default:
		metrics.PaymentReconciliations.WithLabelValues(source, string(out.Status)).Inc()
		span.SetAttributes(attribute.String("payment_id", out.PaymentID.String()))
	}
	return out, err
}

func (s *Service) reconcile(ctx context.Context, token string, expected *uuid.UUID) (*Outcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	result := s.gateway.RetrieveCheckout(gwCtx, token)
	cancel()

	p, err := s.locate(ctx, result, token, expected)
	if err != nil {
		return nil, err
	}

	switch r := result.(type) {
	case Malformed:
		if p != nil {
			s.markFailed(ctx, p.ID, "unreadable gateway result: "+r.Reason)
		}
		s.log.Error("malformed gateway result", zap.String("reason", r.Reason), zap.String("raw", truncate(r.Raw, 512)))
		return nil, fmt.Errorf("%w: %s", ErrMalformedResult, r.Reason)
	}

	if p == nil {
		conv, basket := correlationKeys(result)
		s.log.Warn("gateway result matches no payment",
			zap.String("conversation_id", conv),
			zap.String("basket_id", basket),
		)
		return nil, ErrPaymentUnresolved
	}

	switch r := result.(type) {
	case Success:
		return s.complete(ctx, p, r)
	case Failure:
		msg := r.Message
		if msg == "" {
			msg = "payment failed"
		}
		if r.Code != "" {
			msg = r.Code + ": " + msg
		}
		s.markFailed(ctx, p.ID, msg)
		s.log.Info("payment failed at gateway", zap.String("payment_id", p.ID.String()), zap.String("reason", msg))
		return &Outcome{Status: OutcomeFailed, PaymentID: p.ID, AppointmentID: p.AppointmentID, Message: msg}, nil
	}

	return nil, fmt.Errorf("unexpected gateway result %T", result)
}

// locate finds the payment a gateway result belongs to, trying the
// correlation ids before the stored token and finally the caller's id.
func (s *Service) locate(ctx context.Context, result Result, token string, expected *uuid.UUID) (*appointment.Payment, error) {
	conv, basket := correlationKeys(result)

	lookups := []struct {
		key  string
		find func(context.Context, string) ([]appointment.Payment, error)
		val  string
	}{
		{"conversation_id", s.store.FindByConversationID, conv},
		{"basket_id", s.store.FindByBasketID, basket},
		{"token", s.store.FindByToken, token},
	}

	var found *appointment.Payment
	for _, l := range lookups {
		if l.val == "" {
			continue
		}
		matches, err := l.find(ctx, l.val)
		if err != nil {
			return nil, fmt.Errorf("find payment by %s: %w", l.key, err)
		}
		if len(matches) == 0 {
			continue
		}
		if len(matches) > 1 {
			s.log.Warn("several payments share a gateway reference, using the oldest",
				zap.String("key", l.key),
				zap.String("value", l.val),
				zap.Int("matches", len(matches)),
			)
		}
		found = &matches[0]
		break
	}

	if expected == nil {
		return found, nil
	}
	if found != nil {
		if found.ID != *expected {
			return nil, ErrTokenMismatch
		}
		return found, nil
	}

	p, err := s.store.GetByID(ctx, *expected)
	if errors.Is(err, appointment.ErrPaymentNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *Service) complete(ctx context.Context, p *appointment.Payment, r Success) (*Outcome, error) {
	var (
		settled *appointment.Payment
		changed bool
	)
	err := s.store.InTx(ctx, func(tx Store) error {
		var err error
		settled, changed, err = tx.Complete(ctx, p.ID, Completion{
			GatewayPaymentID: r.PaymentID,
			PaymentMethod:    r.PaymentMethod,
			PaidAt:           s.now(),
		})
		if err != nil || !changed {
			return err
		}

		moved, err := tx.MarkAppointmentPaid(ctx, p.AppointmentID)
		if err != nil {
			return err
		}
		if !moved {
			s.log.Warn("payment completed for an appointment that is not awaiting payment",
				zap.String("payment_id", p.ID.String()),
				zap.String("appointment_id", p.AppointmentID.String()),
			)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}

	out := &Outcome{PaymentID: settled.ID, AppointmentID: settled.AppointmentID}
	if !changed {
		out.Status = OutcomeAlreadyCompleted
		s.log.Info("payment already reconciled", zap.String("payment_id", settled.ID.String()))
		return out, nil
	}
	out.Status = OutcomeCompleted

	s.log.Info("payment completed",
		zap.String("payment_id", settled.ID.String()),
		zap.String("appointment_id", settled.AppointmentID.String()),
		zap.String("gateway_payment_id", r.PaymentID),
		zap.String("fraud_status", r.FraudStatus),
		zap.Int("installment", r.Installment),
	)
	s.checkPaidPrice(settled, r)

	detail, err := s.appts.GetAppointmentDetail(ctx, settled.AppointmentID)
	if err != nil {
		s.log.Warn("load appointment for payment notification", zap.String("payment_id", settled.ID.String()), zap.Error(err))
		return out, nil
	}

	ev := notify.PaymentEvent{
		Appointment:      detail.Event(),
		PaymentID:        settled.ID,
		Amount:           settled.Amount,
		Currency:         settled.Currency,
		GatewayPaymentID: settled.GatewayPaymentID,
		PaymentMethod:    settled.PaymentMethod,
	}
	if settled.PaidAt != nil {
		ev.PaidAt = *settled.PaidAt
	}
	s.notifier.NotifyPaymentCompleted(ctx, ev)

	return out, nil
}

// checkPaidPrice compares what the gateway charged with the stored amount. The
// payment is already settled either way; a difference is left for staff to review.
func (s *Service) checkPaidPrice(p *appointment.Payment, r Success) bool {
	raw := r.PaidPrice
	if raw == "" {
		raw = r.Price
	}
	if raw == "" {
		return true
	}

	// iyzico may send "500.0" or "500.00000000"
	if whole, frac, ok := strings.Cut(raw, "."); ok {
		for len(frac) > 2 && strings.HasSuffix(frac, "0") {
			frac = frac[:len(frac)-1]
		}
		raw = whole + "." + frac
	}

	paid, err := money.Parse(raw)
	if err != nil {
		s.log.Warn("gateway paid price unreadable",
			zap.String("payment_id", p.ID.String()),
			zap.String("paid_price", raw),
			zap.Error(err),
		)
		return false
	}
	if paid != p.Amount {
		s.log.Warn("gateway paid price differs from payment amount",
			zap.String("payment_id", p.ID.String()),
			zap.String("amount", p.Amount.String()),
			zap.String("paid_price", paid.String()),
		)
		return false
	}
	return true
}

func (s *Service) markFailed(ctx context.Context, id uuid.UUID, msg string) {
	wrote, err := s.store.MarkFailed(ctx, id, msg)
	if err != nil {
		s.log.Error("mark payment failed", zap.String("payment_id", id.String()), zap.Error(err))
		return
	}
	if !wrote {
		s.log.Info("payment already settled, failure ignored", zap.String("payment_id", id.String()))
	}
}

// SweepStale settles checkouts the patient abandoned or whose callback never
// arrived. It returns how many payments it looked at.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "payment.SweepStale")
	defer span.End()

	stale, err := s.store.ListStaleProcessing(ctx, s.now().Add(-s.cfg.StalePayment), staleBatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("list stale payments: %w", err)
	}

	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if p.GatewayToken == "" {
			s.markFailed(ctx, p.ID, "checkout timed out")
			metrics.PaymentReconciliations.WithLabelValues(SourceSweep, string(OutcomeFailed)).Inc()
			continue
		}

		id := p.ID
		out, err := s.Reconcile(ctx, SourceSweep, p.GatewayToken, &id)
		if err != nil {
			s.log.Warn("stale payment reconciliation failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
			continue
		}
		s.log.Info("stale payment reconciled",
			zap.String("payment_id", p.ID.String()),
			zap.String("outcome", string(out.Status)),
		)
	}

	span.SetAttributes(attribute.Int("swept", len(stale)))
	return len(stale), nil
}

// Get returns a payment its patient or staff may see.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.Payment, error) {
	p, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Elevated() && !actor.Owns(p.PatientID) {
		return nil, appointment.ErrPaymentNotFound
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, limit, offset int) ([]appointment.Payment, error) {
	limit, offset = db.Page(limit, offset)

	var patient *uuid.UUID
	if !actor.Elevated() {
		uid := actor.UserID
		patient = &uid
	}

	payments, err := s.store.List(ctx, patient, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
