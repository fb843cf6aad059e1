package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/payment"
	"github.com/hackgods/clinic-appointments/internal/pricing"
)

type AppointmentService interface {
	ListAvailable(ctx context.Context) ([]appointment.TimeSlot, error)
	CreateSlot(ctx context.Context, actor auth.Actor, in appointment.CreateSlotInput) (*appointment.TimeSlot, error)
	DeleteSlot(ctx context.Context, actor auth.Actor, id uuid.UUID) error

	BookSlot(ctx context.Context, actor auth.Actor, in appointment.BookInput) (*appointment.AppointmentDetail, error)
	Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.AppointmentDetail, error)
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.AppointmentDetail, error)
	List(ctx context.Context, actor auth.Actor, status string, limit, offset int) ([]appointment.AppointmentDetail, error)
}

type PaymentService interface {
	InitiateCheckout(ctx context.Context, actor auth.Actor, in payment.InitInput) (*payment.CheckoutResult, error)
	Verify(ctx context.Context, actor auth.Actor, paymentID uuid.UUID, token string) (*payment.Outcome, error)
	HandleCallback(ctx context.Context, token string) (*payment.Outcome, error)
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*appointment.Payment, error)
	List(ctx context.Context, actor auth.Actor, limit, offset int) ([]appointment.Payment, error)
}

type PricingService interface {
	Setting(ctx context.Context, actor auth.Actor) (*pricing.Setting, error)
	UpdateHourlyRate(ctx context.Context, actor auth.Actor, rate money.Amount) (*pricing.Setting, error)
}

type TokenVerifier interface {
	Verify(raw string) (auth.Actor, error)
}

type Authorizer interface {
	Allowed(role auth.Role, obj auth.Object, act auth.Action) (bool, error)
}

type RouterConfig struct {
	Appointments AppointmentService
	Payments     PaymentService
	Pricing      PricingService
	Tokens       TokenVerifier
	Policy       Authorizer
	Postgres     PostgresPinger
	Redis        RedisPinger
	FrontendURL  string
	Env          string
	Version      string
	Log          *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoverMiddleware(cfg.Log))
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(MetricsMiddleware)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{
		appointments: cfg.Appointments,
		payments:     cfg.Payments,
		pricing:      cfg.Pricing,
		frontendURL:  cfg.FrontendURL,
		log:          cfg.Log,
	}

	// the gateway redirects the browser here without credentials
	for _, path := range []string{"/payments/callback", "/payments/callback/"} {
		r.Get(path, h.paymentCallback)
		r.Post(path, h.paymentCallback)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens))

		allow := func(obj auth.Object, act auth.Action) func(http.Handler) http.Handler {
			return RequirePermission(cfg.Policy, obj, act, cfg.Log)
		}

		r.With(allow(auth.ObjSlot, auth.ActRead)).Get("/slots", h.listSlots)
		r.With(allow(auth.ObjSlot, auth.ActCreate)).Post("/slots", h.createSlot)
		r.With(allow(auth.ObjSlot, auth.ActDelete)).Delete("/slots/{id}", h.deleteSlot)

		r.With(allow(auth.ObjAppointment, auth.ActRead)).Get("/appointments", h.listAppointments)
		r.With(allow(auth.ObjAppointment, auth.ActBook)).Post("/appointments", h.bookAppointment)
		r.With(allow(auth.ObjAppointment, auth.ActRead)).Get("/appointments/{id}", h.getAppointment)
		r.With(allow(auth.ObjAppointment, auth.ActCancel)).Delete("/appointments/{id}", h.cancelAppointment)

		r.With(allow(auth.ObjPayment, auth.ActRead)).Get("/payments", h.listPayments)
		r.With(allow(auth.ObjPayment, auth.ActInitiate)).Post("/payments/init", h.initPayment)
		r.With(allow(auth.ObjPayment, auth.ActRead)).Get("/payments/{id}", h.getPayment)
		r.With(allow(auth.ObjPayment, auth.ActVerify)).Post("/payments/{id}/verify", h.verifyPayment)

		r.With(allow(auth.ObjPriceSetting, auth.ActRead)).Get("/price-setting", h.getPriceSetting)
		r.With(allow(auth.ObjPriceSetting, auth.ActWrite)).Put("/price-setting", h.updatePriceSetting)
	})

	return r
}
