package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/apperr"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/notify"
	"github.com/hackgods/clinic-appointments/internal/pricing"
)

// fakeStore keeps payments and the appointments they settle in memory and
// applies the same status guards as the SQL.
type fakeStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]appointment.Payment
	details  map[uuid.UUID]appointment.AppointmentDetail
	seq      int
	inTx     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments: map[uuid.UUID]appointment.Payment{},
		details:  map[uuid.UUID]appointment.AppointmentDetail{},
	}
}

func (f *fakeStore) guard() func() {
	if f.inTx {
		return func() {}
	}
	f.mu.Lock()
	return f.mu.Unlock
}

func (f *fakeStore) tick() time.Time {
	f.seq++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Second)
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	payments := make(map[uuid.UUID]appointment.Payment, len(f.payments))
	for k, v := range f.payments {
		payments[k] = v
	}
	details := make(map[uuid.UUID]appointment.AppointmentDetail, len(f.details))
	for k, v := range f.details {
		details[k] = v
	}

	tx := &fakeStore{payments: f.payments, details: f.details, seq: f.seq, inTx: true}
	if err := fn(tx); err != nil {
		f.payments, f.details = payments, details
		return err
	}
	f.seq = tx.seq
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*appointment.Payment, error) {
	defer f.guard()()
	p, ok := f.payments[id]
	if !ok {
		return nil, appointment.ErrPaymentNotFound
	}
	return &p, nil
}

func (f *fakeStore) byAppointment(appointmentID uuid.UUID) (*appointment.Payment, bool) {
	defer f.guard()()
	for _, p := range f.payments {
		if p.AppointmentID == appointmentID {
			return &p, true
		}
	}
	return nil, false
}

func (f *fakeStore) findBy(match func(appointment.Payment) bool) []appointment.Payment {
	defer f.guard()()
	var out []appointment.Payment
	for _, p := range f.payments {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeStore) FindByConversationID(_ context.Context, v string) ([]appointment.Payment, error) {
	return f.findBy(func(p appointment.Payment) bool { return p.GatewayConversationID == v }), nil
}

func (f *fakeStore) FindByBasketID(_ context.Context, v string) ([]appointment.Payment, error) {
	return f.findBy(func(p appointment.Payment) bool { return p.GatewayBasketID == v }), nil
}

func (f *fakeStore) FindByToken(_ context.Context, v string) ([]appointment.Payment, error) {
	return f.findBy(func(p appointment.Payment) bool { return p.GatewayToken == v }), nil
}

func (f *fakeStore) List(_ context.Context, patientID *uuid.UUID, limit, offset int) ([]appointment.Payment, error) {
	out := f.findBy(func(p appointment.Payment) bool { return patientID == nil || p.PatientID == *patientID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListStaleProcessing(_ context.Context, before time.Time, limit int) ([]appointment.Payment, error) {
	out := f.findBy(func(p appointment.Payment) bool {
		return p.Status == appointment.PaymentProcessing && p.UpdatedAt.Before(before)
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Create(_ context.Context, p appointment.Payment) (*appointment.Payment, error) {
	defer f.guard()()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = f.tick()
	p.UpdatedAt = p.CreatedAt
	f.payments[p.ID] = p
	f.attach(p)
	return &p, nil
}

func (f *fakeStore) MarkProcessing(_ context.Context, id uuid.UUID, amount money.Amount, ref CheckoutRef) (*appointment.Payment, error) {
	defer f.guard()()
	p, ok := f.payments[id]
	if !ok || p.Status.Settled() {
		return nil, ErrAlreadyPaid
	}
	p.Status = appointment.PaymentProcessing
	p.Amount = amount
	p.GatewayConversationID = ref.ConversationID
	p.GatewayBasketID = ref.BasketID
	p.GatewayToken = ref.Token
	p.ErrorMessage = ""
	p.UpdatedAt = f.tick()
	f.payments[id] = p
	f.attach(p)
	return &p, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, message string) (bool, error) {
	defer f.guard()()
	p, ok := f.payments[id]
	if !ok || p.Status.Settled() || p.Status == appointment.PaymentCancelled {
		return false, nil
	}
	p.Status = appointment.PaymentFailed
	p.ErrorMessage = message
	p.UpdatedAt = f.tick()
	f.payments[id] = p
	f.attach(p)
	return true, nil
}

func (f *fakeStore) Complete(_ context.Context, id uuid.UUID, c Completion) (*appointment.Payment, bool, error) {
	defer f.guard()()
	p, ok := f.payments[id]
	if !ok {
		return nil, false, appointment.ErrPaymentNotFound
	}
	if p.Status.Settled() {
		return &p, false, nil
	}
	p.Status = appointment.PaymentCompleted
	p.GatewayPaymentID = c.GatewayPaymentID
	p.PaymentMethod = c.PaymentMethod
	paid := c.PaidAt
	p.PaidAt = &paid
	p.ErrorMessage = ""
	p.UpdatedAt = f.tick()
	f.payments[id] = p
	f.attach(p)
	return &p, true, nil
}

func (f *fakeStore) MarkAppointmentPaid(_ context.Context, appointmentID uuid.UUID) (bool, error) {
	defer f.guard()()
	d, ok := f.details[appointmentID]
	if !ok || d.Status != appointment.StatusPendingPayment {
		return false, nil
	}
	d.Status = appointment.StatusPaid
	f.details[appointmentID] = d
	return true, nil
}

// GetAppointmentDetail lets the store double as the Appointments reader.
func (f *fakeStore) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error) {
	defer f.guard()()
	d, ok := f.details[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &d, nil
}

func (f *fakeStore) attach(p appointment.Payment) {
	if d, ok := f.details[p.AppointmentID]; ok {
		d.Payment = &p
		f.details[p.AppointmentID] = d
	}
}

// test helpers

func (f *fakeStore) addAppointment(patient appointment.User, status appointment.AppointmentStatus) appointment.AppointmentDetail {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)
	d := appointment.AppointmentDetail{
		Appointment: appointment.Appointment{
			ID:        uuid.New(),
			PatientID: patient.ID,
			Status:    status,
			CreatedAt: f.tick(),
		},
		Slot:    appointment.TimeSlot{ID: uuid.New(), StartTime: start, EndTime: start.Add(time.Hour)},
		Patient: patient,
	}
	d.SlotID = d.Slot.ID
	f.details[d.ID] = d
	return d
}

func (f *fakeStore) addPayment(d appointment.AppointmentDetail, status appointment.PaymentStatus, token string) appointment.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := appointment.Payment{
		ID:            uuid.New(),
		AppointmentID: d.ID,
		PatientID:     d.PatientID,
		Amount:        money.FromMajor(500, 0),
		Currency:      "TRY",
		Status:        status,
		GatewayToken:  token,
		CreatedAt:     f.tick(),
	}
	p.UpdatedAt = p.CreatedAt
	if token != "" {
		p.GatewayConversationID = p.ID.String()
		p.GatewayBasketID = p.ID.String()
	}
	f.payments[p.ID] = p
	f.attach(p)
	return p
}

func (f *fakeStore) payment(id uuid.UUID) appointment.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payments[id]
}

func (f *fakeStore) appointmentStatus(id uuid.UUID) appointment.AppointmentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.details[id].Status
}

type fakeGateway struct {
	mu       sync.Mutex
	session  *CheckoutSession
	initErr  error
	block    bool
	requests []CheckoutRequest
	results  map[string]Result
}

func (g *fakeGateway) InitializeCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.initErr != nil {
		return nil, g.initErr
	}
	return g.session, nil
}

func (g *fakeGateway) RetrieveCheckout(_ context.Context, token string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.results[token]; ok {
		return r
	}
	return Malformed{Reason: "unknown token"}
}

type flatPricer struct{}

func (flatPricer) CalculatePrice(context.Context, *pricing.Window) money.Amount {
	return money.FromMajor(750, 0)
}

type recordingNotifier struct {
	mu   sync.Mutex
	paid []notify.PaymentEvent
}

func (n *recordingNotifier) NotifyCreated(context.Context, notify.AppointmentEvent) {}

func (n *recordingNotifier) NotifyCancelled(context.Context, notify.AppointmentEvent, bool) {}

func (n *recordingNotifier) NotifyPaymentCompleted(_ context.Context, ev notify.PaymentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, ev)
}

func (n *recordingNotifier) paidCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.paid)
}

type fixture struct {
	svc      *Service
	store    *fakeStore
	gateway  *fakeGateway
	notifier *recordingNotifier
	patient  appointment.User
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newFakeStore()
	gw := &fakeGateway{
		session: &CheckoutSession{Token: "tok-1", Content: "<form/>", PageURL: "https://pay.example/tok-1"},
		results: map[string]Result{},
	}
	n := &recordingNotifier{}
	cfg := config.Config{
		Currency:        "TRY",
		PublicBaseURL:   "https://api.clinic.example/",
		CheckoutTimeout: 200 * time.Millisecond,
		StalePayment:    30 * time.Minute,
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, store, gw, flatPricer{}, n, cfg, zap.NewNop())
	svc.now = func() time.Time { return now }

	patient := appointment.User{
		ID:        uuid.New(),
		Email:     "ayse@example.com",
		FirstName: "Ayse",
		LastName:  "Yilmaz",
		Phone:     "+905551112233",
		Role:      auth.RolePatient,
	}

	return &fixture{svc: svc, store: store, gateway: gw, notifier: n, patient: patient, now: now}
}

func (f *fixture) actor() auth.Actor {
	return auth.Actor{UserID: f.patient.ID, Role: auth.RolePatient, Email: f.patient.Email}
}

func TestInitiateCheckout(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentPending, "")

	res, err := f.svc.InitiateCheckout(context.Background(), f.actor(), InitInput{AppointmentID: d.ID, ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, p.ID, res.PaymentID)
	assert.Equal(t, "tok-1", res.Token)
	assert.Equal(t, "<form/>", res.Content)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.Equal(t, p.ID.String(), req.ConversationID)
	assert.Equal(t, p.ID.String(), req.BasketID)
	assert.Equal(t, money.FromMajor(750, 0), req.Price)
	assert.Equal(t, "https://api.clinic.example/payments/callback/", req.CallbackURL)
	assert.Equal(t, "10.0.0.1", req.Buyer.IP)

	stored := f.store.payment(p.ID)
	assert.Equal(t, appointment.PaymentProcessing, stored.Status)
	assert.Equal(t, "tok-1", stored.GatewayToken)
	assert.Equal(t, p.ID.String(), stored.GatewayConversationID)
}

func TestInitiateCheckoutUsesRequestedAmount(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentPending, "")

	amount := money.FromMajor(120, 50)
	_, err := f.svc.InitiateCheckout(context.Background(), f.actor(), InitInput{AppointmentID: d.ID, Amount: &amount})
	require.NoError(t, err)

	assert.Equal(t, amount, f.gateway.requests[0].Price)
	assert.Equal(t, amount, f.store.payment(p.ID).Amount)
}

func TestInitiateCheckoutRecreatesMissingPayment(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)

	res, err := f.svc.InitiateCheckout(context.Background(), f.actor(), InitInput{AppointmentID: d.ID})
	require.NoError(t, err)

	p, ok := f.store.byAppointment(d.ID)
	require.True(t, ok)
	assert.Equal(t, res.PaymentID, p.ID)
	assert.Equal(t, appointment.PaymentProcessing, p.Status)
}

func TestInitiateCheckoutRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cancelled := f.store.addAppointment(f.patient, appointment.StatusCancelled)
	f.store.addPayment(cancelled, appointment.PaymentCancelled, "")

	paid := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	f.store.addPayment(paid, appointment.PaymentCompleted, "tok-paid")

	open := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	f.store.addPayment(open, appointment.PaymentPending, "")

	other := auth.Actor{UserID: uuid.New(), Role: auth.RolePatient}
	staff := auth.Actor{UserID: uuid.New(), Role: auth.RolePractitioner}
	zero := money.Amount(0)

	tests := []struct {
		name  string
		actor auth.Actor
		in    InitInput
		want  error
	}{
		{"cancelled appointment", f.actor(), InitInput{AppointmentID: cancelled.ID}, ErrAppointmentCancelled},
		{"already paid", f.actor(), InitInput{AppointmentID: paid.ID}, ErrAlreadyPaid},
		{"someone else's appointment", other, InitInput{AppointmentID: open.ID}, appointment.ErrAppointmentNotFound},
		{"staff", staff, InitInput{AppointmentID: open.ID}, ErrCheckoutForbidden},
		{"unknown appointment", f.actor(), InitInput{AppointmentID: uuid.New()}, appointment.ErrAppointmentNotFound},
		{"zero amount", f.actor(), InitInput{AppointmentID: open.ID, Amount: &zero}, ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.InitiateCheckout(ctx, tt.actor, tt.in)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.gateway.requests)
}

func TestInitiateCheckoutGatewayFailureMarksFailed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(g *fakeGateway)
	}{
		{"error", func(g *fakeGateway) { g.initErr = errors.New("connection refused") }},
		{"empty content", func(g *fakeGateway) { g.session = &CheckoutSession{Token: "tok-1"} }},
		{"timeout", func(g *fakeGateway) { g.block = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.gateway)
			d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
			p := f.store.addPayment(d, appointment.PaymentPending, "")

			_, err := f.svc.InitiateCheckout(context.Background(), f.actor(), InitInput{AppointmentID: d.ID})
			require.ErrorIs(t, err, ErrGatewayUnavailable)
			assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

			stored := f.store.payment(p.ID)
			assert.Equal(t, appointment.PaymentFailed, stored.Status)
			assert.NotEmpty(t, stored.ErrorMessage)
		})
	}
}

func TestReconcileSuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-ok")
	f.gateway.results["tok-ok"] = Success{
		PaymentID:      "gw-42",
		ConversationID: p.ID.String(),
		BasketID:       p.ID.String(),
		PaymentMethod:  "CREDIT_CARD",
	}

	out, err := f.svc.HandleCallback(ctx, "tok-ok")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Equal(t, p.ID, out.PaymentID)

	stored := f.store.payment(p.ID)
	assert.Equal(t, appointment.PaymentCompleted, stored.Status)
	assert.Equal(t, "gw-42", stored.GatewayPaymentID)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, appointment.StatusPaid, f.store.appointmentStatus(d.ID))

	again, err := f.svc.Verify(ctx, f.actor(), p.ID, "tok-ok")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCompleted, again.Status)
	assert.True(t, again.Succeeded())

	assert.Equal(t, 1, f.notifier.paidCount())
	assert.Equal(t, "gw-42", f.notifier.paid[0].GatewayPaymentID)
}

func TestReconcileComparesPaidPrice(t *testing.T) {
	tests := []struct {
		name      string
		paidPrice string
		price     string
		wantOK    bool
	}{
		{"matches", "500.0", "", true},
		{"long fraction", "500.00000000", "", true},
		{"falls back to price", "", "500", true},
		{"nothing reported", "", "", true},
		{"underpaid", "250.00", "500.0", false},
		{"unreadable", "5OO", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			core, logs := observer.New(zapcore.WarnLevel)
			f.svc.log = zap.New(core)

			d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
			p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-ok")
			f.gateway.results["tok-ok"] = Success{
				PaymentID:      "gw-7",
				ConversationID: p.ID.String(),
				PaidPrice:      tt.paidPrice,
				Price:          tt.price,
				FraudStatus:    "1",
			}

			out, err := f.svc.HandleCallback(context.Background(), "tok-ok")
			require.NoError(t, err)
			assert.Equal(t, OutcomeCompleted, out.Status)
			assert.Equal(t, appointment.PaymentCompleted, f.store.payment(p.ID).Status)

			flagged := logs.FilterMessageSnippet("paid price").Len() > 0
			assert.Equal(t, !tt.wantOK, flagged)
		})
	}
}

func TestReconcileSuccessConcurrent(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-ok")
	f.gateway.results["tok-ok"] = Success{PaymentID: "gw-1", ConversationID: p.ID.String()}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.HandleCallback(context.Background(), "tok-ok")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.notifier.paidCount())
	assert.Equal(t, appointment.PaymentCompleted, f.store.payment(p.ID).Status)
}

func TestReconcileSuccessOnCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusCancelled)
	p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-late")
	f.gateway.results["tok-late"] = Success{PaymentID: "gw-9", ConversationID: p.ID.String()}

	out, err := f.svc.HandleCallback(context.Background(), "tok-late")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Equal(t, appointment.StatusCancelled, f.store.appointmentStatus(d.ID))
}

func TestReconcileFailure(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-bad")
	f.gateway.results["tok-bad"] = Failure{Code: "10051", Message: "insufficient funds", ConversationID: p.ID.String()}

	out, err := f.svc.HandleCallback(context.Background(), "tok-bad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Message, "insufficient funds")

	stored := f.store.payment(p.ID)
	assert.Equal(t, appointment.PaymentFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "insufficient funds")
	assert.Equal(t, appointment.StatusPendingPayment, f.store.appointmentStatus(d.ID))
	assert.Zero(t, f.notifier.paidCount())
}

func TestReconcileFailureNeverDowngradesCompleted(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPaid)
	p := f.store.addPayment(d, appointment.PaymentCompleted, "tok-done")
	f.gateway.results["tok-done"] = Failure{Message: "late failure", ConversationID: p.ID.String()}

	_, err := f.svc.HandleCallback(context.Background(), "tok-done")
	require.NoError(t, err)
	assert.Equal(t, appointment.PaymentCompleted, f.store.payment(p.ID).Status)
}

func TestReconcileMalformed(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-garbled")
	f.gateway.results["tok-garbled"] = Malformed{Reason: "no status field", Raw: "{}"}

	_, err := f.svc.HandleCallback(context.Background(), "tok-garbled")
	require.ErrorIs(t, err, ErrMalformedResult)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

	stored := f.store.payment(p.ID)
	assert.Equal(t, appointment.PaymentFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "no status field")
}

func TestReconcileUnresolved(t *testing.T) {
	f := newFixture(t)
	f.gateway.results["tok-orphan"] = Success{PaymentID: "gw-1", ConversationID: uuid.NewString()}

	_, err := f.svc.HandleCallback(context.Background(), "tok-orphan")
	require.ErrorIs(t, err, ErrPaymentUnresolved)
	assert.Zero(t, f.notifier.paidCount())
}

func TestReconcileFallsBackToBasketAndToken(t *testing.T) {
	f := newFixture(t)
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-basket")
	f.gateway.results["tok-basket"] = Success{PaymentID: "gw-1", BasketID: p.ID.String()}

	out, err := f.svc.HandleCallback(context.Background(), "tok-basket")
	require.NoError(t, err)
	assert.Equal(t, p.ID, out.PaymentID)

	d2 := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p2 := f.store.addPayment(d2, appointment.PaymentProcessing, "tok-bare")
	f.gateway.results["tok-bare"] = Success{PaymentID: "gw-2"}

	out, err = f.svc.HandleCallback(context.Background(), "tok-bare")
	require.NoError(t, err)
	assert.Equal(t, p2.ID, out.PaymentID)
}

func TestReconcileMissingToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleCallback(context.Background(), "  ")
	require.ErrorIs(t, err, ErrMissingToken)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	p := f.store.addPayment(d, appointment.PaymentProcessing, "tok-mine")
	f.gateway.results["tok-mine"] = Success{PaymentID: "gw-1", ConversationID: p.ID.String()}

	other := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	q := f.store.addPayment(other, appointment.PaymentProcessing, "tok-other")

	t.Run("token of another payment", func(t *testing.T) {
		_, err := f.svc.Verify(ctx, f.actor(), q.ID, "tok-mine")
		require.ErrorIs(t, err, ErrTokenMismatch)
		assert.Equal(t, appointment.PaymentProcessing, f.store.payment(p.ID).Status)
	})

	t.Run("stranger sees not found", func(t *testing.T) {
		stranger := auth.Actor{UserID: uuid.New(), Role: auth.RolePatient}
		_, err := f.svc.Verify(ctx, stranger, p.ID, "tok-mine")
		require.ErrorIs(t, err, appointment.ErrPaymentNotFound)
	})

	t.Run("staff may verify", func(t *testing.T) {
		staff := auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
		out, err := f.svc.Verify(ctx, staff, p.ID, "tok-mine")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, out.Status)
	})
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d1 := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	paid := f.store.addPayment(d1, appointment.PaymentProcessing, "tok-paid")
	f.gateway.results["tok-paid"] = Success{PaymentID: "gw-1", ConversationID: paid.ID.String()}

	d2 := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	abandoned := f.store.addPayment(d2, appointment.PaymentProcessing, "")

	d3 := f.store.addAppointment(f.patient, appointment.StatusPendingPayment)
	open := f.store.addPayment(d3, appointment.PaymentPending, "")

	n, err := f.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, appointment.PaymentCompleted, f.store.payment(paid.ID).Status)
	assert.Equal(t, appointment.StatusPaid, f.store.appointmentStatus(d1.ID))

	a := f.store.payment(abandoned.ID)
	assert.Equal(t, appointment.PaymentFailed, a.Status)
	assert.Equal(t, "checkout timed out", a.ErrorMessage)

	assert.Equal(t, appointment.PaymentPending, f.store.payment(open.ID).Status)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := f.store.addPayment(f.store.addAppointment(f.patient, appointment.StatusPendingPayment), appointment.PaymentPending, "")
	someone := appointment.User{ID: uuid.New(), Role: auth.RolePatient}
	theirs := f.store.addPayment(f.store.addAppointment(someone, appointment.StatusPendingPayment), appointment.PaymentPending, "")

	got, err := f.svc.Get(ctx, f.actor(), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	_, err = f.svc.Get(ctx, f.actor(), theirs.ID)
	require.ErrorIs(t, err, appointment.ErrPaymentNotFound)

	list, err := f.svc.List(ctx, f.actor(), 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	staff := auth.Actor{UserID: uuid.New(), Role: auth.RolePractitioner}
	all, err := f.svc.List(ctx, staff, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	for i := 0; i < db.MaxPageSize+5; i++ {
		f.store.addPayment(f.store.addAppointment(someone, appointment.StatusPendingPayment), appointment.PaymentPending, "")
	}

	unbounded, err := f.svc.List(ctx, staff, 0, 0)
	require.NoError(t, err)
	assert.Len(t, unbounded, db.MaxPageSize+7)

	capped, err := f.svc.List(ctx, staff, 1000, 0)
	require.NoError(t, err)
	assert.Len(t, capped, db.MaxPageSize)
}
