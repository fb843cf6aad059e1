package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/apperr"
	"github.com/hackgods/clinic-appointments/internal/auth"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/money"
	"github.com/hackgods/clinic-appointments/internal/notify"
	"github.com/hackgods/clinic-appointments/internal/pricing"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
)

type passLocker struct{}

func (passLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithSlotLock(context.Context, uuid.UUID, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

// hourlyPricer charges 500.00 per hour.
type hourlyPricer struct{}

func (hourlyPricer) CalculatePrice(_ context.Context, w *pricing.Window) money.Amount {
	if w == nil {
		return money.FromMajor(500, 0)
	}
	return money.FromMajor(500, 0).MulRatio(int64(w.Duration().Seconds()), 3600)
}

type cancelNote struct {
	ev         notify.AppointmentEvent
	privileged bool
}

type recordingNotifier struct {
	mu        sync.Mutex
	created   []notify.AppointmentEvent
	cancelled []cancelNote
	paid      []notify.PaymentEvent
}

func (n *recordingNotifier) NotifyCreated(_ context.Context, ev notify.AppointmentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, ev)
}

func (n *recordingNotifier) NotifyCancelled(_ context.Context, ev notify.AppointmentEvent, privileged bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, cancelNote{ev, privileged})
}

func (n *recordingNotifier) NotifyPaymentCompleted(_ context.Context, ev notify.PaymentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, ev)
}

var clinicNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	repo         *memRepo
	notes        *recordingNotifier
	svc          *Service
	practitioner User
	patient      User
	patientActor auth.Actor
	staffActor   auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	notes := &recordingNotifier{}
	svc := NewService(repo, passLocker{}, hourlyPricer{}, notes, config.Config{Currency: "TRY"}, zap.NewNop())
	svc.now = func() time.Time { return clinicNow }

	f := &fixture{repo: repo, notes: notes, svc: svc}
	f.practitioner = repo.addUser(auth.RolePractitioner)
	f.patient = repo.addUser(auth.RolePatient)
	f.patientActor = auth.Actor{UserID: f.patient.ID, Role: auth.RolePatient}
	f.staffActor = auth.Actor{UserID: f.practitioner.ID, Role: auth.RolePractitioner}
	return f
}

func (f *fixture) futureSlot(d time.Duration) TimeSlot {
	return f.repo.addSlot(f.practitioner.ID, clinicNow.Add(48*time.Hour), d, false)
}

func TestBookSlot(t *testing.T) {
	f := newFixture(t)
	slot := f.futureSlot(90 * time.Minute)

	got, err := f.svc.BookSlot(context.Background(), f.patientActor, BookInput{SlotID: slot.ID, Notes: "  first visit "})
	require.NoError(t, err)

	assert.Equal(t, StatusPendingPayment, got.Status)
	assert.Equal(t, f.patient.ID, got.PatientID)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "first visit", *got.Notes)
	assert.True(t, f.repo.slot(slot.ID).IsBooked)

	require.NotNil(t, got.Payment)
	assert.Equal(t, PaymentPending, got.Payment.Status)
	assert.Equal(t, money.FromMajor(750, 0), got.Payment.Amount)
	assert.Equal(t, "TRY", got.Payment.Currency)

	require.Len(t, f.notes.created, 1)
	assert.Equal(t, got.ID, f.notes.created[0].AppointmentID)
	assert.Equal(t, f.patient.Email, f.notes.created[0].PatientEmail)
}

func TestBookSlotRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.futureSlot(time.Hour)
	taken := f.repo.addSlot(f.practitioner.ID, clinicNow.Add(72*time.Hour), time.Hour, true)

	t.Run("staff cannot book", func(t *testing.T) {
		_, err := f.svc.BookSlot(ctx, f.staffActor, BookInput{SlotID: open.ID})
		assert.ErrorIs(t, err, ErrStaffCannotBook)
		assert.Equal(t, apperr.KindPermission, apperr.KindOf(err))

		admin := auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin}
		_, err = f.svc.BookSlot(ctx, admin, BookInput{SlotID: open.ID})
		assert.ErrorIs(t, err, ErrStaffCannotBook)
	})

	t.Run("missing slot", func(t *testing.T) {
		_, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: uuid.New()})
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})

	t.Run("already booked", func(t *testing.T) {
		_, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: taken.ID})
		assert.ErrorIs(t, err, ErrSlotAlreadyBooked)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	})

	t.Run("lock held elsewhere", func(t *testing.T) {
		svc := NewService(f.repo, busyLocker{}, hourlyPricer{}, f.notes, config.Config{Currency: "TRY"}, zap.NewNop())
		_, err := svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: open.ID})
		assert.ErrorIs(t, err, ErrSlotBeingBooked)
		assert.False(t, f.repo.slot(open.ID).IsBooked)
	})

	t.Run("token for a removed account", func(t *testing.T) {
		ghost := auth.Actor{UserID: uuid.New(), Role: auth.RolePatient}
		_, err := f.svc.BookSlot(ctx, ghost, BookInput{SlotID: open.ID})
		assert.ErrorIs(t, err, ErrUnknownAccount)
		assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
		assert.False(t, f.repo.slot(open.ID).IsBooked)
	})

	assert.Empty(t, f.notes.created)
}

func TestBookSlotConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	slot := f.futureSlot(time.Hour)

	const contenders = 25
	patients := make([]auth.Actor, contenders)
	for i := range patients {
		u := f.repo.addUser(auth.RolePatient)
		patients[i] = auth.Actor{UserID: u.ID, Role: auth.RolePatient}
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	start := make(chan struct{})
	for i := range patients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.BookSlot(context.Background(), patients[i], BookInput{SlotID: slot.ID})
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrSlotAlreadyBooked)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.repo.liveAppointments(slot.ID))
	assert.Len(t, f.notes.created, 1)
}

func TestCancelFutureAppointmentReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.futureSlot(time.Hour)

	booked, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: slot.ID})
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, f.patientActor, booked.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledByPrivileged)
	assert.False(t, *got.CancelledByPrivileged)
	assert.False(t, f.repo.slot(slot.ID).IsBooked)
	assert.Equal(t, PaymentCancelled, f.repo.paymentFor(booked.ID).Status)

	require.Len(t, f.notes.cancelled, 1)
	assert.False(t, f.notes.cancelled[0].privileged)

	// the slot can be booked again by someone else
	other := f.repo.addUser(auth.RolePatient)
	_, err = f.svc.BookSlot(ctx, auth.Actor{UserID: other.ID, Role: auth.RolePatient}, BookInput{SlotID: slot.ID})
	require.NoError(t, err)
}

func TestCancelPastAppointmentKeepsSlotBooked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.futureSlot(time.Hour)

	booked, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: slot.ID})
	require.NoError(t, err)

	// the session has already started by the time staff cancel it
	f.svc.now = func() time.Time { return slot.StartTime.Add(10 * time.Minute) }

	got, err := f.svc.Cancel(ctx, f.staffActor, booked.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, f.repo.slot(slot.ID).IsBooked)

	require.Len(t, f.notes.cancelled, 1)
	assert.True(t, f.notes.cancelled[0].privileged)

	other := f.repo.addUser(auth.RolePatient)
	_, err = f.svc.BookSlot(ctx, auth.Actor{UserID: other.ID, Role: auth.RolePatient}, BookInput{SlotID: slot.ID})
	assert.ErrorIs(t, err, ErrSlotAlreadyBooked)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	booked, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: f.futureSlot(time.Hour).ID})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, f.patientActor, booked.ID)
	require.NoError(t, err)
	again, err := f.svc.Cancel(ctx, f.patientActor, booked.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, again.Status)
	assert.Len(t, f.notes.cancelled, 1)
}

func TestCancelVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	booked, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: f.futureSlot(time.Hour).ID})
	require.NoError(t, err)

	stranger := f.repo.addUser(auth.RolePatient)
	_, err = f.svc.Cancel(ctx, auth.Actor{UserID: stranger.ID, Role: auth.RolePatient}, booked.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.Cancel(ctx, f.patientActor, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCancelKeepsSettledPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	booked, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: f.futureSlot(time.Hour).ID})
	require.NoError(t, err)
	f.repo.setPaymentStatus(booked.ID, PaymentCompleted)

	_, err = f.svc.Cancel(ctx, f.staffActor, booked.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, f.repo.paymentFor(booked.ID).Status)
}

func TestCancelSurvivesSlotReleaseFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.futureSlot(time.Hour)
	booked, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: slot.ID})
	require.NoError(t, err)

	f.repo.st.releaseErr = errors.New("connection reset")

	got, err := f.svc.Cancel(ctx, f.patientActor, booked.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, f.repo.slot(slot.ID).IsBooked)
	assert.Len(t, f.notes.cancelled, 1)
}

func TestCreateSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSlot(ctx, f.staffActor, CreateSlotInput{
		StartTime: "2026-04-01T10:00:00Z",
		EndTime:   "2026-04-01T11:00:00Z",
	})
	require.NoError(t, err)
	assert.False(t, first.IsBooked)
	assert.Equal(t, f.practitioner.ID, first.PractitionerID)

	tests := []struct {
		name  string
		actor auth.Actor
		in    CreateSlotInput
		want  error
	}{
		{"patient forbidden", f.patientActor, CreateSlotInput{"2026-04-02T10:00:00Z", "2026-04-02T11:00:00Z"}, ErrSlotManageForbidden},
		{"missing start", f.staffActor, CreateSlotInput{"", "2026-04-02T11:00:00Z"}, ErrInvalidSlotTime},
		{"garbage end", f.staffActor, CreateSlotInput{"2026-04-02T10:00:00Z", "tomorrow"}, ErrInvalidSlotTime},
		{"end before start", f.staffActor, CreateSlotInput{"2026-04-02T11:00:00Z", "2026-04-02T10:00:00Z"}, ErrInvalidSlotRange},
		{"zero length", f.staffActor, CreateSlotInput{"2026-04-02T11:00:00Z", "2026-04-02T11:00:00Z"}, ErrInvalidSlotRange},
		{"overlaps start", f.staffActor, CreateSlotInput{"2026-04-01T09:30:00Z", "2026-04-01T10:30:00Z"}, ErrSlotOverlap},
		{"contained", f.staffActor, CreateSlotInput{"2026-04-01T10:15:00Z", "2026-04-01T10:45:00Z"}, ErrSlotOverlap},
		{"offset timezone overlap", f.staffActor, CreateSlotInput{"2026-04-01T13:30:00+03:00", "2026-04-01T14:30:00+03:00"}, ErrSlotOverlap},
		{"removed practitioner", auth.Actor{UserID: uuid.New(), Role: auth.RolePractitioner}, CreateSlotInput{"2026-04-03T10:00:00Z", "2026-04-03T11:00:00Z"}, ErrUnknownAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSlot(ctx, tt.actor, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("back to back is allowed", func(t *testing.T) {
		_, err := f.svc.CreateSlot(ctx, f.staffActor, CreateSlotInput{"2026-04-01T11:00:00Z", "2026-04-01T12:00:00Z"})
		require.NoError(t, err)
		_, err = f.svc.CreateSlot(ctx, f.staffActor, CreateSlotInput{"2026-04-01T09:00:00Z", "2026-04-01T10:00:00Z"})
		require.NoError(t, err)
	})

	t.Run("booked slots still block", func(t *testing.T) {
		start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		f.repo.addSlot(f.practitioner.ID, start, time.Hour, true)
		_, err := f.svc.CreateSlot(ctx, f.staffActor, CreateSlotInput{"2026-05-01T10:30:00Z", "2026-05-01T11:30:00Z"})
		assert.ErrorIs(t, err, ErrSlotOverlap)
	})
}

func TestListAvailable(t *testing.T) {
	f := newFixture(t)
	later := f.repo.addSlot(f.practitioner.ID, clinicNow.Add(5*time.Hour), time.Hour, false)
	earlier := f.repo.addSlot(f.practitioner.ID, clinicNow.Add(2*time.Hour), time.Hour, false)
	f.repo.addSlot(f.practitioner.ID, clinicNow.Add(3*time.Hour), time.Hour, true)

	got, err := f.svc.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, earlier.ID, got[0].ID)
	assert.Equal(t, later.ID, got[1].ID)
}

func TestListVisibilityAndDanglingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: f.futureSlot(time.Hour).ID})
	require.NoError(t, err)

	other := f.repo.addUser(auth.RolePatient)
	otherActor := auth.Actor{UserID: other.ID, Role: auth.RolePatient}
	_, err = f.svc.BookSlot(ctx, otherActor, BookInput{
		SlotID: f.repo.addSlot(f.practitioner.ID, clinicNow.Add(96*time.Hour), time.Hour, false).ID,
	})
	require.NoError(t, err)

	// an appointment whose slot no longer resolves
	f.repo.st.mu.Lock()
	dangling := Appointment{ID: uuid.New(), PatientID: f.patient.ID, SlotID: uuid.New(), Status: StatusPendingPayment}
	f.repo.st.appts[dangling.ID] = dangling
	f.repo.st.mu.Unlock()

	own, err := f.svc.List(ctx, f.patientActor, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)

	all, err := f.svc.List(ctx, f.staffActor, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	paid, err := f.svc.List(ctx, f.staffActor, string(StatusPaid), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, paid)

	_, err = f.svc.List(ctx, f.staffActor, "archived", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidStatusFilter)

	_, err = f.svc.Get(ctx, f.patientActor, dangling.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	_, err = f.svc.Get(ctx, otherActor, mine.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	got, err := f.svc.Get(ctx, f.staffActor, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)
}

func TestListPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	total := db.MaxPageSize + 10
	for i := 0; i < total; i++ {
		slot := f.repo.addSlot(f.practitioner.ID, clinicNow.Add(time.Duration(48+i)*time.Hour), time.Hour, false)
		_, err := f.svc.BookSlot(ctx, f.patientActor, BookInput{SlotID: slot.ID})
		require.NoError(t, err)
	}

	all, err := f.svc.List(ctx, f.staffActor, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, total)

	capped, err := f.svc.List(ctx, f.staffActor, "", 1000, 0)
	require.NoError(t, err)
	assert.Len(t, capped, db.MaxPageSize)

	tail, err := f.svc.List(ctx, f.patientActor, "", 5, total-3)
	require.NoError(t, err)
	assert.Len(t, tail, 3)
}

func TestDeleteSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.futureSlot(time.Hour)
	taken := f.repo.addSlot(f.practitioner.ID, clinicNow.Add(100*time.Hour), time.Hour, true)

	assert.ErrorIs(t, f.svc.DeleteSlot(ctx, f.patientActor, open.ID), ErrSlotManageForbidden)
	assert.ErrorIs(t, f.svc.DeleteSlot(ctx, f.staffActor, taken.ID), ErrSlotAlreadyBooked)
	assert.ErrorIs(t, f.svc.DeleteSlot(ctx, f.staffActor, uuid.New()), ErrSlotNotFound)
	require.NoError(t, f.svc.DeleteSlot(ctx, f.staffActor, open.ID))
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2026-04-01T10:00:00Z", time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), true},
		{"2026-04-01T13:00:00+03:00", time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), true},
		{"2026-04-01T10:00:00.250Z", time.Date(2026, 4, 1, 10, 0, 0, 250_000_000, time.UTC), true},
		{"2026-04-01T10:00", time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"01/04/2026", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTimestamp(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
