package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/auth"
)

// memStore mirrors the Postgres constraints the service relies on: the
// conditional slot claim, one live appointment per slot and inner-joined
// listings.
type memStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]User
	slots    map[uuid.UUID]TimeSlot
	appts    map[uuid.UUID]Appointment
	payments map[uuid.UUID]Payment

	releaseErr error
	seq        int
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[uuid.UUID]User{},
		slots:    map[uuid.UUID]TimeSlot{},
		appts:    map[uuid.UUID]Appointment{},
		payments: map[uuid.UUID]Payment{},
	}
}

type memSnapshot struct {
	slots    map[uuid.UUID]TimeSlot
	appts    map[uuid.UUID]Appointment
	payments map[uuid.UUID]Payment
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		slots:    make(map[uuid.UUID]TimeSlot, len(s.slots)),
		appts:    make(map[uuid.UUID]Appointment, len(s.appts)),
		payments: make(map[uuid.UUID]Payment, len(s.payments)),
	}
	for k, v := range s.slots {
		snap.slots[k] = v
	}
	for k, v := range s.appts {
		snap.appts[k] = v
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.slots = snap.slots
	s.appts = snap.appts
	s.payments = snap.payments
}

// tick gives every write a distinct, increasing timestamp.
func (s *memStore) tick() time.Time {
	s.seq++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second)
}

type memRepo struct {
	st   *memStore
	inTx bool
}

func newMemRepo() *memRepo {
	return &memRepo{st: newMemStore()}
}

func (r *memRepo) guard() func() {
	if r.inTx {
		return func() {}
	}
	r.st.mu.Lock()
	return r.st.mu.Unlock
}

func (r *memRepo) InTx(_ context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	snap := r.st.snapshot()
	if err := fn(&memRepo{st: r.st, inTx: true}); err != nil {
		r.st.restore(snap)
		return err
	}
	return nil
}

func (r *memRepo) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	defer r.guard()()
	u, ok := r.st.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *memRepo) ListAvailableSlots(context.Context) ([]TimeSlot, error) {
	defer r.guard()()
	var out []TimeSlot
	for _, s := range r.st.slots {
		if !s.IsBooked {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *memRepo) GetSlotByID(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	defer r.guard()()
	s, ok := r.st.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *memRepo) FindOverlappingSlots(_ context.Context, start, end time.Time) ([]TimeSlot, error) {
	defer r.guard()()
	var out []TimeSlot
	for _, s := range r.st.slots {
		if s.StartTime.Before(end) && s.EndTime.After(start) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) CreateSlot(_ context.Context, slot TimeSlot) (*TimeSlot, error) {
	defer r.guard()()
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	slot.CreatedAt = r.st.tick()
	slot.UpdatedAt = slot.CreatedAt
	r.st.slots[slot.ID] = slot
	return &slot, nil
}

func (r *memRepo) DeleteUnbookedSlot(_ context.Context, id uuid.UUID) error {
	defer r.guard()()
	s, ok := r.st.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	if s.IsBooked {
		return ErrSlotAlreadyBooked
	}
	delete(r.st.slots, id)
	return nil
}

func (r *memRepo) ClaimSlot(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	defer r.guard()()
	s, ok := r.st.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.IsBooked {
		return nil, ErrSlotAlreadyBooked
	}
	s.IsBooked = true
	s.UpdatedAt = r.st.tick()
	r.st.slots[id] = s
	return &s, nil
}

func (r *memRepo) ReleaseSlot(_ context.Context, id uuid.UUID) error {
	defer r.guard()()
	if r.st.releaseErr != nil {
		return r.st.releaseErr
	}
	s, ok := r.st.slots[id]
	if !ok {
		return nil
	}
	s.IsBooked = false
	r.st.slots[id] = s
	return nil
}

func (r *memRepo) CreateAppointment(_ context.Context, appt Appointment) (*Appointment, error) {
	defer r.guard()()
	if _, ok := r.st.users[appt.PatientID]; !ok {
		return nil, ErrUserNotFound
	}
	if _, ok := r.st.slots[appt.SlotID]; !ok {
		return nil, ErrUserNotFound
	}
	for _, a := range r.st.appts {
		if a.SlotID == appt.SlotID && a.Status != StatusCancelled {
			return nil, ErrSlotAlreadyBooked
		}
	}
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	appt.CreatedAt = r.st.tick()
	appt.UpdatedAt = appt.CreatedAt
	r.st.appts[appt.ID] = appt
	return &appt, nil
}

func (r *memRepo) detail(a Appointment) (*AppointmentDetail, bool) {
	slot, ok := r.st.slots[a.SlotID]
	if !ok {
		return nil, false
	}
	patient, ok := r.st.users[a.PatientID]
	if !ok {
		return nil, false
	}
	d := &AppointmentDetail{Appointment: a, Slot: slot, Patient: patient}
	if pr, ok := r.st.users[slot.PractitionerID]; ok {
		d.Practitioner = &pr
	}
	for _, p := range r.st.payments {
		if p.AppointmentID == a.ID {
			p := p
			d.Payment = &p
		}
	}
	return d, true
}

func (r *memRepo) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	defer r.guard()()
	a, ok := r.st.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	d, ok := r.detail(a)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return d, nil
}

func (r *memRepo) ListAppointments(_ context.Context, f ListFilter) ([]AppointmentDetail, error) {
	defer r.guard()()
	var out []AppointmentDetail
	for _, a := range r.st.appts {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		d, ok := r.detail(a)
		if !ok {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Slot.StartTime.Equal(out[j].Slot.StartTime) {
			return out[i].Slot.StartTime.After(out[j].Slot.StartTime)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepo) CancelAppointment(_ context.Context, id uuid.UUID, at time.Time, privileged bool) (*Appointment, error) {
	defer r.guard()()
	a, ok := r.st.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status == StatusCancelled {
		return nil, ErrAlreadyCancelled
	}
	a.Status = StatusCancelled
	a.CancelledAt = &at
	a.CancelledByPrivileged = &privileged
	a.UpdatedAt = r.st.tick()
	r.st.appts[id] = a
	return &a, nil
}

func (r *memRepo) CreatePayment(_ context.Context, p Payment) (*Payment, error) {
	defer r.guard()()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.st.tick()
	p.UpdatedAt = p.CreatedAt
	r.st.payments[p.ID] = p
	return &p, nil
}

func (r *memRepo) CancelOpenPayment(_ context.Context, appointmentID uuid.UUID) error {
	defer r.guard()()
	for id, p := range r.st.payments {
		if p.AppointmentID != appointmentID {
			continue
		}
		switch p.Status {
		case PaymentPending, PaymentProcessing, PaymentFailed:
			p.Status = PaymentCancelled
			r.st.payments[id] = p
		}
	}
	return nil
}

// test helpers

func (r *memRepo) addUser(role auth.Role) User {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	u := User{
		ID:        uuid.New(),
		Email:     uuid.NewString()[:8] + "@example.com",
		FirstName: "Test",
		LastName:  string(role),
		Role:      role,
		CreatedAt: r.st.tick(),
	}
	r.st.users[u.ID] = u
	return u
}

func (r *memRepo) addSlot(practitioner uuid.UUID, start time.Time, d time.Duration, booked bool) TimeSlot {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s := TimeSlot{
		ID:             uuid.New(),
		PractitionerID: practitioner,
		StartTime:      start,
		EndTime:        start.Add(d),
		IsBooked:       booked,
		CreatedAt:      r.st.tick(),
	}
	r.st.slots[s.ID] = s
	return s
}

func (r *memRepo) slot(id uuid.UUID) TimeSlot {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.slots[id]
}

func (r *memRepo) paymentFor(appointmentID uuid.UUID) *Payment {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, p := range r.st.payments {
		if p.AppointmentID == appointmentID {
			return &p
		}
	}
	return nil
}

func (r *memRepo) setPaymentStatus(appointmentID uuid.UUID, status PaymentStatus) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for id, p := range r.st.payments {
		if p.AppointmentID == appointmentID {
			p.Status = status
			r.st.payments[id] = p
		}
	}
}

func (r *memRepo) liveAppointments(slotID uuid.UUID) int {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	n := 0
	for _, a := range r.st.appts {
		if a.SlotID == slotID && a.Status != StatusCancelled {
			n++
		}
	}
	return n
}
