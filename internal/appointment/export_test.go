package appointment

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/auth"
)

// MemRepo lets the external flow tests drive the in-memory repository.
type MemRepo = memRepo

func NewMemRepo() *MemRepo { return newMemRepo() }

func SetClock(s *Service, now func() time.Time) { s.now = now }

func (r *memRepo) AddUser(role auth.Role) User { return r.addUser(role) }

func (r *memRepo) AddSlot(practitioner uuid.UUID, start time.Time, d time.Duration) TimeSlot {
	return r.addSlot(practitioner, start, d, false)
}

func (r *memRepo) Slot(id uuid.UUID) TimeSlot { return r.slot(id) }

// Payments returns the payments matching keep, oldest first.
func (r *memRepo) Payments(keep func(Payment) bool) []Payment {
	defer r.guard()()
	var out []Payment
	for _, p := range r.st.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdatePayment applies fn to one payment and stores it when fn reports a change.
func (r *memRepo) UpdatePayment(id uuid.UUID, fn func(p *Payment) bool) (Payment, bool) {
	defer r.guard()()
	p, ok := r.st.payments[id]
	if !ok {
		return Payment{}, false
	}
	if fn(&p) {
		p.UpdatedAt = r.st.tick()
		r.st.payments[id] = p
	}
	return p, true
}

// UpdateAppointment applies fn to one appointment and reports whether it changed.
func (r *memRepo) UpdateAppointment(id uuid.UUID, fn func(a *Appointment) bool) bool {
	defer r.guard()()
	a, ok := r.st.appts[id]
	if !ok || !fn(&a) {
		return false
	}
	a.UpdatedAt = r.st.tick()
	r.st.appts[id] = a
	return true
}
