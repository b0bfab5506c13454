package budget

import (
	"sync"
	"time"
)

// UserBudget is the per-(user, month) spend record.
type UserBudget struct {
	UserID     string
	PeriodKey  string // YYYY-MM
	SpendUnits float64
	CapUnits   float64
	UpdatedAt  time.Time
}

// Reservation is an optimistic hold against a UserBudget, created on
// admission and resolved (Commit or Refund) after the request completes.
type Reservation struct {
	ID            string
	UserID        string
	Route         string
	EstimatedCost float64
	ActualCost    float64
	Status        string // "reserved", "committed", "refunded"
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

type budgetError string

func (e budgetError) Error() string { return string(e) }

const (
	ErrBudgetExceeded      budgetError = "BUDGET_EXCEEDED"
	ErrReservationNotFound budgetError = "reservation not found"
	ErrReservationResolved budgetError = "reservation already resolved"
)

// userState is the mutable per-user ledger, guarded by its own lock so
// reservation and commit for one user happen within the same critical
// section.
type userState struct {
	mu           sync.Mutex
	budget       UserBudget
	reservations map[string]*Reservation
}

// Ledger tracks every user's monthly budget and in-flight reservations.
type Ledger struct {
	mu    sync.Mutex
	users map[string]*userState
	now   func() time.Time
}

// NewLedger creates an empty ledger. A new user's cap_units is seeded from
// the defaultCap passed to the first Reserve or Snapshot for that user.
func NewLedger() *Ledger {
	return &Ledger{
		users: make(map[string]*userState),
		now:   time.Now,
	}
}

func periodKey(t time.Time) string { return t.Format("2006-01") }

func (l *Ledger) stateFor(userID string, defaultCap float64) *userState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.users[userID]
	if !ok {
		s = &userState{
			budget:       UserBudget{UserID: userID, PeriodKey: periodKey(l.now()), CapUnits: defaultCap, UpdatedAt: l.now()},
			reservations: make(map[string]*Reservation),
		}
		l.users[userID] = s
	}
	return s
}

// rolloverLocked resets spend when the stored period differs from the
// current one. Caller must hold s.mu.
func (l *Ledger) rolloverLocked(s *userState) {
	current := periodKey(l.now())
	if s.budget.PeriodKey != current {
		s.budget.PeriodKey = current
		s.budget.SpendUnits = 0
		s.budget.UpdatedAt = l.now()
	}
}

// Reserve holds est_cost against the user's budget and admits the request
// while spend_units is below cap_units. A single in-flight reservation may
// push spend past the cap by at most its own est_cost; the next one fails.
func (l *Ledger) Reserve(reservationID, userID, route string, estCost, defaultCap float64) (*Reservation, error) {
	s := l.stateFor(userID, defaultCap)
	s.mu.Lock()
	defer s.mu.Unlock()

	l.rolloverLocked(s)

	if s.budget.SpendUnits >= s.budget.CapUnits {
		return nil, ErrBudgetExceeded
	}

	r := &Reservation{
		ID:            reservationID,
		UserID:        userID,
		Route:         route,
		EstimatedCost: estCost,
		Status:        "reserved",
		CreatedAt:     l.now(),
	}
	s.reservations[reservationID] = r
	s.budget.SpendUnits += estCost
	s.budget.UpdatedAt = l.now()
	return r, nil
}

// Commit reconciles a reservation with the actual cost observed after
// execution: the estimate is backed out and the actual cost applied.
func (l *Ledger) Commit(userID, reservationID string, actualCost float64) (*UserBudget, error) {
	l.mu.Lock()
	s, ok := l.users[userID]
	l.mu.Unlock()
	if !ok {
		return nil, ErrReservationNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if r.Status != "reserved" {
		return nil, ErrReservationResolved
	}

	l.rolloverLocked(s)

	s.budget.SpendUnits += actualCost - r.EstimatedCost
	if s.budget.SpendUnits < 0 {
		s.budget.SpendUnits = 0
	}
	s.budget.UpdatedAt = l.now()

	now := l.now()
	r.ActualCost = actualCost
	r.Status = "committed"
	r.ResolvedAt = &now

	budgetCopy := s.budget
	return &budgetCopy, nil
}

// Refund cancels a reservation without charging the user (e.g. a cancelled
// request: cancellation never updates the bandit and never commits).
func (l *Ledger) Refund(userID, reservationID string) error {
	l.mu.Lock()
	s, ok := l.users[userID]
	l.mu.Unlock()
	if !ok {
		return ErrReservationNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.Status != "reserved" {
		return ErrReservationResolved
	}

	s.budget.SpendUnits -= r.EstimatedCost
	if s.budget.SpendUnits < 0 {
		s.budget.SpendUnits = 0
	}
	s.budget.UpdatedAt = l.now()

	now := l.now()
	r.Status = "refunded"
	r.ResolvedAt = &now
	return nil
}

// Snapshot returns a copy of the user's current budget state.
func (l *Ledger) Snapshot(userID string, defaultCap float64) UserBudget {
	s := l.stateFor(userID, defaultCap)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.rolloverLocked(s)
	return s.budget
}
