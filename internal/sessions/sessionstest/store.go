// Package sessionstest provides an in-memory session store for tests.
//
// Store implements sessions.RepositoryPort, and every transaction works on a
// copy of the state that only replaces it when fn returns nil, so aborted
// operations leave nothing behind.
package sessionstest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/sharepool/sharepool/internal/ledger"
	"github.com/sharepool/sharepool/internal/sessions"
	"github.com/sharepool/sharepool/internal/shared"
)

// ErrMirrorRejected is returned by UpsertMirror for owners set with FailMirrorFor.
var ErrMirrorRejected = errors.New("mirror rejected")

type periodKey struct {
	session uuid.UUID
	period  shared.YearMonth
}

type state struct {
	sessions      map[uuid.UUID]sessions.Session
	participants  map[uuid.UUID][]sessions.Participant
	distributions []sessions.Distribution
	periods       map[periodKey]sessions.Period
	expenses      []sessions.Expense
	allocations   map[periodKey][]sessions.Allocation
	entries       map[uuid.UUID]ledger.MirrorInput
}

func newState() *state {
	return &state{
		sessions:     map[uuid.UUID]sessions.Session{},
		participants: map[uuid.UUID][]sessions.Participant{},
		periods:      map[periodKey]sessions.Period{},
		allocations:  map[periodKey][]sessions.Allocation{},
		entries:      map[uuid.UUID]ledger.MirrorInput{},
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.participants {
		out.participants[k] = slices.Clone(v)
	}
	out.distributions = slices.Clone(s.distributions)
	for k, v := range s.periods {
		out.periods[k] = v
	}
	out.expenses = slices.Clone(s.expenses)
	for k, v := range s.allocations {
		out.allocations[k] = slices.Clone(v)
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	return out
}

// Store is an in-memory session repository.
type Store struct {
	mu        sync.Mutex
	state     *state
	failOwner map[string]bool
	conflicts int
	commits   int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState(), failOwner: map[string]bool{}}
}

// AddSession seeds a session with participants in the given order.
func (s *Store) AddSession(session sessions.Session, participants ...sessions.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.sessions[session.ID] = session
	for i := range participants {
		participants[i].SessionID = session.ID
		participants[i].Position = i
	}
	s.state.participants[session.ID] = participants
}

// SetParticipantStatus changes the status of one participant.
func (s *Store) SetParticipantStatus(sessionID uuid.UUID, userID string, status sessions.ParticipantStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.state.participants[sessionID] {
		if p.UserID == userID {
			s.state.participants[sessionID][i].Status = status
		}
	}
}

// SetDistribution seeds the configuration effective from period.
func (s *Store) SetDistribution(sessionID uuid.UUID, period shared.YearMonth, percentages map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pct := range percentages {
		s.state.distributions = append(s.state.distributions, sessions.Distribution{
			SessionID: sessionID, Period: period, ParticipantID: id, Percentage: pct,
		})
	}
}

// AddPeriod seeds a period with its expenses.
func (s *Store) AddPeriod(sessionID uuid.UUID, period shared.YearMonth, expenses ...sessions.Expense) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.periods[periodKey{sessionID, period}] = sessions.Period{SessionID: sessionID, Period: period}
	for _, e := range expenses {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.SessionID = sessionID
		e.Period = period
		s.state.expenses = append(s.state.expenses, e)
	}
}

// FailMirrorFor makes mirror upserts for owner fail.
func (s *Store) FailMirrorFor(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOwner[owner] = true
}

// InjectConflicts makes the next n period saves fail with a version conflict.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// Commits counts committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Period returns the stored period.
func (s *Store) Period(sessionID uuid.UUID, period shared.YearMonth) (sessions.Period, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.periods[periodKey{sessionID, period}]
	return p, ok
}

// Periods lists the stored months of a session in order.
func (s *Store) Periods(sessionID uuid.UUID) []shared.YearMonth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.periodsFrom(sessionID, shared.YearMonth{})
}

// Allocations returns the stored allocations of a period.
func (s *Store) Allocations(sessionID uuid.UUID, period shared.YearMonth) []sessions.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.allocations[periodKey{sessionID, period}])
}

// Expenses returns the stored expenses of a period.
func (s *Store) Expenses(sessionID uuid.UUID, period shared.YearMonth) []sessions.Expense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.periodExpenses(sessionID, period)
}

// Distributions returns every stored configuration row.
func (s *Store) Distributions(sessionID uuid.UUID) []sessions.Distribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sessions.Distribution
	for _, d := range s.state.distributions {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out
}

// Entries returns the mirrored ledger entries of one owner.
func (s *Store) Entries(owner string) []ledger.MirrorInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.MirrorInput
	for _, e := range s.state.entries {
		if e.OwnerID == owner {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b ledger.MirrorInput) int {
		return shared.MonthsBetween(b.Source.Period, a.Source.Period)
	})
	return out
}

// WithTx runs fn on a copy of the state and keeps the copy when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, sessions.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{store: s, state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	s.commits++
	return nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getSession(id)
}

func (s *Store) ListRecurringSessions(context.Context) ([]sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sessions.Session
	for _, session := range s.state.sessions {
		if session.Recurring {
			out = append(out, session)
		}
	}
	slices.SortFunc(out, func(a, b sessions.Session) int { return slices.Compare(a.ID[:], b.ID[:]) })
	return out, nil
}

func (s *Store) ListParticipants(_ context.Context, sessionID uuid.UUID) ([]sessions.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.participants[sessionID]), nil
}

func (s *Store) ListAllocations(_ context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]sessions.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.rangeAllocations(sessionID, from, to), nil
}

func (s *Store) ListExpenses(_ context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]sessions.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.rangeExpenses(sessionID, from, to), nil
}

func (st *state) rangeAllocations(sessionID uuid.UUID, from, to shared.YearMonth) []sessions.Allocation {
	var out []sessions.Allocation
	for _, period := range st.periodsFrom(sessionID, from) {
		if period.After(to) {
			break
		}
		out = append(out, st.allocations[periodKey{sessionID, period}]...)
	}
	return out
}

func (st *state) rangeExpenses(sessionID uuid.UUID, from, to shared.YearMonth) []sessions.Expense {
	var out []sessions.Expense
	for _, e := range st.expenses {
		if e.SessionID == sessionID && !e.Period.Before(from) && !e.Period.After(to) {
			out = append(out, e)
		}
	}
	return out
}

func (st *state) getSession(id uuid.UUID) (sessions.Session, error) {
	session, ok := st.sessions[id]
	if !ok {
		return sessions.Session{}, shared.NewNotFoundError("session", id.String())
	}
	return session, nil
}

func (st *state) periodsFrom(sessionID uuid.UUID, from shared.YearMonth) []shared.YearMonth {
	var out []shared.YearMonth
	for k := range st.periods {
		if k.session == sessionID && !k.period.Before(from) {
			out = append(out, k.period)
		}
	}
	slices.SortFunc(out, func(a, b shared.YearMonth) int { return shared.MonthsBetween(b, a) })
	return out
}

func (st *state) periodExpenses(sessionID uuid.UUID, period shared.YearMonth) []sessions.Expense {
	var out []sessions.Expense
	for _, e := range st.expenses {
		if e.SessionID == sessionID && e.Period == period {
			out = append(out, e)
		}
	}
	return out
}

// Tx is one open transaction of Store. It doubles as the ledger store.
type Tx struct {
	store *Store
	state *state
}

var (
	_ sessions.RepositoryPort = (*Store)(nil)
	_ sessions.TxRepository   = (*Tx)(nil)
	_ ledger.TxStore          = (*Tx)(nil)
)

func (t *Tx) GetSession(_ context.Context, id uuid.UUID) (sessions.Session, error) {
	return t.state.getSession(id)
}

func (t *Tx) ListAllocations(_ context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]sessions.Allocation, error) {
	return t.state.rangeAllocations(sessionID, from, to), nil
}

func (t *Tx) ListExpenses(_ context.Context, sessionID uuid.UUID, from, to shared.YearMonth) ([]sessions.Expense, error) {
	return t.state.rangeExpenses(sessionID, from, to), nil
}

func (t *Tx) ListParticipants(_ context.Context, sessionID uuid.UUID) ([]sessions.Participant, error) {
	return slices.Clone(t.state.participants[sessionID]), nil
}

func (t *Tx) EffectiveDistribution(_ context.Context, sessionID uuid.UUID, period shared.YearMonth) ([]sessions.Distribution, error) {
	var effective *shared.YearMonth
	for _, d := range t.state.distributions {
		if d.SessionID != sessionID || d.Period.After(period) {
			continue
		}
		if effective == nil || d.Period.After(*effective) {
			p := d.Period
			effective = &p
		}
	}
	if effective == nil {
		return nil, nil
	}
	var out []sessions.Distribution
	for _, d := range t.state.distributions {
		if d.SessionID == sessionID && d.Period == *effective {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *Tx) ReplaceDistribution(_ context.Context, sessionID uuid.UUID, from shared.YearMonth, rows []sessions.Distribution) error {
	t.state.distributions = slices.DeleteFunc(t.state.distributions, func(d sessions.Distribution) bool {
		return d.SessionID == sessionID && !d.Period.Before(from)
	})
	t.state.distributions = append(t.state.distributions, rows...)
	return nil
}

func (t *Tx) EnsurePeriod(_ context.Context, sessionID uuid.UUID, period shared.YearMonth) (bool, error) {
	key := periodKey{sessionID, period}
	if _, ok := t.state.periods[key]; ok {
		return false, nil
	}
	t.state.periods[key] = sessions.Period{SessionID: sessionID, Period: period}
	return true, nil
}

func (t *Tx) LockPeriod(_ context.Context, sessionID uuid.UUID, period shared.YearMonth) (sessions.Period, error) {
	p, ok := t.state.periods[periodKey{sessionID, period}]
	if !ok {
		return sessions.Period{}, shared.NewNotFoundError("period", sessionID.String()+"/"+period.String())
	}
	return p, nil
}

func (t *Tx) SavePeriodTotal(_ context.Context, p sessions.Period, expectedVersion int64) (sessions.Period, error) {
	key := periodKey{p.SessionID, p.Period}
	stored, ok := t.state.periods[key]
	if !ok {
		return sessions.Period{}, shared.NewNotFoundError("period", p.SessionID.String()+"/"+p.Period.String())
	}
	if t.store.conflicts > 0 || stored.Version != expectedVersion {
		if t.store.conflicts > 0 {
			t.store.conflicts--
		}
		return sessions.Period{}, shared.NewConflictError("period", p.SessionID.String()+"/"+p.Period.String(),
			fmt.Sprintf("version %d was changed by a concurrent write", expectedVersion))
	}
	stored.TotalAmount = p.TotalAmount
	stored.Version++
	t.state.periods[key] = stored
	return stored, nil
}

func (t *Tx) LatestPeriod(_ context.Context, sessionID uuid.UUID) (*shared.YearMonth, error) {
	periods := t.state.periodsFrom(sessionID, shared.YearMonth{})
	if len(periods) == 0 {
		return nil, nil
	}
	latest := periods[len(periods)-1]
	return &latest, nil
}

func (t *Tx) ListPeriodsFrom(_ context.Context, sessionID uuid.UUID, from shared.YearMonth) ([]shared.YearMonth, error) {
	return t.state.periodsFrom(sessionID, from), nil
}

func (t *Tx) DeletePeriod(_ context.Context, sessionID uuid.UUID, period shared.YearMonth) error {
	key := periodKey{sessionID, period}
	if _, ok := t.state.periods[key]; !ok {
		return shared.NewNotFoundError("period", sessionID.String()+"/"+period.String())
	}
	delete(t.state.periods, key)
	delete(t.state.allocations, key)
	t.state.expenses = slices.DeleteFunc(t.state.expenses, func(e sessions.Expense) bool {
		return e.SessionID == sessionID && e.Period == period
	})
	for id, e := range t.state.entries {
		if e.Source.SessionID == sessionID && e.Source.Period == period {
			delete(t.state.entries, id)
		}
	}
	return nil
}

func (t *Tx) ListPeriodExpenses(_ context.Context, sessionID uuid.UUID, period shared.YearMonth) ([]sessions.Expense, error) {
	return t.state.periodExpenses(sessionID, period), nil
}

func (t *Tx) GetExpense(_ context.Context, sessionID, expenseID uuid.UUID) (sessions.Expense, error) {
	for _, e := range t.state.expenses {
		if e.SessionID == sessionID && e.ID == expenseID {
			return e, nil
		}
	}
	return sessions.Expense{}, shared.NewNotFoundError("expense", expenseID.String())
}

func (t *Tx) InsertExpense(_ context.Context, e sessions.Expense) error {
	if e.CopiedFrom != nil {
		for _, existing := range t.state.expenses {
			if existing.SessionID == e.SessionID && existing.Period == e.Period &&
				existing.CopiedFrom != nil && *existing.CopiedFrom == *e.CopiedFrom {
				return nil
			}
		}
	}
	t.state.expenses = append(t.state.expenses, e)
	return nil
}

func (t *Tx) DeleteExpense(_ context.Context, sessionID, expenseID uuid.UUID) error {
	before := len(t.state.expenses)
	t.state.expenses = slices.DeleteFunc(t.state.expenses, func(e sessions.Expense) bool {
		return e.SessionID == sessionID && e.ID == expenseID
	})
	if len(t.state.expenses) == before {
		return shared.NewNotFoundError("expense", expenseID.String())
	}
	return nil
}

func (t *Tx) ReplaceAllocations(_ context.Context, sessionID uuid.UUID, period shared.YearMonth, allocs []sessions.Allocation) error {
	t.state.allocations[periodKey{sessionID, period}] = slices.Clone(allocs)
	return nil
}

func (t *Tx) Ledger() ledger.TxStore { return t }

func (t *Tx) UpsertMirror(_ context.Context, in ledger.MirrorInput) (ledger.UpsertOutcome, error) {
	if t.store.failOwner[in.OwnerID] {
		return "", ErrMirrorRejected
	}
	existing, ok := t.state.entries[in.EntryID]
	t.state.entries[in.EntryID] = in
	switch {
	case !ok:
		return ledger.OutcomeCreated, nil
	case existing.Amount.Equal(in.Amount) && existing.Category == in.Category &&
		existing.Description == in.Description && existing.Date.Equal(in.Date):
		return ledger.OutcomeSkipped, nil
	default:
		return ledger.OutcomeUpdated, nil
	}
}

func (t *Tx) PruneMirrors(_ context.Context, ref ledger.PeriodRef, keep []uuid.UUID) (int, error) {
	n := 0
	for id, e := range t.state.entries {
		if e.Source.SessionID != ref.SessionID || e.Source.Period != ref.Period {
			continue
		}
		if slices.Contains(keep, e.Source.AllocationID) {
			continue
		}
		delete(t.state.entries, id)
		n++
	}
	return n, nil
}

func (t *Tx) Savepoint(ctx context.Context, fn func(context.Context, ledger.TxStore) error) error {
	saved := make(map[uuid.UUID]ledger.MirrorInput, len(t.state.entries))
	for k, v := range t.state.entries {
		saved[k] = v
	}
	if err := fn(ctx, t); err != nil {
		t.state.entries = saved
		return err
	}
	return nil
}
