package ledger

import (
	"context"
	"errors"
	"maps"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharepool/sharepool/internal/shared"
)

type fakeStore struct {
	entries   map[uuid.UUID]MirrorInput
	failOwner string
	failPrune bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[uuid.UUID]MirrorInput{}}
}

func (s *fakeStore) UpsertMirror(_ context.Context, in MirrorInput) (UpsertOutcome, error) {
	// Write first so a failing savepoint has something to roll back.
	prev, ok := s.entries[in.EntryID]
	s.entries[in.EntryID] = in
	if in.OwnerID == s.failOwner {
		return "", errors.New("owner ledger unavailable")
	}
	switch {
	case !ok:
		return OutcomeCreated, nil
	case prev.Amount.Equal(in.Amount) && prev.Category == in.Category && prev.Description == in.Description && prev.Date.Equal(in.Date):
		return OutcomeSkipped, nil
	}
	return OutcomeUpdated, nil
}

func (s *fakeStore) PruneMirrors(_ context.Context, ref PeriodRef, keep []uuid.UUID) (int, error) {
	if s.failPrune {
		return 0, errors.New("prune failed")
	}
	kept := map[uuid.UUID]bool{}
	for _, id := range keep {
		kept[id] = true
	}
	n := 0
	for id, e := range s.entries {
		if e.Source.SessionID == ref.SessionID && e.Source.Period == ref.Period && !kept[e.Source.AllocationID] {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Savepoint(ctx context.Context, fn func(context.Context, TxStore) error) error {
	snapshot := maps.Clone(s.entries)
	if err := fn(ctx, s); err != nil {
		s.entries = snapshot
		return err
	}
	return nil
}

func mirrorInputs(ref PeriodRef, amounts map[string]string) []MirrorInput {
	var out []MirrorInput
	for _, owner := range []string{"ana", "bo", "cy"} {
		amount, ok := amounts[owner]
		if !ok {
			continue
		}
		allocationID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(ref.SessionID.String()+ref.Period.String()+owner))
		out = append(out, MirrorInput{
			EntryID:     MirrorEntryID(allocationID),
			OwnerID:     owner,
			Amount:      decimal.RequireFromString(amount),
			Category:    "shared",
			Description: "Flat share " + ref.Period.String(),
			Date:        ref.Period.LastDay(),
			Source:      MirrorSource{SessionID: ref.SessionID, Period: ref.Period, AllocationID: allocationID},
		})
	}
	return out
}

func testRef() PeriodRef {
	return PeriodRef{SessionID: uuid.MustParse("0b7d8f0e-1111-4c3a-9d55-5e2f9a6c1a01"), Period: shared.NewYearMonth(2025, time.March)}
}

func TestMirrorEntryIDIsStable(t *testing.T) {
	allocationID := uuid.New()
	assert.Equal(t, MirrorEntryID(allocationID), MirrorEntryID(allocationID))
	assert.NotEqual(t, MirrorEntryID(allocationID), MirrorEntryID(uuid.New()))
}

func TestMirrorApplyCreatesThenSkips(t *testing.T) {
	store := newFakeStore()
	ref := testRef()
	inputs := mirrorInputs(ref, map[string]string{"ana": "102.00", "bo": "99.00", "cy": "99.00"})
	m := NewMirror(nil)

	first := m.Apply(context.Background(), store, ref, inputs)
	assert.Equal(t, 3, first.Created)
	assert.Zero(t, first.Failed)

	second := m.Apply(context.Background(), store, ref, inputs)
	assert.Equal(t, 3, second.Skipped)
	assert.Zero(t, second.Created)
	assert.Zero(t, second.Updated)
	assert.Len(t, store.entries, 3)
}

func TestMirrorApplyUpdatesChangedAmounts(t *testing.T) {
	store := newFakeStore()
	ref := testRef()
	m := NewMirror(nil)
	m.Apply(context.Background(), store, ref, mirrorInputs(ref, map[string]string{"ana": "50.00", "bo": "50.00"}))

	summary := m.Apply(context.Background(), store, ref, mirrorInputs(ref, map[string]string{"ana": "60.00", "bo": "50.00"}))
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, store.entries, 2)
}

func TestMirrorApplyCountsFailuresWithoutAborting(t *testing.T) {
	store := newFakeStore()
	store.failOwner = "bo"
	ref := testRef()

	summary := NewMirror(nil).Apply(context.Background(), store, ref, mirrorInputs(ref, map[string]string{"ana": "10.00", "bo": "10.00", "cy": "10.00"}))
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "bo", summary.Errors[0].OwnerID)
	assert.ErrorIs(t, summary.Errors[0], shared.ErrSync)
	// The failed write was rolled back to its savepoint.
	assert.Len(t, store.entries, 2)
}

func TestMirrorApplyPrunesRemovedAllocations(t *testing.T) {
	store := newFakeStore()
	ref := testRef()
	m := NewMirror(nil)
	m.Apply(context.Background(), store, ref, mirrorInputs(ref, map[string]string{"ana": "10.00", "bo": "10.00", "cy": "10.00"}))

	summary := m.Apply(context.Background(), store, ref, mirrorInputs(ref, map[string]string{"ana": "15.00", "cy": "15.00"}))
	assert.Equal(t, 1, summary.Pruned)
	assert.Len(t, store.entries, 2)
	for _, e := range store.entries {
		assert.NotEqual(t, "bo", e.OwnerID)
	}
}

func TestMirrorApplyKeepsOtherPeriods(t *testing.T) {
	store := newFakeStore()
	march := testRef()
	april := PeriodRef{SessionID: march.SessionID, Period: march.Period.Next()}
	m := NewMirror(nil)
	m.Apply(context.Background(), store, march, mirrorInputs(march, map[string]string{"ana": "10.00"}))
	m.Apply(context.Background(), store, april, mirrorInputs(april, map[string]string{"ana": "10.00"}))

	summary := m.Apply(context.Background(), store, april, nil)
	assert.Equal(t, 1, summary.Pruned)
	assert.Len(t, store.entries, 1)
}

func TestMirrorApplyOneEntryPerAllocation(t *testing.T) {
	store := newFakeStore()
	ref := testRef()
	m := NewMirror(nil)
	for i := 0; i < 5; i++ {
		m.Apply(context.Background(), store, ref, mirrorInputs(ref, map[string]string{"ana": "10.00", "bo": "20.00"}))
	}
	seen := map[string]int{}
	for _, e := range store.entries {
		seen[e.OwnerID+"/"+e.Source.AllocationID.String()]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}
	assert.Len(t, seen, 2)
}

func TestMirrorApplyRecordsPruneFailure(t *testing.T) {
	store := newFakeStore()
	store.failPrune = true
	ref := testRef()

	summary := NewMirror(nil).Apply(context.Background(), store, ref, mirrorInputs(ref, map[string]string{"ana": "10.00"}))
	assert.Equal(t, 1, summary.Created)
	assert.Error(t, summary.PruneError)
}
