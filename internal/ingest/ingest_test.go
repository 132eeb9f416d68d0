package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/feed"
	"github.com/ignite/battlescope/internal/killmail"
)

type step struct {
	ev     domain.KillmailEvent
	err    error
	cancel bool
}

type fakeSource struct {
	steps  []step
	cancel context.CancelFunc
	calls  int
	closed bool
}

func (s *fakeSource) Next(ctx context.Context) (domain.KillmailEvent, error) {
	s.calls++
	if len(s.steps) == 0 {
		s.cancel()
		return domain.KillmailEvent{}, ctx.Err()
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.cancel {
		s.cancel()
	}
	return st.ev, st.err
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeStore struct {
	stored      map[int64]domain.KillmailEvent
	loseRace    map[int64]bool
	existsErr   error
	flaky       int
	existsCalls int
	canceledCtx bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{stored: map[int64]domain.KillmailEvent{}, loseRace: map[int64]bool{}}
}

func (s *fakeStore) Exists(ctx context.Context, id int64) (bool, error) {
	s.existsCalls++
	if s.flaky > 0 {
		s.flaky--
		return false, errors.New("connection reset")
	}
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.stored[id]
	return ok, nil
}

func (s *fakeStore) InsertAccepted(ctx context.Context, ev domain.KillmailEvent) (bool, error) {
	if ctx.Err() != nil {
		s.canceledCtx = true
		return false, ctx.Err()
	}
	if s.loseRace[ev.KillmailID] {
		return false, nil
	}
	s.stored[ev.KillmailID] = ev
	return true, nil
}

func (s *fakeStore) ExistingIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	for _, id := range ids {
		if _, ok := s.stored[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

type fakeRules struct {
	rs  domain.Ruleset
	err error
}

func (r fakeRules) Get(context.Context) (domain.Ruleset, error) { return r.rs, r.err }

type fakeQueue struct {
	ids []int64
	err error
}

func (q *fakeQueue) Enqueue(ctx context.Context, id int64) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	q.ids = append(q.ids, id)
	return true, nil
}

func event(id int64, attackers int) domain.KillmailEvent {
	ev := domain.KillmailEvent{
		KillmailID: id,
		SystemID:   30000142,
		OccurredAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	for i := 0; i < attackers; i++ {
		ev.AttackerAllianceIDs = append(ev.AttackerAllianceIDs, 99)
		ev.AttackerCorpIDs = append(ev.AttackerCorpIDs, 98)
		ev.AttackerCharacterIDs = append(ev.AttackerCharacterIDs, int64(1000+i))
	}
	return ev
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		store, q := newFakeStore(), &fakeQueue{}
		loop := NewLoop(nil, store, fakeRules{rs: domain.DefaultRuleset()}, q)

		out, err := loop.Handle(ctx, event(1, 1))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, out)
		assert.Contains(t, store.stored, int64(1))
		assert.Equal(t, []int64{1}, q.ids)
	})

	t.Run("duplicate", func(t *testing.T) {
		store, q := newFakeStore(), &fakeQueue{}
		store.stored[1] = event(1, 1)
		loop := NewLoop(nil, store, fakeRules{rs: domain.DefaultRuleset()}, q)

		out, err := loop.Handle(ctx, event(1, 1))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, out)
		assert.Empty(t, q.ids)
	})

	t.Run("lost insert race is a duplicate", func(t *testing.T) {
		store, q := newFakeStore(), &fakeQueue{}
		store.loseRace[1] = true
		loop := NewLoop(nil, store, fakeRules{rs: domain.DefaultRuleset()}, q)

		out, err := loop.Handle(ctx, event(1, 1))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, out)
		assert.Empty(t, q.ids)
	})

	t.Run("rejected is not persisted", func(t *testing.T) {
		store, q := newFakeStore(), &fakeQueue{}
		loop := NewLoop(nil, store, fakeRules{rs: domain.Ruleset{MinPilots: 5}}, q)

		out, err := loop.Handle(ctx, event(1, 2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, out)
		assert.Empty(t, store.stored)
		assert.Empty(t, q.ids)
	})

	t.Run("enqueue failure keeps the event", func(t *testing.T) {
		store := newFakeStore()
		loop := NewLoop(nil, store, fakeRules{rs: domain.DefaultRuleset()}, &fakeQueue{err: errors.New("redis down")})

		out, err := loop.Handle(ctx, event(1, 1))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, out)
		assert.Contains(t, store.stored, int64(1))
	})

	t.Run("store and ruleset errors", func(t *testing.T) {
		store := newFakeStore()
		store.existsErr = errors.New("db down")
		loop := NewLoop(nil, store, fakeRules{rs: domain.DefaultRuleset()}, &fakeQueue{})
		_, err := loop.Handle(ctx, event(1, 1))
		assert.Error(t, err)

		loop = NewLoop(nil, newFakeStore(), fakeRules{err: errors.New("no ruleset")}, &fakeQueue{})
		_, err = loop.Handle(ctx, event(1, 1))
		assert.Error(t, err)
	})
}

func TestRunForever(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{cancel: cancel, steps: []step{
		{ev: event(1, 1)},
		{err: feed.ErrNoEvent},
		{err: errors.New("upstream 502")},
		{ev: event(1, 1)},
		// Cancellation arrives while this event is in flight.
		{ev: event(2, 1), cancel: true},
	}}
	store, q := newFakeStore(), &fakeQueue{}
	loop := NewLoop(source, store, fakeRules{rs: domain.DefaultRuleset()}, q)

	done := make(chan error, 1)
	go func() { done <- loop.RunForever(ctx, time.Millisecond) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}

	assert.Equal(t, 5, source.calls)
	assert.True(t, source.closed)
	assert.False(t, store.canceledCtx)
	assert.Contains(t, store.stored, int64(2))
	assert.Equal(t, []int64{1, 2}, q.ids)
}

func runUntilDrained(t *testing.T, ctx context.Context, loop *Loop) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- loop.RunForever(ctx, time.Millisecond) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestRunForever_RetriesTransientStoreErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{cancel: cancel, steps: []step{{ev: event(1, 1)}}}
	store, q := newFakeStore(), &fakeQueue{}
	store.flaky = 2
	loop := NewLoop(source, store, fakeRules{rs: domain.DefaultRuleset()}, q)
	loop.retryDelay = time.Millisecond

	runUntilDrained(t, ctx, loop)

	assert.Equal(t, 3, store.existsCalls)
	assert.Contains(t, store.stored, int64(1))
	assert.Equal(t, []int64{1}, q.ids)
}

func TestRunForever_GivesUpAfterBoundedAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{cancel: cancel, steps: []step{{ev: event(1, 1)}, {ev: event(2, 1)}}}
	store, q := newFakeStore(), &fakeQueue{}
	store.existsErr = errors.New("db down")
	loop := NewLoop(source, store, fakeRules{rs: domain.DefaultRuleset()}, q)
	loop.retryDelay = time.Millisecond

	runUntilDrained(t, ctx, loop)

	assert.Equal(t, 2*handleAttempts, store.existsCalls)
	assert.Empty(t, store.stored)
	assert.Equal(t, 3, source.calls)
}

func TestHandle_PushedRuleset(t *testing.T) {
	ctx := context.Background()
	strict := domain.Ruleset{MinPilots: 10, Version: 5}

	t.Run("newer pushed version wins", func(t *testing.T) {
		loop := NewLoop(nil, newFakeStore(), fakeRules{rs: domain.Ruleset{MinPilots: 1, Version: 3}}, &fakeQueue{})
		loop.UseRuleset(strict)

		out, err := loop.Handle(ctx, event(1, 2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, out)
	})

	t.Run("older pushed version is ignored", func(t *testing.T) {
		loop := NewLoop(nil, newFakeStore(), fakeRules{rs: domain.Ruleset{MinPilots: 1, Version: 7}}, &fakeQueue{})
		loop.UseRuleset(strict)
		loop.UseRuleset(domain.Ruleset{MinPilots: 1, Version: 2})
		assert.Equal(t, int64(5), loop.pushed.Load().Version)

		out, err := loop.Handle(ctx, event(1, 2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, out)
	})

	t.Run("pushed value covers a failing source", func(t *testing.T) {
		loop := NewLoop(nil, newFakeStore(), fakeRules{err: errors.New("db down")}, &fakeQueue{})
		loop.UseRuleset(strict)

		out, err := loop.Handle(ctx, event(1, 2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, out)
	})
}

func TestRunForever_NoSource(t *testing.T) {
	loop := NewLoop(nil, newFakeStore(), fakeRules{}, &fakeQueue{})
	assert.Error(t, loop.RunForever(context.Background(), time.Millisecond))
}

type fakeHistory map[string][]feed.Ref

func (h fakeHistory) Day(_ context.Context, day time.Time) ([]feed.Ref, error) {
	return h[day.Format("2006-01-02")], nil
}

type fakeESI struct {
	missing map[int64]bool
	fetched []int64
}

func (f *fakeESI) Killmail(_ context.Context, ref feed.Ref) (*killmail.Killmail, error) {
	f.fetched = append(f.fetched, ref.ID)
	if f.missing[ref.ID] {
		return nil, errors.New("esi error (status 422)")
	}
	return &killmail.Killmail{
		KillmailID:    ref.ID,
		KillmailTime:  time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		SolarSystemID: 30000142,
		Victim:        killmail.Victim{CharacterID: 1},
		Attackers:     make([]killmail.Attacker, ref.ID%3),
	}, nil
}

func TestBackfiller_Run(t *testing.T) {
	history := fakeHistory{
		"2026-05-01": {{ID: 1, Hash: "a"}, {ID: 2, Hash: "b"}, {ID: 3, Hash: "c"}},
		"2026-05-03": {{ID: 4, Hash: "d"}, {ID: 5, Hash: "e"}},
	}
	esi := &fakeESI{missing: map[int64]bool{5: true}}
	store, q := newFakeStore(), &fakeQueue{}
	store.stored[2] = event(2, 1)
	loop := NewLoop(nil, store, fakeRules{rs: domain.Ruleset{MinPilots: 2}}, q)

	b := NewBackfiller(history, esi, store, loop, 0)
	stats, err := b.Run(context.Background(),
		time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 3, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, BackfillStats{
		Days:     3,
		Listed:   5,
		Skipped:  1,
		Accepted: 2, // 1 and 4 have an attacker
		Rejected: 1, // 3 has none
		Failed:   1,
	}, stats)
	assert.Equal(t, []int64{1, 3, 4, 5}, esi.fetched)
	assert.Equal(t, []int64{1, 4}, q.ids)
}

func TestBackfiller_RejectsInvertedRange(t *testing.T) {
	b := NewBackfiller(fakeHistory{}, &fakeESI{}, newFakeStore(), NewLoop(nil, newFakeStore(), fakeRules{}, &fakeQueue{}), 0)
	_, err := b.Run(context.Background(), time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestBackfiller_HonoursDelay(t *testing.T) {
	history := fakeHistory{"2026-05-01": {{ID: 1, Hash: "a"}, {ID: 4, Hash: "b"}}}
	store := newFakeStore()
	loop := NewLoop(nil, store, fakeRules{rs: domain.DefaultRuleset()}, &fakeQueue{})
	b := NewBackfiller(history, &fakeESI{}, store, loop, 20*time.Millisecond)

	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	start := time.Now()
	_, err := b.Run(context.Background(), day, day)
	require.NoError(t, err)
	// Three requests: the history file and two killmails.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
