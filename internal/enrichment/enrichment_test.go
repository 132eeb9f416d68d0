package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/killmail"
	"github.com/ignite/battlescope/internal/queue"
)

type memStore struct {
	mu          sync.Mutex
	transitions map[int64][]domain.EnrichmentState
	failOn      domain.EnrichmentStatus
}

func newMemStore() *memStore {
	return &memStore{transitions: map[int64][]domain.EnrichmentState{}}
}

func (s *memStore) Transition(ctx context.Context, id int64, state domain.EnrichmentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.failOn != "" && state.Status() == s.failOn {
		return errors.New("db down")
	}
	s.transitions[id] = append(s.transitions[id], state)
	return nil
}

func (s *memStore) statuses(id int64) []domain.EnrichmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EnrichmentStatus
	for _, st := range s.transitions[id] {
		out = append(out, st.Status())
	}
	return out
}

func (s *memStore) last(id int64) domain.EnrichmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.transitions[id]
	if len(states) == 0 {
		return nil
	}
	return states[len(states)-1]
}

type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[int64]string
	err      error
	calls    []time.Time
}

func (f *fakeFetcher) Fetch(ctx context.Context, id int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.payloads[id]
	if !ok {
		return nil, fmt.Errorf("killmail %d: empty payload", id)
	}
	return []byte(p), nil
}

func payload(id int64) string {
	return fmt.Sprintf(`{"killmail_id":%d,"killmail_time":"2026-05-01T12:00:00Z","solar_system_id":30000142,
		"victim":{"character_id":1,"corporation_id":2,"ship_type_id":587},
		"attackers":[{"character_id":3,"corporation_id":4,"ship_type_id":11198}],
		"zkb":{"fittedValue":1000,"totalValue":2500}}`, id)
}

type fakeArchive struct {
	keys []int64
	err  error
}

func (a *fakeArchive) Put(ctx context.Context, id int64, occurredAt time.Time, p []byte) error {
	if a.err != nil {
		return a.err
	}
	a.keys = append(a.keys, id)
	return nil
}

type fakeEvents map[int64]domain.KillmailEvent

func (e fakeEvents) Get(ctx context.Context, id int64) (domain.KillmailEvent, error) {
	ev, ok := e[id]
	if !ok {
		return domain.KillmailEvent{}, errors.New("not found")
	}
	return ev, nil
}

type fakeHistory struct {
	rows []domain.PilotShipHistory
}

func (h *fakeHistory) InsertBatch(ctx context.Context, rows []domain.PilotShipHistory) (int64, error) {
	h.rows = append(h.rows, rows...)
	return int64(len(rows)), nil
}

func TestWorker_Succeeds(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{payloads: map[int64]string{42: payload(42)}}
	archive := &fakeArchive{}
	w := NewWorker(store, fetcher, WithArchive(archive))

	require.NoError(t, w.Process(context.Background(), 42))

	assert.Equal(t, []domain.EnrichmentStatus{domain.EnrichmentProcessing, domain.EnrichmentSucceeded}, store.statuses(42))
	succeeded, ok := store.last(42).(domain.Succeeded)
	require.True(t, ok)
	assert.JSONEq(t, payload(42), string(succeeded.Payload))
	assert.Equal(t, []int64{42}, archive.keys)
}

func TestWorker_ReprocessOverwrites(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, &fakeFetcher{payloads: map[int64]string{42: payload(42)}})

	require.NoError(t, w.Process(context.Background(), 42))
	require.NoError(t, w.Process(context.Background(), 42))
	assert.Equal(t, domain.EnrichmentSucceeded, store.last(42).Status())
}

func TestWorker_FetchFailure(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, &fakeFetcher{err: errors.New("detail error for killmail 42 (status 404)")})

	err := w.Process(context.Background(), 42)
	require.Error(t, err)

	failed, ok := store.last(42).(domain.Failed)
	require.True(t, ok)
	assert.Equal(t, err.Error(), failed.Reason)
}

func TestWorker_MalformedPayload(t *testing.T) {
	tests := map[string]string{
		"not json":       `<html>`,
		"missing id":     `{"solar_system_id":1}`,
		"other killmail": payload(43),
	}
	for name, body := range tests {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			store := newMemStore()
			w := NewWorker(store, &fakeFetcher{payloads: map[int64]string{42: body}})

			err := w.Process(context.Background(), 42)
			assert.ErrorIs(t, err, killmail.ErrMalformed)
			assert.Equal(t, domain.EnrichmentFailed, store.last(42).Status())
		})
	}
}

func TestWorker_ArchiveFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, &fakeFetcher{payloads: map[int64]string{42: payload(42)}},
		WithArchive(&fakeArchive{err: errors.New("AccessDenied")}))

	require.NoError(t, w.Process(context.Background(), 42))
	assert.Equal(t, domain.EnrichmentSucceeded, store.last(42).Status())
}

func TestWorker_ProcessingStoreError(t *testing.T) {
	store := newMemStore()
	store.failOn = domain.EnrichmentProcessing
	fetcher := &fakeFetcher{payloads: map[int64]string{42: payload(42)}}
	w := NewWorker(store, fetcher)

	assert.Error(t, w.Process(context.Background(), 42))
	assert.Empty(t, fetcher.calls)
}

func TestWorker_SucceededStoreErrorRecordsFailed(t *testing.T) {
	store := newMemStore()
	store.failOn = domain.EnrichmentSucceeded
	archive := &fakeArchive{}
	w := NewWorker(store, &fakeFetcher{payloads: map[int64]string{42: payload(42)}}, WithArchive(archive))

	err := w.Process(context.Background(), 42)
	require.ErrorContains(t, err, "mark succeeded")

	assert.Equal(t, []domain.EnrichmentStatus{domain.EnrichmentProcessing, domain.EnrichmentFailed}, store.statuses(42))
	failed, ok := store.last(42).(domain.Failed)
	require.True(t, ok)
	assert.Contains(t, failed.Reason, "db down")
	assert.Empty(t, archive.keys)
}

func TestWorker_FailureRecordedAfterCancel(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, &fakeFetcher{payloads: map[int64]string{}}, WithThrottle(time.Hour))

	// Consume the limiter's only token so the next Process has to wait.
	require.Error(t, w.Process(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, w.Process(ctx, 2))
	assert.Equal(t, []domain.EnrichmentStatus{domain.EnrichmentProcessing, domain.EnrichmentFailed}, store.statuses(2))
}

func TestWorker_Throttle(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[int64]string{1: payload(1), 2: payload(2), 3: payload(3)}}
	w := NewWorker(newMemStore(), fetcher, WithThrottle(30*time.Millisecond))

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, w.Process(context.Background(), id))
	}
	require.Len(t, fetcher.calls, 3)
	assert.GreaterOrEqual(t, fetcher.calls[2].Sub(fetcher.calls[0]), 55*time.Millisecond)
}

func TestWorker_ShipHistory(t *testing.T) {
	events := fakeEvents{42: {
		KillmailID:           42,
		SystemID:             30000142,
		OccurredAt:           time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		VictimCharacterID:    domain.Int64Ptr(1),
		VictimCorpID:         domain.Int64Ptr(2),
		AttackerCharacterIDs: []int64{3},
		AttackerCorpIDs:      []int64{4},
		AttackerAllianceIDs:  []int64{0},
		ZKBURL:               killmail.URL(42),
	}}
	history := &fakeHistory{}
	w := NewWorker(newMemStore(), &fakeFetcher{payloads: map[int64]string{42: payload(42)}},
		WithShipHistory(events, history))

	require.NoError(t, w.Process(context.Background(), 42))
	require.Len(t, history.rows, 2)
	assert.True(t, history.rows[0].IsLoss)
	assert.Equal(t, int64(587), history.rows[0].ShipTypeID)
	assert.Equal(t, int64(11198), history.rows[1].ShipTypeID)
}

func setupQueue(t *testing.T, policy queue.RetryPolicy) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewRedisQueue(client, policy), mr
}

func TestPool_DrainsQueue(t *testing.T) {
	q, mr := setupQueue(t, queue.DefaultRetryPolicy())
	ctx := context.Background()

	payloads := map[int64]string{}
	for id := int64(1); id <= 6; id++ {
		if id != 4 {
			payloads[id] = payload(id)
		}
		_, err := q.Enqueue(ctx, id)
		require.NoError(t, err)
	}
	store := newMemStore()
	pool := NewPool(q, NewWorker(store, &fakeFetcher{payloads: payloads}), 3)

	pool.Start()
	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Pending == 0 && stats.Processing == 0
	}, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	assert.Equal(t, map[string]int64{"succeeded": 5, "failed": 1, "dead_lettered": 1}, pool.Stats())
	for id := int64(1); id <= 6; id++ {
		want := domain.EnrichmentSucceeded
		if id == 4 {
			want = domain.EnrichmentFailed
		}
		assert.Equal(t, want, store.last(id).Status(), "killmail %d", id)
	}
	dead, err := mr.List(queue.KeyDead)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, dead)
}

func TestPool_StartStopIdempotent(t *testing.T) {
	q, _ := setupQueue(t, queue.DefaultRetryPolicy())
	pool := NewPool(q, NewWorker(newMemStore(), &fakeFetcher{}), 0)
	assert.Equal(t, DefaultConcurrency, pool.concurrency)

	pool.Stop()
	pool.Start()
	pool.Start()
	pool.Stop()
	pool.Stop()
}

type fakeRecoverer struct {
	recovered int
	enqueued  map[int64]bool
}

func (f *fakeRecoverer) RecoverStale(ctx context.Context, staleAge time.Duration) (int, error) {
	return f.recovered, nil
}

func (f *fakeRecoverer) Enqueue(ctx context.Context, id int64) (bool, error) {
	if f.enqueued[id] {
		return false, nil
	}
	f.enqueued[id] = true
	return true, nil
}

type fakeStranded struct {
	before time.Time
	ids    []int64
}

func (f *fakeStranded) Stranded(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	f.before = before
	return f.ids, nil
}

func TestRecovery_RecoverOnce(t *testing.T) {
	q := &fakeRecoverer{recovered: 2, enqueued: map[int64]bool{8: true}}
	store := &fakeStranded{ids: []int64{7, 8, 9}}
	r := NewRecovery(q, store, 0, 10*time.Minute)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	summary := r.RecoverOnce(context.Background())
	assert.Equal(t, RecoverySummary{Jobs: 2, Requeued: 2, Candidates: 3}, summary)
	assert.Equal(t, now.Add(-10*time.Minute), store.before)
	assert.Equal(t, DefaultRecoveryInterval, r.interval)
}
