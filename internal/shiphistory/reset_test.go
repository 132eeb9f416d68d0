package shiphistory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/battlescope/internal/domain"
	"github.com/ignite/battlescope/internal/pkg/distlock"
)

type rowKey struct{ killmail, character int64 }

// memStore is an in-memory Store for testing.
type memStore struct {
	mu        sync.Mutex
	sources   []Source
	rows      map[rowKey]domain.PilotShipHistory
	failAfter int
	batches   int
}

func newMemStore(sources ...Source) *memStore {
	sort.Slice(sources, func(i, j int) bool { return sources[i].Event.KillmailID < sources[j].Event.KillmailID })
	return &memStore{sources: sources, rows: make(map[rowKey]domain.PilotShipHistory)}
}

func (m *memStore) Truncate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[rowKey]domain.PilotShipHistory)
	return nil
}

func (m *memStore) DeleteSince(_ context.Context, from time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.rows {
		if !r.OccurredAt.Before(from) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) matches(src Source, from *time.Time) bool {
	return from == nil || !src.Event.OccurredAt.Before(*from)
}

func (m *memStore) CountSource(_ context.Context, from *time.Time) (int, error) {
	n := 0
	for _, s := range m.sources {
		if m.matches(s, from) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) NextBatch(_ context.Context, afterID int64, from *time.Time, limit int) ([]Source, error) {
	var out []Source
	for _, s := range m.sources {
		if s.Event.KillmailID > afterID && m.matches(s, from) {
			out = append(out, s)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) InsertBatch(_ context.Context, rows []domain.PilotShipHistory) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.failAfter > 0 && m.batches > m.failAfter {
		return 0, errors.New("connection reset")
	}
	var n int64
	for _, r := range rows {
		k := rowKey{r.KillmailID, r.CharacterID}
		if _, ok := m.rows[k]; ok {
			continue
		}
		m.rows[k] = r
		n++
	}
	return n, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// source builds an enriched killmail with a victim and two attackers.
func source(id int64, at time.Time) Source {
	payload := fmt.Sprintf(`{"killmail_id": %d,
		"victim": {"character_id": %d, "ship_type_id": 587},
		"attackers": [{"character_id": %d, "ship_type_id": 603}, {"character_id": %d, "ship_type_id": 621}]}`,
		id, id*10, id*10+1, id*10+2)
	ev := event(id, nil)
	ev.OccurredAt = at
	return Source{Event: ev, Enrichment: succeeded(payload)}
}

func newLock(t *testing.T) distlock.DistLock {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return distlock.NewRedisLock(client, LockKey, time.Minute)
}

func fixture() *memStore {
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var sources []Source
	for i := int64(1); i <= 25; i++ {
		sources = append(sources, source(i, day.Add(time.Duration(i)*time.Hour)))
	}
	sources = append(sources, Source{Event: event(26, nil), Enrichment: domain.KillmailEnrichment{State: domain.Failed{Reason: "timeout"}}})
	return newMemStore(sources...)
}

func TestExecute_FullIsRepeatable(t *testing.T) {
	store := fixture()
	svc := NewResetService(store, NewProcessor(), newLock(t))

	var reports []Progress
	first := svc.Execute(context.Background(), Options{
		Mode:       ModeFull,
		BatchSize:  10,
		OnProgress: func(p Progress) { reports = append(reports, p) },
	})
	require.NoError(t, first.Error)
	assert.True(t, first.Success)
	assert.Equal(t, 26, first.Processed)
	assert.Equal(t, int64(75), first.RecordsCreated)
	assert.Equal(t, 75, store.count())

	require.Len(t, reports, 3)
	assert.Equal(t, Progress{Processed: 10, Total: 26, Percentage: float64(10) * 100 / 26}, reports[0])
	assert.Equal(t, 100.0, reports[2].Percentage)

	second := svc.Execute(context.Background(), Options{Mode: ModeFull})
	assert.True(t, second.Success)
	assert.Equal(t, int64(75), second.RecordsCreated)
	assert.Equal(t, 75, store.count())
}

func TestExecute_IncrementalOnlyTouchesFromDate(t *testing.T) {
	store := fixture()
	svc := NewResetService(store, NewProcessor(), newLock(t))
	require.True(t, svc.Execute(context.Background(), Options{Mode: ModeFull}).Success)

	// Mark the rows before the cut so a rebuild cannot have recreated them.
	from := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)
	store.mu.Lock()
	for k, r := range store.rows {
		if r.OccurredAt.Before(from) {
			r.ZKBURL = "kept"
			store.rows[k] = r
		}
	}
	store.mu.Unlock()

	res := svc.Execute(context.Background(), Options{Mode: ModeIncremental, FromDate: &from})
	require.True(t, res.Success)
	assert.Equal(t, 7, res.Processed) // ids 20..26
	assert.Equal(t, int64(18), res.RecordsCreated)
	assert.Equal(t, 75, store.count())

	kept := 0
	for _, r := range store.rows {
		if r.ZKBURL == "kept" {
			kept++
			assert.True(t, r.OccurredAt.Before(from))
		}
	}
	assert.Equal(t, 57, kept)
}

func TestExecute_Validation(t *testing.T) {
	svc := NewResetService(fixture(), NewProcessor(), newLock(t))

	res := svc.Execute(context.Background(), Options{Mode: ModeIncremental})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, ErrFromDateRequired)

	res = svc.Execute(context.Background(), Options{Mode: "partial"})
	assert.ErrorIs(t, res.Error, ErrInvalidMode)
}

func TestExecute_FailureKeepsCompletedBatches(t *testing.T) {
	store := fixture()
	store.failAfter = 1
	svc := NewResetService(store, NewProcessor(), newLock(t))

	res := svc.Execute(context.Background(), Options{Mode: ModeFull, BatchSize: 10})
	assert.False(t, res.Success)
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "connection reset")
	assert.Equal(t, 10, res.Processed)
	assert.Equal(t, int64(30), res.RecordsCreated)
	assert.Equal(t, 30, store.count())
}

func TestExecute_LockHeld(t *testing.T) {
	store := fixture()
	svc := NewResetService(store, NewProcessor(), heldLock{})
	res := svc.Execute(context.Background(), Options{Mode: ModeFull})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, distlock.ErrLockHeld)
	assert.Zero(t, store.batches)
}

// heldLock never acquires; it stands in for a second instance.
type heldLock struct{ distlock.DistLock }

func (heldLock) Acquire(context.Context) (bool, error) { return false, nil }

func TestParseMode(t *testing.T) {
	m, err := ParseMode("incremental")
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, m)

	_, err = ParseMode("everything")
	assert.ErrorIs(t, err, ErrInvalidMode)
}
