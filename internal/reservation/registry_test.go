package reservation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"TokenVault/internal/core"
	"TokenVault/internal/event"
	"TokenVault/internal/observability"
	"TokenVault/internal/port"
	"TokenVault/internal/reservation"
	"TokenVault/internal/testutil"
	"TokenVault/internal/token"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = token.PublicKey("alice-key")
	gbpBnk = token.IssuedType{
		Issuer: "bank-key",
		Type:   token.TokenType{Class: "fiat", Identifier: "GBP", FractionDigits: 2},
	}
)

type fixture struct {
	index    *core.Index
	registry *reservation.Registry
	metrics  *observability.Metrics
	records  []token.Record
}

func newFixture(t *testing.T, store port.ReservationStore, cfg reservation.Config, qtys ...uint64) *fixture {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	idx := core.NewIndex(zerolog.Nop(), metrics)
	f := &fixture{index: idx, metrics: metrics}
	for _, q := range qtys {
		r := testutil.NewRecord(alice, gbpBnk.Issuer, "fiat", "GBP", 2, q)
		idx.Upsert(r)
		f.records = append(f.records, r)
	}
	sel := core.NewSelector(idx, zerolog.Nop(), metrics)
	f.registry = reservation.NewRegistry(sel, store, cfg, zerolog.Nop(), metrics)
	return f
}

func (f *fixture) locked() int {
	return f.index.Balance(alice, gbpBnk).LockedCount
}

func request(id string, qty uint64) reservation.Request {
	return reservation.Request{
		RequestID: id,
		Owner:     alice,
		Issued:    gbpBnk,
		Amount:    token.Amount{Quantity: qty, FractionDigits: 2},
	}
}

func drain(ch <-chan event.ReservationEvent) []event.ReservationEvent {
	var out []event.ReservationEvent
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestReserve_LocksAndRecords(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10, 20)
	ctx := context.Background()

	res, err := f.registry.Reserve(ctx, request("req-1", 25))
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "30", res.Total)
	assert.Len(t, res.Refs, 2)
	assert.Equal(t, 2, f.locked())
	assert.WithinDuration(t, res.CreatedAt.Add(30*time.Second), res.ExpiresAt, time.Millisecond)

	got, err := f.registry.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Refs, got.Refs)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ReservationsActive))

	evts := drain(f.registry.Events())
	require.Len(t, evts, 1)
	assert.Equal(t, event.ReservationReserved, evts[0].Kind)
	assert.Equal(t, res.ID, evts[0].ReservationID)
}

func TestReserve_DuplicateRequest(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10, 10)
	ctx := context.Background()

	first, err := f.registry.Reserve(ctx, request("req-1", 10))
	require.NoError(t, err)

	_, err = f.registry.Reserve(ctx, request("req-1", 10))
	require.ErrorIs(t, err, reservation.ErrDuplicateRequest)
	var dup *reservation.DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.Equal(t, 1, f.locked())
}

func TestReserve_InsufficientFreesRequestID(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10)
	ctx := context.Background()

	_, err := f.registry.Reserve(ctx, request("req-1", 50))
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	assert.Equal(t, 0, f.locked())

	f.index.Upsert(testutil.NewRecord(alice, gbpBnk.Issuer, "fiat", "GBP", 2, 40))
	_, err = f.registry.Reserve(ctx, request("req-1", 50))
	assert.NoError(t, err, "a failed request id can be retried")
}

func TestReserve_ExcludesRefs(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 100, 5, 5)
	req := request("", 10)
	req.Exclude = []token.StateRef{f.records[0].Ref}

	res, err := f.registry.Reserve(context.Background(), req)
	require.NoError(t, err)
	assert.NotContains(t, res.Refs, f.records[0].Ref)
	assert.Equal(t, res.ID.String(), res.RequestID)
}

func TestReserve_RejectsInvalid(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10)
	ctx := context.Background()

	req := request("a", 1)
	req.Owner = ""
	_, err := f.registry.Reserve(ctx, req)
	assert.ErrorIs(t, err, reservation.ErrInvalidRequest)

	req = request("b", 1)
	req.TTL = -time.Second
	_, err = f.registry.Reserve(ctx, req)
	assert.ErrorIs(t, err, reservation.ErrInvalidRequest)

	_, err = f.registry.Reserve(ctx, request("c", 0))
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
}

func TestReserve_TTLIsCapped(t *testing.T) {
	cfg := reservation.Config{DefaultTTL: time.Second, MaxTTL: 5 * time.Second}
	f := newFixture(t, reservation.NewMemoryStore(), cfg, 10)
	req := request("r", 1)
	req.TTL = time.Hour

	res, err := f.registry.Reserve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, res.ExpiresAt.Sub(res.CreatedAt))
	assert.Nil(t, f.registry.Events(), "events disabled without a buffer")
}

func TestRelease_UnlocksOnce(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10, 10)
	ctx := context.Background()
	res, err := f.registry.Reserve(ctx, request("r", 20))
	require.NoError(t, err)
	drain(f.registry.Events())

	_, unlocked, err := f.registry.Release(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, unlocked)
	assert.Equal(t, 0, f.locked())

	_, _, err = f.registry.Release(ctx, res.ID)
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	evts := drain(f.registry.Events())
	require.Len(t, evts, 1)
	assert.Equal(t, event.ReservationReleased, evts[0].Kind)
	assert.Equal(t, 2, evts[0].Unlocked)
}

func TestForget_KeepsTokensLocked(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10)
	ctx := context.Background()
	res, err := f.registry.Reserve(ctx, request("r", 10))
	require.NoError(t, err)

	_, err = f.registry.Forget(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.locked())

	_, _, err = f.registry.Release(ctx, res.ID)
	assert.ErrorIs(t, err, reservation.ErrNotFound)
	assert.Equal(t, 1, f.locked())
}

func TestExpireDue_ReleasesOnlyExpired(t *testing.T) {
	cfg := reservation.DefaultConfig()
	f := newFixture(t, reservation.NewMemoryStore(), cfg, 10, 10)
	ctx := context.Background()

	short := request("short", 10)
	short.TTL = time.Second
	expiring, err := f.registry.Reserve(ctx, short)
	require.NoError(t, err)
	long := request("long", 10)
	long.TTL = time.Minute
	_, err = f.registry.Reserve(ctx, long)
	require.NoError(t, err)
	drain(f.registry.Events())

	n, err := f.registry.ExpireDue(ctx, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.locked())

	_, err = f.registry.Get(ctx, expiring.ID)
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	evts := drain(f.registry.Events())
	require.Len(t, evts, 1)
	assert.Equal(t, event.ReservationExpired, evts[0].Kind)
}

func TestExpireDue_ConsumedTokensStayGone(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10)
	ctx := context.Background()
	req := request("r", 10)
	req.TTL = time.Second
	res, err := f.registry.Reserve(ctx, req)
	require.NoError(t, err)

	require.True(t, f.index.Remove(res.Refs[0], alice, "fiat", "GBP"))

	n, err := f.registry.ExpireDue(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.index.Len())
}

func TestRelease_RacesWithSweeper(t *testing.T) {
	f := newFixture(t, reservation.NewMemoryStore(), reservation.DefaultConfig(), 10)
	ctx := context.Background()
	req := request("r", 10)
	req.TTL = time.Second
	res, err := f.registry.Reserve(ctx, req)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				_, _, err := f.registry.Release(ctx, res.ID)
				ok = err == nil
			} else {
				n, _ := f.registry.ExpireDue(ctx, time.Now().Add(time.Minute), 10)
				ok = n == 1
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 0, f.locked())
}

func TestEvents_DropWhenFull(t *testing.T) {
	cfg := reservation.DefaultConfig()
	cfg.EventBuffer = 1
	f := newFixture(t, reservation.NewMemoryStore(), cfg, 10, 10)
	ctx := context.Background()

	_, err := f.registry.Reserve(ctx, request("a", 10))
	require.NoError(t, err)
	_, err = f.registry.Reserve(ctx, request("b", 10))
	require.NoError(t, err, "a full event channel never blocks Reserve")

	assert.Len(t, drain(f.registry.Events()), 1)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ReservationEventDrops))
}

func TestSweeper_RunExpires(t *testing.T) {
	cfg := reservation.Config{DefaultTTL: time.Millisecond, MaxTTL: time.Millisecond}
	f := newFixture(t, reservation.NewMemoryStore(), cfg, 10)
	_, err := f.registry.Reserve(context.Background(), request("r", 10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reservation.NewSweeper(f.registry, 5*time.Millisecond, 10, zerolog.Nop()).Run(ctx)
	}()

	require.Eventually(t, func() bool { return f.locked() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRedisStore_SharedIdempotencyAndTake(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	store := reservation.NewRedisStore(client, "tokenvault-test:"+uuid.NewString()+":")
	f := newFixture(t, store, reservation.DefaultConfig(), 10, 10)
	ctx := context.Background()

	res, err := f.registry.Reserve(ctx, request("req-1", 15))
	require.NoError(t, err)

	_, err = f.registry.Reserve(ctx, request("req-1", 5))
	require.ErrorIs(t, err, reservation.ErrDuplicateRequest)

	got, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Refs, got.Refs)
	assert.Equal(t, res.Issued, got.Issued)
	assert.Equal(t, uint64(15), got.Requested)

	inst := f.registry.Instance()
	n, err := store.Count(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := store.Expired(ctx, inst, res.ExpiresAt.Add(time.Millisecond), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{res.ID}, ids)

	ids, err = store.Expired(ctx, "other-instance", res.ExpiresAt.Add(time.Millisecond), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = store.Take(ctx, "other-instance", res.ID)
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	_, unlocked, err := f.registry.Release(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, unlocked)

	_, err = store.Take(ctx, inst, res.ID)
	assert.ErrorIs(t, err, reservation.ErrNotFound)
	n, err = store.Count(ctx, inst)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// newPeer builds a second registry over store whose index holds the same
// tokens as f, as two instances serving one party would.
func newPeer(t *testing.T, f *fixture, store port.ReservationStore, cfg reservation.Config) *fixture {
	t.Helper()
	peer := newFixture(t, store, cfg)
	for _, r := range f.records {
		peer.index.Upsert(r)
	}
	peer.records = f.records
	return peer
}

func TestSharedStore_InstancesOnlyFinishTheirOwnReservations(t *testing.T) {
	store := reservation.NewMemoryStore()
	a := newFixture(t, store, reservation.Config{DefaultTTL: time.Millisecond, MaxTTL: time.Millisecond}, 10)
	b := newPeer(t, a, store, reservation.DefaultConfig())
	require.NotEqual(t, a.registry.Instance(), b.registry.Instance())
	ctx := context.Background()

	resA, err := a.registry.Reserve(ctx, request("a", 10))
	require.NoError(t, err)
	resB, err := b.registry.Reserve(ctx, request("b", 10))
	require.NoError(t, err)
	assert.Equal(t, resA.Refs, resB.Refs)

	later := time.Now().Add(time.Second)
	n, err := b.registry.ExpireDue(ctx, later, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, b.locked(), "b's live reservation keeps its lock")

	_, _, err = b.registry.Release(ctx, resA.ID)
	assert.ErrorIs(t, err, reservation.ErrNotFound)
	_, err = b.registry.Get(ctx, resA.ID)
	assert.ErrorIs(t, err, reservation.ErrNotFound)
	assert.Equal(t, 1, b.locked())

	n, err = a.registry.ExpireDue(ctx, later, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, a.locked())
	assert.Equal(t, 1, b.locked())

	count, err := store.Count(ctx, b.registry.Instance())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSharedStore_RequestIDsAreSharedAcrossInstances(t *testing.T) {
	store := reservation.NewMemoryStore()
	a := newFixture(t, store, reservation.DefaultConfig(), 10)
	b := newPeer(t, a, store, reservation.DefaultConfig())
	ctx := context.Background()

	res, err := a.registry.Reserve(ctx, request("req-1", 10))
	require.NoError(t, err)

	_, err = b.registry.Reserve(ctx, request("req-1", 10))
	var dup *reservation.DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, res.ID, dup.ExistingID)
	assert.Zero(t, b.locked())
}
