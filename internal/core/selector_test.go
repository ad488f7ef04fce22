package core_test

import (
	"errors"
	"sync"
	"testing"

	"TokenVault/internal/core"
	"TokenVault/internal/token"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amount(q uint64) token.Amount {
	return token.Amount{Quantity: q, FractionDigits: gbp.FractionDigits}
}

func sum(records []token.Record) uint64 {
	var s uint64
	for _, r := range records {
		s += r.Quantity
	}
	return s
}

func lockedCount(idx *core.Index) int {
	return idx.Balance(alice, gbpBnk).LockedCount
}

func TestSelect_CoversRequestAndLeavesRestFree(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	seed(idx, alice, gbpBnk, 10, 5, 3)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	got, err := sel.Select(alice, gbpBnk, amount(12), nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, sum(got.Records), uint64(12))
	assert.Equal(t, sum(got.Records), got.Total.Lo)
	assert.Equal(t, len(got.Records), lockedCount(idx))

	b := idx.Balance(alice, gbpBnk)
	assert.Equal(t, 3-len(got.Records), b.FreeCount)
	for _, r := range got.Records {
		e, ok := idx.Lookup(r.Ref)
		require.True(t, ok)
		assert.True(t, e.Locked())
	}
}

func TestSelect_StopsAtExactThreshold(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	seed(idx, alice, gbpBnk, 10)
	seed(idx, alice, gbpBnk, 10)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	got, err := sel.Select(alice, gbpBnk, amount(10), nil)
	require.NoError(t, err)
	assert.Len(t, got.Records, 1, "accumulated >= requested stops the scan")
}

func TestSelect_ConcurrentSelectionsNeverShareTokens(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	seed(idx, alice, gbpBnk, 10, 10)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	var wg sync.WaitGroup
	results := make([]*core.Selection, 2)
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = sel.Select(alice, gbpBnk, amount(10), nil)
		}(i)
	}
	close(start)
	wg.Wait()

	seen := make(map[token.StateRef]bool)
	for i := range results {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], core.ErrInsufficientBalance)
			continue
		}
		assert.GreaterOrEqual(t, sum(results[i].Records), uint64(10))
		for _, r := range results[i].Records {
			assert.False(t, seen[r.Ref], "token %s reserved twice", r.Ref)
			seen[r.Ref] = true
		}
	}
}

func TestSelect_ManyConcurrentSelectionsConserveTokens(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	qtys := make([]uint64, 200)
	for i := range qtys {
		qtys[i] = uint64(i%7 + 1)
	}
	seed(idx, alice, gbpBnk, qtys...)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = make(map[token.StateRef]int)
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := sel.Select(alice, gbpBnk, amount(9), nil)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range got.Records {
				seen[r.Ref]++
			}
		}()
	}
	wg.Wait()

	for ref, n := range seen {
		assert.Equal(t, 1, n, "token %s reserved %d times", ref, n)
	}
	assert.Equal(t, len(seen), lockedCount(idx))
}

func TestSelect_InsufficientReleasesProvisionalClaims(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	seed(idx, alice, gbpBnk, 10, 20, 10)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	got, err := sel.Select(alice, gbpBnk, amount(100), nil)
	assert.Nil(t, got)
	require.ErrorIs(t, err, core.ErrInsufficientBalance)

	var ibe *core.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, alice, ibe.Owner)
	assert.Equal(t, uint64(100), ibe.Requested.Quantity)
	assert.Equal(t, "40", ibe.Available.String())
	assert.Contains(t, err.Error(), "requested 1.00")
	assert.Contains(t, err.Error(), "available 0.40")

	assert.Equal(t, 0, lockedCount(idx), "failed selection must not leave entries locked")
	assert.Equal(t, 3, idx.Balance(alice, gbpBnk).FreeCount)
}

func TestSelect_FailureImpliesScarcity(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	records := seed(idx, alice, gbpBnk, 50, 30)
	e, _ := idx.Lookup(records[0].Ref)
	require.True(t, idx.TryClaim(e))
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	_, err := sel.Select(alice, gbpBnk, amount(31), nil)
	var ibe *core.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, "30", ibe.Available.String())
	assert.False(t, ibe.Available.AtLeast(31))
	assert.True(t, e.Locked(), "claims held by others are untouched")
}

func TestSelect_PredicateSkipsWithoutClaiming(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	records := seed(idx, alice, gbpBnk, 100, 5, 5)
	excluded := records[0].Ref
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	got, err := sel.Select(alice, gbpBnk, amount(10), func(r token.Record) bool {
		return r.Ref != excluded
	})
	require.NoError(t, err)
	assert.Len(t, got.Records, 2)

	e, _ := idx.Lookup(excluded)
	assert.False(t, e.Locked())
}

func TestSelect_IgnoresOtherIssuers(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	seed(idx, alice, token.IssuedType{Issuer: other, Type: gbp}, 1000)
	seed(idx, alice, gbpBnk, 5)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	_, err := sel.Select(alice, gbpBnk, amount(10), nil)
	require.ErrorIs(t, err, core.ErrInsufficientBalance)

	b := idx.Balance(alice, token.IssuedType{Issuer: other, Type: gbp})
	assert.Equal(t, 0, b.LockedCount)
}

func TestSelect_UnknownOwner(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	_, err := sel.Select(bob, gbpBnk, amount(1), nil)
	var ibe *core.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.True(t, ibe.Available.IsZero())
}

func TestSelect_RejectsInvalidAmounts(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	_, err := sel.Select(alice, gbpBnk, amount(0), nil)
	assert.ErrorIs(t, err, core.ErrInvalidAmount)

	_, err = sel.Select(alice, gbpBnk, token.Amount{Quantity: 1, FractionDigits: 6}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
}

func TestSelect_NoDoubleCountingOfTotal(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	seed(idx, alice, gbpBnk, 3, 3, 3, 3)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	got, err := sel.Select(alice, gbpBnk, amount(7), nil)
	require.NoError(t, err)

	refs := make(map[token.StateRef]bool)
	for _, r := range got.Records {
		refs[r.Ref] = true
	}
	assert.Len(t, refs, len(got.Records))
	assert.Equal(t, "9", got.Total.String())
}

func TestSelector_ReleaseReturnsTokens(t *testing.T) {
	idx, _, metrics := newTestIndex(t)
	seed(idx, alice, gbpBnk, 10, 10)
	sel := core.NewSelector(idx, zerolog.Nop(), metrics)

	got, err := sel.Select(alice, gbpBnk, amount(20), nil)
	require.NoError(t, err)
	require.Equal(t, 2, lockedCount(idx))

	assert.Equal(t, 2, sel.Release(got.Records, "abort"))
	assert.Equal(t, 0, lockedCount(idx))
	assert.Equal(t, 0, sel.Release(got.Records, "abort"), "second release is a no-op")

	again, err := sel.Select(alice, gbpBnk, amount(20), nil)
	require.NoError(t, err)
	assert.Len(t, again.Records, 2)
}

func TestSelector_ReleaseSkipsConsumed(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	seed(idx, alice, gbpBnk, 10)
	sel := core.NewSelector(idx, zerolog.Nop(), nil)

	got, err := sel.Select(alice, gbpBnk, amount(10), nil)
	require.NoError(t, err)
	r := got.Records[0]
	require.True(t, idx.Remove(r.Ref, alice, "fiat", "GBP"))

	assert.Equal(t, 0, sel.ReleaseRefs(got.Refs(), "abort"))
}
