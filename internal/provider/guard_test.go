package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"territory-api/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardChargesSessionBudget(t *testing.T) {
	g := Guard{Name: "places", Limiter: ratelimit.NewRegistry(100, nil)}
	b := ratelimit.NewBudget(2)
	ctx := ratelimit.WithBudget(context.Background(), b)

	calls := 0
	fn := func(ctx context.Context) error { calls++; return nil }

	require.NoError(t, g.Do(ctx, "geocode", fn))
	require.NoError(t, g.Do(ctx, "geocode", fn))
	err := g.Do(ctx, "geocode", fn)

	assert.True(t, BudgetExhausted(err))
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Equal(t, 2, calls, "exhausted budget must not reach the provider")
	assert.Equal(t, 2, b.Used())
}

func TestGuardAppliesTimeout(t *testing.T) {
	g := Guard{Name: "overpass", Timeout: 10 * time.Millisecond}
	err := g.Do(context.Background(), "buildings", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrProviderTimeout)
}

func TestGuardWrapsFailures(t *testing.T) {
	g := Guard{Name: "nominatim"}
	cause := errors.New("boom")
	err := g.Do(context.Background(), "search", func(context.Context) error { return cause })
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "nominatim", pe.Provider)
	assert.Equal(t, "search", pe.Op)
	assert.ErrorIs(t, err, cause)
}
