package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"territory-api/internal/ratelimit"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type street struct {
	Name string `json:"name"`
}

func TestLRUEvictsOldest(t *testing.T) {
	c := NewLRU[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewLRU[string](4, time.Second)
	c.now = func() time.Time { return now }
	c.Set("k", "v")
	now = now.Add(2 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUDeletePrefix(t *testing.T) {
	c := NewLRU[int](10, time.Minute)
	c.Set("streets:c1", 1)
	c.Set("streets:c2", 2)
	c.Set("bounds:c1", 3)
	assert.Equal(t, 2, c.DeletePrefix("streets:"))
	_, ok := c.Get("bounds:c1")
	assert.True(t, ok)
}

func TestLoadMemoryOnly(t *testing.T) {
	c := New(16)
	var calls atomic.Int32
	load := func(context.Context) ([]street, error) {
		calls.Add(1)
		return []street{{Name: "Rua A"}}, nil
	}
	ctx := context.Background()
	first, err := Load(ctx, c, "streets:x", load)
	require.NoError(t, err)
	second, err := Load(ctx, c, "streets:x", load)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoadDoesNotCacheEmptyOrErrors(t *testing.T) {
	c := New(16)
	ctx := context.Background()
	calls := 0
	empty := func(context.Context) ([]street, error) { calls++; return nil, nil }
	_, _ = Load(ctx, c, "k", empty)
	_, _ = Load(ctx, c, "k", empty)
	assert.Equal(t, 2, calls)

	boom := errors.New("boom")
	_, err := Load(ctx, c, "k2", func(context.Context) ([]street, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestLoadCoalescesConcurrentCallers(t *testing.T) {
	c := New(16)
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) ([]street, error) {
		calls.Add(1)
		<-release
		return []street{{Name: "Rua B"}}, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := Load(context.Background(), c, "same", load)
			assert.NoError(t, err)
			assert.Len(t, out, 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestLoadSurvivesFirstCallerCancel(t *testing.T) {
	c := New(16)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) ([]street, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, nil
		}
		if err := ratelimit.Charge(ctx); err != nil {
			return nil, err
		}
		return []street{{Name: "Downsview Ave"}}, nil
	}

	budgetA, budgetB := ratelimit.NewBudget(0), ratelimit.NewBudget(0)
	ctxA, cancelA := context.WithCancel(ratelimit.WithBudget(context.Background(), budgetA))
	errA := make(chan error, 1)
	go func() {
		_, err := Load(ctxA, c, "bounds:downsview", load)
		errA <- err
	}()
	<-started

	type result struct {
		out []street
		err error
	}
	resB := make(chan result, 1)
	go func() {
		out, err := Load(ratelimit.WithBudget(context.Background(), budgetB), c, "bounds:downsview", load)
		resB <- result{out, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(release)

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, []street{{Name: "Downsview Ave"}}, b.out)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, budgetA.Used(), "a cancelled caller is not charged")
	assert.Equal(t, 1, budgetB.Used())
}

func TestLoadRetriesInterruptedEmptyResult(t *testing.T) {
	c := New(16, WithLoadTimeout(10*time.Millisecond))
	var calls atomic.Int32
	load := func(ctx context.Context) ([]street, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, nil
		}
		return []street{{Name: "Rua F"}}, nil
	}
	out, err := Load(context.Background(), c, "streets:f", load)
	require.NoError(t, err)
	assert.Equal(t, []street{{Name: "Rua F"}}, out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoadRefusesExhaustedBudget(t *testing.T) {
	c := New(16)
	b := ratelimit.NewBudget(1)
	require.NoError(t, b.Take())
	_, err := Load(ratelimit.WithBudget(context.Background(), b), c, "k", func(context.Context) ([]street, error) {
		t.Fatal("load must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ratelimit.ErrBudgetExhausted)
}

func TestLoadNilCache(t *testing.T) {
	out, err := Load(context.Background(), nil, "k", func(context.Context) ([]int, error) { return []int{1}, nil })
	require.NoError(t, err)
	assert.Equal(t, []int{1}, out)
}

type RedisCacheSuite struct {
	suite.Suite
	mock  redismock.ClientMock
	cache *Cache
}

func (s *RedisCacheSuite) SetupTest() {
	db, mock := redismock.NewClientMock()
	s.mock = mock
	s.cache = New(16, WithRedis(db), WithTTL(time.Hour))
}

func (s *RedisCacheSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
}

func (s *RedisCacheSuite) TestRedisHitFillsMemory() {
	b, _ := json.Marshal([]street{{Name: "Rua C"}})
	s.mock.ExpectGet("territory:streets:c").SetVal(string(b))

	var out []street
	s.Require().NoError(s.cache.Get(context.Background(), "streets:c", &out))
	s.Equal("Rua C", out[0].Name)

	// second read is served from memory; no further redis expectation
	out = nil
	s.Require().NoError(s.cache.Get(context.Background(), "streets:c", &out))
	s.Len(out, 1)
}

func (s *RedisCacheSuite) TestMissThenLoadWritesThrough() {
	items := []street{{Name: "Rua D"}}
	b, _ := json.Marshal(items)
	s.mock.ExpectGet("territory:streets:d").RedisNil()
	s.mock.ExpectSet("territory:streets:d", b, time.Hour).SetVal("OK")

	out, err := Load(context.Background(), s.cache, "streets:d", func(context.Context) ([]street, error) {
		return items, nil
	})
	s.Require().NoError(err)
	s.Equal(items, out)
}

func (s *RedisCacheSuite) TestRedisErrorDegradesToMiss() {
	s.mock.ExpectGet("territory:k").SetErr(errors.New("connection refused"))
	var out []street
	s.ErrorIs(s.cache.Get(context.Background(), "k", &out), ErrMiss)
}

func (s *RedisCacheSuite) TestDeletePrefixScansRedis() {
	s.cache.mem.Set("streets:a", []byte(`[]`))
	s.mock.ExpectScan(0, "territory:streets:*", 100).SetVal([]string{"territory:streets:a", "territory:streets:b"}, 0)
	s.mock.ExpectDel("territory:streets:a", "territory:streets:b").SetVal(2)

	n, err := s.cache.DeletePrefix(context.Background(), "streets:")
	s.Require().NoError(err)
	s.Equal(3, n)
}

func TestRedisCacheSuite(t *testing.T) {
	suite.Run(t, new(RedisCacheSuite))
}
