package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/keycodec"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/types"
)

type voiceover struct {
	ID       string `json:"id"`
	Language string `json:"language"`
}

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) Emit(event types.Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []types.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.EventKind, 0, len(l.events))
	for _, event := range l.events {
		out = append(out, event.Kind)
	}
	return out
}

// brokenStore fails every operation the way an unreachable backend does.
type brokenStore struct {
	types.CacheStore
}

func (brokenStore) Get(context.Context, string) (interface{}, bool, error) {
	return nil, false, fmt.Errorf("%w: connection refused", types.ErrBackendUnavailable)
}

func (brokenStore) Set(context.Context, string, interface{}, time.Duration) error {
	return fmt.Errorf("%w: connection refused", types.ErrBackendUnavailable)
}

func (brokenStore) Delete(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", types.ErrBackendUnavailable)
}

func newMemoryStore(t *testing.T) types.CacheStore {
	t.Helper()
	store, err := cache.NewMemoryStore(context.Background(), logger.NewNop(), nil)
	require.NoError(t, err)
	return store
}

func newTestQueryCache(t *testing.T) (*QueryCache, *metrics.Recorder, *eventLog) {
	t.Helper()
	recorder := metrics.NewRecorder(nil, nil)
	events := &eventLog{}
	return New(newMemoryStore(t), recorder, events, nil), recorder, events
}

func catalog(n int) []voiceover {
	out := make([]voiceover, n)
	for i := range out {
		out[i] = voiceover{ID: fmt.Sprintf("v%d", i), Language: "en"}
	}
	return out
}

func countingLoader(calls *int32, result interface{}) Loader {
	return func(context.Context) (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return result, nil
	}
}

func TestCompute_ReadThrough(t *testing.T) {
	ctx := context.Background()
	qc, _, _ := newTestQueryCache(t)

	var calls int32
	loader := countingLoader(&calls, catalog(3))

	first, err := qc.Compute(ctx, "voiceovers", keycodec.Params{"limit": 3}, []string{"voiceovers"}, time.Minute, loader)
	require.NoError(t, err)
	second, err := qc.Compute(ctx, "voiceovers", keycodec.Params{"limit": 3}, []string{"voiceovers"}, time.Minute, loader)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first, second)
}

func TestCompute_EndToEndHomepageScenario(t *testing.T) {
	ctx := context.Background()
	qc, recorder, _ := newTestQueryCache(t)

	var calls int32
	items := catalog(50)
	loader := countingLoader(&calls, items)
	tags := []string{"voiceovers", "homepage"}
	params := keycodec.Params{"limit": 50}

	result, err := qc.Compute(ctx, "voiceovers-homepage", params, tags, 1800*time.Second, loader)
	require.NoError(t, err)
	assert.Len(t, result, 50)
	assert.Equal(t, int32(1), calls)

	again, err := qc.Compute(ctx, "voiceovers-homepage", params, tags, 1800*time.Second, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, items, again)

	require.NoError(t, qc.InvalidateTag(ctx, "voiceovers"))

	_, err = qc.Compute(ctx, "voiceovers-homepage", params, tags, 1800*time.Second, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)

	samples := recorder.Samples()
	require.Len(t, samples, 3)
	assert.False(t, samples[0].Hit)
	assert.Equal(t, 50, samples[0].ResultCount)
	assert.True(t, samples[1].Hit)
	assert.False(t, samples[2].Hit)
	assert.InDelta(t, 1.0/3.0, recorder.Aggregate(time.Minute).HitRate, 1e-9)
}

func TestCompute_KeyOrderIndependent(t *testing.T) {
	ctx := context.Background()
	qc, _, _ := newTestQueryCache(t)

	var calls int32
	loader := countingLoader(&calls, "ok")

	_, err := qc.Compute(ctx, "voiceovers", keycodec.Params{"a": 1, "b": "x", "c": nil}, nil, 0, loader)
	require.NoError(t, err)
	_, err = qc.Compute(ctx, "voiceovers", keycodec.Params{"b": "x", "a": 1}, nil, 0, loader)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls)
}

func TestInvalidateTag_Isolation(t *testing.T) {
	ctx := context.Background()
	qc, _, _ := newTestQueryCache(t)

	var voCalls, homeCalls int32
	voLoader := countingLoader(&voCalls, catalog(2))
	homeLoader := countingLoader(&homeCalls, "hero")

	_, err := qc.Compute(ctx, "voiceovers", nil, []string{"voiceovers"}, 0, voLoader)
	require.NoError(t, err)
	_, err = qc.Compute(ctx, "homepage", nil, []string{"homepage"}, 0, homeLoader)
	require.NoError(t, err)

	require.NoError(t, qc.InvalidateTag(ctx, "homepage"))

	_, err = qc.Compute(ctx, "voiceovers", nil, []string{"voiceovers"}, 0, voLoader)
	require.NoError(t, err)
	_, err = qc.Compute(ctx, "homepage", nil, []string{"homepage"}, 0, homeLoader)
	require.NoError(t, err)

	assert.Equal(t, int32(1), voCalls)
	assert.Equal(t, int32(2), homeCalls)
}

func TestInvalidateTag_UnknownTagIsNoop(t *testing.T) {
	qc, _, _ := newTestQueryCache(t)
	assert.NoError(t, qc.InvalidateTag(context.Background(), "nothing"))
}

func TestInvalidateTag_RemovesTagFromIndex(t *testing.T) {
	ctx := context.Background()
	qc, _, _ := newTestQueryCache(t)

	var calls int32
	_, err := qc.Compute(ctx, "voiceovers", nil, []string{"voiceovers", "homepage"}, 0, countingLoader(&calls, 1))
	require.NoError(t, err)
	assert.Equal(t, Stats{Tags: 2, Registrations: 2}, qc.Stats())

	require.NoError(t, qc.InvalidateTags(ctx, "voiceovers", "homepage"))
	assert.Equal(t, Stats{}, qc.Stats())
}

func TestCompute_LoaderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	qc, recorder, _ := newTestQueryCache(t)

	loaderErr := errors.New("content store offline")
	_, err := qc.Compute(ctx, "voiceovers", nil, []string{"voiceovers"}, 0, func(context.Context) (interface{}, error) {
		return nil, loaderErr
	})
	assert.Same(t, loaderErr, err)
	assert.Equal(t, 0, recorder.Len())

	var calls int32
	_, err = qc.Compute(ctx, "voiceovers", nil, []string{"voiceovers"}, 0, countingLoader(&calls, "ok"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestCompute_NilLoaderAndBadParams(t *testing.T) {
	qc, _, _ := newTestQueryCache(t)

	_, err := qc.Compute(context.Background(), "ns", nil, nil, 0, nil)
	assert.ErrorIs(t, err, types.ErrLoaderIsNil)

	var calls int32
	_, err = qc.Compute(context.Background(), "ns", keycodec.Params{"fn": func() {}}, nil, 0, countingLoader(&calls, 1))
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
	assert.Equal(t, int32(0), calls)
}

func TestCompute_BackendFailureIsAMiss(t *testing.T) {
	ctx := context.Background()
	events := &eventLog{}
	qc := New(brokenStore{}, nil, events, nil)

	var calls int32
	for i := 0; i < 2; i++ {
		result, err := qc.Compute(ctx, "voiceovers", nil, []string{"voiceovers"}, 0, countingLoader(&calls, "fresh"))
		require.NoError(t, err)
		assert.Equal(t, "fresh", result)
	}

	assert.Equal(t, int32(2), calls)
	assert.Equal(t, []types.EventKind{
		types.EventBackendUnavailable, types.EventWriteFailed,
		types.EventBackendUnavailable, types.EventWriteFailed,
	}, events.kinds())

	err := qc.InvalidateTag(ctx, "voiceovers")
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)
	assert.Contains(t, events.kinds(), types.EventInvalidateFailed)
	assert.Equal(t, 0, qc.Stats().Tags)
}

func TestCompute_ConcurrentMissesShareLoader(t *testing.T) {
	ctx := context.Background()
	qc, _, _ := newTestQueryCache(t)

	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = qc.Compute(ctx, "slow", nil, nil, 0, loader)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(8))
	for _, result := range results {
		assert.Equal(t, "value", result)
	}
}

func TestCompute_CancelledCallerDoesNotFailOthers(t *testing.T) {
	qc, _, _ := newTestQueryCache(t)

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := qc.Compute(firstCtx, "voiceovers", nil, []string{"voiceovers"}, 0, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		firstDone <- err
	}()
	<-started

	var calls int32
	secondDone := make(chan error, 1)
	var second interface{}
	go func() {
		var err error
		second, err = qc.Compute(context.Background(), "voiceovers", nil, []string{"voiceovers"}, 0, countingLoader(&calls, "fresh"))
		secondDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstDone, context.Canceled)
	require.NoError(t, <-secondDone)
	assert.Equal(t, "fresh", second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCompute_OwnLoaderContextErrorPropagates(t *testing.T) {
	qc, _, _ := newTestQueryCache(t)

	var calls int32
	_, err := qc.Compute(context.Background(), "voiceovers", nil, nil, 0, func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSweepTags(t *testing.T) {
	ctx := context.Background()
	qc, _, _ := newTestQueryCache(t)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	qc.now = func() time.Time { return now }

	var calls int32
	_, err := qc.Compute(ctx, "short", nil, []string{"voiceovers"}, time.Minute, countingLoader(&calls, 1))
	require.NoError(t, err)
	_, err = qc.Compute(ctx, "forever", nil, []string{"voiceovers"}, types.NoExpiration, countingLoader(&calls, 2))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, qc.SweepTags())
	assert.Equal(t, []string{"forever:{}"}, qc.Keys("voiceovers"))
}

type page struct {
	Items []voiceover `json:"items"`
	Total int         `json:"total"`
}

func (p page) ResultCount() int { return len(p.Items) }

func TestResultCount(t *testing.T) {
	assert.Equal(t, 0, ResultCount(nil))
	assert.Equal(t, 3, ResultCount([]int{1, 2, 3}))
	assert.Equal(t, 2, ResultCount(map[string]int{"a": 1, "b": 2}))
	assert.Equal(t, 1, ResultCount(voiceover{}))
	assert.Equal(t, 4, ResultCount(&[]string{"a", "b", "c", "d"}))
	assert.Equal(t, 2, ResultCount(page{Items: catalog(2), Total: 10}))
}

func TestComputeAs_RedisRoundTrip(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := cache.NewRedisStore(ctx, logger.NewNop(), client, cache.DefaultRedisConfig(), nil)
	require.NoError(t, err)

	qc := New(store, nil, nil, nil)

	var calls int32
	loader := func(context.Context) (page, error) {
		atomic.AddInt32(&calls, 1)
		return page{Items: catalog(2), Total: 2}, nil
	}

	first, err := ComputeAs(ctx, qc, "voiceovers", keycodec.Params{"limit": 2}, []string{"voiceovers"}, time.Minute, loader)
	require.NoError(t, err)
	second, err := ComputeAs(ctx, qc, "voiceovers", keycodec.Params{"limit": 2}, []string{"voiceovers"}, time.Minute, loader)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, first, second)
	assert.Equal(t, "v1", second.Items[1].ID)
}
