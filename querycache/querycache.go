package querycache

import (
	"context"
	"errors"
	"reflect"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-cache/keycodec"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const component = "query_cache"

// Loader fetches the value for a cache miss.
type Loader func(ctx context.Context) (interface{}, error)

// ResultCounter lets a result report how many records it holds. Without it,
// slices and maps count their length, nil counts zero and anything else one.
type ResultCounter interface {
	ResultCount() int
}

type Stats struct {
	Tags          int `json:"tags"`
	Registrations int `json:"registrations"`
}

// QueryCache is a read-through cache for data-layer queries. Keys come from
// keycodec.Encode; every computed key is tracked under its dependency tags so
// that InvalidateTag can drop exactly the entries a write affects.
type QueryCache struct {
	store      types.CacheStore
	index      *TagIndex
	recorder   types.SampleRecorder
	sink       types.EventSink
	group      singleflight.Group
	defaultTTL time.Duration
	now        func() time.Time
}

// New builds a query cache over store. recorder and sink may be nil.
func New(store types.CacheStore, recorder types.SampleRecorder, sink types.EventSink, config *types.CacheConfig) *QueryCache {
	qc := &QueryCache{
		store:    store,
		index:    NewTagIndex(),
		recorder: recorder,
		sink:     sink,
		now:      time.Now,
	}

	if config != nil {
		qc.defaultTTL = config.DefaultTTL
	}

	return qc
}

// Compute returns the cached value for (namespace, params) or runs loader and
// caches its result for ttl. A ttl of zero selects the store default and
// types.NoExpiration keeps the entry until it is invalidated.
//
// Store failures are reported to the event sink and treated as a miss; loader
// errors are returned unchanged and nothing is cached. Concurrent misses on the
// same key share one loader call.
func (qc *QueryCache) Compute(ctx context.Context, namespace string, params keycodec.Params, tags []string, ttl time.Duration, loader Loader) (interface{}, error) {
	if loader == nil {
		return nil, types.ErrLoaderIsNil
	}

	key, err := keycodec.Encode(namespace, params)
	if err != nil {
		return nil, err
	}

	start := qc.now()
	qc.index.RegisterUntil(key, qc.deadline(start, ttl), tags...)

	value, found, err := qc.store.Get(ctx, key)
	if err != nil {
		qc.emit(getFailureKind(err), "get", key, err, qc.now().Sub(start))
		found = false
	}

	if found {
		qc.record(key, start, true, value)
		return value, nil
	}

	result, err := qc.load(ctx, key, ttl, loader)
	if err != nil {
		return nil, err
	}

	// The entry outlives the first registration by the loader's runtime.
	qc.index.RegisterUntil(key, qc.deadline(qc.now(), ttl), tags...)
	qc.record(key, start, false, result)

	return result, nil
}

// load runs loader through the singleflight group. A caller that joined a
// flight whose loader failed only because its own caller went away runs the
// load again with its own loader instead of inheriting that cancellation.
func (qc *QueryCache) load(ctx context.Context, key string, ttl time.Duration, loader Loader) (interface{}, error) {
	for {
		ran := false
		flight := qc.group.DoChan(key, func() (interface{}, error) {
			ran = true
			result, err := loader(ctx)
			if err != nil {
				return nil, err
			}

			setStart := qc.now()
			if setErr := qc.store.Set(ctx, key, result, ttl); setErr != nil {
				qc.emit(types.EventWriteFailed, "set", key, setErr, qc.now().Sub(setStart))
			}

			return result, nil
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-flight:
			if res.Err == nil {
				return res.Val, nil
			}
			if ran || !isContextError(res.Err) || ctx.Err() != nil {
				return nil, res.Err
			}
		}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// InvalidateTag deletes every entry registered under tag. The tag is removed
// from the index before the deletes, so a concurrent Compute that registers
// the key again is tracked for the next invalidation. Calling it for an
// unknown tag is a no-op.
func (qc *QueryCache) InvalidateTag(ctx context.Context, tag string) error {
	keys := qc.index.Remove(tag)

	var errs []error
	for _, key := range keys {
		start := qc.now()
		if err := qc.store.Delete(ctx, key); err != nil {
			qc.emit(types.EventInvalidateFailed, "delete", key, err, qc.now().Sub(start))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (qc *QueryCache) InvalidateTags(ctx context.Context, tags ...string) error {
	var errs []error
	for _, tag := range tags {
		if err := qc.InvalidateTag(ctx, tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepTags forgets tag registrations whose entries have expired in the store.
func (qc *QueryCache) SweepTags() int {
	return qc.index.Sweep(qc.now())
}

// Keys lists the cache keys currently registered under tag.
func (qc *QueryCache) Keys(tag string) []string {
	return qc.index.Keys(tag)
}

func (qc *QueryCache) Stats() Stats {
	return Stats{
		Tags:          qc.index.Len(),
		Registrations: qc.index.KeyCount(),
	}
}

func (qc *QueryCache) deadline(from time.Time, ttl time.Duration) time.Time {
	if ttl == 0 {
		ttl = qc.defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return from.Add(ttl)
}

func (qc *QueryCache) record(key string, start time.Time, hit bool, value interface{}) {
	if qc.recorder == nil {
		return
	}

	end := qc.now()
	qc.recorder.Record(types.MetricSample{
		Key:         key,
		DurationMs:  float64(end.Sub(start)) / float64(time.Millisecond),
		Hit:         hit,
		ResultCount: ResultCount(value),
		Timestamp:   end,
	})
}

func (qc *QueryCache) emit(kind types.EventKind, operation, key string, err error, duration time.Duration) {
	if qc.sink == nil {
		return
	}

	qc.sink.Emit(types.Event{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Key:       key,
		Err:       err,
		Duration:  duration,
		Timestamp: qc.now(),
	})
}

func getFailureKind(err error) types.EventKind {
	if types.IsError(err, types.ErrBackendUnavailable) {
		return types.EventBackendUnavailable
	}
	return types.EventDecodeFailed
}

// ResultCount derives the number of records in a loader result.
func ResultCount(value interface{}) int {
	if value == nil {
		return 0
	}

	if counter, ok := value.(ResultCounter); ok {
		return counter.ResultCount()
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return 0
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	default:
		return 1
	}
}

// ComputeAs is Compute for a typed loader. Values read back from a shared
// store arrive as generic JSON and are converted to T.
func ComputeAs[T any](ctx context.Context, qc *QueryCache, namespace string, params keycodec.Params, tags []string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if loader == nil {
		return zero, types.ErrLoaderIsNil
	}

	value, err := qc.Compute(ctx, namespace, params, tags, ttl, func(ctx context.Context) (interface{}, error) {
		return loader(ctx)
	})
	if err != nil {
		return zero, err
	}

	return utils.Convert[T](value)
}
