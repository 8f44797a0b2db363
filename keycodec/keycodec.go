package keycodec

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/saiset-co/sai-cache/types"
)

// MaxInlineLength is the longest canonical form kept verbatim in a key. Longer
// forms are replaced by the first HashBytes bytes of their SHA-256, hex encoded.
const (
	MaxInlineLength = 128
	HashBytes       = 16
)

// Params is a query description: string keys mapping to primitives, time
// values, slices or nested Params.
type Params map[string]interface{}

var canonicalJSON = sonic.Config{
	SortMapKeys:    true,
	ValidateString: true,
}.Froze()

// Encode builds the data-layer cache key for namespace and params. Map keys are
// sorted at every level and nil values are dropped, so semantically equal
// parameter sets produce the same key.
func Encode(namespace string, params Params) (string, error) {
	if namespace == "" {
		return "", types.ErrCacheKeyEmpty
	}

	canonical, err := Canonical(params)
	if err != nil {
		return "", err
	}

	return namespace + ":" + compact(canonical), nil
}

// Canonical returns the normalized JSON form of params without the namespace
// and without hashing.
func Canonical(params Params) (string, error) {
	normalized, err := normalize(map[string]interface{}(params), "")
	if err != nil {
		return "", err
	}
	if normalized == nil {
		normalized = map[string]interface{}{}
	}

	data, err := canonicalJSON.Marshal(normalized)
	if err != nil {
		return "", types.Errorf(types.ErrInvalidParameter, "encode params: %v", err)
	}

	return string(data), nil
}

func compact(canonical string) string {
	if len(canonical) <= MaxInlineLength {
		return canonical
	}

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:HashBytes])
}

func normalize(value interface{}, path string) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, bool:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, nil
	case float32:
		return normalizeFloat(float64(v), path)
	case float64:
		return normalizeFloat(v, path)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case time.Duration:
		return int64(v), nil
	case Params:
		return normalizeMap(v, path)
	case map[string]interface{}:
		return normalizeMap(v, path)
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = item
		}
		return out, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := normalize(rv.Index(i).Interface(), path+"[]")
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, types.Errorf(types.ErrInvalidParameter, "%s: map keys must be strings", label(path))
		}
		generic := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			generic[iter.Key().String()] = iter.Value().Interface()
		}
		return normalizeMap(generic, path)
	}

	return nil, types.Errorf(types.ErrInvalidParameter, "%s: unsupported value of type %T", label(path), value)
}

func normalizeMap(m map[string]interface{}, path string) (interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for key, item := range m {
		normalized, err := normalize(item, join(path, key))
		if err != nil {
			return nil, err
		}
		if normalized == nil {
			continue
		}
		out[key] = normalized
	}
	return out, nil
}

func normalizeFloat(f float64, path string) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, types.Errorf(types.ErrInvalidParameter, "%s: non-finite number", label(path))
	}
	return f, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func label(path string) string {
	if path == "" {
		return "params"
	}
	return path
}

// EncodeResponse builds the HTTP response cache key: base followed by the query
// parameters sorted by name. Values of a repeated parameter keep their order.
func EncodeResponse(base string, params map[string][]string) string {
	if len(params) == 0 {
		return base
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteByte('?')

	first := true
	for _, name := range names {
		values := params[name]
		if len(values) == 0 {
			values = []string{""}
		}
		for _, value := range values {
			if !first {
				sb.WriteByte('&')
			}
			first = false
			sb.WriteString(url.QueryEscape(name))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(value))
		}
	}

	return sb.String()
}
