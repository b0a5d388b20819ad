package function

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
)

var (
	ErrNotObject      = errors.New("payload is not a JSON object")
	ErrNonScalarValue = errors.New("snapshot value is not a scalar")
	ErrNonFiniteValue = errors.New("result value is not finite")
	ErrMissingField   = errors.New("snapshot field missing")
	ErrFieldType      = errors.New("snapshot field has unexpected type")
)

// Snapshot is one polled batch of measurements: a flat mapping of keys to
// scalars. Numbers are kept as json.Number so integers and floats survive
// decoding unchanged.
type Snapshot map[string]any

// Result is what a handler produces for one snapshot.
type Result map[string]float64

// Equal reports whether two snapshots hold the same keys with equal values.
// Numbers compare by value, so 1 and 1.0 are equal.
func Equal(a, b Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !scalarEqual(av, bv) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	an, aNum := toNumber(a)
	bn, bNum := toNumber(b)
	if aNum || bNum {
		return aNum && bNum && numberEqual(an, bn)
	}
	return a == b
}

// toNumber renders a numeric value as its decimal text.
func toNumber(v any) (json.Number, bool) {
	switch n := v.(type) {
	case json.Number:
		return n, true
	case float64:
		return json.Number(strconv.FormatFloat(n, 'g', -1, 64)), true
	case float32:
		return json.Number(strconv.FormatFloat(float64(n), 'g', -1, 32)), true
	case int:
		return json.Number(strconv.Itoa(n)), true
	case int64:
		return json.Number(strconv.FormatInt(n, 10)), true
	case uint64:
		return json.Number(strconv.FormatUint(n, 10)), true
	default:
		return "", false
	}
}

// numberEqual compares two decimal numbers exactly. Integers beyond 2^53
// stay distinct; 1 and 1.0 are equal.
func numberEqual(a, b json.Number) bool {
	if ai, err := a.Int64(); err == nil {
		if bi, err := b.Int64(); err == nil {
			return ai == bi
		}
	}
	ad, _, aerr := apd.NewFromString(string(a))
	bd, _, berr := apd.NewFromString(string(b))
	if aerr == nil && berr == nil {
		return ad.Cmp(bd) == 0
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Keys returns the snapshot keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present.
func (s Snapshot) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Float returns a numeric field as float64.
func (s Snapshot) Float(key string) (float64, error) {
	v, ok := s[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, want number", ErrFieldType, key, v)
	}
	return f, nil
}

// Int returns an integral numeric field.
func (s Snapshot) Int(key string) (int64, error) {
	v, ok := s[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%s, want integer", ErrFieldType, key, n)
		}
		return i, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s is %T, want integer", ErrFieldType, key, v)
	}
}

// String returns a string field.
func (s Snapshot) String(key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, want string", ErrFieldType, key, v)
	}
	return str, nil
}

// Time parses a string field as an ISO 8601 timestamp. Timestamps without a
// zone offset are read as UTC.
func (s Snapshot) Time(key string) (time.Time, error) {
	str, err := s.String(key)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, str); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s=%q is not a timestamp", ErrFieldType, key, str)
}

// Summary renders a short description of the snapshot for logs.
func (s Snapshot) Summary() string {
	keys := s.Keys()
	const limit = 5
	if len(keys) > limit {
		return fmt.Sprintf("%d keys %v...", len(keys), keys[:limit])
	}
	return fmt.Sprintf("%d keys %v", len(keys), keys)
}

// Summary renders a short description of the result for logs.
func (r Result) Summary() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for i, k := range keys {
		if i == 5 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, k+"="+strconv.FormatFloat(r[k], 'g', 6, 64))
	}
	return fmt.Sprintf("%d keys %v", len(r), parts)
}

func validateResult(r Result) error {
	for k, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s=%v", ErrNonFiniteValue, k, v)
		}
	}
	return nil
}
