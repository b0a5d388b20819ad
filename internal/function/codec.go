package function

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// wire is the JSON configuration for snapshot and result payloads. Numbers
// decode to json.Number and map keys are emitted sorted so equal results
// produce identical bytes.
var wire = sonic.Config{
	UseNumber:        true,
	SortMapKeys:      true,
	EscapeHTML:       false,
	ValidateString:   true,
	CompactMarshaler: true,
}.Froze()

// DecodeSnapshot parses a UTF-8 JSON object of scalars.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var v any
	if err := wire.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, v)
	}
	for k, val := range obj {
		switch val.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: %s", ErrNonScalarValue, k)
		}
	}
	return Snapshot(obj), nil
}

// EncodeSnapshot serializes a snapshot. It is used by producers.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	for k, val := range s {
		switch val.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: %s", ErrNonScalarValue, k)
		}
	}
	data, err := wire.Marshal(map[string]any(s))
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// EncodeResult serializes a handler result. NaN and infinities are rejected
// because JSON cannot carry them.
func EncodeResult(r Result) ([]byte, error) {
	if err := validateResult(r); err != nil {
		return nil, err
	}
	if r == nil {
		r = Result{}
	}
	data, err := wire.Marshal(map[string]float64(r))
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return data, nil
}

// DecodeResult parses a stored result payload.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := wire.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return r, nil
}

// Marshal and Unmarshal expose the wire codec to script runtimes, which
// exchange env and context fields alongside the snapshot.
func Marshal(v any) ([]byte, error) { return wire.Marshal(v) }

func Unmarshal(data []byte, v any) error { return wire.Unmarshal(data, v) }
