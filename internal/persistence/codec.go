package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/canvas/pkg/api"
)

// EncodeResult serializes a single header result.
func EncodeResult(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// DecodeResults parses a JSON array of results. Empty input yields an empty
// slice.
func DecodeResults(data []byte) ([]any, error) {
	out := []any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// DecodeResultList parses results stored as one JSON document per element.
func DecodeResultList(items []string) ([]any, error) {
	out := make([]any, 0, len(items))
	for i, item := range items {
		var v any
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("decode result %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// NormalizeResult gives v the shape it would have after a trip through
// any durable store.
func NormalizeResult(v any) (any, error) {
	data, err := EncodeResult(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

// EncodeDescriptor serializes a callback descriptor.
func EncodeDescriptor(d api.TaskDescriptor) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode callback: %w", err)
	}
	return data, nil
}

// DecodeDescriptor parses a callback descriptor.
func DecodeDescriptor(data []byte) (api.TaskDescriptor, error) {
	var d api.TaskDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return api.TaskDescriptor{}, fmt.Errorf("decode callback: %w", err)
	}
	return d, nil
}

// NormalizeDescriptor round-trips d through JSON.
func NormalizeDescriptor(d api.TaskDescriptor) (api.TaskDescriptor, error) {
	data, err := EncodeDescriptor(d)
	if err != nil {
		return api.TaskDescriptor{}, err
	}
	return DecodeDescriptor(data)
}
