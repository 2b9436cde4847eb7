package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ReservedPrefix marks kwarg keys owned by canvas. Task parameters must never
// use it.
const ReservedPrefix = "__canvas_"

// Reserved kwarg keys threaded through job payloads.
const (
	ResultKey        = ReservedPrefix + "result"
	ChainIDKey       = ReservedPrefix + "chain_id"
	ChainNextKey     = ReservedPrefix + "chain_next"
	ChordIDKey       = ReservedPrefix + "chord_id"
	ChordSizeKey     = ReservedPrefix + "chord_size"
	ChordCallbackKey = ReservedPrefix + "chord_callback"
)

// IsReservedKey reports whether name falls in the reserved namespace.
func IsReservedKey(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// ValidateKwargNames rejects any key in the reserved namespace.
func ValidateKwargNames(kw Kwargs) error {
	for k := range kw {
		if IsReservedKey(k) {
			return fmt.Errorf("%w: %q", ErrReservedKwarg, k)
		}
	}
	return nil
}

// Kwargs are the keyword arguments of a task invocation.
//
// Values must be JSON-encodable: durable queues and barrier stores persist
// them as JSON.
type Kwargs map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty, non-nil map.
func (k Kwargs) Clone() Kwargs {
	out := make(Kwargs, len(k))
	for key, v := range k {
		out[key] = v
	}
	return out
}

// Merge returns a copy of k with overrides applied on top.
func (k Kwargs) Merge(overrides Kwargs) Kwargs {
	out := k.Clone()
	for key, v := range overrides {
		out[key] = v
	}
	return out
}

// Options are the dispatch options of a task invocation.
type Options struct {
	Queue       string        `json:"queue,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	Lock        string        `json:"lock,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
}

// Merge returns o with every non-zero field of other applied on top.
func (o Options) Merge(other Options) Options {
	if other.Queue != "" {
		o.Queue = other.Queue
	}
	if other.Priority != 0 {
		o.Priority = other.Priority
	}
	if other.Lock != "" {
		o.Lock = other.Lock
	}
	if other.Delay != 0 {
		o.Delay = other.Delay
	}
	if other.MaxAttempts != 0 {
		o.MaxAttempts = other.MaxAttempts
	}
	return o
}

// Arg reads kw[key] as a T.
//
// The value is converted through JSON so a handler sees the same thing
// whether its job travelled through an in-memory queue (native Go values) or
// a durable one (decoded JSON, where numbers are float64).
func Arg[T any](kw Kwargs, key string) (T, error) {
	var zero T
	v, ok := kw[key]
	if !ok {
		return zero, fmt.Errorf("missing kwarg %q", key)
	}
	out, err := convert[T](v)
	if err != nil {
		return zero, fmt.Errorf("kwarg %q: %w", key, err)
	}
	return out, nil
}

// Result reads the upstream result injected under ResultKey.
// ok is false when no result was injected.
func Result[T any](kw Kwargs) (value T, ok bool, err error) {
	v, present := kw[ResultKey]
	if !present {
		return value, false, nil
	}
	value, err = convert[T](v)
	if err != nil {
		return value, true, fmt.Errorf("upstream result: %w", err)
	}
	return value, true, nil
}

func convert[T any](v any) (T, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
