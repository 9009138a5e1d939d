package types

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Optional holds a value together with whether it was explicitly set.
// A set zero value is different from an absent one: Some(0.0) overrides,
// the zero Optional does not.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether the value is present.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// IsZero reports absence. yaml.v3 and encoding/json (omitzero) use it to omit the field.
func (o Optional[T]) IsZero() bool {
	return !o.set
}

// OrElse returns the value when present, otherwise fallback.
func (o Optional[T]) OrElse(fallback T) T {
	if o.set {
		return o.value
	}
	return fallback
}

// MarshalJSON encodes the value, or null when absent.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON marks the field present unless the literal is null.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode optional value: %w", err)
	}
	*o = Some(v)
	return nil
}

// MarshalYAML encodes the value, or null when absent.
func (o Optional[T]) MarshalYAML() (any, error) {
	if !o.set {
		return nil, nil
	}
	return o.value, nil
}

// UnmarshalYAML is only invoked for keys that appear in the document, which
// is exactly the presence signal we need. Null nodes never reach it.
func (o *Optional[T]) UnmarshalYAML(node *yaml.Node) error {
	var v T
	if err := node.Decode(&v); err != nil {
		return fmt.Errorf("decode optional value: %w", err)
	}
	*o = Some(v)
	return nil
}
