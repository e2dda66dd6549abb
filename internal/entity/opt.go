package entity

import "encoding/json"

// Opt is a progressively known value. The zero Opt is absent: the true
// value has not been fetched yet. A known Opt may still hold an empty value.
type Opt[T any] struct {
	val T
	ok  bool
}

// Some returns a known value.
func Some[T any](v T) Opt[T] {
	return Opt[T]{val: v, ok: true}
}

// None returns an absent value.
func None[T any]() Opt[T] {
	return Opt[T]{}
}

// Get returns the value and whether it is known.
func (o Opt[T]) Get() (T, bool) {
	return o.val, o.ok
}

// Known reports whether the value has been fetched.
func (o Opt[T]) Known() bool {
	return o.ok
}

// Or returns the value when known, def otherwise.
func (o Opt[T]) Or(def T) T {
	if o.ok {
		return o.val
	}
	return def
}

// MarshalJSON encodes an absent value as null.
func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.val)
}

// UnmarshalJSON decodes null as absent.
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Opt[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}
