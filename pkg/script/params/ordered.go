package params

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ordered is a parameter map that remembers insertion order. JSON encoding
// and decoding preserve it, so a script sees its parameters in the order
// the caller wrote them.
type Ordered struct {
	keys   []string
	values map[string]any
}

// NewOrdered creates an empty parameter map.
func NewOrdered() *Ordered {
	return &Ordered{values: make(map[string]any)}
}

// FromPairs builds an Ordered from alternating key/value arguments.
// Intended for tests and CLI construction.
func FromPairs(pairs ...any) (*Ordered, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("odd number of pair arguments")
	}
	o := NewOrdered()
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("key %d is not a string", i/2)
		}
		o.Set(key, pairs[i+1])
	}
	return o, nil
}

// Set stores value under key, keeping the key's original position when it
// already exists.
func (o *Ordered) Set(key string, value any) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value for key.
func (o *Ordered) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (o *Ordered) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of parameters.
func (o *Ordered) Len() int {
	return len(o.keys)
}

// MarshalJSON encodes as a JSON object in insertion order.
func (o *Ordered) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(o.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, recording key order.
func (o *Ordered) UnmarshalJSON(data []byte) error {
	o.keys = nil
	o.values = make(map[string]any)

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("parameters must be a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		o.Set(key, value)
	}

	// Consume closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
