package datamodel

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Data is an immutable structured value bound to an optional LeafModel.
// Every method that changes content returns a new Data.
type Data struct {
	root  any
	model *LeafModel
}

// Leaf is one non-container value and its location.
type Leaf struct {
	Pointer Pointer
	Value   any
}

// New normalizes v into canonical JSON form. Values matching a registered
// leaf type and Magic-encoded strings both become typed leaf objects.
func New(v any, m *LeafModel) (*Data, error) {
	raw, err := json.Marshal(encodeTyped(v, m))
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	var canonical any
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	root, err := expandMagic(canonical)
	if err != nil {
		return nil, err
	}
	return &Data{root: root, model: m}, nil
}

// Parse decodes JSON text into a Data.
func Parse(raw []byte, m *LeafModel) (*Data, error) {
	if len(raw) == 0 {
		return New(map[string]any{}, m)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse data: %w", err)
	}
	return New(v, m)
}

// MustNew is New for literals known to be valid.
func MustNew(v any, m *LeafModel) *Data {
	d, err := New(v, m)
	if err != nil {
		panic(err)
	}
	return d
}

// Model returns the leaf model the data is bound to, possibly nil.
func (d *Data) Model() *LeafModel {
	return d.model
}

// JSON returns a copy of the canonical JSON value.
func (d *Data) JSON() any {
	return deepCopy(d.root)
}

// MarshalJSON implements json.Marshaler.
func (d *Data) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.root)
}

// Equal reports whether both values have the same canonical JSON form.
func (d *Data) Equal(other *Data) bool {
	if d == nil || other == nil {
		return d == other
	}
	return reflect.DeepEqual(d.root, other.root)
}

// Map returns a copy of the value as an object.
func (d *Data) Map() (map[string]any, bool) {
	m, ok := deepCopy(d.root).(map[string]any)
	return m, ok
}

// Encoded returns a copy in which every typed leaf object is replaced by its
// Magic string, suitable for channels that only carry scalar text.
func (d *Data) Encoded() (any, error) {
	return d.rewrite(d.root, func(obj map[string]any) (any, error) {
		return EncodeLeaf(obj)
	})
}

// Typed returns a copy in which every typed leaf object is decoded to the Go
// value produced by its registered LeafType.
func (d *Data) Typed() (any, error) {
	return d.rewrite(d.root, d.model.decode)
}

func (d *Data) rewrite(v any, fn func(map[string]any) (any, error)) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if d.model.isLeafObject(t) {
			return fn(t)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			r, err := d.rewrite(val, fn)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := d.rewrite(val, fn)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Leafs lists every leaf in deterministic order: object keys sorted, array
// items by index. Typed leaf objects are reported as single leafs.
func (d *Data) Leafs() []Leaf {
	var out []Leaf
	d.walk(Pointer{}, d.root, func(p Pointer, v any) {
		out = append(out, Leaf{Pointer: p, Value: deepCopy(v)})
	})
	return out
}

func (d *Data) walk(p Pointer, v any, fn func(Pointer, any)) {
	switch t := v.(type) {
	case map[string]any:
		if d.model.isLeafObject(t) {
			fn(p, t)
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.walk(p.child(k), t[k], fn)
		}
	case []any:
		for i, item := range t {
			d.walk(p.child(strconv.Itoa(i)), item, fn)
		}
	default:
		fn(p, v)
	}
}

// MapStrings returns a new Data with every string leaf passed through fn.
func (d *Data) MapStrings(fn func(p Pointer, s string) (string, error)) (*Data, error) {
	root := deepCopy(d.root)
	var firstErr error
	d.walk(Pointer{}, d.root, func(p Pointer, v any) {
		s, ok := v.(string)
		if !ok || firstErr != nil {
			return
		}
		replaced, err := fn(p, s)
		if err != nil {
			firstErr = err
			return
		}
		root, err = set(root, p, replaced)
		if err != nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return &Data{root: root, model: d.model}, nil
}

// Get returns a copy of the value at p.
func (d *Data) Get(p Pointer) (any, error) {
	cur := d.root
	for i, tok := range p {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[tok]
			if !ok {
				return nil, fmt.Errorf("get %s: key %q not found", p, tok)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, fmt.Errorf("get %s: bad index %q", p, tok)
			}
			cur = t[idx]
		default:
			return nil, fmt.Errorf("get %s: %s is not a container", p, p[:i])
		}
	}
	return deepCopy(cur), nil
}

// Replace returns a new Data with the value at p set to v.
func (d *Data) Replace(p Pointer, v any) (*Data, error) {
	nv, err := New(v, d.model)
	if err != nil {
		return nil, err
	}
	root, err := set(deepCopy(d.root), p, nv.root)
	if err != nil {
		return nil, err
	}
	return &Data{root: root, model: d.model}, nil
}

// set assigns v at p inside root, which the caller owns.
func set(root any, p Pointer, v any) (any, error) {
	if len(p) == 0 {
		return v, nil
	}
	parent := root
	for i, tok := range p[:len(p)-1] {
		switch t := parent.(type) {
		case map[string]any:
			parent = t[tok]
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, fmt.Errorf("set %s: bad index %q", p, tok)
			}
			parent = t[idx]
		default:
			return nil, fmt.Errorf("set %s: %s is not a container", p, p[:i])
		}
	}
	last := p[len(p)-1]
	switch t := parent.(type) {
	case map[string]any:
		t[last] = v
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(t) {
			return nil, fmt.Errorf("set %s: bad index %q", p, last)
		}
		t[idx] = v
	default:
		return nil, fmt.Errorf("set %s: parent is not a container", p)
	}
	return root, nil
}

func encodeTyped(v any, m *LeafModel) any {
	if obj, ok := m.encode(v); ok {
		return obj
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = encodeTyped(val, m)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = encodeTyped(val, m)
		}
		return out
	case *Data:
		return t.root
	default:
		return v
	}
}

func expandMagic(v any) (any, error) {
	switch t := v.(type) {
	case string:
		obj, ok, err := DecodeLeaf(t)
		if err != nil {
			return nil, err
		}
		if ok {
			return obj, nil
		}
		return t, nil
	case map[string]any:
		for k, val := range t {
			r, err := expandMagic(val)
			if err != nil {
				return nil, err
			}
			t[k] = r
		}
		return t, nil
	case []any:
		for i, val := range t {
			r, err := expandMagic(val)
			if err != nil {
				return nil, err
			}
			t[i] = r
		}
		return t, nil
	default:
		return v, nil
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
