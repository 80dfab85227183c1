package datamodel

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Magic prefixes an encoded typed leaf.
const Magic = "b64json://"

// DefaultKeyword is the object key naming a leaf's registered type.
const DefaultKeyword = "$type"

// ErrUnknownLeafType is returned when a leaf names a type that is not registered.
var ErrUnknownLeafType = errors.New("unknown leaf type")

// LeafType converts one registered Go type to and from its JSON object form.
// Encode reports false when the value is not of this type.
type LeafType struct {
	Name   string
	Decode func(obj map[string]any) (any, error)
	Encode func(v any) (map[string]any, bool)
}

// LeafModel is a registry of typed leafs keyed by the value of Keyword.
type LeafModel struct {
	Keyword string

	mu    sync.RWMutex
	types map[string]LeafType
}

// NewLeafModel creates an empty model; an empty keyword selects DefaultKeyword.
func NewLeafModel(keyword string) *LeafModel {
	if keyword == "" {
		keyword = DefaultKeyword
	}
	return &LeafModel{Keyword: keyword, types: make(map[string]LeafType)}
}

// Register adds a leaf type. Registering a name twice is an error.
func (m *LeafModel) Register(lt LeafType) error {
	if lt.Name == "" || lt.Decode == nil || lt.Encode == nil {
		return fmt.Errorf("register leaf type %q: name, decode and encode are required", lt.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[lt.Name]; ok {
		return fmt.Errorf("register leaf type %q: already registered", lt.Name)
	}
	m.types[lt.Name] = lt
	return nil
}

// Names returns the registered type names, sorted.
func (m *LeafModel) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.types))
	for n := range m.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// isLeafObject reports whether obj is the JSON form of a typed leaf.
func (m *LeafModel) isLeafObject(obj map[string]any) bool {
	if m == nil {
		return false
	}
	_, ok := obj[m.Keyword].(string)
	return ok
}

func (m *LeafModel) encode(v any) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, lt := range m.types {
		if obj, ok := lt.Encode(v); ok {
			out := make(map[string]any, len(obj)+1)
			for k, val := range obj {
				out[k] = val
			}
			out[m.Keyword] = name
			return out, true
		}
	}
	return nil, false
}

func (m *LeafModel) decode(obj map[string]any) (any, error) {
	name, _ := obj[m.Keyword].(string)
	m.mu.RLock()
	lt, ok := m.types[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLeafType, name)
	}
	v, err := lt.Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("decode leaf %q: %w", name, err)
	}
	return v, nil
}

// EncodeLeaf renders a typed leaf object as a Magic-prefixed string.
func EncodeLeaf(obj map[string]any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal leaf: %w", err)
	}
	return Magic + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeLeaf reverses EncodeLeaf. It reports false for strings without the
// Magic prefix.
func DecodeLeaf(s string) (map[string]any, bool, error) {
	payload, ok := strings.CutPrefix(s, Magic)
	if !ok {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, true, fmt.Errorf("decode leaf base64: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, true, fmt.Errorf("decode leaf json: %w", err)
	}
	return obj, true, nil
}
