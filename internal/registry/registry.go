// Package registry provides the (type, implementation) lookup tables that
// handler families are dispatched through.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultImpl is the implementation name used when none is configured.
const DefaultImpl = "default"

// ErrNotFound matches every NotFoundError.
var ErrNotFound = errors.New("handler not found")

// ErrDuplicate is returned when registering over an existing entry without Override.
var ErrDuplicate = errors.New("handler already registered")

// NotFoundError names the category, type and implementation that had no handler.
type NotFoundError struct {
	Category string
	Type     string
	Impl     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s handler registered for type %q (implementation %q)", e.Category, e.Type, e.Impl)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Key identifies one registered handler.
type Key struct {
	Type string `json:"type"`
	Impl string `json:"impl"`
}

// Table maps (type, implementation) to a handler of one category.
// It is safe for concurrent use.
type Table[H any] struct {
	category string

	mu       sync.RWMutex
	handlers map[Key]H
}

// NewTable creates an empty table for category.
func NewTable[H any](category string) *Table[H] {
	return &Table[H]{category: category, handlers: make(map[Key]H)}
}

// Category returns the table's category name.
func (t *Table[H]) Category() string {
	return t.category
}

// Register adds h under (typeName, impl). An empty impl means DefaultImpl.
// Registering an existing key fails with ErrDuplicate.
func (t *Table[H]) Register(typeName, impl string, h H) error {
	k := key(typeName, impl)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[k]; ok {
		return fmt.Errorf("%s %q/%q: %w", t.category, k.Type, k.Impl, ErrDuplicate)
	}
	t.handlers[k] = h
	return nil
}

// Override replaces or adds h under (typeName, impl).
func (t *Table[H]) Override(typeName, impl string, h H) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[key(typeName, impl)] = h
}

// Dispatch returns the handler registered for (typeName, impl).
func (t *Table[H]) Dispatch(typeName, impl string) (H, error) {
	k := key(typeName, impl)
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[k]
	if !ok {
		var zero H
		return zero, &NotFoundError{Category: t.category, Type: k.Type, Impl: k.Impl}
	}
	return h, nil
}

// Keys returns every registered key sorted by type then implementation.
func (t *Table[H]) Keys() []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]Key, 0, len(t.handlers))
	for k := range t.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Impl < keys[j].Impl
	})
	return keys
}

func key(typeName, impl string) Key {
	if impl == "" {
		impl = DefaultImpl
	}
	return Key{Type: typeName, Impl: impl}
}
