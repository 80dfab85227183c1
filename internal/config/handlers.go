package config

import (
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

const envHandlerConfig = "PACKTIVITY_HANDLER_CONFIG"

const defaultImpl = "default"

// HandlerSelection picks the implementation name per (category, type).
type HandlerSelection struct {
	impls map[string]map[string]string
}

// NewHandlerSelection copies impls, keyed category -> type -> implementation.
func NewHandlerSelection(impls map[string]map[string]string) HandlerSelection {
	out := make(map[string]map[string]string, len(impls))
	for cat, types := range impls {
		out[cat] = maps.Clone(types)
	}
	return HandlerSelection{impls: out}
}

// Impl returns the implementation for (category, typeName), or "default".
func (h HandlerSelection) Impl(category, typeName string) string {
	if impl := h.impls[category][typeName]; impl != "" {
		return impl
	}
	return defaultImpl
}

// LoadHandlerSelection reads a YAML document of the form
//
//	environment:
//	  docker-encapsulated: kubernetes
func LoadHandlerSelection(path string) (HandlerSelection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HandlerSelection{}, fmt.Errorf("read handler config: %w", err)
	}
	var impls map[string]map[string]string
	if err := yaml.Unmarshal(raw, &impls); err != nil {
		return HandlerSelection{}, fmt.Errorf("parse handler config: %w", err)
	}
	return NewHandlerSelection(impls), nil
}

// HandlerSelectionFromEnv loads the file named by PACKTIVITY_HANDLER_CONFIG,
// or returns the all-default selection when it is unset.
func HandlerSelectionFromEnv() (HandlerSelection, error) {
	path := os.Getenv(envHandlerConfig)
	if path == "" {
		return NewHandlerSelection(nil), nil
	}
	return LoadHandlerSelection(path)
}
