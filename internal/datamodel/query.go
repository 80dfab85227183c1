package datamodel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/itchyny/gojq"
)

// Query runs a jq program against the data and returns its first output.
// A program producing no output yields nil.
func (d *Data) Query(program string) (any, error) {
	q, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parse query %q: %w", program, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile query %q: %w", program, err)
	}

	iter := code.Run(deepCopy(d.root))
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		var halt *gojq.HaltError
		if errors.As(err, &halt) && halt.Value() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("run query %q: %w", program, err)
	}
	return canonical(v)
}

// canonical maps jq output numbers onto float64 like every other Data value.
func canonical(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal query result: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal query result: %w", err)
	}
	return out, nil
}

// QueryData is Query with the result wrapped in the same leaf model.
func (d *Data) QueryData(program string) (*Data, error) {
	v, err := d.Query(program)
	if err != nil {
		return nil, err
	}
	return New(v, d.model)
}
