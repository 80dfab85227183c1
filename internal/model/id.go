package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID. Ids sort by creation time; the task queue claims
// pending tasks in id order.
func NewID() string {
	return ulid.Make().String()
}
