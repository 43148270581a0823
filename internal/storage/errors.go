package storage

import "errors"

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("storage: not found")

// ErrCycle is returned when a collection move would create a cycle in
// the collection tree.
var ErrCycle = errors.New("storage: move would create a cycle")
