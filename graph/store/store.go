// Package store persists the transition history of execution containers.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a container has no recorded transitions.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is one processed container request: an accepted transition, or a
// rejected or failed one (Accepted false, Error set).
type Record struct {
	// Application names the owning application.
	Application string

	// ContainerID and Container identify the container.
	ContainerID int64
	Container   string

	// Seq is the per-container request sequence number (1-indexed).
	Seq int64

	// Event is the requested lifecycle event; From and To the states before
	// and after processing. To equals From when the request did not move the
	// container.
	Event string
	From  string
	To    string

	Accepted bool
	Error    string

	// Duration is the processing time of the request.
	Duration time.Duration

	// At is when processing finished.
	At time.Time
}

// Store provides persistence for container transition history.
//
// It enables:
//   - Auditing the path every container took through its lifecycle
//   - Inspecting the last known state of containers after a crash
//
// Implementations:
//   - In-memory storage (for tests and local runs, see memory.go)
//   - SQLite (single file, see sqlite.go)
//   - MySQL / MariaDB (see mysql.go)
type Store interface {
	// SaveTransition persists a record. Saving a record with the same
	// (Application, ContainerID, Seq) again replaces it.
	SaveTransition(ctx context.Context, rec Record) error

	// LoadLatest returns the record with the highest Seq of a container,
	// or ErrNotFound.
	LoadLatest(ctx context.Context, application string, containerID int64) (Record, error)

	// History returns all records of a container ordered by Seq, or
	// ErrNotFound when there are none.
	History(ctx context.Context, application string, containerID int64) ([]Record, error)

	// Latest returns the latest record of every container of an
	// application, ordered by ContainerID. An unknown application yields an
	// empty slice.
	Latest(ctx context.Context, application string) ([]Record, error)
}
