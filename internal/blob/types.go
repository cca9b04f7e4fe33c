// Package blob wires the report archive: it re-exports the blob contracts,
// selects a backend from configuration and names archived artifacts.
package blob

import "titertrack/internal/blob/core"

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures download URLs.
	SignedURLOptions = core.SignedURLOptions
	// Info describes a stored blob.
	Info = core.Info
	// Store is the blob backend contract.
	Store = core.Store
)

// Driver identifiers.
const (
	DriverNone       = core.DriverNone
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// ErrNotFound is returned when an archived key does not exist.
var ErrNotFound = core.ErrNotFound
