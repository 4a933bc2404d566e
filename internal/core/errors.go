// Package core defines sentinel errors and shared scalar types.
package core

import "errors"

// Sentinel errors following ADR-021 error handling pattern.
var (
	// Resource errors
	ErrNoResources   = errors.New("vnet: out of resources")
	ErrLimitExceeded = errors.New("vnet: limit exceeded")
	ErrBadAddrRange  = errors.New("vnet: bad address range")

	// Lookup errors
	ErrNotFound = errors.New("vnet: not found")
	ErrExists   = errors.New("vnet: already exists")

	// State errors
	ErrBusy         = errors.New("vnet: busy")
	ErrWouldBlock   = errors.New("vnet: would block")
	ErrNotSupported = errors.New("vnet: not supported")
	ErrNoPermission = errors.New("vnet: no permission")

	// Parameter errors
	ErrBadParam = errors.New("vnet: bad parameter")

	// Configuration errors
	ErrConfigInvalid = errors.New("vnet: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("vnet: daemon not running")
)
