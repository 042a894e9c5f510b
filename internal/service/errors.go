package service

import "errors"

var (
	// ErrStorageUnavailable marks a tier that is unreachable, unconfigured or rejected the call.
	ErrStorageUnavailable = errors.New("storage tier unavailable")
	// ErrTierSkipped marks a tier that declined the call, e.g. remote storage for an anonymous caller.
	ErrTierSkipped = errors.New("storage tier skipped")
	// ErrTotalPersistenceFailure is returned only when every tier, the download export included, failed.
	ErrTotalPersistenceFailure = errors.New("result could not be preserved by any storage tier")
	// ErrQuotaExceeded blocks a generation for a non-admin user with an exhausted daily quota.
	ErrQuotaExceeded = errors.New("daily generation limit reached")
	// ErrUnauthenticated is returned by ledger operations called without a user id.
	ErrUnauthenticated = errors.New("sign in required")
	// ErrInvalidRequest rejects an edit request missing the image or the instruction.
	ErrInvalidRequest = errors.New("invalid edit request")
	// ErrContention is returned when a credit entry kept changing under a compare-and-swap.
	// It is safe to retry.
	ErrContention = errors.New("credit entry kept changing")
)
