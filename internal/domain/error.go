package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("state changed concurrently")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("too many requests")

	// Contract lifecycle
	ErrInvalidTransition = errors.New("invalid contract status transition")
	ErrContractNotActive = errors.New("direct debit contract is not active")
	ErrSignatureMissing  = errors.New("direct debit contract has no signature")
	ErrContractExpired   = errors.New("direct debit contract has expired")
	ErrNotChargeable     = errors.New("subscription is not chargeable")
	ErrNotRefundable     = errors.New("payment is not refundable")

	// Storage
	ErrOperationFailed    = errors.New("database operation failed")
	ErrInvalidExecContext = errors.New("invalid database execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)
