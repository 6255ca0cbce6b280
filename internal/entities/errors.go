package entities

import "errors"

// Storage level errors shared by the Postgres and in-memory repositories.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("record changed concurrently")
	ErrDuplicateTxHash = errors.New("transaction hash already recorded")
)
