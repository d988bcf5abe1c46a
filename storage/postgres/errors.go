package postgres

import "errors"

// ErrConnStringRequired indicates a missing connection string.
var ErrConnStringRequired = errors.New("postgres connection string is required")
