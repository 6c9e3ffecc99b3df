package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness violation (duplicate domain name, email).
var ErrConflict = errors.New("repository: conflict")
