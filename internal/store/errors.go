package store

import "errors"

// Sentinel errors for the store layer, matching spec.md §7's error kinds.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrAmbiguousPrefix = errors.New("store: ambiguous id prefix")
	ErrInvalidState    = errors.New("store: invalid state transition")
	ErrCorrupt         = errors.New("store: corrupt json")
)
