package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCityKey is returned for keys that are empty or not a positive integer.
	ErrInvalidCityKey = errors.New("invalid city key")
	// ErrInvalidCityName is returned for names that fail validation.
	ErrInvalidCityName = errors.New("invalid city name")
	// ErrInvalidLookupMode is returned by ParseLookupMode for unknown modes.
	ErrInvalidLookupMode = errors.New("invalid lookup mode")
	// ErrCityNotFound matches every ResolutionError.
	ErrCityNotFound = errors.New("city not found")
)

// ResolutionError means a name mapped to no city, neither in the catalog nor
// at the provider. Err carries the last cause.
type ResolutionError struct {
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Name, ErrCityNotFound)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrCityNotFound
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
