package module

import (
	"errors"
	"fmt"
)

var (
	ErrResolution     = errors.New("cannot resolve module")
	ErrSourceNotFound = errors.New("module source not found")
)

// ResolutionError reports a specifier that maps to no existing source.
type ResolutionError struct {
	Specifier string
	From      Identity
	Tried     []Identity
}

func (e *ResolutionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("cannot find module %q", e.Specifier)
	}
	return fmt.Sprintf("cannot find module %q from %s", e.Specifier, e.From)
}

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// SourceNotFoundError reports a resolved identity whose source could not be read.
type SourceNotFoundError struct {
	ID  Identity
	Err error
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("read module %s: %v", e.ID, e.Err)
}

func (e *SourceNotFoundError) Unwrap() error { return e.Err }

func (e *SourceNotFoundError) Is(target error) bool { return target == ErrSourceNotFound }
