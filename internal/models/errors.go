package models

import (
	"errors"
	"fmt"
)

var (
	// Validation errors are raised before any state change.

	ErrValidation            = errors.New("validation error")
	ErrInvalidRuleParameters = fmt.Errorf("%w: invalid rule parameters", ErrValidation)
	ErrInvalidPrices         = fmt.Errorf("%w: invalid price table", ErrValidation)
	ErrInvalidPayload        = fmt.Errorf("%w: invalid command payload", ErrValidation)

	// Lookup errors. Entities owned by other users are reported exactly like missing ones.

	ErrNotFound        = errors.New("not found")
	ErrDeviceNotOwned  = fmt.Errorf("%w: device not found", ErrNotFound)
	ErrRuleNotFound    = fmt.Errorf("%w: rule not found", ErrNotFound)
	ErrCommandNotFound = fmt.Errorf("%w: command not found", ErrNotFound)
	ErrPricesNotFound  = fmt.Errorf("%w: prices not found", ErrNotFound)

	// Storage collaborator failures that the caller may retry.

	ErrTransientStorage = errors.New("transient storage error")

	// State machine errors.

	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotRetriable      = errors.New("command is not retriable")
)
