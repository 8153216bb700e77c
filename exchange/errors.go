package exchange

import (
	"errors"
	"fmt"
)

// Failure kinds raised by the core. Concrete errors wrap one of these, so
// callers classify with errors.Is and still get a readable message.
var (
	// ErrNotFound signals the referenced item or exchange does not exist.
	ErrNotFound = errors.New("exchange: not found")
	// ErrForbidden signals the actor lacks the role required for the action.
	ErrForbidden = errors.New("exchange: forbidden")
	// ErrValidation signals a business rule violation.
	ErrValidation = errors.New("exchange: validation failed")
	// ErrInvalidState signals the current status does not permit the action.
	ErrInvalidState = errors.New("exchange: invalid state")
)

// Store-level failures. The core never retries them.
var (
	// ErrOpenOfferExists is returned by a Store when the open-offer uniqueness
	// constraint rejects an insert.
	ErrOpenOfferExists = errors.New("exchange: open offer already exists for this item pair")
	// ErrConcurrentUpdate is returned by a Store when the exchange changed
	// between load and save.
	ErrConcurrentUpdate = errors.New("exchange: concurrent update")
)

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
