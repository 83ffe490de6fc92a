package allocation

import "errors"

// Sentinel errors for the fund lifecycle. They are wrapped in
// errutil.BaseError on the way out so transports can map them, while
// errors.Is still matches through Unwrap.
var (
	ErrNotFound                       = errors.New("resource not found")
	ErrInvalidTransition              = errors.New("invalid state transition")
	ErrInsufficientBalance            = errors.New("insufficient balance")
	ErrCategoryLimitExceeded          = errors.New("category limit exceeded")
	ErrCategoryLimitExceedsAllocation = errors.New("category limits exceed allocation")
	ErrReservationExpired             = errors.New("reservation expired")
	ErrDuplicateReferenceCode         = errors.New("duplicate reference code")
)
