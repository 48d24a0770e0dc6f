package shared

import "errors"

var (
	// ErrOwnerMissing indicates the request carried no owner scope.
	ErrOwnerMissing = errors.New("owner scope missing")
	// ErrInvalidIdempotencyKey indicates a key that is not a UUID.
	ErrInvalidIdempotencyKey = errors.New("idempotency key must be a uuid")
)
