package billing

import "errors"

var (
	ErrInvalidArgument     = errors.New("billing: invalid argument")
	ErrInsufficientCredits = errors.New("billing: insufficient credits")
	ErrNotAuthenticated    = errors.New("billing: not authenticated")
)
