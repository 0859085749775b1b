package status

import "errors"

var (
	ErrValidation               = errors.New("validation: invalid request")
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyProcessing        = errors.New("conflict: command already processing")
	ErrInsufficientAvailability = errors.New("conflict: insufficient availability")
	ErrPaymentFailed            = errors.New("payment: payment failed")
	ErrLockTimeout              = errors.New("lock: acquisition timed out")
	ErrInfrastructure           = errors.New("infrastructure: transient failure")
)
