package services

import "errors"

// Validation errors returned by the Registrar before anything reaches the store.
var (
	ErrInvalidAmount           = errors.New("amount must be positive with at most two decimal places")
	ErrMissingInvoiceReference = errors.New("invoiceReference cannot be empty")
	ErrMissingDeviceID         = errors.New("deviceId cannot be empty")
	ErrUnsupportedCommand      = errors.New("command must be SALE, VOID or REFUND")
	ErrInvalidField            = errors.New("fields cannot contain the '|' separator")
)

var (
	// ErrInvalidOutcome is returned for result statuses other than APPROVED, DECLINED or ERROR.
	ErrInvalidOutcome = errors.New("status must be APPROVED, DECLINED or ERROR")
	// ErrCommandNotPublished is returned when a result arrives for a command the
	// terminal has not picked up yet.
	ErrCommandNotPublished = errors.New("command has not been picked up by the terminal")
	// ErrAlreadyRunning is returned when a background loop is started twice.
	ErrAlreadyRunning = errors.New("loop already running")
)
