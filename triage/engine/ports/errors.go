package ports

import (
	"errors"
	"strconv"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrValidation          = errors.New("validation failed")
	ErrPersistence         = errors.New("persistence failure")
	ErrNothingToResume     = errors.New("no unanswered patient turn")

	// Gateway errors form a closed set; every backend failure maps to one.
	ErrGatewayTimeout     = errors.New("model gateway timeout")
	ErrGatewayUnavailable = errors.New("model gateway unavailable")
	ErrGatewayRejected    = errors.New("model gateway rejected request")
)

// ProviderError carries the transport status a backend reported so the
// gateway can classify it.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return e.Provider + ": " + e.Err.Error()
	}
	return e.Provider + ": status " + strconv.Itoa(e.StatusCode) + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }
