package bybit

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited maps HTTP 429 and the v5 rate-limit retCodes.
	ErrRateLimited = errors.New("bybit: rate limited")
	// ErrNetwork wraps transport-level failures.
	ErrNetwork = errors.New("bybit: network error")
)

// APIError is a request the exchange accepted and rejected (retCode != 0),
// e.g. insufficient balance or invalid order size.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: retCode %d: %s", e.Code, e.Message)
}

func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func classifyRetCode(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 10006, 10018:
		return ErrRateLimited
	default:
		return &APIError{Code: code, Message: msg}
	}
}
