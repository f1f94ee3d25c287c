package binance

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Binance error codes callers branch on.
const (
	CodeUnknownOrder      = -2011 // cancel of an order that is already gone
	CodeNoNeedChangeMode  = -4059 // position mode already set
	CodeNoNeedChangeLev   = -4046 // leverage already set (no need to change margin type)
	CodeOrderWouldTrigger = -2021 // conditional order would immediately trigger
)

// APIError is a non-2xx response from the exchange, carrying the Binance
// error code so callers can distinguish "already gone" from real failures.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err wraps an APIError with the given Binance code.
func IsCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// parseAPIError builds an APIError from a non-2xx response body. Bodies that
// are not the usual {"code":..,"msg":..} shape still produce a usable error.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = string(body)
	}
	return apiErr
}
