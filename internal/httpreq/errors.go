package httpreq

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrMalformed          = errors.New("malformed request")
	ErrHeadersIncomplete  = errors.New("request headers not terminated")
	ErrTooLarge           = errors.New("request too large")
	ErrMissingHost        = errors.New("request has no host")
	ErrUnsupportedMethod  = errors.New("unsupported method")
	ErrUnsupportedVersion = errors.New("unsupported HTTP version")
)

// StatusOf maps a parse or read error to the status code sent back to the
// client. Errors this package does not produce map to 500.
func StatusOf(err error) int {
	switch errors.Cause(err) {
	case ErrMalformed, ErrHeadersIncomplete, ErrTooLarge, ErrMissingHost:
		return http.StatusBadRequest
	case ErrUnsupportedMethod:
		return http.StatusNotImplemented
	case ErrUnsupportedVersion:
		return http.StatusHTTPVersionNotSupported
	}
	return http.StatusInternalServerError
}
