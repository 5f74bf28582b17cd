package hkpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/ratelimit"
	"github.com/ctrliq/vks/pkg/store"
	"github.com/ctrliq/vks/pkg/token"
)

// ErrorResponse describes a JSON error response.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// Error describes an error with code and message.
type Error struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type Status interface {
	Is(int) bool
	IsError() bool
	Code() int
	Write(http.ResponseWriter)
}

type status struct {
	message string
	code    int
	isError bool
}

func NewStatus(code int, isError bool, message ...string) Status {
	msg := http.StatusText(code)
	if len(message) > 0 {
		msg = strings.Join(message, ": ")
	}
	return &status{msg, code, isError}
}

func NewOKStatus(message ...string) Status {
	return NewStatus(http.StatusOK, false, message...)
}

func NewAcceptedStatus(message ...string) Status {
	return NewStatus(http.StatusAccepted, false, message...)
}

func NewBadRequestStatus(message ...string) Status {
	return NewStatus(http.StatusBadRequest, true, message...)
}

func NewForbiddenStatus(message ...string) Status {
	return NewStatus(http.StatusForbidden, true, message...)
}

func NewMethodNotAllowedStatus(message ...string) Status {
	return NewStatus(http.StatusMethodNotAllowed, true, message...)
}

func NewNotImplementedStatus(message ...string) Status {
	return NewStatus(http.StatusNotImplemented, true, message...)
}

func NewConflictStatus(message ...string) Status {
	return NewStatus(http.StatusConflict, true, message...)
}

func NewGoneStatus(message ...string) Status {
	return NewStatus(http.StatusGone, true, message...)
}

func NewInternalServerErrorStatus(message ...string) Status {
	return NewStatus(http.StatusInternalServerError, true, message...)
}

func NewBadGatewayStatus(message ...string) Status {
	return NewStatus(http.StatusBadGateway, true, message...)
}

func NewNotFoundStatus(message ...string) Status {
	return NewStatus(http.StatusNotFound, true, message...)
}

func NewTooManyRequestStatus(message ...string) Status {
	return NewStatus(http.StatusTooManyRequests, true, message...)
}

func NewRequestEntityTooLargeStatus(message ...string) Status {
	return NewStatus(http.StatusRequestEntityTooLarge, true, message...)
}

// StatusFromError maps the errors of the key server packages
// to an HTTP status.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return NewOKStatus()
	case errors.Is(err, cert.ErrPolicy):
		return NewBadRequestStatus("Key rejected by policy", err.Error())
	case errors.Is(err, cert.ErrMalformed):
		return NewBadRequestStatus("Malformed key", err.Error())
	case errors.Is(err, cert.ErrInvalidFingerprint),
		errors.Is(err, cert.ErrInvalidKeyID),
		errors.Is(err, cert.ErrInvalidEmail),
		errors.Is(err, ErrBadSearch):
		return NewBadRequestStatus(err.Error())
	case errors.Is(err, store.ErrNotFound):
		return NewNotFoundStatus()
	case errors.Is(err, store.ErrIdentityUnavailable):
		return NewNotFoundStatus("Identity not available")
	case errors.Is(err, store.ErrConflict):
		return NewConflictStatus("Email address already verified for another key")
	case errors.Is(err, token.ErrExpired):
		return NewGoneStatus("Link expired, please request a new one")
	case errors.Is(err, token.ErrInvalid):
		return NewBadRequestStatus("Invalid link")
	case errors.Is(err, ratelimit.ErrRateLimited):
		return NewTooManyRequestStatus("Rate limit reached, retry later")
	case errors.Is(err, ErrDelivery):
		return NewBadGatewayStatus("Mail delivery failed")
	default:
		return NewInternalServerErrorStatus()
	}
}

func (s *status) IsError() bool {
	return s.isError
}

func (s *status) Code() int {
	return s.code
}

func (s *status) Write(w http.ResponseWriter) {
	if s.isError || s.code == http.StatusAccepted {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.code)
		json.NewEncoder(w).Encode(&ErrorResponse{
			&Error{
				Code:    s.code,
				Message: s.message,
			},
		})
	} else {
		fmt.Fprintf(w, "%s\n", s.message)
	}
}

func (s *status) Is(code int) bool {
	return s.code == code
}

func (s *status) String() string {
	return fmt.Sprintf("%d %s", s.code, s.message)
}
