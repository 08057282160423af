// Package apperr defines the error taxonomy shared by every layer of the
// messaging core. Handlers translate these sentinels to transport-level
// responses; internal code matches them with errors.Is.
package apperr

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

var (
	// ErrUnauthorized: missing, malformed or expired credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden: authenticated but not permitted (wrong role, non-member,
	// not the author).
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound: referenced message, group or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition: message status state-machine violation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict: duplicate reaction or duplicate group membership.
	ErrConflict = errors.New("conflict")
	// ErrStorageFailure: persistence layer unavailable or erroring.
	ErrStorageFailure = errors.New("storage failure")
	// ErrBrokerUnavailable: event fanout target unreachable. Never surfaced
	// to interactive callers; logged and counted by the fanout layer.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// HTTPStatus maps a taxonomy error to the status code the REST surface
// reports. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, ErrStorageFailure):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
