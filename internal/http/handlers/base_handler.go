// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/modules/search"
	"ridedispatch/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuids and Firebase uids.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

// sameCaller reports whether the caller may act as id.
func sameCaller(c *gin.Context, id types.ID) bool {
	return middleware.IsAdmin(c) || middleware.CallerUID(c) == string(id)
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ride.ErrBadRequest),
		errors.Is(err, driver.ErrBadRequest),
		errors.Is(err, driver.ErrInvalidVehicleType),
		errors.Is(err, types.ErrInvalidPoint),
		errors.Is(err, ride.ErrInvalidOTP),
		errors.Is(err, ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, ride.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ride.ErrNotFound), errors.Is(err, driver.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ride.ErrAlreadyAccepted),
		errors.Is(err, ride.ErrInvalidState),
		errors.Is(err, ride.ErrConflict),
		errors.Is(err, ride.ErrAlreadyPaid),
		errors.Is(err, driver.ErrBusy),
		errors.Is(err, search.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, pricing.ErrRateNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeDomainError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		writeError(c, status, "internal error")
		return
	}
	writeError(c, status, err.Error())
}
