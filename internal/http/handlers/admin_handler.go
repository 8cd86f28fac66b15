// README: Admin override endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/modules/ride"
)

type AdminHandler struct {
	rides RideService
}

func NewAdminHandler(rides RideService) *AdminHandler {
	return &AdminHandler{rides: rides}
}

type changeStatusReq struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *AdminHandler) ChangeStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req changeStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		writeError(c, http.StatusBadRequest, "status is required")
		return
	}
	r, err := h.rides.ChangeStatus(c.Request.Context(), id, ride.Status(req.Status), req.Reason)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r, false))
}
