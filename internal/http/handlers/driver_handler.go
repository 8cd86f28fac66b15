// README: Driver handlers for poll, location and availability.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/types"
)

type DriverService interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	UpdateLocation(ctx context.Context, id types.ID, p types.Point) error
	SetAvailability(ctx context.Context, id types.ID, available bool) error
}

type Poller interface {
	Poll(ctx context.Context, driverID types.ID) (*dispatch.PollResult, error)
}

type DriverHandler struct {
	drivers DriverService
	poller  Poller
}

func NewDriverHandler(drivers DriverService, poller Poller) *DriverHandler {
	return &DriverHandler{drivers: drivers, poller: poller}
}

// driverPath resolves :id and checks the caller is that driver.
func driverPath(c *gin.Context) (types.ID, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return "", false
	}
	if !sameCaller(c, id) {
		writeError(c, http.StatusForbidden, "forbidden")
		return "", false
	}
	return id, true
}

func (h *DriverHandler) Get(c *gin.Context) {
	id, ok := driverPath(c)
	if !ok {
		return
	}
	d, err := h.drivers.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	st := d.State()
	writeJSON(c, http.StatusOK, map[string]any{
		"id":                 d.ID,
		"name":               d.Name,
		"rating":             d.Rating,
		"vehicleType":        d.Vehicle.Type,
		"occupancy":          st.Occupancy,
		"onRideId":           st.RideID,
		"location":           d.Location,
		"rechargeExpireAt":   d.Recharge.ExpireAt,
		"totalRides":         d.TotalRides,
		"statsRidesRejected": d.StatsRidesRejected,
	})
}

// Poll returns offers the driver may have missed on the socket.
func (h *DriverHandler) Poll(c *gin.Context) {
	id, ok := driverPath(c)
	if !ok {
		return
	}
	res, err := h.poller.Poll(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id, ok := driverPath(c)
	if !ok {
		return
	}
	var p types.Point
	if err := c.ShouldBindJSON(&p); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.drivers.UpdateLocation(c.Request.Context(), id, p); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type availabilityReq struct {
	Available *bool `json:"available"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id, ok := driverPath(c)
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		writeError(c, http.StatusBadRequest, "available is required")
		return
	}
	if err := h.drivers.SetAvailability(c.Request.Context(), id, *req.Available); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driverId": id, "available": *req.Available})
}
