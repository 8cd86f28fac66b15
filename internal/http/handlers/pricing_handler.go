// README: Fare quote endpoint.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/config"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/types"
)

type Estimator interface {
	Estimate(ctx context.Context, req pricing.EstimateRequest) (pricing.Quote, error)
}

type PricingHandler struct {
	pricing Estimator
	cfg     config.PricingConfig
}

func NewPricingHandler(svc Estimator, cfg config.PricingConfig) *PricingHandler {
	return &PricingHandler{pricing: svc, cfg: cfg}
}

type estimateReq struct {
	Pickup         types.Point `json:"pickupLocation"`
	Drop           types.Point `json:"dropLocation"`
	VehicleType    string      `json:"vehicleType"`
	WaitingMinutes float64     `json:"waitingTimeInMinutes"`
	// RatePerKm is free text such as "15/km".
	RatePerKm string `json:"ratePerKm"`
}

func (h *PricingHandler) Estimate(c *gin.Context) {
	var req estimateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.VehicleType == "" && req.RatePerKm == "" {
		writeError(c, http.StatusBadRequest, "vehicleType or ratePerKm is required")
		return
	}
	var rate float64
	if req.RatePerKm != "" {
		rate = pricing.ParseRate(req.RatePerKm, h.cfg.DefaultRatePerKm)
	}
	q, err := h.pricing.Estimate(c.Request.Context(), pricing.EstimateRequest{
		Pickup:         req.Pickup,
		Drop:           req.Drop,
		VehicleType:    req.VehicleType,
		WaitingMinutes: req.WaitingMinutes,
		RatePerKm:      rate,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, q)
}
