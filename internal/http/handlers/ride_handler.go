// README: Ride handlers for the rider and driver lifecycle endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/types"
)

type RideService interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*ride.Ride, error)
	Search(ctx context.Context, rideID, userID types.ID) (*ride.Ride, error)
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Accept(ctx context.Context, cmd ride.AcceptCommand) (*ride.AcceptResult, error)
	Reject(ctx context.Context, cmd ride.RejectCommand) error
	Start(ctx context.Context, cmd ride.StartCommand) (*ride.Ride, error)
	End(ctx context.Context, cmd ride.EndCommand) (*ride.Ride, error)
	EndFallback(ctx context.Context, rideID types.ID) (*ride.Ride, error)
	CollectPayment(ctx context.Context, cmd ride.CollectCommand) (*ride.CollectResult, error)
	Cancel(ctx context.Context, cmd ride.CancelCommand) (*ride.Ride, error)
	ChangeStatus(ctx context.Context, rideID types.ID, to ride.Status, reason string) (*ride.Ride, error)
	Rate(ctx context.Context, cmd ride.RateCommand) error
}

type RideHandler struct {
	rides RideService
}

func NewRideHandler(rides RideService) *RideHandler {
	return &RideHandler{rides: rides}
}

type createRideReq struct {
	UserID             string      `json:"userId"`
	Pickup             types.Point `json:"pickupLocation"`
	Drop               types.Point `json:"dropLocation"`
	PickupDesc         string      `json:"pickupDesc"`
	DropDesc           string      `json:"dropDesc"`
	VehicleType        string      `json:"vehicleType"`
	SearchRadiusKm     float64     `json:"searchRadius"`
	MaxSearchRadiusKm  float64     `json:"maxSearchRadius"`
	AutoIncreaseRadius *bool       `json:"autoIncreaseRadius"`
	PaymentMethod      string      `json:"paymentMethod"`
}

type rideResponse struct {
	ID                    types.ID    `json:"id"`
	UserID                types.ID    `json:"userId"`
	DriverID              *types.ID   `json:"driverId,omitempty"`
	Status                ride.Status `json:"rideStatus"`
	VehicleType           string      `json:"vehicleType"`
	Pickup                types.Point `json:"pickupLocation"`
	Drop                  types.Point `json:"dropLocation"`
	PickupDesc            string      `json:"pickupDesc,omitempty"`
	DropDesc              string      `json:"dropDesc,omitempty"`
	SearchRadiusKm        float64     `json:"searchRadius"`
	MaxSearchRadiusKm     float64     `json:"maxSearchRadius"`
	CurrentSearchRadiusKm float64     `json:"currentSearchRadius"`
	RetryCount            int         `json:"retryCount"`
	EstimatedFare         float64     `json:"estimatedFare"`
	Fare                  *float64    `json:"fare,omitempty"`
	DistanceKm            float64     `json:"distanceInKm"`
	DurationMin           float64     `json:"durationInMinutes"`
	OTP                   string      `json:"otp,omitempty"`
	IsStarted             bool        `json:"ride_is_started"`
	IsPaid                bool        `json:"is_ride_paid"`
	PaymentMethod         string      `json:"paymentMethod,omitempty"`
	Rating                *int        `json:"rating,omitempty"`
	CancelledBy           ride.Actor  `json:"rideCancelBy,omitempty"`
	CancelReason          string      `json:"rideCancelReason,omitempty"`
	ErrorMessage          string      `json:"errorMessage,omitempty"`
	CreatedAt             time.Time   `json:"createdAt"`
	StartedAt             *time.Time  `json:"ride_start_time,omitempty"`
	CompletedAt           *time.Time  `json:"ride_end_time,omitempty"`
	CancelledAt           *time.Time  `json:"rideCancelTime,omitempty"`
}

// toRideResponse hides the OTP from everyone but the rider.
func toRideResponse(r *ride.Ride, showOTP bool) rideResponse {
	out := rideResponse{
		ID:                    r.ID,
		UserID:                r.UserID,
		DriverID:              r.DriverID,
		Status:                r.Status,
		VehicleType:           r.VehicleType,
		Pickup:                r.Pickup,
		Drop:                  r.Drop,
		PickupDesc:            r.PickupDesc,
		DropDesc:              r.DropDesc,
		SearchRadiusKm:        r.SearchRadiusKm,
		MaxSearchRadiusKm:     r.MaxSearchRadiusKm,
		CurrentSearchRadiusKm: r.CurrentSearchRadiusKm,
		RetryCount:            r.RetryCount,
		EstimatedFare:         r.EstimatedFare.Major(),
		DistanceKm:            r.DistanceKm,
		DurationMin:           r.DurationMin,
		IsStarted:             r.OTPVerified,
		IsPaid:                r.IsPaid,
		PaymentMethod:         r.PaymentMethod,
		Rating:                r.Rating,
		CancelledBy:           r.CancelledBy,
		CancelReason:          r.CancelReason,
		ErrorMessage:          r.ErrorMessage,
		CreatedAt:             r.CreatedAt,
		StartedAt:             r.StartedAt,
		CompletedAt:           r.CompletedAt,
		CancelledAt:           r.CancelledAt,
	}
	if r.Fare != nil {
		f := r.Fare.Major()
		out.Fare = &f
	}
	if showOTP {
		out.OTP = r.OTP
	}
	return out
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	userID := types.ID(middleware.CallerUID(c))
	if req.UserID != "" {
		if !sameCaller(c, types.ID(req.UserID)) {
			writeError(c, http.StatusForbidden, "cannot request a ride for another user")
			return
		}
		userID = types.ID(req.UserID)
	}
	auto := true
	if req.AutoIncreaseRadius != nil {
		auto = *req.AutoIncreaseRadius
	}
	r, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		UserID:             userID,
		VehicleType:        req.VehicleType,
		Pickup:             req.Pickup,
		Drop:               req.Drop,
		PickupDesc:         req.PickupDesc,
		DropDesc:           req.DropDesc,
		SearchRadiusKm:     req.SearchRadiusKm,
		MaxSearchRadiusKm:  req.MaxSearchRadiusKm,
		AutoIncreaseRadius: auto,
		PaymentMethod:      req.PaymentMethod,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toRideResponse(r, true))
}

func (h *RideHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	caller := types.ID(middleware.CallerUID(c))
	if !middleware.IsAdmin(c) && r.UserID != caller && !r.AssignedTo(caller) {
		writeError(c, http.StatusForbidden, ride.ErrForbidden.Error())
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r, r.UserID == caller))
}

// Search restarts the driver search and returns before it completes.
func (h *RideHandler) Search(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var userID types.ID
	if !middleware.IsAdmin(c) {
		userID = types.ID(middleware.CallerUID(c))
	}
	r, err := h.rides.Search(c.Request.Context(), id, userID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, map[string]any{"rideId": r.ID, "rideStatus": r.Status, "message": "searching for drivers"})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	actor := ride.ActorUser
	switch middleware.CallerRole(c) {
	case middleware.RoleAdmin:
		actor = ride.ActorAdmin
	case middleware.RoleDriver:
		actor = ride.ActorDriver
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:    id,
		ActorType: actor,
		ActorID:   types.ID(middleware.CallerUID(c)),
		Reason:    req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r, false))
}

type rateReq struct {
	Rating int `json:"rating"`
}

func (h *RideHandler) Rate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	var userID types.ID
	if !middleware.IsAdmin(c) {
		userID = types.ID(middleware.CallerUID(c))
	}
	if err := h.rides.Rate(c.Request.Context(), ride.RateCommand{RideID: id, UserID: userID, Rating: req.Rating}); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": id, "rating": req.Rating})
}

type acceptReq struct {
	Fare float64 `json:"fare"`
}

// Accept is driver-only; the caller is the accepting driver.
func (h *RideHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req acceptReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	res, err := h.rides.Accept(c.Request.Context(), ride.AcceptCommand{
		RideID:   id,
		DriverID: types.ID(middleware.CallerUID(c)),
		Fare:     req.Fare,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"ride":       toRideResponse(res.Ride, false),
		"etaMinutes": res.ETA.Minutes(),
	})
}

func (h *RideHandler) Reject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	err := h.rides.Reject(c.Request.Context(), ride.RejectCommand{RideID: id, DriverID: types.ID(middleware.CallerUID(c))})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rideId": id, "status": "rejected"})
}

type startReq struct {
	OTP string `json:"otp"`
}

func (h *RideHandler) Start(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil || req.OTP == "" {
		writeError(c, http.StatusBadRequest, "otp is required")
		return
	}
	r, err := h.rides.Start(c.Request.Context(), ride.StartCommand{RideID: id, DriverID: types.ID(middleware.CallerUID(c)), OTP: req.OTP})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r, false))
}

func (h *RideHandler) End(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.End(c.Request.Context(), ride.EndCommand{RideID: id, DriverID: types.ID(middleware.CallerUID(c))})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r, false))
}

// EndFallback completes a ride when the regular end call failed. Repeating
// it is safe.
func (h *RideHandler) EndFallback(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !middleware.IsAdmin(c) {
		r, err := h.rides.Get(c.Request.Context(), id)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		if !r.AssignedTo(types.ID(middleware.CallerUID(c))) {
			writeError(c, http.StatusForbidden, ride.ErrForbidden.Error())
			return
		}
	}
	r, err := h.rides.EndFallback(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r, false))
}

type collectReq struct {
	PaymentMethod string `json:"paymentMethod"`
}

func (h *RideHandler) Collect(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req collectReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	res, err := h.rides.CollectPayment(c.Request.Context(), ride.CollectCommand{
		RideID:   id,
		DriverID: types.ID(middleware.CallerUID(c)),
		Method:   req.PaymentMethod,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"ride":       toRideResponse(res.Ride, false),
		"earnings":   res.Earnings.Major(),
		"remaining":  res.Remaining.Major(),
		"capReached": res.CapReached,
	})
}
