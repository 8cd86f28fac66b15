// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ridedispatch/internal/config"
	"ridedispatch/internal/http/handlers"
	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/infra"
)

type RouterDeps struct {
	Verifier infra.TokenVerifier
	Rides    handlers.RideService
	Drivers  handlers.DriverService
	Poller   handlers.Poller
	Pricing  handlers.Estimator
	Hub      handlers.Hub
	Config   config.PricingConfig
	Log      zerolog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	auth := middleware.Auth(deps.Verifier)
	driverOnly := middleware.RequireRole(middleware.RoleDriver)

	rideHandler := handlers.NewRideHandler(deps.Rides)
	api := r.Group("/api", auth)
	api.POST("/rides", rideHandler.Create)
	api.GET("/rides/:id", rideHandler.Get)
	api.POST("/rides/:id/search", rideHandler.Search)
	api.POST("/rides/:id/cancel", rideHandler.Cancel)
	api.POST("/rides/:id/rate", rideHandler.Rate)
	api.POST("/rides/:id/accept", driverOnly, rideHandler.Accept)
	api.POST("/rides/:id/reject", driverOnly, rideHandler.Reject)
	api.POST("/rides/:id/start", driverOnly, rideHandler.Start)
	api.POST("/rides/:id/end", driverOnly, rideHandler.End)
	api.POST("/rides/:id/end-fallback", driverOnly, rideHandler.EndFallback)
	api.POST("/rides/:id/collect", driverOnly, rideHandler.Collect)

	driverHandler := handlers.NewDriverHandler(deps.Drivers, deps.Poller)
	api.GET("/drivers/:id", driverOnly, driverHandler.Get)
	api.POST("/drivers/:id/poll", driverOnly, driverHandler.Poll)
	api.PUT("/drivers/:id/location", driverOnly, driverHandler.UpdateLocation)
	api.PUT("/drivers/:id/availability", driverOnly, driverHandler.SetAvailability)

	pricingHandler := handlers.NewPricingHandler(deps.Pricing, deps.Config)
	api.POST("/pricing/estimate", pricingHandler.Estimate)

	adminHandler := handlers.NewAdminHandler(deps.Rides)
	admin := api.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.POST("/rides/:id/status", adminHandler.ChangeStatus)

	wsHandler := handlers.NewWSHandler(deps.Hub, deps.Rides, deps.Drivers, deps.Log)
	r.GET("/ws/:role/:id", auth, wsHandler.Serve)

	return r
}
