package realtime

// Outbound event names.
const (
	EventRideOffer          = "ride_come"
	EventRideCancelled      = "ride_cancelled"
	EventFindingDriver      = "finding_driver"
	EventDriversFound       = "drivers_found"
	EventNoDriverFound      = "no_driver_found"
	EventNoActiveDrivers    = "no_active_drivers"
	EventRideRequestError   = "ride_request_error"
	EventNoDriversAvailable = "no_drivers_available"
	EventRideAccepted       = "ride_accepted"
	EventRideStarted        = "ride_started"
	EventRideEnded          = "ride_ended"
	EventPaymentCollected   = "payment_collected"
	EventAck                = "ack"
	EventError              = "error"
)

// Inbound event names sent by clients over the socket.
const (
	InAcceptRide     = "accept_ride"
	InRejectRide     = "reject_ride"
	InStartRide      = "ride_started"
	InEndRide        = "ride_end"
	InCollectPayment = "collect_payment"
	InCancelRide     = "cancel_ride"
	InRateRide       = "rate_ride"
	InLocation       = "location_update"
)
