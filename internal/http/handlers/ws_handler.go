// README: Websocket endpoint: registers sessions and routes inbound ride events.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/realtime"
	"ridedispatch/internal/types"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	eventTimeout   = 15 * time.Second
)

var ErrUnknownEvent = errors.New("unknown event")

type Hub interface {
	Register(id realtime.Identity, conn realtime.Conn) *realtime.Session
	Unregister(id realtime.Identity, s *realtime.Session)
	Send(id realtime.Identity, event string, data any) error
}

type LocationUpdater interface {
	UpdateLocation(ctx context.Context, id types.ID, p types.Point) error
}

type WSHandler struct {
	hub      Hub
	rides    RideService
	drivers  LocationUpdater
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(hub Hub, rides RideService, drivers LocationUpdater, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:     hub,
		rides:   rides,
		drivers: drivers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("module", "ws").Logger(),
	}
}

type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type inboundData struct {
	RideID        types.ID     `json:"rideId"`
	Fare          float64      `json:"fare"`
	OTP           string       `json:"otp"`
	PaymentMethod string       `json:"paymentMethod"`
	Reason        string       `json:"reason"`
	Rating        int          `json:"rating"`
	Location      *types.Point `json:"location"`
}

// Serve upgrades GET /ws/:role/:id. A driver path requires the driver role.
func (h *WSHandler) Serve(c *gin.Context) {
	role, ok := realtime.ParseRole(c.Param("role"))
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid role")
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !sameCaller(c, id) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	callerRole := middleware.CallerRole(c)
	if callerRole != middleware.RoleAdmin && string(role) != callerRole {
		writeError(c, http.StatusForbidden, "role mismatch")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ident := realtime.Identity{Role: role, ID: id}
	sess := h.hub.Register(ident, conn)
	defer h.hub.Unregister(ident, sess)

	h.readLoop(context.WithoutCancel(c.Request.Context()), ident, conn)
}

func (h *WSHandler) readLoop(base context.Context, ident realtime.Identity, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go keepAlive(conn, stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("id", ident.ID.String()).Msg("websocket closed")
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.reply(ident, realtime.EventError, map[string]any{"error": "invalid message"})
			continue
		}
		ctx, cancel := context.WithTimeout(base, eventTimeout)
		data, err := h.Handle(ctx, ident, msg)
		cancel()
		if err != nil {
			h.reply(ident, realtime.EventError, map[string]any{"event": msg.Event, "error": err.Error(), "code": statusFor(err)})
			continue
		}
		h.reply(ident, realtime.EventAck, map[string]any{"event": msg.Event, "data": data})
	}
}

// keepAlive pings until stop closes. WriteControl is safe alongside hub writes.
func keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) reply(ident realtime.Identity, event string, data any) {
	if err := h.hub.Send(ident, event, data); err != nil && !errors.Is(err, realtime.ErrNoSession) {
		h.log.Warn().Err(err).Str("id", ident.ID.String()).Str("event", event).Msg("websocket reply failed")
	}
}

// Handle routes one inbound event to the ride service on behalf of ident.
func (h *WSHandler) Handle(ctx context.Context, ident realtime.Identity, msg Inbound) (any, error) {
	var d inboundData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, ride.ErrBadRequest
		}
	}
	isDriver := ident.Role == realtime.RoleDriver

	switch msg.Event {
	case realtime.InAcceptRide, realtime.InRejectRide, realtime.InStartRide, realtime.InEndRide, realtime.InCollectPayment, realtime.InLocation:
		if !isDriver {
			return nil, ride.ErrForbidden
		}
	case realtime.InRateRide:
		if ident.Role != realtime.RoleUser {
			return nil, ride.ErrForbidden
		}
	case realtime.InCancelRide:
	default:
		return nil, ErrUnknownEvent
	}

	switch msg.Event {
	case realtime.InAcceptRide:
		res, err := h.rides.Accept(ctx, ride.AcceptCommand{RideID: d.RideID, DriverID: ident.ID, Fare: d.Fare})
		if err != nil {
			return nil, err
		}
		return map[string]any{"ride": toRideResponse(res.Ride, false), "etaMinutes": res.ETA.Minutes()}, nil
	case realtime.InRejectRide:
		if err := h.rides.Reject(ctx, ride.RejectCommand{RideID: d.RideID, DriverID: ident.ID}); err != nil {
			return nil, err
		}
		return map[string]any{"rideId": d.RideID}, nil
	case realtime.InStartRide:
		r, err := h.rides.Start(ctx, ride.StartCommand{RideID: d.RideID, DriverID: ident.ID, OTP: d.OTP})
		if err != nil {
			return nil, err
		}
		return toRideResponse(r, false), nil
	case realtime.InEndRide:
		r, err := h.rides.End(ctx, ride.EndCommand{RideID: d.RideID, DriverID: ident.ID})
		if err != nil {
			return nil, err
		}
		return toRideResponse(r, false), nil
	case realtime.InCollectPayment:
		method := d.PaymentMethod
		if method == "" {
			method = "cash"
		}
		res, err := h.rides.CollectPayment(ctx, ride.CollectCommand{RideID: d.RideID, DriverID: ident.ID, Method: method})
		if err != nil {
			return nil, err
		}
		return map[string]any{"rideId": d.RideID, "remaining": res.Remaining.Major(), "capReached": res.CapReached}, nil
	case realtime.InLocation:
		if d.Location == nil {
			return nil, ride.ErrBadRequest
		}
		if err := h.drivers.UpdateLocation(ctx, ident.ID, *d.Location); err != nil {
			return nil, err
		}
		return map[string]any{"location": d.Location}, nil
	case realtime.InCancelRide:
		actor := ride.ActorUser
		switch ident.Role {
		case realtime.RoleDriver:
			actor = ride.ActorDriver
		case realtime.RoleAdmin:
			actor = ride.ActorAdmin
		}
		r, err := h.rides.Cancel(ctx, ride.CancelCommand{RideID: d.RideID, ActorType: actor, ActorID: ident.ID, Reason: d.Reason})
		if err != nil {
			return nil, err
		}
		return toRideResponse(r, false), nil
	case realtime.InRateRide:
		if err := h.rides.Rate(ctx, ride.RateCommand{RideID: d.RideID, UserID: ident.ID, Rating: d.Rating}); err != nil {
			return nil, err
		}
		return map[string]any{"rideId": d.RideID, "rating": d.Rating}, nil
	}
	return nil, ErrUnknownEvent
}
