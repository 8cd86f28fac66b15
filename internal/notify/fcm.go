// README: FCM push notifications to driver and user devices.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"

	"ridedispatch/internal/types"
)

var ErrNoToken = errors.New("empty device token")

// Message is a push with a visible notification and a data payload.
type Message struct {
	Title string
	Body  string
	Type  string
	Data  map[string]string
}

// Pusher sends FCM messages. A nil *Pusher drops every message.
type Pusher struct {
	client *messaging.Client
	log    zerolog.Logger
}

func NewPusher(ctx context.Context, app *firebase.App, log zerolog.Logger) (*Pusher, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &Pusher{client: client, log: log.With().Str("module", "notify").Logger()}, nil
}

func (p *Pusher) Push(ctx context.Context, token string, m Message) error {
	if p == nil || p.client == nil {
		return nil
	}
	if token == "" {
		return ErrNoToken
	}
	data := make(map[string]string, len(m.Data)+1)
	for k, v := range m.Data {
		data[k] = v
	}
	data["type"] = m.Type

	id, err := p.client.Send(ctx, &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: m.Title,
			Body:  m.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		return fmt.Errorf("sending FCM (%s): %w", m.Type, err)
	}
	p.log.Debug().Str("type", m.Type).Str("message_id", id).Msg("fcm sent")
	return nil
}

// RideOffer builds the push sent to a driver who has no live socket.
func RideOffer(rideID types.ID, pickup types.Point, fare float64) Message {
	return Message{
		Title: "New ride request",
		Body:  fmt.Sprintf("Pickup nearby, estimated fare ₹%.2f", fare),
		Type:  "new_ride",
		Data: map[string]string{
			"ride_id":    rideID.String(),
			"pickup_lat": strconv.FormatFloat(pickup.Lat, 'f', 6, 64),
			"pickup_lng": strconv.FormatFloat(pickup.Lng, 'f', 6, 64),
			"fare":       strconv.FormatFloat(fare, 'f', 2, 64),
		},
	}
}

// PaymentReminder asks the driver to collect payment for a completed ride.
func PaymentReminder(rideID types.ID, fare float64) Message {
	return Message{
		Title: "Collect payment",
		Body:  fmt.Sprintf("Ride completed. Please collect ₹%.2f from the rider.", fare),
		Type:  "payment_reminder",
		Data:  map[string]string{"ride_id": rideID.String()},
	}
}

func EarningsCapReached() Message {
	return Message{
		Title: "Recharge required",
		Body:  "You have reached the earning limit of your plan. Recharge to keep receiving rides.",
		Type:  "earning_cap_reached",
	}
}

func LowBalance(remaining float64) Message {
	return Message{
		Title: "Plan limit almost reached",
		Body:  fmt.Sprintf("Only ₹%.0f of earnings left on your current plan.", remaining),
		Type:  "low_balance",
		Data:  map[string]string{"remaining": strconv.FormatFloat(remaining, 'f', 2, 64)},
	}
}
