// README: General broadcast channels for offers to unreachable drivers.
package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/types"
)

// Broadcaster publishes an offer on a channel any driver client may watch.
type Broadcaster interface {
	Broadcast(ctx context.Context, driverID types.ID, o Offer) error
}

type broadcastMessage struct {
	Type     string   `json:"type"`
	DriverID types.ID `json:"driverId"`
	Ride     Offer    `json:"ride"`
}

func encodeBroadcast(driverID types.ID, o Offer) ([]byte, error) {
	return json.Marshal(broadcastMessage{Type: "new_ride_request", DriverID: driverID, Ride: o})
}

// RedisBroadcaster publishes on the shared channel and on the driver's own
// channel (<channel>_<driverId>).
type RedisBroadcaster struct {
	redis   *redis.Client
	channel string
}

func NewRedisBroadcaster(redis *redis.Client, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{redis: redis, channel: channel}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, driverID types.ID, o Offer) error {
	payload, err := encodeBroadcast(driverID, o)
	if err != nil {
		return err
	}
	pipe := b.redis.Pipeline()
	pipe.Publish(ctx, b.channel, payload)
	pipe.Publish(ctx, b.channel+"_"+string(driverID), payload)
	_, err = pipe.Exec(ctx)
	return err
}

// publisher is the part of *amqp.Channel used for broadcasting.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPBroadcaster publishes to a fanout exchange, routed by driver id so
// topic-bound consumers can filter.
type AMQPBroadcaster struct {
	ch       publisher
	exchange string
}

func NewAMQPBroadcaster(ch *amqp.Channel, exchange string) *AMQPBroadcaster {
	return &AMQPBroadcaster{ch: ch, exchange: exchange}
}

func (b *AMQPBroadcaster) Broadcast(ctx context.Context, driverID types.ID, o Offer) error {
	payload, err := encodeBroadcast(driverID, o)
	if err != nil {
		return err
	}
	return b.ch.PublishWithContext(ctx, b.exchange, string(driverID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    string(o.RideID) + ":" + string(driverID),
		Timestamp:    time.Now(),
		Expiration:   expiration(o),
		Body:         payload,
	})
}

// expiration is the per-message TTL in milliseconds, matching the offer expiry.
func expiration(o Offer) string {
	if o.ExpiresAt.IsZero() {
		return ""
	}
	ms := time.Until(o.ExpiresAt).Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
