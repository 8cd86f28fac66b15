// README: RabbitMQ connection and channel setup for the broadcast exchange.
package infra

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP bundles a connection with the single channel used for publishing.
type AMQP struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// NewAMQP dials the broker and declares a durable fanout exchange.
func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQP{Conn: conn, Channel: ch}, nil
}

func (a *AMQP) Close() error {
	if a == nil {
		return nil
	}
	if a.Channel != nil {
		_ = a.Channel.Close()
	}
	if a.Conn != nil {
		return a.Conn.Close()
	}
	return nil
}
