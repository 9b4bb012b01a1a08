package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func NewTimedChannel(ch Channel, timeout time.Duration) Channel {
	return &timedChannel{Channel: ch, timeout: timeout}
}

func (c *Consumer) HandleMessage(delivery amqp.Delivery) {
	c.handleMessage(delivery)
}
