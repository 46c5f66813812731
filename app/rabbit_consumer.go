package app

import (
	"context"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/lancer-kit/uwe/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// DeliveryHandler receives a relayed dispatch read back from the exchange.
type DeliveryHandler func(header models.RabbitHeader, body []byte)

// RabbitConsumer binds a private queue to the relay exchange and feeds every
// delivery with a valid header to a handler.
type RabbitConsumer struct {
	config  config.RabbitMQ
	logger  zerolog.Logger
	devMode bool
	handler DeliveryHandler

	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func NewRabbitConsumer(logger zerolog.Logger, cfg config.RabbitMQ, handler DeliveryHandler) *RabbitConsumer {
	return &RabbitConsumer{
		config:  cfg,
		logger:  logger,
		devMode: logger.GetLevel() == zerolog.TraceLevel,
		handler: handler,
	}
}

// BindingKey matches every dispatch the relay publishes under its routing key prefix.
func (worker *RabbitConsumer) BindingKey() string {
	ex := worker.config.Exchange
	if ex.ExchangeType != "topic" {
		return ex.RoutingKey
	}
	return ex.RoutingKey + "#"
}

func (worker *RabbitConsumer) Init() error {
	var err error
	worker.conn, err = amqp.Dial(worker.config.Auth.URL())
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	worker.channel, err = worker.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	ex := worker.config.Exchange
	err = worker.channel.ExchangeDeclare(ex.Exchange, ex.ExchangeType, ex.Durable, ex.AutoDelete, false, ex.NoWait, nil)
	if err != nil {
		return errors.Wrap(err, "failed to declare exchange - "+ex.Exchange)
	}

	queue, err := worker.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return errors.Wrap(err, "failed to declare a queue")
	}

	if err = worker.channel.QueueBind(queue.Name, worker.BindingKey(), ex.Exchange, false, nil); err != nil {
		return errors.Wrap(err, "failed to bind queue")
	}

	worker.deliveries, err = worker.channel.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "failed to register a consumer")
	}
	return nil
}

func (worker *RabbitConsumer) Run(wCtx uwe.Context) error {
	worker.consume(wCtx, worker.deliveries)

	worker.logger.Info().Msg("Receive exit code, stop consumer")
	if err := worker.channel.Close(); err != nil {
		worker.logger.Warn().Err(err).Msg("fail when try to close channel")
	}
	if err := worker.conn.Close(); err != nil {
		worker.logger.Warn().Err(err).Msg("fail when try to close connection")
	}
	return nil
}

func (worker *RabbitConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case message, ok := <-deliveries:
			if !ok {
				worker.logger.Warn().Msg("delivery channel closed")
				return
			}
			if message.Body == nil {
				continue
			}

			if worker.devMode {
				worker.logger.Trace().Fields(map[string]interface{}{
					"delivery_tag": message.DeliveryTag,
					"exchange":     message.Exchange,
					"routing_key":  message.RoutingKey,
					"content_type": message.ContentType,
					"event_kind":   message.Headers[models.RHeaderEvent],
					"body":         string(message.Body),
				}).Msg("received a new message from queue")
			}

			header, err := models.ParseRabbitHeader(message)
			if err != nil {
				worker.logger.Warn().Err(err).Str("routing_key", message.RoutingKey).Msg("invalid header")
				continue
			}
			worker.handler(header, message.Body)

		case <-ctx.Done():
			return
		}
	}
}
