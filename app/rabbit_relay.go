package app

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/metrics"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/lancer-kit/uwe/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// publisher is the part of *amqp.Channel the relay needs.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type relayMessage struct {
	header models.RabbitHeader
	body   []byte
}

// RabbitRelay republishes raw gateway dispatches to an AMQP exchange. The
// gateway read loop only enqueues, a full queue drops the dispatch.
type RabbitRelay struct {
	config  config.RabbitMQ
	logger  zerolog.Logger
	metrics *metrics.Collector
	devMode bool

	shard    int64
	clientID func() models.ID

	queue chan relayMessage

	conn    *amqp.Connection
	channel publisher
}

func NewRabbitRelay(logger zerolog.Logger, cfg config.RabbitMQ, shard int,
	clientID func() models.ID, m *metrics.Collector) *RabbitRelay {
	return &RabbitRelay{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		devMode:  logger.GetLevel() == zerolog.TraceLevel,
		shard:    int64(shard),
		clientID: clientID,
		queue:    make(chan relayMessage, cfg.Buffer),
	}
}

// Enqueue has the bot.RawHandler signature.
func (worker *RabbitRelay) Enqueue(name string, seq int64, data json.RawMessage) {
	if len(data) == 0 || !worker.config.Relays(name) {
		return
	}

	msg := relayMessage{
		header: models.RabbitHeader{Event: name, Sequence: seq, Shard: worker.shard},
		body:   append([]byte(nil), data...),
	}
	if id := worker.clientID(); id != 0 {
		msg.header.BotID = id.String()
	}

	select {
	case worker.queue <- msg:
	default:
		worker.metrics.Inc(config.RelayDropped)
		worker.logger.Warn().Str("event", name).Int64("seq", seq).Msg("relay queue is full, dropping dispatch")
	}
}

func (worker *RabbitRelay) Init() error {
	var err error
	worker.conn, err = amqp.Dial(worker.config.Auth.URL())
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	channel, err := worker.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open RabbitMQ channel")
	}
	worker.channel = channel

	ex := worker.config.Exchange
	err = channel.ExchangeDeclare(ex.Exchange, ex.ExchangeType, ex.Durable, ex.AutoDelete, false, ex.NoWait, nil)
	if err != nil {
		return errors.Wrap(err, "failed to declare exchange - "+ex.Exchange)
	}
	return nil
}

func (worker *RabbitRelay) Run(wCtx uwe.Context) error {
	worker.loop(wCtx)

	worker.logger.Info().Msg("Receive exit code, stop relay")
	if worker.conn != nil {
		if err := worker.conn.Close(); err != nil {
			worker.logger.Warn().Err(err).Msg("fail when try to close connection")
		}
	}
	return nil
}

func (worker *RabbitRelay) loop(ctx context.Context) {
	for {
		select {
		case msg := <-worker.queue:
			if err := worker.publish(msg); err != nil {
				worker.metrics.Inc(config.RelayDropped)
				worker.logger.Error().Err(err).Str("event", msg.header.Event).Msg("failed to publish dispatch")
				continue
			}
			worker.metrics.Inc(config.RelayPublished)
		case <-ctx.Done():
			return
		}
	}
}

func (worker *RabbitRelay) publish(msg relayMessage) error {
	key := worker.config.Exchange.RoutingKey + msg.header.Event

	if worker.devMode {
		worker.logger.Trace().Fields(map[string]interface{}{
			"exchange":    worker.config.Exchange.Exchange,
			"routing_key": key,
			"sequence":    strconv.FormatInt(msg.header.Sequence, 10),
			"body":        string(msg.body),
		}).Msg("publishing dispatch")
	}

	return worker.channel.Publish(worker.config.Exchange.Exchange, key, false, false, amqp.Publishing{
		Headers:      msg.header.Table(),
		ContentType:  "application/json",
		Body:         msg.body,
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
	})
}
