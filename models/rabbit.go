package models

import (
	"github.com/pkg/errors"

	"github.com/streadway/amqp"
)

const (
	RHeaderEvent    = "event_type"
	RHeaderSequence = "sequence"
	RHeaderShard    = "shard"
	RHeaderBot      = "bot_id"
)

// RabbitHeader describes a relayed gateway dispatch.
type RabbitHeader struct {
	Event    string
	Sequence int64
	Shard    int64
	BotID    string
}

func (h RabbitHeader) Table() amqp.Table {
	return amqp.Table{
		RHeaderEvent:    h.Event,
		RHeaderSequence: h.Sequence,
		RHeaderShard:    h.Shard,
		RHeaderBot:      h.BotID,
	}
}

func ParseRabbitHeader(message amqp.Delivery) (RabbitHeader, error) {
	var ok bool
	var params RabbitHeader

	params.Event, ok = message.Headers[RHeaderEvent].(string)
	if !ok || params.Event == "" {
		return params, errors.New("message don't have RHeaderEvent")
	}

	params.Sequence, ok = message.Headers[RHeaderSequence].(int64)
	if !ok {
		return params, errors.New("message don't have RHeaderSequence")
	}

	// shard and bot id are optional for unsharded single-bot setups
	params.Shard, _ = message.Headers[RHeaderShard].(int64)
	params.BotID, _ = message.Headers[RHeaderBot].(string)
	return params, nil
}
