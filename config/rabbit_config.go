package config

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/lancer-kit/noble"
)

// RabbitMQ configures the relay that republishes raw gateway dispatches.
type RabbitMQ struct {
	Enable   bool       `json:"enable" yaml:"enable"`
	Auth     RabbitAuth `json:"auth" yaml:"auth"`
	Exchange Exchange   `json:"exchange" yaml:"exchange"`
	// Events limits relayed dispatch names, empty relays everything.
	Events []string `json:"events" yaml:"events"`
	// Buffer is the queue length between the gateway read loop and the publisher.
	Buffer int `json:"buffer" yaml:"buffer"`
}

func (RabbitMQ) Default() RabbitMQ {
	return RabbitMQ{
		Exchange: Exchange{ExchangeType: "topic", Durable: true},
		Buffer:   1024,
	}
}

func (cfg RabbitMQ) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Auth, validation.Required),
		validation.Field(&cfg.Exchange, validation.Required),
		validation.Field(&cfg.Buffer, validation.Required, validation.Min(1)),
	)
}

// Relays reports whether the dispatch named event passes the Events filter.
func (cfg RabbitMQ) Relays(event string) bool {
	if len(cfg.Events) == 0 {
		return true
	}
	for _, name := range cfg.Events {
		if name == event {
			return true
		}
	}
	return false
}

type RabbitAuth struct {
	Host     string       `json:"host" yaml:"host"`
	User     noble.Secret `json:"user" yaml:"user"`
	Password noble.Secret `json:"password" yaml:"password"`
}

func (cfg RabbitAuth) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s", cfg.User.Get(), cfg.Password.Get(), cfg.Host)
}

func (cfg RabbitAuth) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Host, validation.Required),
		validation.Field(&cfg.User, validation.Required, noble.RequiredSecret),
		validation.Field(&cfg.Password, validation.Required, noble.RequiredSecret),
	)
}

type Exchange struct {
	Exchange     string `json:"exchange" yaml:"exchange"`
	ExchangeType string `json:"exchange_type" yaml:"exchange_type"`
	// RoutingKey prefixes the dispatch name, e.g. "discord." gives "discord.MESSAGE_CREATE".
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	// Durable exchanges will survive server restarts
	Durable bool `json:"durable" yaml:"durable"`
	// Will remain declared when there are no remaining bindings.
	AutoDelete bool `json:"auto_delete" yaml:"auto_delete"`
	// When noWait is true, declare without waiting for a confirmation from the server.
	NoWait bool `json:"no_wait" yaml:"no_wait"`
}

func (cfg Exchange) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Exchange, validation.Required),
		validation.Field(&cfg.ExchangeType, validation.Required),
	)
}
