package config

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/lancer-kit/noble"
)

const (
	AccountBot  = "bot"
	AccountUser = "user"
)

type BotCfg struct {
	// Token is a noble secret, e.g. "env:BOT_TOKEN" or "raw:...".
	Token    noble.Secret `json:"token" yaml:"token"`
	Type     string       `json:"type" yaml:"type"`
	ClientID string       `json:"client_id" yaml:"client_id"`
	Name     string       `json:"name" yaml:"name"`
	Version  string       `json:"version" yaml:"version"`

	ShardID   int `json:"shard_id" yaml:"shard_id"`
	NumShards int `json:"num_shards" yaml:"num_shards"`

	IgnoreBots bool `json:"ignore_bots" yaml:"ignore_bots"`
	IgnoreSelf bool `json:"ignore_self" yaml:"ignore_self"`

	// ReadyTimeout bounds the wait for servers that were unavailable in READY.
	ReadyTimeout time.Duration `json:"ready_timeout" yaml:"ready_timeout"`
}

func (BotCfg) Default() BotCfg {
	return BotCfg{
		Type:         AccountBot,
		IgnoreSelf:   true,
		ReadyTimeout: 10 * time.Second,
	}
}

func (cfg BotCfg) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Token, validation.Required, noble.RequiredSecret),
		validation.Field(&cfg.Type, validation.Required, validation.In(AccountBot, AccountUser)),
		validation.Field(&cfg.ShardID, validation.Min(0)),
		validation.Field(&cfg.NumShards, validation.Min(0)),
		validation.Field(&cfg.ReadyTimeout, validation.Required),
	)
}

// AuthHeader is the Authorization header value for the configured account type.
func (cfg BotCfg) AuthHeader() string {
	if cfg.Type == AccountBot {
		return "Bot " + cfg.Token.Get()
	}
	return cfg.Token.Get()
}

// Sharded reports whether the identify payload must carry a shard pair.
func (cfg BotCfg) Sharded() bool {
	return cfg.NumShards > 1
}

type GatewayCfg struct {
	// URL overrides the gateway address returned by the API.
	URL                string        `json:"url" yaml:"url"`
	Compress           bool          `json:"compress" yaml:"compress"`
	LargeThreshold     int           `json:"large_threshold" yaml:"large_threshold"`
	CheckHeartbeatAcks bool          `json:"check_heartbeat_acks" yaml:"check_heartbeat_acks"`
	ReconnectDelay     time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectDelay  time.Duration `json:"max_reconnect_delay" yaml:"max_reconnect_delay"`
	ReconnectFactor    float64       `json:"reconnect_factor" yaml:"reconnect_factor"`
	SuspendedPoll      time.Duration `json:"suspended_poll" yaml:"suspended_poll"`
	HandshakeTimeout   time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	CloseTimeout       time.Duration `json:"close_timeout" yaml:"close_timeout"`
	// CommandsPerMinute limits outbound gateway commands except heartbeats.
	CommandsPerMinute int `json:"commands_per_minute" yaml:"commands_per_minute"`
}

func (GatewayCfg) Default() GatewayCfg {
	return GatewayCfg{
		Compress:           true,
		LargeThreshold:     100,
		CheckHeartbeatAcks: true,
		ReconnectDelay:     time.Second,
		MaxReconnectDelay:  120 * time.Second,
		ReconnectFactor:    1.5,
		SuspendedPoll:      time.Second,
		HandshakeTimeout:   45 * time.Second,
		CloseTimeout:       5 * time.Second,
		CommandsPerMinute:  120,
	}
}

func (cfg GatewayCfg) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.LargeThreshold, validation.Min(50), validation.Max(250)),
		validation.Field(&cfg.ReconnectDelay, validation.Required),
		validation.Field(&cfg.MaxReconnectDelay, validation.Required),
		validation.Field(&cfg.ReconnectFactor, validation.Min(1.0)),
		validation.Field(&cfg.SuspendedPoll, validation.Required),
		validation.Field(&cfg.CommandsPerMinute, validation.Required),
	)
}

type RestCfg struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MaxRetries bounds 429 and 5xx retries of a single request, zero retries forever.
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	ServerErrorDelay time.Duration `json:"server_error_delay" yaml:"server_error_delay"`
}

func (RestCfg) Default() RestCfg {
	return RestCfg{
		BaseURL:          "https://discord.com/api/v6",
		Timeout:          30 * time.Second,
		ServerErrorDelay: 500 * time.Millisecond,
	}
}

func (cfg RestCfg) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.BaseURL, validation.Required),
		validation.Field(&cfg.MaxRetries, validation.Min(0)),
	)
}
