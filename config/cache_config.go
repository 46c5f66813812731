package config

import (
	validation "github.com/go-ozzo/ozzo-validation"
)

const DefaultMessageLimit = 200

type CacheCfg struct {
	// MessageLimit is the per-channel message capacity, oldest messages are evicted first.
	MessageLimit int `json:"message_limit" yaml:"message_limit"`
}

func (CacheCfg) Default() CacheCfg {
	return CacheCfg{MessageLimit: DefaultMessageLimit}
}

func (cfg CacheCfg) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.MessageLimit, validation.Required, validation.Min(1)),
	)
}
