package config

import (
	"os"

	"github.com/Mijyuoon/MijDiscord/log"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/lancer-kit/uwe/v2/presets/api"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	ServiceName = "mijdiscord"
	LibraryURL  = "https://github.com/Mijyuoon/MijDiscord"
)

type AppInfo struct {
	Build   string `json:"build"`
	Version string `json:"version"`
}

// App is filled from linker flags in main.
var App = AppInfo{Build: "n/a", Version: "n/a"} //nolint:gochecknoglobals

// Cfg main structure of the app configuration.
type Cfg struct {
	Log     log.Config `json:"log" yaml:"log"`
	Bot     BotCfg     `json:"bot" yaml:"bot"`
	Gateway GatewayCfg `json:"gateway" yaml:"gateway"`
	REST    RestCfg    `json:"rest" yaml:"rest"`
	Cache   CacheCfg   `json:"cache" yaml:"cache"`
	Events  EventsCfg  `json:"events" yaml:"events"`

	EnableAPI bool       `json:"enable_api" yaml:"enable_api"`
	API       api.Config `json:"api" yaml:"api"`

	RabbitMQ   RabbitMQ      `json:"rabbit_mq" yaml:"rabbit_mq"`
	Monitoring MonitoringCfg `json:"monitoring" yaml:"monitoring"`
}

// Default returns a configuration with every optional knob set; ReadConfig
// decodes the file over it.
func Default() Cfg {
	return Cfg{
		Log:        log.Config{}.Default(),
		Bot:        BotCfg{}.Default(),
		Gateway:    GatewayCfg{}.Default(),
		REST:       RestCfg{}.Default(),
		Cache:      CacheCfg{}.Default(),
		Events:     EventsCfg{},
		RabbitMQ:   RabbitMQ{}.Default(),
		Monitoring: MonitoringCfg{Namespace: ServiceName},
	}
}

func (cfg Cfg) Validate() error {
	if cfg.EnableAPI {
		if err := validation.Validate(cfg.API, validation.Required); err != nil {
			return errors.Wrap(err, "api")
		}
	}

	if cfg.RabbitMQ.Enable {
		if err := cfg.RabbitMQ.Validate(); err != nil {
			return errors.Wrap(err, "rabbit_mq")
		}
	}

	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Bot, validation.Required),
		validation.Field(&cfg.Gateway),
		validation.Field(&cfg.REST),
		validation.Field(&cfg.Cache),
		validation.Field(&cfg.Events),
	)
}

func ReadConfig(path string) (Cfg, error) {
	rawConfig, err := os.ReadFile(path)
	if err != nil {
		return Cfg{}, errors.Wrap(err, "unable to read config file")
	}

	return ParseConfig(rawConfig)
}

func ParseConfig(rawConfig []byte) (Cfg, error) {
	config := Default()
	if err := yaml.Unmarshal(rawConfig, &config); err != nil {
		return Cfg{}, errors.Wrap(err, "unable to unmarshal config file")
	}

	if err := config.Validate(); err != nil {
		return Cfg{}, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

type EventsCfg struct {
	// MaxWorkers caps concurrently running callbacks, zero means one goroutine per callback without a cap.
	MaxWorkers int64 `json:"max_workers" yaml:"max_workers"`
}

func (cfg EventsCfg) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.MaxWorkers, validation.Min(0)),
	)
}

type MonitoringCfg struct {
	Metrics     bool   `json:"metrics" yaml:"metrics"`
	Namespace   string `json:"namespace" yaml:"namespace"`
	PrettyPrint bool   `json:"pretty_print" yaml:"pretty_print"`
}
