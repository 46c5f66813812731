package app

import (
	"github.com/Mijyuoon/MijDiscord/bot"
	"github.com/Mijyuoon/MijDiscord/config"

	"github.com/lancer-kit/uwe/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	WorkerGateway     = "gateway"
	WorkerAPI         = "api_server"
	WorkerRabbitRelay = "rabbit_relay"

	WorkerRabbitConsumer = "rabbit_consumer"
)

func InitChief(logger zerolog.Logger, cfg config.Cfg) (uwe.Chief, error) {
	defer func() {
		rec := recover()
		if rec != nil {
			logger.Fatal().Interface("recover", rec).Msg("caught panic")
		}
	}()
	logger = logger.With().Str("app_layer", "workers").Logger()
	chief := newChief(logger)

	m := cfg.Monitoring.NewCollector()

	b, err := bot.New(logger.With().Str("worker", WorkerGateway).Logger(), cfg, m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init bot")
	}

	if cfg.RabbitMQ.Enable {
		relay := NewRabbitRelay(
			logger.With().Str("worker", WorkerRabbitRelay).Logger(),
			cfg.RabbitMQ,
			cfg.Bot.ShardID,
			b.ClientID,
			m,
		)
		b.AddRawHandler(relay.Enqueue)
		chief.AddWorker(WorkerRabbitRelay, relay)
	}

	if cfg.EnableAPI {
		chief.AddWorker(WorkerAPI, GetServer(logger.With().Str("worker", WorkerAPI).Logger(), cfg, b, m))
	}

	chief.AddWorker(WorkerGateway, NewBotWorker(logger.With().Str("worker", WorkerGateway).Logger(), b))
	return chief, nil
}

// InitRelayChief runs only a consumer reading relayed dispatches back from the exchange.
func InitRelayChief(logger zerolog.Logger, cfg config.Cfg, handler DeliveryHandler) uwe.Chief {
	logger = logger.With().Str("app_layer", "workers").Logger()
	chief := newChief(logger)
	chief.AddWorker(WorkerRabbitConsumer,
		NewRabbitConsumer(logger.With().Str("worker", WorkerRabbitConsumer).Logger(), cfg.RabbitMQ, handler))
	return chief
}

func newChief(logger zerolog.Logger) uwe.Chief {
	chief := uwe.NewChief()
	chief.UseDefaultRecover()
	chief.SetEventHandler(func(event uwe.Event) {
		var level zerolog.Level
		switch event.Level {
		case uwe.LvlFatal, uwe.LvlError:
			level = zerolog.ErrorLevel
		case uwe.LvlInfo:
			level = zerolog.InfoLevel
		default:
			level = zerolog.WarnLevel
		}

		logger.WithLevel(level).Fields(event.Fields).Msg(event.Message)
	})
	return chief
}

// BotWorker keeps the gateway connected for the lifetime of the chief.
type BotWorker struct {
	logger zerolog.Logger
	bot    *bot.Bot
}

func NewBotWorker(logger zerolog.Logger, b *bot.Bot) *BotWorker {
	return &BotWorker{logger: logger, bot: b}
}

func (w *BotWorker) Init() error { return nil }

func (w *BotWorker) Run(wCtx uwe.Context) error {
	if err := w.bot.Connect(wCtx); err != nil {
		return errors.Wrap(err, "failed to connect")
	}
	w.logger.Info().Str("client_id", w.bot.ClientID().String()).Msg("bot is ready")

	select {
	case <-wCtx.Done():
		w.logger.Info().Msg("Receive exit code, disconnect bot")
		w.bot.Disconnect(true)
		return nil
	case <-w.bot.Done():
		w.bot.Disconnect(false)
		return errors.New("gateway stopped reconnecting")
	}
}
