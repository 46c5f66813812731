package actions

import (
	"fmt"
	"os"

	"github.com/Mijyuoon/MijDiscord/app"
	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/log"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/fatih/color"
	"github.com/urfave/cli"
)

func relayAction(c *cli.Context) error {
	cfg, err := config.ReadConfig(c.GlobalString(FlagConfig))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if !cfg.RabbitMQ.Enable {
		return cli.NewExitError("rabbit_mq relay is not enabled", 1)
	}

	logger := log.New(cfg.Log).With().Str("app", config.ServiceName).Logger()
	chief := app.InitRelayChief(logger, cfg, func(header models.RabbitHeader, body []byte) {
		fmt.Fprintln(os.Stdout, formatRelayed(header, body))
	})
	chief.Run()
	return nil
}

var eventColor = color.New(color.FgGreen).SprintFunc() //nolint:gochecknoglobals

func formatRelayed(header models.RabbitHeader, body []byte) string {
	origin := fmt.Sprintf("shard %d", header.Shard)
	if header.BotID != "" {
		origin = header.BotID + " " + origin
	}
	return fmt.Sprintf("%s %s [%s] %s", timeColor(fmt.Sprintf("#%d", header.Sequence)),
		eventColor(header.Event), placeColor(origin), body)
}
