package actions

import (
	"github.com/Mijyuoon/MijDiscord/app"
	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/log"

	"github.com/urfave/cli"
)

func serveAction(c *cli.Context) error {
	cfg, err := config.ReadConfig(c.GlobalString(FlagConfig))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	logger := log.New(cfg.Log).With().Str("app", config.ServiceName).Logger()

	chief, err := app.InitChief(logger, cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	chief.Run()
	return nil
}
