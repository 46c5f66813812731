package actions

import (
	"github.com/Mijyuoon/MijDiscord/config"

	"github.com/urfave/cli"
)

const (
	FlagConfig  = "config"
	FlagChannel = "channel"
	FlagServer  = "server"
)

func GetCommands() []cli.Command {
	return []cli.Command{
		{
			Name:   "serve",
			Usage:  "starts " + config.ServiceName + " workers",
			Action: serveAction,
		},
		{
			Name:  "tail",
			Usage: "connects the bot and prints incoming messages",
			Flags: []cli.Flag{
				cli.StringFlag{Name: FlagChannel, Usage: "channel id or name"},
				cli.StringFlag{Name: FlagServer, Usage: "server id or name"},
			},
			Action: tailAction,
		},
		{
			Name:   "relay",
			Usage:  "prints dispatches relayed to the rabbit_mq exchange",
			Action: relayAction,
		},
	}
}

func GetFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  FlagConfig + ", c",
			Value: "./config.yaml",
		},
	}
}
