package main

import (
	"fmt"
	"os"

	"github.com/Mijyuoon/MijDiscord/actions"
	"github.com/Mijyuoon/MijDiscord/config"

	"github.com/urfave/cli"
)

//nolint:gochecknoglobals
var (
	build   = "n/a"
	version = "n/a"
)

func main() {
	config.App.Build = build
	config.App.Version = version

	newApp := cli.NewApp()
	newApp.Usage = "A " + config.ServiceName + " service"
	newApp.Version = config.App.Version + ":" + config.App.Build
	newApp.Flags = actions.GetFlags()
	newApp.Commands = actions.GetCommands()

	if err := newApp.Run(os.Args); err != nil {
		fmt.Println("failed run newApp:", err.Error())
		os.Exit(1)
	}
}
