package actions

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Mijyuoon/MijDiscord/bot"
	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/events"
	"github.com/Mijyuoon/MijDiscord/log"
	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/fatih/color"
	"github.com/urfave/cli"
)

func tailAction(c *cli.Context) error {
	cfg, err := config.ReadConfig(c.GlobalString(FlagConfig))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	logger := log.New(cfg.Log)
	b, err := bot.New(logger, cfg, cfg.Monitoring.NewCollector())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	filter := tailFilter(c.String(FlagChannel), c.String(FlagServer))
	_, err = b.AddEvent(events.CreateMessage, "tail", filter, func(_ context.Context, ev events.Event) error {
		fmt.Fprintln(os.Stdout, formatMessage(ev.(*events.MessageEvent)))
		return nil
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Connect(ctx); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer b.Disconnect(true)

	select {
	case <-ctx.Done():
		return nil
	case <-b.Done():
		return cli.NewExitError("gateway stopped reconnecting", 1)
	}
}

// tailFilter treats numeric values as ids and everything else as names.
func tailFilter(channel, server string) events.Filter {
	filter := events.Filter{}
	for name, value := range map[string]string{"channel": channel, "server": server} {
		if value == "" {
			continue
		}
		if id, err := models.ParseID(value); err == nil {
			filter[name] = id
		} else {
			filter[name] = value
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

//nolint:gochecknoglobals
var (
	timeColor   = color.New(color.FgHiBlack).SprintFunc()
	placeColor  = color.New(color.FgCyan).SprintFunc()
	authorColor = color.New(color.FgYellow, color.Bold).SprintFunc()
	editedColor = color.New(color.FgMagenta).SprintFunc()
)

func formatMessage(ev *events.MessageEvent) string {
	msg := ev.Message

	place := "DM"
	if ch := msg.Channel(); ch != nil && !ch.Private() {
		place = "#" + ch.Name()
		if ev.Server != nil {
			place = ev.Server.Name() + " " + place
		}
	}

	author := "unknown"
	if u := msg.Author(); u != nil {
		author = u.Tag()
	}

	var sb strings.Builder
	sb.WriteString(timeColor(msg.Timestamp().Local().Format("15:04:05")))
	sb.WriteString(" [" + placeColor(place) + "] ")
	sb.WriteString(authorColor(author) + ": ")
	sb.WriteString(msg.Content())
	if n := len(msg.Attachments()); n > 0 {
		fmt.Fprintf(&sb, " (+%d attachments)", n)
	}
	if msg.Edited() {
		sb.WriteString(" " + editedColor("(edited)"))
	}
	return sb.String()
}
