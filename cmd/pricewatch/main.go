// pricewatch 行情推送与交易事件的命令行工具
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&watchCmd{}, "feed")
	commander.Register(&fetchCmd{}, "feed")
	commander.Register(&healthCmd{}, "feed")
	commander.Register(&eventsCmd{}, "events")
	commander.Register(&tokenCmd{}, "auth")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
