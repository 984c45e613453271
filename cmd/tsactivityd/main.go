package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"github.com/blikh/ts-activity-tracker/cmd/tsactivityd/commands"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		commands.Run(os.Args[2:], logger)
	case "stats":
		commands.Stats(os.Args[2:], logger)
	case "initconf":
		commands.InitConf(os.Args[2:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: tsactivityd <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run        Start the presence sampling daemon")
	fmt.Fprintln(os.Stderr, "  stats      Print activity reports from the collected data")
	fmt.Fprintln(os.Stderr, "  initconf   Write an example configuration file")
}
