package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "litecask-tool",
		Usage: "inspect and maintain a litecask store",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "s", Usage: "silent: suppress informational output"},
			&cli.BoolFlag{Name: "v", Usage: "verbose: print per-entry detail (file) and value-cache counters (stat)"},
			&cli.BoolFlag{Name: "vv", Usage: "very verbose: same output as -v"},
		},
		Commands: []*cli.Command{
			{
				Name:   "stat",
				Usage:  "print counters, config, and file stats for a store",
				Action: runStat,
			},
			{
				Name:   "file",
				Usage:  "dump the records in a single data file",
				Action: runFile,
			},
			{
				Name:   "merge",
				Usage:  "force a merge cycle and print the outcome",
				Action: runMerge,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
