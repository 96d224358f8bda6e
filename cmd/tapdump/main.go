// Command tapdump inspects sync buffers, journals and session stores.
package main

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var stdout io.Writer = os.Stdout

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "tapdump",
		Usage: "inspect tap sync buffers, journals and session stores",
		Commands: []*cli.Command{
			{
				Name:      "buffer",
				Usage:     "describe a raw sync buffer",
				ArgsUsage: "FILE",
				Action:    dumpBufferFile,
				Flags:     commonFlags(),
			},
			{
				Name:      "journal",
				Usage:     "describe every committed record of a journal",
				ArgsUsage: "DIR",
				Action:    dumpJournal,
				Flags:     append(commonFlags(), journalFlags()...),
			},
			{
				Name:      "replay",
				Usage:     "replay a journal into a fresh peer and describe the result",
				ArgsUsage: "DIR",
				Action:    replayJournal,
				Flags: append(append(commonFlags(), journalFlags()...),
					&cli.StringFlag{
						Name:  "role",
						Value: "secondary",
						Usage: "role of the replaying peer (primary or secondary)",
					},
				),
			},
			{
				Name:      "sessions",
				Usage:     "list the sessions of a store",
				ArgsUsage: "DB",
				Action:    listSessions,
				Flags:     commonFlags(),
			},
			{
				Name:      "frames",
				Usage:     "describe the frames of a stored session",
				ArgsUsage: "DB SESSION",
				Action:    dumpFrames,
				Flags:     commonFlags(),
			},
		},
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "log debug messages to stderr",
		},
		&cli.BoolFlag{
			Name:  "payloads",
			Usage: "include record payloads in hex",
		},
	}
}

func journalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "pattern",
			Value: "*.wal",
			Usage: "segment file name pattern",
		},
	}
}

func newLogger(cmd *cli.Command) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !cmd.Bool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
