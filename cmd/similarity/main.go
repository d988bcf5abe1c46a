// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/poiesic/similarity"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(openDatabase).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// opener opens the database a command works on.
type opener func(c *cli.Context) (*similarity.Database, error)

func newApp(open opener) *cli.App {
	idFlag := &cli.Uint64Flag{
		Name:     "id",
		Usage:    "Collection ID",
		Required: true,
	}

	return &cli.App{
		Name:  "similarity",
		Usage: "Image similarity feature store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to the BadgerDB database directory (overrides the configuration)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:  "collection",
				Usage: "Manage collections",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "Create an empty collection",
						Action: withDatabase(open, collectionCreateCommand),
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "name",
								Aliases:  []string{"n"},
								Usage:    "Collection name",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "source-tag",
								Usage: "Tag of the external source the content comes from",
							},
						},
					},
					{
						Name:   "list",
						Usage:  "List collections",
						Action: withDatabase(open, collectionListCommand),
					},
					{
						Name:   "info",
						Usage:  "Show the state of a collection",
						Action: withDatabase(open, collectionInfoCommand),
						Flags:  []cli.Flag{idFlag},
					},
					{
						Name:   "delete",
						Usage:  "Delete a collection with its content and features",
						Action: withDatabase(open, collectionDeleteCommand),
						Flags:  []cli.Flag{idFlag},
					},
				},
			},
			{
				Name:  "content",
				Usage: "Manage collection content",
				Subcommands: []*cli.Command{
					{
						Name:   "replace",
						Usage:  "Replace the content of a collection with rows of \"source[,reference]\"",
						Action: withDatabase(open, contentReplaceCommand),
						Flags: []cli.Flag{
							idFlag,
							&cli.StringFlag{
								Name:     "file",
								Aliases:  []string{"f"},
								Usage:    "File with one row per line, - for stdin",
								Required: true,
							},
						},
					},
					{
						Name:   "export",
						Usage:  "Export the content of a collection as CSV",
						Action: withDatabase(open, contentExportCommand),
						Flags: []cli.Flag{
							idFlag,
							&cli.StringFlag{
								Name:    "out",
								Aliases: []string{"o"},
								Usage:   "Output file (default stdout)",
							},
						},
					},
				},
			},
			{
				Name:   "finetune",
				Usage:  "Rebuild the features of a collection, or of every stale collection",
				Action: withDatabase(open, finetuneCommand),
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:  "id",
						Usage: "Collection ID",
					},
					&cli.BoolFlag{
						Name:  "stale",
						Usage: "Finetune every stale collection",
					},
					&cli.BoolFlag{
						Name:    "quiet",
						Aliases: []string{"q"},
						Usage:   "Do not show progress",
					},
				},
			},
			{
				Name:   "search",
				Usage:  "Find the content most similar to query images",
				Action: withDatabase(open, searchCommand),
				Flags: []cli.Flag{
					idFlag,
					&cli.StringSliceFlag{
						Name:     "image",
						Aliases:  []string{"i"},
						Usage:    "Query image file (repeatable)",
						Required: true,
					},
					&cli.IntFlag{
						Name:    "top-k",
						Aliases: []string{"k"},
						Usage:   "Maximum number of hits (default from configuration)",
					},
					&cli.Float64Flag{
						Name:  "threshold",
						Usage: "Minimum score of a hit",
					},
				},
			},
			{
				Name:   "sweep",
				Usage:  "Reset collections left running by a crashed process",
				Action: withDatabase(open, sweepCommand),
			},
			{
				Name:   "serve",
				Usage:  "Run the finetune daemon",
				Action: withDatabase(open, serveCommand),
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "How often stale collections are finetuned",
						Value: time.Minute,
					},
					&cli.BoolFlag{
						Name:  "gops",
						Usage: "Start the gops diagnostics agent",
						Value: true,
					},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	// Map string to slog.Level
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
