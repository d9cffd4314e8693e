// Command dayaheadctl clears, validates and inspects bid book files
// offline, without any of the service backends.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/alanyoungcy/dayahead/internal/app"
	"github.com/alanyoungcy/dayahead/internal/bidfile"
	"github.com/alanyoungcy/dayahead/internal/clearing"
	"github.com/alanyoungcy/dayahead/internal/config"
	"github.com/alanyoungcy/dayahead/internal/domain"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error: ", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dayaheadctl",
		Usage: "Offline tools for day-ahead bid books",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "specify a TOML file with the [market] parameters",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log the clearing rounds to stderr",
			},
		},
		Commands: []*cli.Command{
			clearCmd,
			validateCmd,
			curveCmd,
		},
	}
}

var bookFlag = &cli.StringFlag{
	Name:     "book",
	Aliases:  []string{"b"},
	Required: true,
	Usage:    "specify the bid book file (YAML or JSON)",
}

// newEngine builds an engine from the market section of --config, or from
// the defaults when no file is given.
func newEngine(c *cli.Context) (*clearing.Engine, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	var w io.Writer = io.Discard
	if c.Bool("verbose") {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return clearing.NewEngine(app.EngineConfig(cfg.Market), logger)
}

func loadBook(c *cli.Context) (domain.BidBook, error) {
	book, err := bidfile.Load(c.String("book"))
	if err != nil {
		return domain.BidBook{}, err
	}
	return book, nil
}
