package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var validateCmd = &cli.Command{
	Name:    "validate",
	Usage:   "Report the bids and blocks an auction would drop",
	Aliases: []string{"v"},
	Flags:   []cli.Flag{bookFlag},
	Action: func(c *cli.Context) error {
		engine, err := newEngine(c)
		if err != nil {
			return err
		}
		book, err := loadBook(c)
		if err != nil {
			return err
		}

		cfg := engine.Config()
		w := c.App.Writer
		invalid := 0
		for i, b := range book.Bids {
			if err := cfg.ValidateBid(b); err != nil {
				fmt.Fprintf(w, "bid #%d %s: %v\n", i, b.Ref, err)
				invalid++
			}
		}
		for i, b := range book.Blocks {
			if err := cfg.ValidateBlock(b); err != nil {
				fmt.Fprintf(w, "block #%d %s: %v\n", i, b.Ref, err)
				invalid++
			}
		}

		total := len(book.Bids) + len(book.Blocks)
		fmt.Fprintf(w, "%d of %d entries valid\n", total-invalid, total)
		if invalid > 0 {
			return cli.Exit("", 2)
		}
		return nil
	},
}
