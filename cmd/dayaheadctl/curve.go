package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
)

var curveCmd = &cli.Command{
	Name:  "curve",
	Usage: "Print the aggregated supply and demand curve of one hour",
	Flags: []cli.Flag{
		bookFlag,
		&cli.IntFlag{
			Name:     "hour",
			Required: true,
			Usage:    "specify the delivery hour",
		},
	},
	Action: func(c *cli.Context) error {
		engine, err := newEngine(c)
		if err != nil {
			return err
		}
		book, err := loadBook(c)
		if err != nil {
			return err
		}

		curves := engine.BuildCurves(book)
		hour := c.Int("hour")
		if hour < 0 || hour >= len(curves) {
			return fmt.Errorf("hour %d outside [0, %d)", hour, len(curves))
		}

		tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "PRICE\tSELL_MIN\tSELL_MAX\tASK_MIN\tASK_MAX\t")
		for _, p := range curves[hour].Points {
			fmt.Fprintf(tw, "%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n", p.Price, p.SellMin, p.SellMax, p.AskMin, p.AskMax)
		}
		outcome := engine.Solve(curves[hour])
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "\noutcome %s: price %s, volume %s\n", outcome.Kind, num(outcome.Price), num(outcome.Volume))
		return nil
	},
}
