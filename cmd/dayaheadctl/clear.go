package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

var clearCmd = &cli.Command{
	Name:    "clear",
	Usage:   "Clear a bid book and print the hourly outcomes",
	Aliases: []string{"c"},
	Flags: []cli.Flag{
		bookFlag,
		&cli.StringFlag{
			Name:  "date",
			Usage: "override the delivery date of the book (YYYY-MM-DD)",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print the full result as JSON",
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
		if s := c.String("date"); s != "" {
			if book.Date, err = time.Parse(time.DateOnly, s); err != nil {
				return fmt.Errorf("invalid date %q", s)
			}
		}
		if book.Date.IsZero() {
			book.Date = time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour)
		}

		res, err := engine.ClearDay(c.Context, book)
		if err != nil {
			return err
		}
		if c.Bool("json") {
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		return printResult(c.App.Writer, res)
	},
}

func printResult(w io.Writer, res *domain.DayResult) error {
	fmt.Fprintf(w, "date %s  run %s  rounds %d  dropped %d\n\n",
		res.Date.Format(time.DateOnly), res.RunID, res.Rounds, res.Dropped)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOUR\tPRICE\tVOLUME\tOUTCOME\tSTARTUP")
	for _, o := range res.Hours {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			o.Hour, num(o.Price), num(o.Volume), o.Kind, num(res.MarginalStartupCost(o.Hour)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.Blocks) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tREF\tHOURS\tPRICE\tVOLUME\tACCEPTED")
	for _, b := range res.Blocks {
		state := "no"
		switch {
		case b.Unresolvable:
			state = "unresolvable"
		case b.Accepted:
			state = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d-%d\t%s\t%s\t%s\n",
			b.ID, b.Ref, b.StartHour, b.EndHour()-1, num(b.Price), num(b.Volume), state)
	}
	return tw.Flush()
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}
