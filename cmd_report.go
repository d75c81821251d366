package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/l7mp/dmotif/pkg/sink"
)

var reportCmd = &cobra.Command{
	Use:   "report FILE",
	Short: "Print the batch summaries recorded by a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := sink.ReadRecord(args[0])
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(rec.Meta))
		for k := range rec.Meta {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, rec.Meta[k])
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "batch\tchanges\teffective\tdelta\ttotal\ttuples\telapsed\t")
		for _, b := range rec.Batches {
			fmt.Fprintf(w, "%d\t%s\t%s\t%+d\t%s\t%s\t%s\t\n", b.Batch, humanize.Comma(int64(b.Changes)),
				humanize.Comma(int64(b.Effective)), b.Delta, humanize.Comma(b.Total),
				humanize.Comma(int64(b.Tuples)), b.Elapsed.Round(time.Microsecond))
		}
		return w.Flush()
	},
}
