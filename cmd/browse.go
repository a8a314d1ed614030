package cmd

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/session"
	"github.com/agentic-research/incidnav/internal/store"
	"github.com/spf13/cobra"
)

var showChildren bool

func printRecord(ctx context.Context, e *env, rec *session.Record) {
	total, err := e.s.Count(ctx)
	if err != nil {
		total = -1
	}
	fmt.Printf("Record %d of %d: %s\n", rec.Position, total, rec.Key())
	printRow("  ", rec.Row)
	if !showChildren || rec.Children == nil {
		return
	}
	for _, entity := range slices.Sorted(maps.Keys(rec.Children.Rows)) {
		rows := rec.Children.Get(entity)
		fmt.Printf("  %s (%d)\n", entity, len(rows))
		for _, r := range rows {
			printRow("    - ", r)
		}
	}
}

func printRow(indent string, r store.Row) {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if r[c] == nil {
			continue
		}
		parts = append(parts, c+"="+r.String(c))
	}
	fmt.Printf("%s%s\n", indent, strings.Join(parts, " "))
}

// await runs one navigation and prints its record. Warnings are printed
// after the record.
func await(ctx context.Context, e *env, nav *session.Navigation) error {
	rec, err := nav.Wait(ctx)
	if rec == nil {
		return err
	}
	printRecord(ctx, e, rec)
	if err != nil {
		fmt.Printf("warning: %v\n", err)
	}
	return nil
}

var gotoCmd = &cobra.Command{
	Use:   "goto [incid]",
	Short: "Show the record at or after an incid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx := cmd.Context()
		return await(ctx, e, e.s.GoToKey(ctx, keys.Key(args[0])))
	},
}

var seekCmd = &cobra.Command{
	Use:   "seek [n]",
	Short: "Show the n-th record (1-based) and the page that holds it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid position %q: %w", args[0], err)
		}
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx := cmd.Context()
		if err := await(ctx, e, e.s.MoveTo(ctx, n)); err != nil {
			return err
		}
		if w := e.s.Cursor().Window(); w.Len() > 0 {
			fmt.Printf("Page %d-%d (%d rows)\n", w.Ordinal(0)+1, w.Ordinal(w.Len()-1)+1, w.Len())
		}
		return nil
	},
}

var childrenCmd = &cobra.Command{
	Use:   "children [incid]",
	Short: "List every dependent child collection of an incid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showChildren = true
		return gotoCmd.RunE(cmd, args)
	},
}

func init() {
	gotoCmd.Flags().BoolVar(&showChildren, "children", false, "Also print child collections")
	seekCmd.Flags().BoolVar(&showChildren, "children", false, "Also print child collections")
	rootCmd.AddCommand(gotoCmd, seekCmd, childrenCmd)
}
