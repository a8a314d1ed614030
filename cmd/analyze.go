package cmd

import (
	"fmt"
	"strings"

	"github.com/agentic-research/incidnav/internal/gate"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/selection"
	"github.com/spf13/cobra"
)

var (
	filterKeys []string
	currentKey string
	editReady  bool
	modeFlags  []string
)

var modeByName = map[string]gate.Mode{
	"bulk":        gate.Bulk,
	"osmm-review": gate.OSMMReview,
	"osmm-bulk":   gate.OSMMBulk,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Reconcile the map selection with the database and show split/merge eligibility",
	Long: `Reads the map selection export and compares it with the database.

With --keys the incids are applied as a filter first: their features are
selected on the map and the expected feature count is checked against what
the map reports. Without --keys the selection is treated as made on the map.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()
		ctx := cmd.Context()

		mode := gate.Mode(0)
		if editReady {
			mode |= gate.EditReady
		}
		for _, name := range modeFlags {
			m, ok := modeByName[name]
			if !ok {
				return fmt.Errorf("unknown mode %q", name)
			}
			mode |= m
		}
		e.s.SetMode(mode)

		if currentKey != "" {
			if _, err := e.s.GoToKey(ctx, keys.Key(currentKey)).Wait(ctx); err != nil {
				fmt.Printf("warning: %v\n", err)
			}
		}

		var r *selection.Report
		if len(filterKeys) > 0 {
			ks := make([]keys.Key, len(filterKeys))
			for i, k := range filterKeys {
				ks[i] = keys.Key(k)
			}
			r, err = e.s.SetFilter(ctx, selection.KeyFilter(ks))
		} else {
			r, err = e.s.OnMapSelectionChanged(ctx)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Origin: %s (from map: %v)\n", r.Origin, r.FromMap)
		fmt.Printf("Map:      %d rows, %d incids, %d toids, %d fragments\n",
			r.GISCounts.Rows, r.GISCounts.Incids, r.GISCounts.Toids, r.GISCounts.Frags)
		fmt.Printf("Database: %d rows, %d incids, %d toids, %d fragments\n",
			r.DBCounts.Rows, r.DBCounts.Incids, r.DBCounts.Toids, r.DBCounts.Frags)
		if r.Expected >= 0 {
			fmt.Printf("Expected %d features, map has %d\n", r.Expected, r.Actual)
		}
		if err := r.Err(); err != nil {
			fmt.Printf("warning: %v\n", err)
		}
		if cur := e.s.Current(); cur != nil {
			c := e.s.Gate().Counts()
			fmt.Printf("Current %s: map %d toids/%d fragments, database %d toids/%d fragments\n",
				cur.Key(), c.CurrentGISToids, c.CurrentGISFrags, c.CurrentDBToids, c.CurrentDBFrags)
		}

		fmt.Printf("Mode: %s\n", e.s.Gate().Mode())
		st := e.s.Gate().State()
		var on []string
		for _, p := range gate.Predicates() {
			if st.Get(p) {
				on = append(on, p.String())
			}
		}
		if len(on) == 0 {
			on = []string{"none"}
		}
		fmt.Printf("Enabled: %s\n", strings.Join(on, ", "))
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringSliceVar(&filterKeys, "keys", nil, "Incids to apply as a filter")
	analyzeCmd.Flags().StringVar(&currentKey, "current", "", "Incid of the record being edited")
	analyzeCmd.Flags().BoolVar(&editReady, "edit", false, "Set CanEdit and HasReasonAndProcess")
	analyzeCmd.Flags().StringSliceVar(&modeFlags, "mode", nil, "Extra mode flags: bulk, osmm-review, osmm-bulk")
	rootCmd.AddCommand(analyzeCmd)
}
