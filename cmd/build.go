package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/gis"
	"github.com/agentic-research/incidnav/internal/store"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var writeLayer bool

// loadDataset parses a JSON object of table name → array of row objects.
func loadDataset(path string) (map[string][]store.Row, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := util.ReadFile(osfs.New(filepath.Dir(abs)), filepath.Base(abs))
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	root, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dataset must be an object of tables, got %T", root)
	}
	out := make(map[string][]store.Row, len(obj))
	for table, v := range obj {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("table %s: expected an array, got %T", table, v)
		}
		rows := make([]store.Row, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("table %s row %d: expected an object, got %T", table, i, item)
			}
			rows = append(rows, store.Row(m))
		}
		out[table] = rows
	}
	return out, nil
}

var buildCmd = &cobra.Command{
	Use:   "build [dataset.json] [output.db]",
	Short: "Build an HLU SQLite database from a JSON dataset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]
		output := args[1]

		ds, err := loadDataset(source)
		if err != nil {
			return err
		}

		_ = os.Remove(output) // Overwrite
		writer, err := store.NewWriter(output)
		if err != nil {
			return err
		}
		defer func() { _ = writer.Close() }()

		start := time.Now()
		fmt.Printf("Building %s from %s...\n", output, source)

		// Parent rows first so child tables never precede their incid.
		tables := make([]string, 0, len(ds))
		for t := range ds {
			tables = append(tables, t)
		}
		slices.SortFunc(tables, func(a, b string) int {
			switch {
			case a == api.ParentTable:
				return -1
			case b == api.ParentTable:
				return 1
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		})
		for _, t := range tables {
			for _, r := range ds[t] {
				if err := writer.Add(t, r); err != nil {
					return err
				}
			}
			fmt.Printf("  %s: %d rows\n", t, len(ds[t]))
		}
		if err := writer.Close(); err != nil {
			return err
		}

		if writeLayer {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := gis.NewFileApp(osfs.New(exchangeDir), cfg.FileOptions())
			if err != nil {
				return err
			}
			if err := app.Layer(context.Background(), ds[api.PolygonTable]); err != nil {
				return err
			}
			fmt.Printf("Wrote map layer with %d features.\n", len(ds[api.PolygonTable]))
		}

		fmt.Printf("Done in %v (%d rows).\n", time.Since(start), writer.Count())
		return nil
	},
}

func init() {
	buildCmd.Flags().BoolVar(&writeLayer, "layer", false, "Also write the polygon rows as the map layer export")
	rootCmd.AddCommand(buildCmd)
}
