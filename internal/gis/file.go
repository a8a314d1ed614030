package gis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/agentic-research/incidnav/api"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// DefaultPath locates feature properties in a GeoJSON FeatureCollection.
const DefaultPath = "$.features[*].properties"

// FileOptions names the exchange files of a FileApp.
type FileOptions struct {
	SelectionFile string // current selection export, read back on every ReadSelection
	LayerFile     string // full feature layer, used to resolve SelectByKeys
	RequestFile   string // select and zoom requests for the map are written here
	Path          string // JSONPath of the feature property objects
}

// FileApp exchanges selections with a map application through JSON files on
// a billy filesystem. Exports are GeoJSON-like; Path picks the property
// objects out of them.
type FileApp struct {
	fs   billy.Filesystem
	opts FileOptions
	path jp.Expr
}

// NewFileApp creates a file-exchange app on fs.
func NewFileApp(fs billy.Filesystem, opts FileOptions) (*FileApp, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	x, err := jp.ParseString(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", opts.Path, err)
	}
	return &FileApp{fs: fs, opts: opts, path: x}, nil
}

// readFeatures returns the property objects of one export. A missing file is
// an empty export.
func (a *FileApp) readFeatures(name string) ([]map[string]any, error) {
	data, err := util.ReadFile(a.fs, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	root, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadExport, name, err)
	}
	var out []map[string]any
	for _, v := range a.path.Get(root) {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %s matched a %T", ErrBadExport, name, a.opts.Path, v)
		}
		out = append(out, m)
	}
	return out, nil
}

func (a *FileApp) writeJSON(name string, v any) error {
	if err := util.WriteFile(a.fs, name, []byte(oj.JSON(v, 2)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func featureCollection(props []map[string]any) map[string]any {
	feats := make([]any, len(props))
	for i, p := range props {
		feats[i] = map[string]any{"type": "Feature", "properties": p}
	}
	return map[string]any{"type": "FeatureCollection", "features": feats}
}

// ReadSelection implements App.
func (a *FileApp) ReadSelection(ctx context.Context, schema []string) ([]store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feats, err := a.readFeatures(a.opts.SelectionFile)
	if err != nil {
		return nil, err
	}
	rows := make([]store.Row, len(feats))
	for i, f := range feats {
		r := make(store.Row, len(schema))
		for _, col := range schema {
			r[col] = f[col]
		}
		rows[i] = r
	}
	return rows, nil
}

// CountSelection implements App.
func (a *FileApp) CountSelection(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	feats, err := a.readFeatures(a.opts.SelectionFile)
	if err != nil {
		return 0, err
	}
	return len(feats), nil
}

// SelectByKeys implements App. The features of ks are looked up in the layer
// export and written as the new selection export.
func (a *FileApp) SelectByKeys(ctx context.Context, ks []keys.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if a.opts.LayerFile == "" {
		return false, ErrNoLayer
	}
	layer, err := a.readFeatures(a.opts.LayerFile)
	if err != nil {
		return false, err
	}
	want := make(map[string]bool, len(ks))
	for _, k := range ks {
		want[string(k)] = true
	}
	var sel []map[string]any
	for _, f := range layer {
		if want[store.Row(f).String(api.ParentKeyColumn)] {
			sel = append(sel, f)
		}
	}
	if err := a.writeJSON(a.opts.RequestFile, map[string]any{
		"action": "select",
		"keys":   keys.Strings(ks),
	}); err != nil {
		return false, err
	}
	if err := a.writeJSON(a.opts.SelectionFile, featureCollection(sel)); err != nil {
		return false, err
	}
	log.Printf("gis: selected %d features for %d incids", len(sel), len(ks))
	return len(sel) > 0, nil
}

// SelectFeatures replaces the selection export as if the operator had
// selected rows on the map.
func (a *FileApp) SelectFeatures(ctx context.Context, rows []store.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	props := make([]map[string]any, len(rows))
	for i, r := range rows {
		props[i] = map[string]any(r)
	}
	return a.writeJSON(a.opts.SelectionFile, featureCollection(props))
}

// ZoomTo implements App by writing a zoom request naming the features.
func (a *FileApp) ZoomTo(ctx context.Context, rows []store.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := make([]any, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, map[string]any{
			api.ParentKeyColumn:  r.String(api.ParentKeyColumn),
			api.ToidColumn:       r.String(api.ToidColumn),
			api.ToidFragIDColumn: r.String(api.ToidFragIDColumn),
		})
	}
	return a.writeJSON(a.opts.RequestFile, map[string]any{"action": "zoom", "features": ids})
}

// Request returns the last request written for the map, or nil.
func (a *FileApp) Request() (map[string]any, error) {
	data, err := util.ReadFile(a.fs, a.opts.RequestFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.opts.RequestFile, err)
	}
	v, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadExport, a.opts.RequestFile, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an object", ErrBadExport, a.opts.RequestFile)
	}
	return m, nil
}

// Layer writes the full feature layer export, sorted by incid.
func (a *FileApp) Layer(ctx context.Context, rows []store.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.opts.LayerFile == "" {
		return ErrNoLayer
	}
	props := make([]map[string]any, len(rows))
	for i, r := range rows {
		props[i] = map[string]any(r)
	}
	slices.SortStableFunc(props, func(x, y map[string]any) int {
		return strings.Compare(store.Row(x).String(api.ParentKeyColumn), store.Row(y).String(api.ParentKeyColumn))
	})
	return a.writeJSON(a.opts.LayerFile, featureCollection(props))
}

var _ App = (*FileApp)(nil)
