// Package gis is the contract with the external map application and a
// file-exchange implementation of it.
//
// The navigation core only reads the selected features back, asks for
// features to be selected by incid, and asks the map to zoom. It never draws.
package gis

import (
	"context"
	"errors"

	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/store"
)

var (
	// ErrBadExport is returned when a selection or layer export cannot be parsed.
	ErrBadExport = errors.New("malformed map export")

	// ErrNoLayer is returned by SelectByKeys when no feature layer is available.
	ErrNoLayer = errors.New("no feature layer")
)

// App is the spatial application.
type App interface {
	// ReadSelection returns one row per selected feature with the schema columns.
	ReadSelection(ctx context.Context, schema []string) ([]store.Row, error)
	// SelectByKeys replaces the map selection with every feature of ks and
	// reports whether anything was selected.
	SelectByKeys(ctx context.Context, ks []keys.Key) (bool, error)
	// ZoomTo asks the map to frame the given features.
	ZoomTo(ctx context.Context, rows []store.Row) error
	// CountSelection returns the number of selected features.
	CountSelection(ctx context.Context) (int, error)
}
