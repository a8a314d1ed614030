// Package config loads incidnav settings from an HCL file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/agentic-research/incidnav/internal/cursor"
	"github.com/agentic-research/incidnav/internal/fanout"
	"github.com/agentic-research/incidnav/internal/gis"
	"github.com/agentic-research/incidnav/internal/keys"
	"github.com/agentic-research/incidnav/internal/selection"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// DefaultFile is the config file looked up when none is named.
const DefaultFile = "incidnav.hcl"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the decoded configuration. Every attribute is optional.
type Config struct {
	Database          string `hcl:"database,optional"`
	ConnectionTimeout string `hcl:"connection_timeout,optional"`

	PageSize      int    `hcl:"page_size,optional"`
	KeyPrefix     string `hcl:"key_prefix,optional"`
	KeyWidth      int    `hcl:"key_width,optional"`
	MaxSeekProbes int    `hcl:"max_seek_probes,optional"`

	StrictTemplates bool `hcl:"strict_templates,optional"`
	FanoutCacheSize int  `hcl:"fanout_cache_size,optional"`

	FilterBatchSize     int `hcl:"filter_batch_size,optional"`
	FilterMaxConditions int `hcl:"filter_max_conditions,optional"`

	SelectionFile string `hcl:"selection_file,optional"`
	SelectionPath string `hcl:"selection_path,optional"`
	LayerFile     string `hcl:"layer_file,optional"`
	RequestFile   string `hcl:"request_file,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database:            "hlu.db",
		ConnectionTimeout:   "30s",
		PageSize:            100,
		KeyWidth:            keys.DefaultWidth,
		MaxSeekProbes:       64,
		FanoutCacheSize:     256,
		FilterBatchSize:     selection.DefaultBatchSize,
		FilterMaxConditions: selection.DefaultMaxConditions,
		SelectionFile:       "selection.json",
		SelectionPath:       gis.DefaultPath,
		LayerFile:           "layer.json",
		RequestFile:         "select_request.json",
	}
}

// Load reads name from fs. A missing file yields Default.
func Load(fs billy.Filesystem, name string) (*Config, error) {
	data, err := util.ReadFile(fs, name)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", name, err)
	}
	return Parse(name, data)
}

// Parse decodes HCL source. name selects the syntax (.hcl or .json) and
// appears in diagnostics. Attributes left out keep their defaults; attributes
// set explicitly are validated as given, so page_size = 0 is an error.
func Parse(name string, src []byte) (*Config, error) {
	cfg := Default()
	if err := hclsimple.Decode(name, src, nil, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the timeout syntax.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"page_size":             c.PageSize,
		"key_width":             c.KeyWidth,
		"max_seek_probes":       c.MaxSeekProbes,
		"filter_batch_size":     c.FilterBatchSize,
		"filter_max_conditions": c.FilterMaxConditions,
	}
	for _, name := range []string{"page_size", "key_width", "max_seek_probes", "filter_batch_size", "filter_max_conditions"} {
		if positive[name] < 1 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, name, positive[name]))
		}
	}
	if c.KeyWidth > 18 {
		errs = append(errs, fmt.Errorf("%w: key_width %d overflows int64", ErrInvalid, c.KeyWidth))
	}
	if c.FanoutCacheSize < 0 {
		errs = append(errs, fmt.Errorf("%w: fanout_cache_size must not be negative", ErrInvalid))
	}
	if d, err := time.ParseDuration(c.ConnectionTimeout); err != nil {
		errs = append(errs, fmt.Errorf("%w: connection_timeout: %v", ErrInvalid, err))
	} else if d < 0 {
		errs = append(errs, fmt.Errorf("%w: connection_timeout must not be negative", ErrInvalid))
	}
	for _, f := range []struct{ name, value string }{
		{"database", c.Database},
		{"selection_file", c.SelectionFile},
		{"selection_path", c.SelectionPath},
		{"layer_file", c.LayerFile},
		{"request_file", c.RequestFile},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("%w: %s must not be empty", ErrInvalid, f.name))
		}
	}
	return errors.Join(errs...)
}

// Timeout returns the parsed connection timeout; 0 disables the bound.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.ConnectionTimeout)
	if err != nil {
		return 0
	}
	return d
}

// Codec returns the key codec.
func (c *Config) Codec() keys.Codec { return keys.NewCodec(c.KeyPrefix, c.KeyWidth) }

// CursorOptions returns the cursor settings.
func (c *Config) CursorOptions() cursor.Options {
	o := cursor.DefaultOptions()
	o.PageSize = c.PageSize
	o.MaxProbes = c.MaxSeekProbes
	o.Codec = c.Codec()
	return o
}

// FanoutOptions returns the fan-out settings.
func (c *Config) FanoutOptions() fanout.Options {
	return fanout.Options{Strict: c.StrictTemplates, CacheSize: c.FanoutCacheSize}
}

// SelectionOptions returns the analyzer settings.
func (c *Config) SelectionOptions() selection.Options {
	return selection.Options{BatchSize: c.FilterBatchSize, MaxConditions: c.FilterMaxConditions}
}

// FileOptions returns the map exchange file settings.
func (c *Config) FileOptions() gis.FileOptions {
	return gis.FileOptions{
		SelectionFile: c.SelectionFile,
		LayerFile:     c.LayerFile,
		RequestFile:   c.RequestFile,
		Path:          c.SelectionPath,
	}
}
