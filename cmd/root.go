package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentic-research/incidnav/internal/config"
	"github.com/agentic-research/incidnav/internal/gis"
	"github.com/agentic-research/incidnav/internal/session"
	"github.com/agentic-research/incidnav/internal/store"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	exchangeDir string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to HCL config")
	rootCmd.PersistentFlags().StringVar(&exchangeDir, "exchange", ".", "Directory holding the map exchange files")
}

var rootCmd = &cobra.Command{
	Use:          "incidnav",
	Short:        "Browse HLU incid records and reconcile them with the map selection",
	SilenceUsage: true,
}

// loadConfig reads the config file; a missing file yields defaults.
func loadConfig() (*config.Config, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return config.Load(osfs.New(filepath.Dir(abs)), filepath.Base(abs))
}

// env is everything a command needs to run against the database and the map.
type env struct {
	cfg *config.Config
	db  *store.SQLite
	app *gis.FileApp
	s   *session.Session
}

func (e *env) Close() {
	if e.s != nil {
		e.s.Close()
	}
	if e.db != nil {
		_ = e.db.Close() // safe to ignore
	}
}

func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Database); err != nil {
		return nil, fmt.Errorf("database %s: %w", cfg.Database, err)
	}
	db, err := store.OpenSQLite(cfg.Database, cfg.Timeout())
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, db: db}

	e.app, err = gis.NewFileApp(osfs.New(exchangeDir), cfg.FileOptions())
	if err != nil {
		e.Close()
		return nil, err
	}
	e.s, err = session.New(db, e.app, session.Options{
		Cursor:    cfg.CursorOptions(),
		Fanout:    cfg.FanoutOptions(),
		Selection: cfg.SelectionOptions(),
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
