package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"focusshield/internal/config"
	"focusshield/internal/logging"
	"focusshield/internal/store"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile  string
	logLevel string

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "focusshield",
		Short:        "Ad and comment suppression proxy",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "YAML config file (FOCUS_* environment variables override it)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newRenderCmd(a))
	root.AddCommand(newSettingsCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.LoadFile(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Development = cfg.Logging.Development
	log, err := logging.New(lc)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

// openStore opens the configured settings backend.
func (a *app) openStore() (store.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverSQLite:
		return store.OpenSQLite(a.cfg.Store.Path)
	case config.DriverFile:
		return store.OpenFile(a.cfg.Store.Path, a.log.Named("store"))
	case config.DriverMemory:
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
}
