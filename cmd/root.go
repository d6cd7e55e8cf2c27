// Package cmd holds the researcher command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time.
var Version = "dev"

type globals struct {
	cfgPath  string
	logLevel string
}

// Execute runs the root command.
func Execute() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "researcher",
		Short:         "Deep research service: plans, researches and reports on a query",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.cfgPath, "config", "c", "", "config file (default is ./config/researcher.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override general.log_level")

	root.AddCommand(
		serveCMD(g),
		researchCMD(g),
		mcpCMD(g),
		migrateCMD(g),
		toolsCMD(g),
		tokenCMD(g),
	)
	return root
}

// load reads configuration and builds the process logger.
func (g *globals) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.General.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	log, err := telemetry.NewLogger(level, cfg.General.Environment)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(log)
	return cfg, log, nil
}
