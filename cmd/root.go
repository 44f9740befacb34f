package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"RayRelay/config"
	"RayRelay/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var (
	cfgPath string
	verbose bool
	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "rayrelay",
	Short:   "Relays headset photos to object and face detectors and returns 3D rays",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			err = logger.InitDevelopment()
		} else {
			err = logger.InitProduction()
			gin.SetMode(gin.ReleaseMode)
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return nil
	},
	// serve is the default when no subcommand is given
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the yaml config file (defaults apply when it is missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging")
}
