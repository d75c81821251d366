package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l7mp/dmotif/internal/buildinfo"
	"github.com/l7mp/dmotif/internal/config"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"

	cfgFile   string
	verbosity int
	logger    logr.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dmotif",
	Short: "Distributed incremental motif counting",
	Long: `dmotif maintains the number of occurrences of a small directed pattern (triangle, clique,
cycle, diamond or a custom motif) in a graph that changes in batches of edge insertions and
removals, using a worst-case optimal join spread over many workers.`,
	Version:       buildinfo.New(version, commitHash, buildDate).String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(verbosity)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./dmotif.yaml or ~/.dmotif/dmotif.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 0, "log verbosity (2: lifecycle, 4: batches, 8: messages)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(reportCmd)
}

// newLogger creates a development zap logger behind logr. Verbosity n enables V(n) messages.
func newLogger(verbosity int) (logr.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.OutputPaths = []string{"stderr"}
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zl, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to create logger: %w", err)
	}
	return zapr.NewLogger(zl).WithName("dmotif"), nil
}

// loadConfig merges the config file, the environment and the flags of the command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
