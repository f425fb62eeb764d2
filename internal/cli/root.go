package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kvolkov/couchpack/internal/backup"
	"github.com/kvolkov/couchpack/internal/config"
	"github.com/kvolkov/couchpack/internal/log"
	"github.com/kvolkov/couchpack/internal/util/signalctx"
)

var (
	configPath string
	outputFile string
	inputFile  string
	progress   string
	verbose    bool
	debugFlag  bool
	keepRunTmp bool
)

// rootCmd is the main entry point invoked from cmd/couchpack.
var rootCmd = &cobra.Command{
	Use:   "couchpack",
	Short: "Dump and restore a whole CouchDB server through a local staging replica",
	Long: `couchpack backs up every database on a CouchDB server (security metadata
and system databases included) into a single gzip tar archive, and restores
such an archive onto a server. It works by spawning a disposable local
CouchDB instance and driving peer-to-peer replication to or from it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = cmd.Help()
		return errors.New("a subcommand (dump or load) is required")
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Back up the configured server into an archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig()
		if err != nil {
			return err
		}
		cfg.ArchivePath = outputFile
		ctx, cancel, _ := signalctx.WithSignals(cmd.Context())
		defer cancel()
		if err := backup.Dump(ctx, cfg); err != nil {
			return fmt.Errorf("dump: %w", err)
		}
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Restore an archive onto the configured server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig()
		if err != nil {
			return err
		}
		cfg.ArchivePath = inputFile
		ctx, cancel, _ := signalctx.WithSignals(cmd.Context())
		defer cancel()
		if err := backup.Load(ctx, cfg); err != nil {
			return fmt.Errorf("load: %w", err)
		}
		return nil
	},
}

// runConfig merges the config file with display flags into a run config.
func runConfig() (*backup.Config, error) {
	log.Setup(debugFlag, verbose)
	if configPath == "" {
		return nil, errors.New("-c/--config is required")
	}
	db, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return &backup.Config{
		ServerURL:  db.URL,
		Username:   db.Username,
		Password:   db.Password,
		Progress:   progress,
		Verbose:    verbose,
		KeepRunTmp: keepRunTmp,
	}, nil
}

// Execute parses flags and runs the selected command.
func Execute() error { return rootCmd.Execute() }

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to the couchpack config file (required)")
	pf.StringVar(&progress, "progress", "auto", "Progress display mode: auto|bar|plain|none")
	pf.BoolVar(&verbose, "verbose", false, "Verbose output")
	pf.BoolVar(&debugFlag, "debug", false, "Enable debug trace output")
	pf.BoolVar(&keepRunTmp, "keep-run-tmp", false, "Preserve the temporary staging directory (debugging)")

	dumpCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "Archive path to write (required)")
	_ = dumpCmd.MarkFlagRequired("output-file")
	loadCmd.Flags().StringVarP(&inputFile, "input-file", "i", "", "Archive path to restore from (required)")
	_ = loadCmd.MarkFlagRequired("input-file")

	rootCmd.AddCommand(dumpCmd, loadCmd)
}
