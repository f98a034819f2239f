// Package main implements knowledged, the knowledge retrieval daemon and its
// maintenance commands.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/knowledged/internal/config"
)

var (
	// Set via ldflags at build time.
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "knowledged",
	Short: "Knowledge and product retrieval service",
	Long: `knowledged stores question/answer knowledge and product records, keeps a
vector index over them and answers retrieval queries with a ranked list and
an assembled context block.

Run "knowledged serve" for the HTTP API. The other commands operate on the
data directory directly and are safe to run next to a live server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/knowledged/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides data.dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "knowledged %s\n", version)
	fmt.Fprintf(w, "  commit: %s\n", gitCommit)
	fmt.Fprintf(w, "  built:  %s\n", buildDate)
}

// loadConfig reads the config file and environment, then applies the
// persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		derived := cfg.Backup.Dir == filepath.Join(cfg.Data.Dir, "backups")
		cfg.Data.Dir = config.ExpandHome(dataDir)
		if derived {
			cfg.Backup.Dir = filepath.Join(cfg.Data.Dir, "backups")
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}
