// Command docconv runs the document conversion service and its batch CLI.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time via ldflags.
var version = "dev"

const defaultConfigPath = "./config.yaml"

var rootCmd = &cobra.Command{
	Use:   "docconv",
	Short: "Convert documents to text behind a bounded work queue",
	Long: `docconv accepts documents (PDF, Office, CSV, code, images and plain text),
converts them to Markdown-friendly text and caches results by content.

"serve" runs the HTTP service; "convert" runs the same engine in-process
for files on disk.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", defaultConfigPath, "config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level (DEBUG, INFO, WARN, ERROR)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	viper.SetEnvPrefix("DOCCONV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// configPath returns the config file to load, or "" when the default file
// is absent and built-in defaults should be used.
func configPath() (string, error) {
	p := strings.TrimSpace(viper.GetString("config"))
	if p == "" {
		return "", nil
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) && p == defaultConfigPath {
			return "", nil
		}
		return "", fmt.Errorf("config %s: %w", p, err)
	}
	return p, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
