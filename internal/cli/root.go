// Package cli implements the nim-memory admin command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-memory/logging"
)

var (
	cfgFile   string
	storeKind string
	storePath string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "nim-memory",
	Short: "Inspect and maintain agent long-term memory",
	Long: `nim-memory - administer the long-term memory of a conversational agent.

Reads and writes the same store the agent uses: list and search records,
preview injected context, run decay, consolidate a turn through the judge,
or keep the decay scheduler running.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./nim-memory.yaml)")
	flags.StringVar(&storeKind, "store", "chromem", "store backend: chromem or sqlite")
	flags.StringVar(&storePath, "path", "", "store location (default .nim-memory/)")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	viper.BindPFlag("store.kind", flags.Lookup("store"))
	viper.BindPFlag("store.path", flags.Lookup("path"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("nim-memory")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("NIM_MEMORY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv(graceDaysKey, "MEMORY_DECAY_DAYS")

	if err := viper.ReadInConfig(); err == nil {
		logging.Default().Debug("using config file", "path", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintln(os.Stderr, "Warning: could not read config file:", err)
	}

	logging.SetDefault(logging.New(viper.GetString("log_level"), os.Stderr))
}
