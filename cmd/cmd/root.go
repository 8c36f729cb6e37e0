package cmd

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fathom/internal/config"
	"fathom/internal/logger"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fathom",
	Short: "Fathom is an iterative deep research CLI",
	Long: `Fathom runs multi-step research sessions: it decomposes a question into
sub-questions, searches the web, extracts and analyzes source content, and
iterates until the collected evidence is sufficient to write a cited report.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fathom.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
}

// initConfig loads configuration and sets up console logging before any
// command runs.
func initConfig() {
	cfg, err := config.Load(cfgFile)
	cobra.CheckErr(err)

	level := zerolog.InfoLevel
	if debug, _ := rootCmd.PersistentFlags().GetBool("debug"); debug || cfg.App.Debug {
		level = zerolog.DebugLevel
	}
	logger.InitConsole(level)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fathom version",
	Run: func(cmd *cobra.Command, args []string) {
		v := version
		if v == "dev" {
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
				v = info.Main.Version
			}
		}
		fmt.Printf("fathom %s\n", v)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
