// Package main is the convcore demo CLI: a cobra command structured like
// the teacher's cmd/kodelet that drives the Conversation Engine end to
// end against an in-memory fake LLM session, so the pipeline can be
// exercised without a live model or Mongo connection.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scoopai/convcore/internal/config"
	"github.com/scoopai/convcore/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "convcore",
	Short: "Demo harness for the sports-nutrition Conversation Engine",
	Long:  `convcore drives the Conversation Engine against an in-memory fake LLM client, for local exploration without a live model or database.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func main() {
	ctx := context.Background()

	cobra.OnInitialize(func() {
		if lvl := viper.GetString("log_level"); lvl != "" {
			if err := logger.SetLevel(lvl); err != nil {
				logger.G(ctx).WithField("log_level", lvl).Warn("invalid log level, keeping default")
			}
		}
	})

	rootCmd.PersistentFlags().String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("primary-model", "", "primary model id (overrides config)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("primary_model", rootCmd.PersistentFlags().Lookup("primary-model"))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveDemoCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("convcore: command failed")
		os.Exit(1)
	}
}

// loadedConfig reads the viper-backed config after cobra has parsed flags.
func loadedConfig() config.Config {
	return config.Load()
}
