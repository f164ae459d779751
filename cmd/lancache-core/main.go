package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	root := newRootCmd(log)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(log zerolog.Logger) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "lancache-core",
		Short:         "Lancache ingestion and attribution core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to an optional YAML config file")

	root.AddCommand(
		newRunCmd(&cfgPath, log),
		newCacheCmd(&cfgPath, log),
		newDepotCmd(&cfgPath, log),
		newDBCmd(&cfgPath, log),
		newLogCmd(&cfgPath, log),
	)
	return root
}
