package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fxsml/tickbus"
	"github.com/fxsml/tickbus/config"
)

func newKeysCmd(a *app) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the environment variables the client reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if !show {
				for _, k := range config.Keys(configStage, tickbus.Config{}) {
					fmt.Fprintln(out, k)
				}
				return nil
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "endpoint: %s\n", cfg.Endpoint)
			fmt.Fprintf(out, "queue_capacity: %d\n", cfg.QueueCapacity)
			fmt.Fprintf(out, "publish_buffer: %d\n", cfg.PublishBuffer)
			fmt.Fprintf(out, "operation_timeout: %s\n", cfg.OperationTimeout)
			fmt.Fprintf(out, "reconnect.initial_delay: %s\n", cfg.Reconnect.InitialDelay)
			fmt.Fprintf(out, "reconnect.factor: %g\n", cfg.Reconnect.Factor)
			fmt.Fprintf(out, "reconnect.max_delay: %s\n", cfg.Reconnect.MaxDelay)
			fmt.Fprintf(out, "reconnect.jitter: %g\n", cfg.Reconnect.Jitter)
			fmt.Fprintf(out, "reconnect.max_retries: %d\n", cfg.Reconnect.MaxRetries)
			fmt.Fprintf(out, "reconnect.stable_after: %s\n", cfg.Reconnect.StableAfter)
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the loaded values instead of the keys")
	return cmd
}
