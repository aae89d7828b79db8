package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/torchat"
)

// hostCmd waits for an inbound peer on the port the hidden service
// forwards to.
func hostCmd() *cobra.Command {
	var listenPort uint16

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Wait for a peer on the hidden-service port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := endpointOptions()
			options.ListenPort = listenPort

			endpoint := torchat.New(options)
			defer endpoint.Stop()

			done := chatUI(endpoint)

			if err := endpoint.Listen(context.Background()); err != nil {
				return fmt.Errorf("starting listener: %w", err)
			}

			fmt.Printf("Listening on %s. Waiting for a peer...\n", endpoint.LocalAddr())
			return chatLoop(endpoint, done)
		},
	}

	cmd.Flags().Uint16Var(&listenPort, "listen-port", 9878, "loopback port the hidden service forwards to")

	return cmd
}
