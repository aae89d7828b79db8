package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/torchat"
)

// connectCmd dials a peer's onion address through the SOCKS5 proxy.
func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <address.onion>",
		Short: "Connect to a peer's hidden-service address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[0]
			if err := torchat.ValidateOnionAddress(address); err != nil {
				fmt.Printf("Warning: %v; dialing anyway\n", err)
			}

			endpoint := torchat.New(endpointOptions())
			defer endpoint.Stop()

			done := chatUI(endpoint)

			fmt.Printf("Connecting to %s via SOCKS5 proxy...\n", address)
			if err := endpoint.Connect(context.Background(), address); err != nil {
				return fmt.Errorf("connecting to %s: %w", address, err)
			}

			return chatLoop(endpoint, done)
		},
	}
}
