package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/torchat"
)

var (
	socksHost  string
	socksPort  uint16
	remotePort uint16
	verbose    bool
)

func Execute() error {
	root := &cobra.Command{
		Use:   "torchat",
		Short: "Anonymous two-party chat over Tor hidden services",
		Long: `torchat is an end-to-end encrypted two-party chat endpoint.

The host side listens on the local port a Tor hidden service forwards to;
the connect side reaches the peer's onion address through the local SOCKS5
proxy. Sessions use ephemeral keys: nothing is persisted, and each session
has its own key material.

The session is encrypted and integrity protected but the peer's identity is
not authenticated beyond control of its onion address.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&socksHost, "socks-host", "127.0.0.1", "SOCKS5 proxy host")
	root.PersistentFlags().Uint16Var(&socksPort, "socks-port", 9050, "SOCKS5 proxy port")
	root.PersistentFlags().Uint16Var(&remotePort, "remote-port", 9999, "hidden-service rendezvous port")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(hostCmd(), connectCmd())

	return root.Execute()
}

// endpointOptions builds endpoint options from the persistent flags.
func endpointOptions() *torchat.Options {
	options := torchat.NewOptions()
	options.SocksHost = socksHost
	options.SocksPort = socksPort
	options.RemotePort = remotePort
	return options
}
