// Package commands implements the torchat command-line interface: a host
// command that waits for an inbound peer on the hidden-service port, and a
// connect command that reaches a peer's onion address through the local
// SOCKS5 proxy. Both drop into the same line-oriented chat loop.
package commands
