// Package commands implements the vchannelctl CLI commands.
package commands

import (
	addincmd "github.com/rdpgo/vchannel/cmd/vchannelctl/commands/addin"
	usbcmd "github.com/rdpgo/vchannel/cmd/vchannelctl/commands/usb"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vchannelctl",
	Short: "Inspect and administer the RDP virtual-channel runtime",
	Long: `vchannelctl is a thin admin CLI over the virtual-channel runtime's
addin registry and USB redirection engine.

It is a convenience front-end over the core's public API; it does not
implement any part of the clipboard or USB protocols itself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI, returning the first error a subcommand reports.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to vchannel config file")
	rootCmd.AddCommand(addincmd.Cmd)
	rootCmd.AddCommand(usbcmd.Cmd)
}
