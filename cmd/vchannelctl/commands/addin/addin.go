// Package addin implements "vchannelctl addin ..." — listing the
// statically linked addin table (C3).
package addin

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rdpgo/vchannel/pkg/addin"
)

// Cmd is the "addin" command group.
var Cmd = &cobra.Command{
	Use:   "addin",
	Short: "Inspect the addin registry",
}

func init() {
	Cmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List statically registered addins",
	RunE:  runList,
}

// registry returns the demo registry this CLI binary ships with:
// cliprdr (clipboard) and URBDRC (USB redirection), the two protocol
// engines SPEC_FULL.md implements. A production embedding registers its
// own addins at startup; this CLI only reflects what this binary itself
// links.
func registry() *addin.Registry {
	r := addin.New()
	_ = r.RegisterStatic("cliprdr", addin.EntryPoint{Kind: addin.KindVirtualChannelEntry})
	_ = r.RegisterStatic("URBDRC", addin.EntryPoint{Kind: addin.KindDVCPluginEntry},
		addin.Subsystem{Name: "usb", Type: "redirection"})
	return r
}

func runList(cmd *cobra.Command, args []string) error {
	records, err := registry().Enumerate("", "", "", false)
	if err != nil {
		return fmt.Errorf("enumerate addins: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "CHANNEL\tSUBSYSTEM\tKIND")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ChannelName, rec.Subsystem, rec.Kind)
	}
	return nil
}
