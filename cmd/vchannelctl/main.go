// Command vchannelctl is a thin admin CLI over the virtual-channel
// runtime's addin registry and USB device manager — a convenience
// front-end over the core's public API, not the core itself (spec.md §6
// treats CLI UX as out of scope; SPEC_FULL.md §6 carries this thin
// wrapper forward, mirroring the teacher's cmd/dfsctl being a cobra
// wrapper over pkg/apiclient).
package main

import (
	"fmt"
	"os"

	"github.com/rdpgo/vchannel/cmd/vchannelctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vchannelctl:", err)
		os.Exit(1)
	}
}
