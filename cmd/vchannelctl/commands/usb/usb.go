// Package usb implements "vchannelctl usb ..." — registering and listing
// devices against an in-memory host stack (C5). It never links a real
// libusb-equivalent; the fake host stack in pkg/usb/hoststack stands in,
// the same role it plays in that package's own tests.
package usb

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rdpgo/vchannel/pkg/usb"
	"github.com/rdpgo/vchannel/pkg/usb/hoststack"
)

// Cmd is the "usb" command group.
var Cmd = &cobra.Command{
	Use:   "usb",
	Short: "Inspect and register USB redirection devices",
}

func init() {
	Cmd.AddCommand(listDevicesCmd)
	Cmd.AddCommand(registerCmd)
}

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List devices registered on the demo host stack",
	RunE:  runListDevices,
}

var registerCmd = &cobra.Command{
	Use:   "register --vid VID --pid PID",
	Short: "Register a device by vendor/product id against the demo host stack",
	RunE:  runRegister,
}

var (
	registerVID string
	registerPID string
)

func init() {
	registerCmd.Flags().StringVar(&registerVID, "vid", "", "Vendor id, hex (e.g. 0x1234)")
	registerCmd.Flags().StringVar(&registerPID, "pid", "", "Product id, hex (e.g. 0x5678)")
}

// demoManager builds a Manager over a fake host stack pre-populated with
// one illustrative device, mirroring the addin command group's demo
// registry: this CLI binary reflects only what it itself links, not a
// running session's live device table.
func demoManager() (*usb.Manager, hoststack.Handle) {
	host := hoststack.NewFake()
	h := hoststack.Handle{Bus: 1, Addr: 2}
	host.AddDevice(h, hoststack.DeviceDescriptor{
		VID: 0x0483, PID: 0x5740, BcdUSB: 0x0200,
		DeviceClass: 0x02, IProduct: "Virtual Serial Port",
	})
	return usb.NewManager(host), h
}

func runListDevices(cmd *cobra.Command, args []string) error {
	mgr, h := demoManager()
	if _, _, err := mgr.Register(h); err != nil {
		return fmt.Errorf("register demo device: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "DEVICE ID\tBUS/ADDR\tVID\tPID")
	for _, id := range mgr.Devices() {
		dev, ok := mgr.Device(id)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%#04x\t%#04x\n", dev.ID, dev.Handle, dev.Desc.VID, dev.Desc.PID)
	}
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	vid, err := parseHex16(registerVID)
	if err != nil {
		return fmt.Errorf("--vid: %w", err)
	}
	pid, err := parseHex16(registerPID)
	if err != nil {
		return fmt.Errorf("--pid: %w", err)
	}

	mgr, h := demoManager()
	mgr.AllowAutoAdd(vid, pid)

	id, added, err := mgr.Register(h)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if !added {
		fmt.Printf("device at %s already registered as id %d\n", h, id)
		return nil
	}
	fmt.Printf("registered device at %s as id %d\n", h, id)
	return nil
}

func parseHex16(s string) (uint16, error) {
	if s == "" {
		return 0, fmt.Errorf("value required")
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
