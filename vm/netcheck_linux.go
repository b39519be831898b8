//go:build linux

package vm

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// checkTapDevice verifies the named host device exists and is a tap link.
// Read-only lookup; the SDK never creates or configures taps.
func checkTapDevice(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return fmt.Errorf("tap device not found: %s", name)
		}
		return fmt.Errorf("lookup tap device %s: %w", name, err)
	}
	if link.Type() != "tuntap" {
		return fmt.Errorf("host device %s is %s, expected tuntap", name, link.Type())
	}
	return nil
}
