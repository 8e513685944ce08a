// Package ifwatch subscribes to kernel interface notifications and emits
// the addresses assigned to local interfaces, starting with a snapshot of
// the current state.
package ifwatch

import "net/netip"

// Event is one address observed on an interface, either from the startup
// snapshot or from a live kernel notification.
type Event struct {
	Interface string
	Addr      netip.Addr
}
