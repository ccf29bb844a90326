// Package bluelink manages Bluetooth Low Energy device sessions over the
// BlueZ system D-Bus: connection establishment, service-resolution waits,
// property-change demultiplexing, per-device reconnection and a credit-based
// serial transport layered on GATT characteristics.
package bluelink

import (
	"fmt"
	"strings"
)

// DefaultAdapterPath is the object path of the local Bluetooth controller.
const DefaultAdapterPath = "/org/bluez/hci0"

// Address is a Bluetooth device address in colon-separated form,
// e.g. "C0:6E:92:61:37:A4".
type Address string

// Path maps the address to its BlueZ device object path: colons become
// underscores, hex digits are uppercased, scoped under the adapter path.
func (a Address) Path() string {
	return DefaultAdapterPath + "/dev_" + strings.ToUpper(strings.ReplaceAll(string(a), ":", "_"))
}

func (a Address) String() string {
	return string(a)
}

// StandardUUID expands a 16-bit short code into the Bluetooth base UUID.
func StandardUUID(short uint16) string {
	return fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", short)
}
