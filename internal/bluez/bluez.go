// Package bluez is the native binding to the BlueZ Bluetooth daemon over the
// system D-Bus. It exposes the narrow surface the rest of the library builds
// on: device connect/disconnect, property reads, characteristic I/O and a raw
// per-(path, interface) PropertiesChanged stream. Higher layers never touch
// the D-Bus connection directly.
package bluez

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
)

// Well-known BlueZ names.
const (
	BusName = "org.bluez"

	IfaceAdapter  = "org.bluez.Adapter1"
	IfaceDevice   = "org.bluez.Device1"
	IfaceGattChar = "org.bluez.GattCharacteristic1"
	IfaceBattery  = "org.bluez.Battery1"

	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"

	signalPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	signalInterfacesAdded   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
)

// Device properties used by the session layer.
const (
	PropConnected        = "Connected"
	PropServicesResolved = "ServicesResolved"
	PropName             = "Name"
	PropValue            = "Value"
	PropPercentage       = "Percentage"
)

// ManagerHandle is the handle returned by ManagerInit. It keeps watching the
// object tree (trusting newly discovered devices) until closed.
type ManagerHandle interface {
	Close() error
}

// Bus is the boundary to the Bluetooth daemon. The production implementation
// runs on the system D-Bus; tests substitute a mock.
type Bus interface {
	// Connect issues org.bluez.Device1.Connect on the device object.
	Connect(ctx context.Context, path string) error
	// Disconnect issues org.bluez.Device1.Disconnect on the device object.
	Disconnect(ctx context.Context, path string) error

	ReadBoolProperty(path, iface, name string) (bool, error)
	ReadStringProperty(path, iface, name string) (string, error)
	ReadByteProperty(path, iface, name string) (byte, error)

	// ListCharacteristics walks the managed object tree and returns the
	// characteristic UUID to object path mapping for one device.
	ListCharacteristics(devicePath string) (map[string]string, error)

	// Subscribe registers a PropertiesChanged match for (path, iface) and
	// returns the stream of changed-property maps. At most one subscription
	// per (path, iface) exists at a time.
	Subscribe(path, iface string) (<-chan map[string]dbus.Variant, error)
	// Unsubscribe removes the match and closes the stream. Unsubscribing a
	// stream that does not exist is a no-op.
	Unsubscribe(path, iface string) error

	StartNotify(path string) error
	StopNotify(path string) error

	WriteValue(ctx context.Context, path string, data []byte) error
	ReadValue(ctx context.Context, path string) ([]byte, error)

	// Connection-manager surface.
	RegisterAgent() error
	UnregisterAgent() error
	StartDiscovery(adapterPath string) error
	StopDiscovery(adapterPath string) error
	ManagerInit() (ManagerHandle, error)
	RemoveDevice(adapterPath, devicePath string) error

	Close() error
}

// IsAlreadyConnected reports whether err is the BlueZ error class raised when
// a connection to the device already exists.
func IsAlreadyConnected(err error) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return false
	}
	return dbusErr.Name == "org.bluez.Error.AlreadyConnected"
}
