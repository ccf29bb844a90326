package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluelink/internal/groutine"
)

const (
	agentPath       = "/org/bluelink/agent"
	agentCapability = "NoInputNoOutput"

	// Per-subscription delivery buffer. The multiplexer above drains
	// promptly; the buffer only absorbs short bursts.
	subscriptionBuffer = 32
)

type subKey struct {
	path  string
	iface string
}

type subscription struct {
	out  chan map[string]dbus.Variant
	opts []dbus.MatchOption
}

// SystemBus is the production Bus implementation on the system D-Bus.
type SystemBus struct {
	conn   *dbus.Conn
	logger *logrus.Logger

	signals chan *dbus.Signal

	mu      sync.Mutex
	subs    map[subKey]*subscription
	watch   *managerWatch
	stopped bool
}

// NewSystemBus connects to the system D-Bus and starts the signal dispatcher.
func NewSystemBus(logger *logrus.Logger) (*SystemBus, error) {
	if logger == nil {
		logger = logrus.New()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}

	b := &SystemBus{
		conn:    conn,
		logger:  logger,
		signals: make(chan *dbus.Signal, 64),
		subs:    make(map[subKey]*subscription),
	}
	conn.Signal(b.signals)
	groutine.Go(nil, "dbus-signal-dispatch", func(context.Context) { b.dispatch() })
	return b, nil
}

// dispatch routes pending bus traffic into whichever subscription awaits it.
// It is the only reader of the raw signal channel.
func (b *SystemBus) dispatch() {
	for sig := range b.signals {
		switch sig.Name {
		case signalPropertiesChanged:
			b.dispatchPropertiesChanged(sig)
		case signalInterfacesAdded:
			b.dispatchInterfacesAdded(sig)
		}
	}
}

func (b *SystemBus) dispatchPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok || len(changed) == 0 {
		return
	}

	// Delivery happens under the lock so Unsubscribe cannot close the
	// channel mid-send. The dispatcher is the only sender, so after dropping
	// one batch the second send below cannot block.
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subs[subKey{path: string(sig.Path), iface: iface}]
	if sub == nil {
		return
	}

	select {
	case sub.out <- changed:
	default:
		// Consumer lagging, drop the oldest batch to keep the stream live.
		select {
		case old := <-sub.out:
			b.logger.WithFields(logrus.Fields{
				"path":      sig.Path,
				"interface": iface,
				"dropped":   len(old),
			}).Warn("Property notification buffer full, dropping oldest batch")
		default:
		}
		sub.out <- changed
	}
}

func (b *SystemBus) dispatchInterfacesAdded(sig *dbus.Signal) {
	b.mu.Lock()
	watch := b.watch
	b.mu.Unlock()
	if watch == nil || len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	if _, isDevice := ifaces[IfaceDevice]; isDevice {
		watch.deviceAdded(string(path))
	}
}

func (b *SystemBus) object(path string) dbus.BusObject {
	return b.conn.Object(BusName, dbus.ObjectPath(path))
}

func (b *SystemBus) Connect(ctx context.Context, path string) error {
	return b.object(path).CallWithContext(ctx, IfaceDevice+".Connect", 0).Err
}

func (b *SystemBus) Disconnect(ctx context.Context, path string) error {
	return b.object(path).CallWithContext(ctx, IfaceDevice+".Disconnect", 0).Err
}

func (b *SystemBus) readProperty(path, iface, name string) (dbus.Variant, error) {
	v, err := b.object(path).GetProperty(iface + "." + name)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("failed to read %s.%s of %s: %w", iface, name, path, err)
	}
	return v, nil
}

func (b *SystemBus) ReadBoolProperty(path, iface, name string) (bool, error) {
	v, err := b.readProperty(path, iface, name)
	if err != nil {
		return false, err
	}
	value, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s.%s of %s is not a boolean", iface, name, path)
	}
	return value, nil
}

func (b *SystemBus) ReadStringProperty(path, iface, name string) (string, error) {
	v, err := b.readProperty(path, iface, name)
	if err != nil {
		return "", err
	}
	value, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s.%s of %s is not a string", iface, name, path)
	}
	return value, nil
}

func (b *SystemBus) ReadByteProperty(path, iface, name string) (byte, error) {
	v, err := b.readProperty(path, iface, name)
	if err != nil {
		return 0, err
	}
	value, ok := v.Value().(byte)
	if !ok {
		return 0, fmt.Errorf("property %s.%s of %s is not a byte", iface, name, path)
	}
	return value, nil
}

func (b *SystemBus) ListCharacteristics(devicePath string) (map[string]string, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := b.conn.Object(BusName, "/").
		Call(ifaceObjectManager+".GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed objects: %w", err)
	}

	chars := make(map[string]string)
	prefix := devicePath + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[IfaceGattChar]
		if !ok || len(string(path)) < len(prefix) || string(path)[:len(prefix)] != prefix {
			continue
		}
		uuid, ok := props["UUID"].Value().(string)
		if !ok {
			continue
		}
		chars[uuid] = string(path)
	}
	return chars, nil
}

func (b *SystemBus) Subscribe(path, iface string) (<-chan map[string]dbus.Variant, error) {
	key := subKey{path: path, iface: iface}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[key]; exists {
		return nil, fmt.Errorf("already subscribed to %s on %s", iface, path)
	}

	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(dbus.ObjectPath(path)),
	}
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("failed to add signal match for %s: %w", path, err)
	}

	sub := &subscription{
		out:  make(chan map[string]dbus.Variant, subscriptionBuffer),
		opts: opts,
	}
	b.subs[key] = sub
	return sub.out, nil
}

func (b *SystemBus) Unsubscribe(path, iface string) error {
	key := subKey{path: path, iface: iface}

	b.mu.Lock()
	sub := b.subs[key]
	if sub != nil {
		delete(b.subs, key)
		close(sub.out)
	}
	b.mu.Unlock()
	if sub == nil {
		return nil
	}

	if err := b.conn.RemoveMatchSignal(sub.opts...); err != nil {
		return fmt.Errorf("failed to remove signal match for %s: %w", path, err)
	}
	return nil
}

func (b *SystemBus) StartNotify(path string) error {
	if err := b.object(path).Call(IfaceGattChar+".StartNotify", 0).Err; err != nil {
		return fmt.Errorf("failed to start notifications on %s: %w", path, err)
	}
	return nil
}

func (b *SystemBus) StopNotify(path string) error {
	if err := b.object(path).Call(IfaceGattChar+".StopNotify", 0).Err; err != nil {
		return fmt.Errorf("failed to stop notifications on %s: %w", path, err)
	}
	return nil
}

func (b *SystemBus) WriteValue(ctx context.Context, path string, data []byte) error {
	call := b.object(path).CallWithContext(
		ctx, IfaceGattChar+".WriteValue", 0, data, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("failed to write %d bytes to %s: %w", len(data), path, call.Err)
	}
	return nil
}

func (b *SystemBus) ReadValue(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := b.object(path).
		CallWithContext(ctx, IfaceGattChar+".ReadValue", 0, map[string]dbus.Variant{}).
		Store(&data)
	if err != nil {
		return nil, fmt.Errorf("failed to read value of %s: %w", path, err)
	}
	return data, nil
}

func (b *SystemBus) StartDiscovery(adapterPath string) error {
	if err := b.object(adapterPath).Call(IfaceAdapter+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("failed to start discovery on %s: %w", adapterPath, err)
	}
	return nil
}

func (b *SystemBus) StopDiscovery(adapterPath string) error {
	if err := b.object(adapterPath).Call(IfaceAdapter+".StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("failed to stop discovery on %s: %w", adapterPath, err)
	}
	return nil
}

func (b *SystemBus) RemoveDevice(adapterPath, devicePath string) error {
	call := b.object(adapterPath).Call(
		IfaceAdapter+".RemoveDevice", 0, dbus.ObjectPath(devicePath))
	if call.Err != nil {
		return fmt.Errorf("failed to remove device %s: %w", devicePath, call.Err)
	}
	return nil
}

func (b *SystemBus) Close() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	subs := b.subs
	b.subs = make(map[subKey]*subscription)
	for _, sub := range subs {
		close(sub.out)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = b.conn.RemoveMatchSignal(sub.opts...)
	}
	b.conn.RemoveSignal(b.signals)
	close(b.signals)
	return b.conn.Close()
}
