package bluez

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	ifaceAgent        = "org.bluez.Agent1"
	ifaceAgentManager = "org.bluez.AgentManager1"
)

// agent answers pairing prompts during device connection. With the
// NoInputNoOutput capability BlueZ performs just-works pairing and only
// Release/Cancel are ever invoked.
type agent struct{}

func (agent) Release() *dbus.Error { return nil }
func (agent) Cancel() *dbus.Error  { return nil }

// RegisterAgent exports the pairing agent and registers it as the default
// agent with the daemon.
func (b *SystemBus) RegisterAgent() error {
	if err := b.conn.Export(agent{}, agentPath, ifaceAgent); err != nil {
		return fmt.Errorf("failed to export pairing agent: %w", err)
	}

	obj := b.conn.Object(BusName, "/org/bluez")
	call := obj.Call(ifaceAgentManager+".RegisterAgent", 0,
		dbus.ObjectPath(agentPath), agentCapability)
	if call.Err != nil {
		return fmt.Errorf("failed to register pairing agent: %w", call.Err)
	}
	call = obj.Call(ifaceAgentManager+".RequestDefaultAgent", 0, dbus.ObjectPath(agentPath))
	if call.Err != nil {
		return fmt.Errorf("failed to set default pairing agent: %w", call.Err)
	}

	b.logger.Debug("Pairing agent registered")
	return nil
}

func (b *SystemBus) UnregisterAgent() error {
	call := b.conn.Object(BusName, "/org/bluez").
		Call(ifaceAgentManager+".UnregisterAgent", 0, dbus.ObjectPath(agentPath))
	if call.Err != nil {
		return fmt.Errorf("failed to unregister pairing agent: %w", call.Err)
	}
	_ = b.conn.Export(nil, agentPath, ifaceAgent)
	return nil
}

// managerWatch trusts devices as they appear in the object tree, so pairing
// completes without user interaction while discovery is running.
type managerWatch struct {
	bus  *SystemBus
	opts []dbus.MatchOption

	mu     sync.Mutex
	closed bool
}

// ManagerInit starts watching InterfacesAdded on the object tree. The
// returned handle must be closed when the connection manager shuts down.
func (b *SystemBus) ManagerInit() (ManagerHandle, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceObjectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("failed to watch object tree: %w", err)
	}

	w := &managerWatch{bus: b, opts: opts}
	b.mu.Lock()
	b.watch = w
	b.mu.Unlock()
	return w, nil
}

func (w *managerWatch) deviceAdded(path string) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	err := w.bus.object(path).
		Call(ifaceProperties+".Set", 0, IfaceDevice, "Trusted", dbus.MakeVariant(true)).Err
	if err != nil {
		w.bus.logger.WithError(err).WithField("path", path).Debug("Cannot trust discovered device")
		return
	}
	w.bus.logger.WithFields(logrus.Fields{"path": path}).Debug("Discovered device trusted")
}

func (w *managerWatch) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.bus.mu.Lock()
	if w.bus.watch == w {
		w.bus.watch = nil
	}
	w.bus.mu.Unlock()

	if err := w.bus.conn.RemoveMatchSignal(w.opts...); err != nil {
		return fmt.Errorf("failed to stop watching object tree: %w", err)
	}
	return nil
}
