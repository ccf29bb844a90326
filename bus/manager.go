// Package bus owns the connection to the Bluetooth daemon: per-device
// connection serialization, the connect-and-wait-for-service-resolution
// sequence, characteristic path resolution and the property-change
// multiplexer.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/internal/bluez"
)

// connLock serializes connect attempts on one device address. Entries are
// reference counted and removed from the table once unreferenced, so the
// table never grows unboundedly over the process lifetime.
type connLock struct {
	mu   sync.Mutex
	refs int
}

// deviceCache memoizes per-address immutable lookups: the device name and
// the characteristic UUID to object path table.
type deviceCache struct {
	mu    sync.Mutex
	name  string
	chars map[string]string
}

// Manager wraps the bus binding with per-device connect serialization and
// memoized characteristic resolution. One instance is constructed per process
// and passed by reference to every component requiring it.
type Manager struct {
	bus    bluez.Bus
	mux    *Mux
	logger *logrus.Logger

	lockMu sync.Mutex
	locks  map[bluelink.Address]*connLock

	cache *hashmap.Map[string, *deviceCache]
}

func NewManager(b bluez.Bus, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		bus:    b,
		mux:    NewMux(b, logger),
		logger: logger,
		locks:  make(map[bluelink.Address]*connLock),
		cache:  hashmap.New[string, *deviceCache](),
	}
}

// Bus exposes the underlying binding for operations outside the manager's
// surface (notify control, characteristic I/O, the connection-manager calls).
func (m *Manager) Bus() bluez.Bus {
	return m.bus
}

// Mux exposes the property-change multiplexer shared by all consumers.
func (m *Manager) Mux() *Mux {
	return m.mux
}

func (m *Manager) acquire(addr bluelink.Address) *connLock {
	m.lockMu.Lock()
	l := m.locks[addr]
	if l == nil {
		l = &connLock{}
		m.locks[addr] = l
	}
	l.refs++
	m.lockMu.Unlock()

	l.mu.Lock()
	return l
}

func (m *Manager) release(addr bluelink.Address, l *connLock) {
	l.mu.Unlock()

	m.lockMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, addr)
	}
	m.lockMu.Unlock()
}

// Connect connects the device and waits until its services are resolved,
// returning the device name. Idempotent: concurrent calls for one address are
// serialized by the address lock, and an existing connection is treated as
// success. The ServicesResolved monitor is registered before the synchronous
// check so a resolution landing in between is not missed.
func (m *Manager) Connect(ctx context.Context, addr bluelink.Address) (string, error) {
	l := m.acquire(addr)
	defer m.release(addr, l)

	path := addr.Path()
	log := m.logger.WithField("address", addr)
	log.Info("Connecting to device...")

	if err := m.bus.Connect(ctx, path); err != nil {
		if !bluez.IsAlreadyConnected(err) {
			return "", fmt.Errorf("%w: device %s: %v", bluelink.ErrConnection, addr, err)
		}
		connected, perr := m.bus.ReadBoolProperty(path, bluez.IfaceDevice, bluez.PropConnected)
		if perr != nil {
			return "", fmt.Errorf("%w: device %s: %v", bluelink.ErrConnection, addr, perr)
		}
		if !connected {
			return "", fmt.Errorf("%w: device %s: %v", bluelink.ErrConnection, addr, err)
		}
		log.Debug("Connection already established")
	}

	if err := m.mux.Start(path, bluez.IfaceDevice, bluez.PropServicesResolved); err != nil {
		return "", err
	}
	resolved, err := m.bus.ReadBoolProperty(path, bluez.IfaceDevice, bluez.PropServicesResolved)
	if err != nil {
		return "", fmt.Errorf("%w: device %s: %v", bluelink.ErrConnection, addr, err)
	}
	for !resolved {
		log.Debug("Waiting for service resolution...")
		v, err := m.mux.Get(ctx, path, bluez.IfaceDevice, bluez.PropServicesResolved)
		if err != nil {
			return "", err
		}
		resolved, _ = v.Value().(bool)
	}

	name, err := m.Name(addr)
	if err != nil {
		return "", err
	}
	log.WithField("name", name).Info("Device connected, services resolved")
	return name, nil
}

func (m *Manager) cacheFor(addr bluelink.Address) *deviceCache {
	c, _ := m.cache.GetOrInsert(string(addr), &deviceCache{})
	return c
}

// Name returns the device name, read once per address.
func (m *Manager) Name(addr bluelink.Address) (string, error) {
	c := m.cacheFor(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name != "" {
		return c.name, nil
	}
	name, err := m.bus.ReadStringProperty(addr.Path(), bluez.IfaceDevice, bluez.PropName)
	if err != nil {
		return "", err
	}
	c.name = name
	return name, nil
}

// ResolvePath resolves a characteristic UUID to its object path. The
// characteristic table is looked up once per address and memoized.
func (m *Manager) ResolvePath(addr bluelink.Address, uuid string) (string, error) {
	c := m.cacheFor(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chars == nil {
		chars, err := m.bus.ListCharacteristics(addr.Path())
		if err != nil {
			return "", err
		}
		normalized := make(map[string]string, len(chars))
		for u, p := range chars {
			normalized[strings.ToLower(u)] = p
		}
		c.chars = normalized
	}
	path, ok := c.chars[strings.ToLower(uuid)]
	if !ok {
		return "", fmt.Errorf("%w: characteristic %s not found on device %s", bluelink.ErrConfiguration, uuid, addr)
	}
	return path, nil
}

// ReadBoolProperty delegates to the bus binding.
func (m *Manager) ReadBoolProperty(path, iface, name string) (bool, error) {
	return m.bus.ReadBoolProperty(path, iface, name)
}

// ReadStringProperty delegates to the bus binding.
func (m *Manager) ReadStringProperty(path, iface, name string) (string, error) {
	return m.bus.ReadStringProperty(path, iface, name)
}
