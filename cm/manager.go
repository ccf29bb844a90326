// Package cm drives the lifecycle of managed devices: agent registration,
// discovery, one reconnection/enable task per physical address, and the
// per-address readiness signal clients wait on before talking to a device.
package cm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/bus"
	"github.com/srg/bluelink/internal/bluez"
)

// Device is a logical device object sharing a physical link. Several devices
// may be backed by one address (e.g. multiple sensors of one tag).
type Device interface {
	Address() bluelink.Address
	// Enable configures the device after a connect or reconnect. It is
	// called again after every observed service re-resolution.
	Enable(ctx context.Context) error
	Close() error
}

// Options configures the connection manager.
type Options struct {
	// AdapterPath is the local controller used for discovery and removal.
	AdapterPath string `default:"/org/bluez/hci0"`
	// EnableTimeout bounds each per-device enable attempt.
	EnableTimeout time.Duration `default:"30s"`
}

// Manager owns one reconnection task per managed address. Tasks connect the
// device, then re-enable its logical objects once per observed
// ServicesResolved transition until the manager closes.
type Manager struct {
	bus    *bus.Manager
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	devices map[bluelink.Address][]Device
	ready   map[bluelink.Address]*readySignal
	handle  bluez.ManagerHandle
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool

	running atomic.Bool
}

func NewManager(bm *bus.Manager, opts *Options, logger *logrus.Logger) *Manager {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		bus:     bm,
		opts:    *opts,
		logger:  logger,
		devices: make(map[bluelink.Address][]Device),
		ready:   make(map[bluelink.Address]*readySignal),
	}
}

// Add registers logical device objects, grouped by address. Each new address
// gets an unset readiness signal.
func (m *Manager) Add(devices ...Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range devices {
		addr := dev.Address()
		m.devices[addr] = append(m.devices[addr], dev)
		if m.ready[addr] == nil {
			m.ready[addr] = newReadySignal()
		}
	}
}

// Start performs the startup sequence - pairing agent, discovery, manager
// handle, in that order - then launches one reconnection task per managed
// address. Task failures surface through Wait.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("%w: connection manager already started", bluelink.ErrConfiguration)
	}

	raw := m.bus.Bus()
	if err := raw.RegisterAgent(); err != nil {
		return err
	}
	if err := raw.StartDiscovery(m.opts.AdapterPath); err != nil {
		return err
	}
	handle, err := raw.ManagerInit()
	if err != nil {
		return err
	}
	m.handle = handle
	m.started = true
	m.running.Store(true)

	taskCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.group = new(errgroup.Group)
	for addr, devs := range m.devices {
		m.group.Go(func() error {
			return m.reconnect(taskCtx, addr, devs)
		})
	}
	m.logger.WithField("devices", len(m.devices)).Info("Connection manager started")
	return nil
}

// Wait blocks until every reconnection task has finished and returns the
// first task error, if any.
func (m *Manager) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()
	if g == nil {
		return fmt.Errorf("%w: connection manager not started", bluelink.ErrConfiguration)
	}
	return g.Wait()
}

// reconnect is the per-address task: monitor service resolution, connect
// once, then enable/wait until shutdown.
func (m *Manager) reconnect(ctx context.Context, addr bluelink.Address, devices []Device) error {
	path := addr.Path()
	mux := m.bus.Mux()
	log := m.logger.WithField("address", addr)

	// Monitor before connecting: a resolution event arriving during the
	// connect call must not be missed.
	if err := mux.Start(path, bluez.IfaceDevice, bluez.PropServicesResolved); err != nil {
		return err
	}
	defer func() {
		if err := mux.Stop(path, bluez.IfaceDevice); err != nil {
			log.WithError(err).Warn("Cannot stop service resolution monitor")
		}
	}()

	if _, err := m.bus.Connect(ctx, addr); err != nil {
		// Initial connect failures are not retried at this layer.
		return fmt.Errorf("device %s: %w", addr, err)
	}

	for m.running.Load() {
		m.enableAll(ctx, addr, devices)
		if _, err := mux.Get(ctx, path, bluez.IfaceDevice, bluez.PropServicesResolved); err != nil {
			if !m.running.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Debug("Service resolution changed, re-enabling devices")
	}
	return nil
}

// enableAll enables every logical object of one address concurrently, each
// attempt bounded by EnableTimeout. All succeed: readiness set. Any failure:
// readiness cleared, logged, never fatal - the task keeps waiting for the
// next resolution.
func (m *Manager) enableAll(ctx context.Context, addr bluelink.Address, devices []Device) {
	m.mu.Lock()
	ready := m.ready[addr]
	m.mu.Unlock()

	g := new(errgroup.Group)
	for _, dev := range devices {
		g.Go(func() error {
			enableCtx, cancel := context.WithTimeout(ctx, m.opts.EnableTimeout)
			defer cancel()
			return dev.Enable(enableCtx)
		})
	}
	if err := g.Wait(); err != nil {
		ready.Clear()
		m.logger.WithError(err).WithField("address", addr).Warning("Cannot enable device")
		return
	}
	ready.Set()
	m.logger.WithField("address", addr).Info("All devices enabled")
}

// Connected waits until the address is connected, resolved and all its
// logical objects are enabled. An address never passed to Add fails
// immediately without waiting.
func (m *Manager) Connected(ctx context.Context, addr bluelink.Address) error {
	m.mu.Lock()
	ready := m.ready[addr]
	m.mu.Unlock()
	if ready == nil {
		return fmt.Errorf("%w: device %s is not managed", bluelink.ErrConfiguration, addr)
	}
	return ready.Wait(ctx)
}

// Close shuts the manager down: stops the loops, closes logical devices
// (releasing their notification subscriptions), then disconnects and removes
// every managed device and unregisters the agent. An in-flight enable attempt
// still completes with its own timeout.
func (m *Manager) Close() error {
	m.running.Store(false)
	m.mu.Lock()
	if !m.started {
		// Nothing was registered or connected, so there is nothing to
		// tear down on the bus.
		m.mu.Unlock()
		return nil
	}
	cancel, handle := m.cancel, m.handle
	m.cancel, m.handle = nil, nil
	devices := m.devices
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	raw := m.bus.Bus()

	// Device close must precede bus-level disconnect.
	for _, devs := range devices {
		for _, dev := range devs {
			if err := dev.Close(); err != nil {
				m.logger.WithError(err).WithField("address", dev.Address()).Warn("Cannot close device")
			}
		}
	}
	for addr := range devices {
		path := addr.Path()
		if err := raw.Disconnect(ctx, path); err != nil {
			m.logger.WithError(err).WithField("address", addr).Warn("Cannot disconnect device")
		}
		if err := raw.RemoveDevice(m.opts.AdapterPath, path); err != nil {
			m.logger.WithError(err).WithField("address", addr).Warn("Cannot remove device")
		}
	}
	if err := raw.StopDiscovery(m.opts.AdapterPath); err != nil {
		m.logger.WithError(err).Warn("Cannot stop discovery")
	}
	if err := raw.UnregisterAgent(); err != nil {
		m.logger.WithError(err).Warn("Cannot unregister pairing agent")
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			m.logger.WithError(err).Warn("Cannot release manager handle")
		}
	}
	m.logger.Info("Connection manager closed")
	return nil
}
