package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/internal/bluez"
	"github.com/srg/bluelink/internal/groutine"
)

type channelKey struct {
	path  string
	iface string
}

// propQueue buffers values for one registered property, FIFO. wake carries at
// most one pending wakeup; waiters re-check the queue after waking.
type propQueue struct {
	values []dbus.Variant
	wake   chan struct{}
}

// channel is the delivery state for one (path, interface) subscription.
// It exists exactly while at least one property is registered.
type channel struct {
	events <-chan map[string]dbus.Variant
	done   chan struct{}
	props  map[string]*propQueue
}

// Mux demultiplexes a single per-(object, interface) property-change stream
// into independent per-property FIFO queues.
type Mux struct {
	bus    bluez.Bus
	logger *logrus.Logger

	mu       sync.Mutex
	channels map[channelKey]*channel
}

func NewMux(b bluez.Bus, logger *logrus.Logger) *Mux {
	if logger == nil {
		logger = logrus.New()
	}
	return &Mux{
		bus:      b,
		logger:   logger,
		channels: make(map[channelKey]*channel),
	}
}

// Start registers property on the (path, iface) channel, creating the channel
// and its single bus subscription on first use. Re-entrant and idempotent per
// property.
func (m *Mux) Start(path, iface, property string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := channelKey{path: path, iface: iface}
	ch, ok := m.channels[key]
	if !ok {
		events, err := m.bus.Subscribe(path, iface)
		if err != nil {
			return fmt.Errorf("failed to monitor %s on %s: %w", iface, path, err)
		}
		ch = &channel{
			events: events,
			done:   make(chan struct{}),
			props:  make(map[string]*propQueue),
		}
		m.channels[key] = ch
		groutine.Go(nil, "mux-pump-"+path, func(context.Context) { m.pump(ch) })
		m.logger.WithFields(logrus.Fields{
			"path":      path,
			"interface": iface,
		}).Debug("Property monitor started")
	}

	if _, registered := ch.props[property]; !registered {
		ch.props[property] = &propQueue{wake: make(chan struct{}, 1)}
	}
	return nil
}

// pump moves incoming property batches into the per-property queues.
func (m *Mux) pump(ch *channel) {
	for {
		select {
		case <-ch.done:
			return
		case changed, ok := <-ch.events:
			if !ok {
				return
			}
			m.mu.Lock()
			for name, value := range changed {
				q := ch.props[name]
				if q == nil {
					continue
				}
				q.values = append(q.values, value)
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Mux) lookup(path, iface, property string) (*channel, *propQueue, error) {
	ch := m.channels[channelKey{path: path, iface: iface}]
	if ch == nil {
		return nil, nil, fmt.Errorf("%w: no monitor for %s on %s", bluelink.ErrConfiguration, iface, path)
	}
	q := ch.props[property]
	if q == nil {
		return nil, nil, fmt.Errorf("%w: property %s not registered on %s", bluelink.ErrConfiguration, property, path)
	}
	return ch, q, nil
}

// Get blocks until a value for property is available and returns it. Delivery
// is FIFO per property; no ordering is promised across properties sharing a
// channel.
func (m *Mux) Get(ctx context.Context, path, iface, property string) (dbus.Variant, error) {
	for {
		m.mu.Lock()
		ch, q, err := m.lookup(path, iface, property)
		if err != nil {
			m.mu.Unlock()
			return dbus.Variant{}, err
		}
		if len(q.values) > 0 {
			value := q.values[0]
			q.values = q.values[1:]
			if len(q.values) > 0 {
				// More buffered values, pass the wakeup on.
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()
			return value, nil
		}
		wake, done := q.wake, ch.done
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return dbus.Variant{}, ctx.Err()
		case <-done:
			return dbus.Variant{}, fmt.Errorf("%w: monitor for %s on %s stopped", bluelink.ErrDataRead, iface, path)
		case <-wake:
		}
	}
}

// Size returns the number of buffered, unconsumed values for property.
// Unknown channels and unregistered properties count as zero.
func (m *Mux) Size(path, iface, property string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, q, err := m.lookup(path, iface, property)
	if err != nil {
		return 0
	}
	return len(q.values)
}

// Stop tears down the whole (path, iface) channel. Every property registered
// on it loses delivery at once; callers sharing a channel must coordinate
// teardown externally. Stopping an absent channel is a no-op.
func (m *Mux) Stop(path, iface string) error {
	m.mu.Lock()
	key := channelKey{path: path, iface: iface}
	ch := m.channels[key]
	if ch == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.channels, key)
	close(ch.done)
	m.mu.Unlock()

	if err := m.bus.Unsubscribe(path, iface); err != nil {
		return fmt.Errorf("failed to stop monitor for %s on %s: %w", iface, path, err)
	}
	m.logger.WithFields(logrus.Fields{
		"path":      path,
		"interface": iface,
	}).Debug("Property monitor stopped")
	return nil
}
