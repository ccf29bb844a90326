// Package bluetest provides a mock Bus implementation for tests, plus
// helpers to feed property-change notifications into subscribed streams.
package bluetest

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/mock"

	"github.com/srg/bluelink/internal/bluez"
)

// Handle is a no-op manager handle for tests.
type Handle struct {
	mu     sync.Mutex
	Closed bool
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Closed = true
	return nil
}

// Bus is a testify mock of bluez.Bus. Subscriptions are backed by real
// channels so tests can inject PropertiesChanged batches with Emit.
type Bus struct {
	mock.Mock

	mu   sync.Mutex
	subs map[string]chan map[string]dbus.Variant
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan map[string]dbus.Variant)}
}

func (b *Bus) Connect(ctx context.Context, path string) error {
	return b.Called(ctx, path).Error(0)
}

func (b *Bus) Disconnect(ctx context.Context, path string) error {
	return b.Called(ctx, path).Error(0)
}

func (b *Bus) ReadBoolProperty(path, iface, name string) (bool, error) {
	args := b.Called(path, iface, name)
	return args.Bool(0), args.Error(1)
}

func (b *Bus) ReadStringProperty(path, iface, name string) (string, error) {
	args := b.Called(path, iface, name)
	return args.String(0), args.Error(1)
}

func (b *Bus) ReadByteProperty(path, iface, name string) (byte, error) {
	args := b.Called(path, iface, name)
	return args.Get(0).(byte), args.Error(1)
}

func (b *Bus) ListCharacteristics(devicePath string) (map[string]string, error) {
	args := b.Called(devicePath)
	chars, _ := args.Get(0).(map[string]string)
	return chars, args.Error(1)
}

func (b *Bus) Subscribe(path, iface string) (<-chan map[string]dbus.Variant, error) {
	args := b.Called(path, iface)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan map[string]dbus.Variant, 32)
	b.subs[path+"\x00"+iface] = ch
	return ch, nil
}

func (b *Bus) Unsubscribe(path, iface string) error {
	args := b.Called(path, iface)
	b.mu.Lock()
	defer b.mu.Unlock()
	key := path + "\x00" + iface
	if ch, ok := b.subs[key]; ok {
		delete(b.subs, key)
		close(ch)
	}
	return args.Error(0)
}

// Emit injects one PropertiesChanged batch into the subscription for
// (path, iface). It is a no-op when nothing is subscribed.
func (b *Bus) Emit(path, iface string, changed map[string]dbus.Variant) {
	b.mu.Lock()
	ch := b.subs[path+"\x00"+iface]
	b.mu.Unlock()
	if ch != nil {
		ch <- changed
	}
}

// EmitProperty injects a single-property change.
func (b *Bus) EmitProperty(path, iface, name string, value interface{}) {
	b.Emit(path, iface, map[string]dbus.Variant{name: dbus.MakeVariant(value)})
}

// Subscribed reports whether a live subscription exists for (path, iface).
func (b *Bus) Subscribed(path, iface string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[path+"\x00"+iface]
	return ok
}

func (b *Bus) StartNotify(path string) error {
	return b.Called(path).Error(0)
}

func (b *Bus) StopNotify(path string) error {
	return b.Called(path).Error(0)
}

func (b *Bus) WriteValue(ctx context.Context, path string, data []byte) error {
	return b.Called(ctx, path, data).Error(0)
}

func (b *Bus) ReadValue(ctx context.Context, path string) ([]byte, error) {
	args := b.Called(ctx, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (b *Bus) RegisterAgent() error {
	return b.Called().Error(0)
}

func (b *Bus) UnregisterAgent() error {
	return b.Called().Error(0)
}

func (b *Bus) StartDiscovery(adapterPath string) error {
	return b.Called(adapterPath).Error(0)
}

func (b *Bus) StopDiscovery(adapterPath string) error {
	return b.Called(adapterPath).Error(0)
}

func (b *Bus) ManagerInit() (bluez.ManagerHandle, error) {
	args := b.Called()
	h, _ := args.Get(0).(bluez.ManagerHandle)
	return h, args.Error(1)
}

func (b *Bus) RemoveDevice(adapterPath, devicePath string) error {
	return b.Called(adapterPath, devicePath).Error(0)
}

func (b *Bus) Close() error {
	return b.Called().Error(0)
}
