package cm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/bus"
	"github.com/srg/bluelink/internal/bluez"
	"github.com/srg/bluelink/internal/bluez/bluetest"
)

const tagAddr = bluelink.Address("C0:6E:92:61:37:A4")

// fakeDevice is a logical device object with scriptable enable behaviour.
type fakeDevice struct {
	addr bluelink.Address

	mu        sync.Mutex
	enables   int
	closes    int
	enableErr error
	onClose   func()
}

func (d *fakeDevice) Address() bluelink.Address { return d.addr }

func (d *fakeDevice) Enable(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enables++
	return d.enableErr
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	if d.onClose != nil {
		d.onClose()
	}
	return nil
}

func (d *fakeDevice) enableCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enables
}

func (d *fakeDevice) setEnableErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enableErr = err
}

func expectStartup(b *bluetest.Bus) {
	b.On("RegisterAgent").Return(nil)
	b.On("StartDiscovery", bluelink.DefaultAdapterPath).Return(nil)
	b.On("ManagerInit").Return(&bluetest.Handle{}, nil)
}

func expectDeviceConnect(b *bluetest.Bus, addr bluelink.Address, resolved bool) {
	path := addr.Path()
	b.On("Connect", mock.Anything, path).Return(nil)
	b.On("Subscribe", path, bluez.IfaceDevice).Return(nil)
	b.On("ReadBoolProperty", path, bluez.IfaceDevice, bluez.PropServicesResolved).Return(resolved, nil)
	b.On("ReadStringProperty", path, bluez.IfaceDevice, bluez.PropName).Return("SensorTag", nil)
}

func newTestManager(b *bluetest.Bus) *Manager {
	return NewManager(bus.NewManager(b, nil), nil, nil)
}

func TestConnectedUnmanagedAddressFailsImmediately(t *testing.T) {
	m := newTestManager(bluetest.NewBus())

	start := time.Now()
	err := m.Connected(context.Background(), "FF:FF:FF:FF:FF:FF")
	assert.ErrorIs(t, err, bluelink.ErrConfiguration)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "must fail without waiting")
}

func TestOptionsDefaults(t *testing.T) {
	m := newTestManager(bluetest.NewBus())
	assert.Equal(t, 30*time.Second, m.opts.EnableTimeout)
	assert.Equal(t, "/org/bluez/hci0", m.opts.AdapterPath)
}

func TestReadinessSetOnceAfterResolution(t *testing.T) {
	b := bluetest.NewBus()
	expectStartup(b)
	// Services not resolved at connect time: the manager must pick up the
	// injected resolution event.
	expectDeviceConnect(b, tagAddr, false)

	m := newTestManager(b)
	dev := &fakeDevice{addr: tagAddr}
	m.Add(dev)
	require.NoError(t, m.Start(context.Background()))

	path := tagAddr.Path()
	require.Eventually(t, func() bool {
		return b.Subscribed(path, bluez.IfaceDevice)
	}, time.Second, time.Millisecond)
	b.EmitProperty(path, bluez.IfaceDevice, bluez.PropServicesResolved, true)

	require.NoError(t, m.Connected(contextWithTimeout(t), tagAddr))
	assert.Equal(t, 1, dev.enableCount(), "enable runs once per resolution transition")
	assert.True(t, m.ready[tagAddr].IsSet())

	// No further events: no spurious re-enable.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dev.enableCount())
}

func TestEnableFailureClearsReadinessAndRetriesOnResolution(t *testing.T) {
	b := bluetest.NewBus()
	expectStartup(b)
	expectDeviceConnect(b, tagAddr, true)

	m := newTestManager(b)
	dev := &fakeDevice{addr: tagAddr, enableErr: errors.New("characteristic write rejected")}
	m.Add(dev)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return dev.enableCount() == 1 }, time.Second, time.Millisecond)
	assert.False(t, m.ready[tagAddr].IsSet(), "failed enable must leave readiness unset")

	// Next resolution transition: the loop retries, this time successfully.
	dev.setEnableErr(nil)
	b.EmitProperty(tagAddr.Path(), bluez.IfaceDevice, bluez.PropServicesResolved, true)

	require.NoError(t, m.Connected(contextWithTimeout(t), tagAddr))
	assert.Equal(t, 2, dev.enableCount())
}

func TestAllDevicesOfAddressMustEnable(t *testing.T) {
	b := bluetest.NewBus()
	expectStartup(b)
	expectDeviceConnect(b, tagAddr, true)

	m := newTestManager(b)
	good := &fakeDevice{addr: tagAddr}
	bad := &fakeDevice{addr: tagAddr, enableErr: errors.New("timeout")}
	m.Add(good, bad)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return bad.enableCount() == 1 }, time.Second, time.Millisecond)
	assert.False(t, m.ready[tagAddr].IsSet(), "readiness requires every logical object")
}

func TestInitialConnectFailureSurfacesThroughWait(t *testing.T) {
	b := bluetest.NewBus()
	expectStartup(b)
	b.On("Subscribe", tagAddr.Path(), bluez.IfaceDevice).Return(nil)
	b.On("Unsubscribe", tagAddr.Path(), bluez.IfaceDevice).Return(nil)
	b.On("Connect", mock.Anything, tagAddr.Path()).
		Return(errors.New("le-connection-abort-by-local"))

	m := newTestManager(b)
	m.Add(&fakeDevice{addr: tagAddr})
	require.NoError(t, m.Start(context.Background()))

	err := m.Wait()
	assert.ErrorIs(t, err, bluelink.ErrConnection)
}

func TestCloseOrderAndTeardown(t *testing.T) {
	b := bluetest.NewBus()
	handle := &bluetest.Handle{}
	b.On("RegisterAgent").Return(nil)
	b.On("StartDiscovery", bluelink.DefaultAdapterPath).Return(nil)
	b.On("ManagerInit").Return(handle, nil)
	expectDeviceConnect(b, tagAddr, true)

	var order []string
	var orderMu sync.Mutex
	record := func(step string) func(mock.Arguments) {
		return func(mock.Arguments) {
			orderMu.Lock()
			order = append(order, step)
			orderMu.Unlock()
		}
	}
	path := tagAddr.Path()
	b.On("Unsubscribe", path, bluez.IfaceDevice).Return(nil)
	b.On("Disconnect", mock.Anything, path).Run(record("disconnect")).Return(nil)
	b.On("RemoveDevice", bluelink.DefaultAdapterPath, path).Run(record("remove")).Return(nil)
	b.On("StopDiscovery", bluelink.DefaultAdapterPath).Return(nil)
	b.On("UnregisterAgent").Run(record("unregister")).Return(nil)

	m := newTestManager(b)
	dev := &fakeDevice{addr: tagAddr, onClose: func() {
		orderMu.Lock()
		order = append(order, "device-close")
		orderMu.Unlock()
	}}
	m.Add(dev)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Connected(contextWithTimeout(t), tagAddr))

	require.NoError(t, m.Close())
	require.NoError(t, m.Wait())

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"device-close", "disconnect", "remove", "unregister"}, order)
	assert.Equal(t, 1, dev.closes)
	assert.True(t, handle.Closed)
}

func TestCloseWithoutStartIsNoOp(t *testing.T) {
	b := bluetest.NewBus()
	m := newTestManager(b)
	m.Add(&fakeDevice{addr: tagAddr})

	// Without a preceding Start there is no agent, discovery or connection
	// to tear down, so Close must not touch the bus at all.
	require.NoError(t, m.Close())
	b.AssertNotCalled(t, "StopDiscovery", bluelink.DefaultAdapterPath)
	b.AssertNotCalled(t, "UnregisterAgent")
	b.AssertNotCalled(t, "Disconnect", mock.Anything, tagAddr.Path())
	b.AssertNotCalled(t, "RemoveDevice", bluelink.DefaultAdapterPath, tagAddr.Path())
}

func TestStartTwiceFails(t *testing.T) {
	b := bluetest.NewBus()
	expectStartup(b)
	expectDeviceConnect(b, tagAddr, true)

	m := newTestManager(b)
	m.Add(&fakeDevice{addr: tagAddr})
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), bluelink.ErrConfiguration)
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
