package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/internal/bluez"
	"github.com/srg/bluelink/internal/bluez/bluetest"
)

const (
	addrA = bluelink.Address("C0:6E:92:61:37:A4")
	addrB = bluelink.Address("D4:81:CA:10:4C:94")
)

// expectHappyConnect wires the mock for a connect that finds services already
// resolved.
func expectHappyConnect(b *bluetest.Bus, addr bluelink.Address) {
	path := addr.Path()
	b.On("Connect", mock.Anything, path).Return(nil)
	b.On("Subscribe", path, bluez.IfaceDevice).Return(nil)
	b.On("ReadBoolProperty", path, bluez.IfaceDevice, bluez.PropServicesResolved).Return(true, nil)
	b.On("ReadStringProperty", path, bluez.IfaceDevice, bluez.PropName).Return("SensorTag", nil)
}

func TestConnectReturnsDeviceName(t *testing.T) {
	b := bluetest.NewBus()
	expectHappyConnect(b, addrA)
	m := NewManager(b, nil)

	name, err := m.Connect(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, "SensorTag", name)
}

func TestConnectSerializesPerAddress(t *testing.T) {
	b := bluetest.NewBus()
	m := NewManager(b, nil)

	var inFlight, maxInFlight int32
	b.On("Connect", mock.Anything, addrA.Path()).Run(func(mock.Arguments) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if n <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}).Return(nil)
	b.On("Subscribe", addrA.Path(), bluez.IfaceDevice).Return(nil)
	b.On("ReadBoolProperty", addrA.Path(), bluez.IfaceDevice, bluez.PropServicesResolved).Return(true, nil)
	b.On("ReadStringProperty", addrA.Path(), bluez.IfaceDevice, bluez.PropName).Return("SensorTag", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Connect(context.Background(), addrA)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight, "connect bodies for one address must never overlap")

	// Lock entries are reference counted; with no connect in flight the
	// table must be empty again.
	m.lockMu.Lock()
	assert.Empty(t, m.locks)
	m.lockMu.Unlock()
}

func TestConnectDifferentAddressesRunConcurrently(t *testing.T) {
	b := bluetest.NewBus()
	m := NewManager(b, nil)

	// Both connects rendezvous inside the connect body: this only completes
	// when the two addresses are genuinely concurrent.
	barrier := make(chan struct{}, 2)
	meet := func(mock.Arguments) {
		barrier <- struct{}{}
		for len(barrier) < 2 {
			time.Sleep(time.Millisecond)
		}
	}
	for _, addr := range []bluelink.Address{addrA, addrB} {
		path := addr.Path()
		b.On("Connect", mock.Anything, path).Run(meet).Return(nil)
		b.On("Subscribe", path, bluez.IfaceDevice).Return(nil)
		b.On("ReadBoolProperty", path, bluez.IfaceDevice, bluez.PropServicesResolved).Return(true, nil)
		b.On("ReadStringProperty", path, bluez.IfaceDevice, bluez.PropName).Return("SensorTag", nil)
	}

	var wg sync.WaitGroup
	for _, addr := range []bluelink.Address{addrA, addrB} {
		wg.Add(1)
		go func(a bluelink.Address) {
			defer wg.Done()
			_, err := m.Connect(context.Background(), a)
			assert.NoError(t, err)
		}(addr)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connects for distinct addresses did not run concurrently")
	}
}

func TestConnectSwallowsAlreadyConnected(t *testing.T) {
	b := bluetest.NewBus()
	m := NewManager(b, nil)
	path := addrA.Path()

	b.On("Connect", mock.Anything, path).
		Return(dbus.Error{Name: "org.bluez.Error.AlreadyConnected"})
	b.On("ReadBoolProperty", path, bluez.IfaceDevice, bluez.PropConnected).Return(true, nil)
	b.On("Subscribe", path, bluez.IfaceDevice).Return(nil)
	b.On("ReadBoolProperty", path, bluez.IfaceDevice, bluez.PropServicesResolved).Return(true, nil)
	b.On("ReadStringProperty", path, bluez.IfaceDevice, bluez.PropName).Return("OSTC 2", nil)

	name, err := m.Connect(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, "OSTC 2", name)
}

func TestConnectPropagatesOtherFailures(t *testing.T) {
	b := bluetest.NewBus()
	m := NewManager(b, nil)

	b.On("Connect", mock.Anything, addrA.Path()).
		Return(dbus.Error{Name: "org.bluez.Error.Failed"})

	_, err := m.Connect(context.Background(), addrA)
	assert.ErrorIs(t, err, bluelink.ErrConnection)

	m.lockMu.Lock()
	assert.Empty(t, m.locks, "lock must be released on failure")
	m.lockMu.Unlock()
}

func TestConnectWaitsForServiceResolution(t *testing.T) {
	b := bluetest.NewBus()
	m := NewManager(b, nil)
	path := addrA.Path()

	b.On("Connect", mock.Anything, path).Return(nil)
	b.On("Subscribe", path, bluez.IfaceDevice).Return(nil)
	b.On("ReadBoolProperty", path, bluez.IfaceDevice, bluez.PropServicesResolved).Return(false, nil)
	b.On("ReadStringProperty", path, bluez.IfaceDevice, bluez.PropName).Return("Thingy", nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), addrA)
		done <- err
	}()

	// The monitor is registered before the synchronous check, so an event
	// injected now must wake the waiting connect.
	require.Eventually(t, func() bool {
		return b.Subscribed(path, bluez.IfaceDevice)
	}, time.Second, time.Millisecond)
	b.EmitProperty(path, bluez.IfaceDevice, bluez.PropServicesResolved, true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not observe the resolution event")
	}
}

func TestResolvePathIsMemoized(t *testing.T) {
	b := bluetest.NewBus()
	m := NewManager(b, nil)
	path := addrA.Path()
	chars := map[string]string{
		"00000001-0000-1000-8000-008025000000": path + "/service000a/char000b",
		"00000002-0000-1000-8000-008025000000": path + "/service000a/char000d",
	}
	b.On("ListCharacteristics", path).Return(chars, nil)

	got, err := m.ResolvePath(addrA, "00000002-0000-1000-8000-008025000000")
	require.NoError(t, err)
	assert.Equal(t, path+"/service000a/char000d", got)

	_, err = m.ResolvePath(addrA, "00000001-0000-1000-8000-008025000000")
	require.NoError(t, err)
	b.AssertNumberOfCalls(t, "ListCharacteristics", 1)

	_, err = m.ResolvePath(addrA, "0000ffff-0000-1000-8000-008025000000")
	assert.ErrorIs(t, err, bluelink.ErrConfiguration)
}

func TestNameIsMemoized(t *testing.T) {
	b := bluetest.NewBus()
	m := NewManager(b, nil)
	b.On("ReadStringProperty", addrA.Path(), bluez.IfaceDevice, bluez.PropName).
		Return("SensorTag 2.0", nil)

	for i := 0; i < 3; i++ {
		name, err := m.Name(addrA)
		require.NoError(t, err)
		assert.Equal(t, "SensorTag 2.0", name)
	}
	b.AssertNumberOfCalls(t, "ReadStringProperty", 1)
}

func TestAddressPathMapping(t *testing.T) {
	assert.Equal(t,
		"/org/bluez/hci0/dev_C0_6E_92_61_37_A4",
		bluelink.Address("c0:6e:92:61:37:a4").Path())
}
