package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/internal/bluez/bluetest"
)

const (
	testPath  = "/org/bluez/hci0/dev_C0_6E_92_61_37_A4"
	testIface = "org.bluez.Device1"
)

func newTestMux(t *testing.T) (*Mux, *bluetest.Bus) {
	t.Helper()
	b := bluetest.NewBus()
	return NewMux(b, nil), b
}

func TestMuxStartIsIdempotentPerProperty(t *testing.T) {
	mux, b := newTestMux(t)
	b.On("Subscribe", testPath, testIface).Return(nil)

	require.NoError(t, mux.Start(testPath, testIface, "ServicesResolved"))
	require.NoError(t, mux.Start(testPath, testIface, "ServicesResolved"))
	require.NoError(t, mux.Start(testPath, testIface, "Connected"))

	// One channel, one underlying subscription, regardless of how many
	// properties were registered or how often.
	b.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestMuxGetDeliversFIFO(t *testing.T) {
	mux, b := newTestMux(t)
	b.On("Subscribe", testPath, testIface).Return(nil)
	require.NoError(t, mux.Start(testPath, testIface, "ServicesResolved"))

	for _, v := range []bool{true, false, true} {
		b.EmitProperty(testPath, testIface, "ServicesResolved", v)
	}

	ctx := context.Background()
	for _, want := range []bool{true, false, true} {
		v, err := mux.Get(ctx, testPath, testIface, "ServicesResolved")
		require.NoError(t, err)
		assert.Equal(t, want, v.Value())
	}
}

func TestMuxSizeCountsUnconsumedValues(t *testing.T) {
	mux, b := newTestMux(t)
	b.On("Subscribe", testPath, testIface).Return(nil)
	require.NoError(t, mux.Start(testPath, testIface, "Value"))

	assert.Equal(t, 0, mux.Size(testPath, testIface, "Value"))

	b.EmitProperty(testPath, testIface, "Value", []byte{1})
	b.EmitProperty(testPath, testIface, "Value", []byte{2})

	// Delivery is asynchronous, wait for the pump.
	assert.Eventually(t, func() bool {
		return mux.Size(testPath, testIface, "Value") == 2
	}, time.Second, time.Millisecond)

	_, err := mux.Get(context.Background(), testPath, testIface, "Value")
	require.NoError(t, err)
	assert.Equal(t, 1, mux.Size(testPath, testIface, "Value"))
}

func TestMuxIgnoresUnregisteredProperties(t *testing.T) {
	mux, b := newTestMux(t)
	b.On("Subscribe", testPath, testIface).Return(nil)
	require.NoError(t, mux.Start(testPath, testIface, "ServicesResolved"))

	b.EmitProperty(testPath, testIface, "RSSI", int16(-60))
	b.EmitProperty(testPath, testIface, "ServicesResolved", true)

	v, err := mux.Get(context.Background(), testPath, testIface, "ServicesResolved")
	require.NoError(t, err)
	assert.Equal(t, true, v.Value())
	assert.Equal(t, 0, mux.Size(testPath, testIface, "RSSI"))
}

func TestMuxGetWithoutMonitorFails(t *testing.T) {
	mux, _ := newTestMux(t)

	_, err := mux.Get(context.Background(), testPath, testIface, "ServicesResolved")
	assert.ErrorIs(t, err, bluelink.ErrConfiguration)
}

func TestMuxGetHonorsContext(t *testing.T) {
	mux, b := newTestMux(t)
	b.On("Subscribe", testPath, testIface).Return(nil)
	require.NoError(t, mux.Start(testPath, testIface, "ServicesResolved"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mux.Get(ctx, testPath, testIface, "ServicesResolved")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMuxStopTearsDownWholeChannel(t *testing.T) {
	mux, b := newTestMux(t)
	b.On("Subscribe", testPath, testIface).Return(nil)
	b.On("Unsubscribe", testPath, testIface).Return(nil)
	require.NoError(t, mux.Start(testPath, testIface, "ServicesResolved"))
	require.NoError(t, mux.Start(testPath, testIface, "Connected"))

	done := make(chan error, 1)
	go func() {
		_, err := mux.Get(context.Background(), testPath, testIface, "Connected")
		done <- err
	}()

	require.NoError(t, mux.Stop(testPath, testIface))

	// Stopping removes delivery for every property on the channel, including
	// ones other callers still use.
	select {
	case err := <-done:
		assert.ErrorIs(t, err, bluelink.ErrDataRead)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Stop")
	}
	_, err := mux.Get(context.Background(), testPath, testIface, "ServicesResolved")
	assert.ErrorIs(t, err, bluelink.ErrConfiguration)
	assert.False(t, b.Subscribed(testPath, testIface))
}

func TestMuxStopWithoutChannelIsNoOp(t *testing.T) {
	mux, _ := newTestMux(t)

	// Never started, stopped twice in a row: both are no-ops, not errors.
	assert.NoError(t, mux.Stop(testPath, testIface))
	assert.NoError(t, mux.Stop(testPath, testIface))
}

func TestMuxConcurrentGetters(t *testing.T) {
	mux, b := newTestMux(t)
	b.On("Subscribe", testPath, testIface).Return(nil)
	require.NoError(t, mux.Start(testPath, testIface, "Value"))

	const n = 8
	results := make(chan byte, n)
	for i := 0; i < n; i++ {
		go func() {
			v, err := mux.Get(context.Background(), testPath, testIface, "Value")
			if err == nil {
				results <- v.Value().([]byte)[0]
			}
		}()
	}
	for i := 0; i < n; i++ {
		b.EmitProperty(testPath, testIface, "Value", []byte{byte(i)})
	}

	seen := make(map[byte]bool)
	for i := 0; i < n; i++ {
		select {
		case v := <-results:
			seen[v] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d values delivered", i, n)
		}
	}
	assert.Len(t, seen, n)
}
