package sensor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/bus"
	"github.com/srg/bluelink/internal/bluez"
)

// Battery reports the device charge level, exposed by the daemon as a
// device-level interface property rather than a characteristic.
type Battery struct {
	bus    *bus.Manager
	addr   bluelink.Address
	logger *logrus.Logger
}

func NewBattery(bm *bus.Manager, addr bluelink.Address, logger *logrus.Logger) *Battery {
	if logger == nil {
		logger = logrus.New()
	}
	return &Battery{bus: bm, addr: addr, logger: logger}
}

func (b *Battery) Address() bluelink.Address {
	return b.addr
}

// Enable verifies the battery interface is present on the device.
func (b *Battery) Enable(ctx context.Context) error {
	_, err := b.Read(ctx)
	return err
}

// Read returns the charge level as a percentage.
func (b *Battery) Read(ctx context.Context) (byte, error) {
	level, err := b.bus.Bus().ReadByteProperty(b.addr.Path(), bluez.IfaceBattery, bluez.PropPercentage)
	if err != nil {
		return 0, fmt.Errorf("%w: battery level of %s: %v", bluelink.ErrDataRead, b.addr, err)
	}
	return level, nil
}

func (b *Battery) Close() error {
	return nil
}
