// Package sensor provides logical device objects for characteristic-backed
// sensors (the TI SensorTag family) and for interface-level device properties
// such as battery charge. Sensors return raw measurement bytes; converting
// them to physical values is up to the caller.
package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/bus"
	"github.com/srg/bluelink/internal/bluez"
)

// sensorTagUUID embeds a 16-bit short code into the TI manufacturer UUID
// template.
func sensorTagUUID(short uint16) string {
	return fmt.Sprintf("f000%04x-0451-4000-b000-000000000000", short)
}

// Info describes one sensor type: its characteristics and the configuration
// writes that switch it on and off. Sensors without a configuration
// characteristic (e.g. buttons) leave UUIDConf empty and are always on.
type Info struct {
	Name string
	// DataLen is the exact measurement size in bytes.
	DataLen    int
	UUIDData   string
	UUIDConf   string
	UUIDPeriod string

	ConfigOn       []byte
	ConfigOnNotify []byte
	ConfigOff      []byte
}

// SensorTag catalog. Measurement layouts are documented in the TI SensorTag
// user guides for CC2541DK and CC2650STK.
var (
	Temperature = Info{
		Name:     "temperature",
		DataLen:  4,
		UUIDData: sensorTagUUID(0xaa01), UUIDConf: sensorTagUUID(0xaa02), UUIDPeriod: sensorTagUUID(0xaa03),
		ConfigOn: []byte{0x01}, ConfigOnNotify: []byte{0x01}, ConfigOff: []byte{0x00},
	}
	Humidity = Info{
		Name:     "humidity",
		DataLen:  4,
		UUIDData: sensorTagUUID(0xaa21), UUIDConf: sensorTagUUID(0xaa22), UUIDPeriod: sensorTagUUID(0xaa23),
		ConfigOn: []byte{0x01}, ConfigOnNotify: []byte{0x01}, ConfigOff: []byte{0x00},
	}
	Pressure = Info{
		Name:     "pressure",
		DataLen:  6,
		UUIDData: sensorTagUUID(0xaa41), UUIDConf: sensorTagUUID(0xaa42), UUIDPeriod: sensorTagUUID(0xaa44),
		ConfigOn: []byte{0x01}, ConfigOnNotify: []byte{0x01}, ConfigOff: []byte{0x00},
	}
	Light = Info{
		Name:     "light",
		DataLen:  2,
		UUIDData: sensorTagUUID(0xaa71), UUIDConf: sensorTagUUID(0xaa72), UUIDPeriod: sensorTagUUID(0xaa73),
		ConfigOn: []byte{0x01}, ConfigOnNotify: []byte{0x01}, ConfigOff: []byte{0x00},
	}
	Motion = Info{
		Name:     "motion",
		DataLen:  18,
		UUIDData: sensorTagUUID(0xaa81), UUIDConf: sensorTagUUID(0xaa82), UUIDPeriod: sensorTagUUID(0xaa83),
		ConfigOn:       motionConfig(motionAccelX | motionAccelY | motionAccelZ),
		ConfigOnNotify: motionConfig(motionAccelX | motionAccelY | motionAccelZ | motionWakeOnMotion),
		ConfigOff:      []byte{0x00, 0x00},
	}
	Button = Info{
		Name:     "button",
		DataLen:  1,
		UUIDData: bluelink.StandardUUID(0xffe1),
	}
	Weight = Info{
		Name:     "weight",
		DataLen:  9,
		UUIDData: bluelink.StandardUUID(0x2a9d),
	}
)

// ByName looks a catalog entry up by its configuration name.
func ByName(name string) (Info, bool) {
	for _, info := range []Info{Temperature, Humidity, Pressure, Light, Motion, Button, Weight} {
		if info.Name == name {
			return info, true
		}
	}
	return Info{}, false
}

const (
	motionAccelZ       = 0x08
	motionAccelY       = 0x10
	motionAccelX       = 0x20
	motionWakeOnMotion = 0x80
)

func motionConfig(bits uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, bits)
	return b
}

// Sensor reads one characteristic-backed measurement source. In notifying
// mode measurements arrive as value-change events; otherwise each Read issues
// a characteristic read. Implements the connection manager's device contract.
type Sensor struct {
	bus       *bus.Manager
	addr      bluelink.Address
	info      Info
	notifying bool
	logger    *logrus.Logger

	pathData   string
	pathConf   string
	pathPeriod string
	enabled    bool
}

func New(bm *bus.Manager, addr bluelink.Address, info Info, notifying bool, logger *logrus.Logger) *Sensor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sensor{
		bus:       bm,
		addr:      addr,
		info:      info,
		notifying: notifying,
		logger:    logger,
	}
}

func (s *Sensor) Address() bluelink.Address {
	return s.addr
}

func (s *Sensor) Info() Info {
	return s.info
}

// Notifying reports whether measurements arrive as notifications.
func (s *Sensor) Notifying() bool {
	return s.notifying
}

// Enable resolves the sensor's characteristics and switches it on, starting
// notifications first when in notifying mode. Safe to call repeatedly; the
// connection manager does so after every service re-resolution.
func (s *Sensor) Enable(ctx context.Context) error {
	var err error
	s.pathData, err = s.bus.ResolvePath(s.addr, s.info.UUIDData)
	if err != nil {
		return err
	}
	resolveOptional := func(uuid string) (string, error) {
		if uuid == "" {
			return "", nil
		}
		return s.bus.ResolvePath(s.addr, uuid)
	}
	if s.pathConf, err = resolveOptional(s.info.UUIDConf); err != nil {
		return err
	}
	if s.pathPeriod, err = resolveOptional(s.info.UUIDPeriod); err != nil {
		return err
	}

	config := s.info.ConfigOn
	if s.notifying {
		if err := s.bus.Mux().Start(s.pathData, bluez.IfaceGattChar, bluez.PropValue); err != nil {
			return err
		}
		if err := s.bus.Bus().StartNotify(s.pathData); err != nil {
			return fmt.Errorf("%w: sensor %s on %s: %v", bluelink.ErrConnection, s.info.Name, s.addr, err)
		}
		config = s.info.ConfigOnNotify
	}

	// Some sensors are always on and have nothing to switch.
	if len(config) > 0 {
		if err := s.bus.Bus().WriteValue(ctx, s.pathConf, config); err != nil {
			return fmt.Errorf("%w: cannot enable sensor %s on %s: %v", bluelink.ErrConfiguration, s.info.Name, s.addr, err)
		}
	}
	s.enabled = true
	s.logger.WithFields(logrus.Fields{
		"address": s.addr,
		"sensor":  s.info.Name,
	}).Debug("Sensor enabled")
	return nil
}

// SetInterval sets the measurement period. Resolution is 10ms with a maximum
// of 2.55s; sensors without a period characteristic reject the call.
func (s *Sensor) SetInterval(ctx context.Context, interval time.Duration) error {
	if s.pathPeriod == "" {
		return fmt.Errorf("%w: sensor %s has no measurement period", bluelink.ErrConfiguration, s.info.Name)
	}
	units := interval / (10 * time.Millisecond)
	if units < 1 || units > 255 {
		return fmt.Errorf("%w: interval %s out of range", bluelink.ErrConfiguration, interval)
	}
	if err := s.bus.Bus().WriteValue(ctx, s.pathPeriod, []byte{byte(units)}); err != nil {
		return fmt.Errorf("%w: cannot set interval on sensor %s: %v", bluelink.ErrConfiguration, s.info.Name, err)
	}
	return nil
}

// Read returns one raw measurement of exactly DataLen bytes.
func (s *Sensor) Read(ctx context.Context) ([]byte, error) {
	if !s.enabled {
		return nil, fmt.Errorf("%w: sensor %s is not enabled", bluelink.ErrConfiguration, s.info.Name)
	}
	var data []byte
	if s.notifying {
		v, err := s.bus.Mux().Get(ctx, s.pathData, bluez.IfaceGattChar, bluez.PropValue)
		if err != nil {
			return nil, err
		}
		var ok bool
		if data, ok = v.Value().([]byte); !ok {
			return nil, fmt.Errorf("%w: sensor %s sent a non-byte value", bluelink.ErrDataRead, s.info.Name)
		}
	} else {
		var err error
		data, err = s.bus.Bus().ReadValue(ctx, s.pathData)
		if err != nil {
			return nil, fmt.Errorf("%w: sensor %s: %v", bluelink.ErrDataRead, s.info.Name, err)
		}
	}
	if len(data) != s.info.DataLen {
		return nil, fmt.Errorf("%w: sensor %s returned %d bytes, want %d",
			bluelink.ErrDataRead, s.info.Name, len(data), s.info.DataLen)
	}
	return data, nil
}

// Close switches the sensor off and stops notifications. Errors during
// shutdown are logged, not returned.
func (s *Sensor) Close() error {
	if !s.enabled {
		return nil
	}
	s.enabled = false
	log := s.logger.WithFields(logrus.Fields{
		"address": s.addr,
		"sensor":  s.info.Name,
	})
	if s.notifying {
		if err := s.bus.Bus().StopNotify(s.pathData); err != nil {
			log.WithError(err).Warn("Cannot stop sensor notifications")
		}
		if err := s.bus.Mux().Stop(s.pathData, bluez.IfaceGattChar); err != nil {
			log.WithError(err).Warn("Cannot stop sensor value monitor")
		}
	}
	if len(s.info.ConfigOff) > 0 && s.pathConf != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.bus.Bus().WriteValue(ctx, s.pathConf, s.info.ConfigOff); err != nil {
			log.WithError(err).Warn("Cannot switch sensor off")
		}
	}
	log.Info("Sensor closed")
	return nil
}
