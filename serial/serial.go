// Package serial implements a credit-based flow-controlled byte stream over
// four GATT characteristics (the Stollmann/Telit TIO UART protocol): one
// written pair for outgoing data and credit grants, one notified pair for
// incoming data and the peer's grants. Each credit authorizes one link frame
// of up to 20 bytes.
package serial

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/bluelink"
	"github.com/srg/bluelink/bus"
	"github.com/srg/bluelink/internal/bluez"
)

const (
	// frameSize is the payload of one link frame; one credit covers one frame.
	frameSize = 20
	// maxCreditGrant is the wire limit of a single grant.
	maxCreditGrant = 255
)

// uartUUID embeds a short code into the manufacturer UUID template.
func uartUUID(short uint16) string {
	return fmt.Sprintf("%08x-0000-1000-8000-008025000000", short)
}

var (
	uuidDataOut   = uartUUID(0x0001) // written: our data frames
	uuidDataIn    = uartUUID(0x0002) // notified: peer data frames
	uuidCreditOut = uartUUID(0x0003) // written: grants allowing the peer to send
	uuidCreditIn  = uartUUID(0x0004) // notified: grants allowing us to send
)

// creditsFor sizes a grant for reading n bytes with buffered already
// collected: one credit per outstanding frame, capped at the wire limit.
func creditsFor(buffered, n int) byte {
	credits := (n - buffered + frameSize - 1) / frameSize
	if credits > maxCreditGrant {
		credits = maxCreditGrant
	}
	if credits < 1 {
		credits = 1
	}
	return byte(credits)
}

// Options configures the serial transport.
type Options struct {
	// InitialCredits is the grant issued to the peer on connect.
	InitialCredits int `default:"32"`
	// BufferSize bounds the inbound frame buffer; frames arriving with no
	// room left are a protocol error.
	BufferSize int `default:"4096"`
}

// Device is a serial transport bound to one remote device. Read and Write
// must not be called before Connect (or Enable) has completed.
type Device struct {
	bus    *bus.Manager
	addr   bluelink.Address
	opts   Options
	logger *logrus.Logger

	pathDataOut   string
	pathDataIn    string
	pathCreditOut string
	pathCreditIn  string

	// ledgerMu guards grantedToPeer and keeps the check-then-grant sequence
	// atomic: a bridge drives Write and ReadFrame from separate goroutines.
	ledgerMu sync.Mutex
	// grantedToPeer counts credits we have issued and the peer has not yet
	// spent. It never goes negative: a frame is only delivered against a
	// prior grant, and grants are replenished before exhaustion.
	grantedToPeer int

	rx *ringbuffer.RingBuffer
}

func New(bm *bus.Manager, addr bluelink.Address, opts *Options, logger *logrus.Logger) *Device {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Device{
		bus:    bm,
		addr:   addr,
		opts:   *opts,
		logger: logger,
	}
}

func (d *Device) Address() bluelink.Address {
	return d.addr
}

// Connect establishes the device connection and primes both directions of
// the transport.
func (d *Device) Connect(ctx context.Context) error {
	if _, err := d.bus.Connect(ctx, d.addr); err != nil {
		return err
	}
	return d.Enable(ctx)
}

// Enable resolves the four characteristics, subscribes to the notified pair,
// grants the peer its initial credits and waits for the peer's first grant to
// us, so a subsequent Write never runs ahead of the peer's receive capacity.
// Called again by the connection manager after every service re-resolution.
func (d *Device) Enable(ctx context.Context) error {
	var err error
	resolve := func(uuid string) string {
		if err != nil {
			return ""
		}
		var path string
		path, err = d.bus.ResolvePath(d.addr, uuid)
		return path
	}
	d.pathDataOut = resolve(uuidDataOut)
	d.pathDataIn = resolve(uuidDataIn)
	d.pathCreditOut = resolve(uuidCreditOut)
	d.pathCreditIn = resolve(uuidCreditIn)
	if err != nil {
		return err
	}

	mux := d.bus.Mux()
	for _, path := range []string{d.pathDataIn, d.pathCreditIn} {
		if err := mux.Start(path, bluez.IfaceGattChar, bluez.PropValue); err != nil {
			return err
		}
		if err := d.bus.Bus().StartNotify(path); err != nil {
			return err
		}
	}

	d.rx = ringbuffer.New(d.opts.BufferSize)
	d.ledgerMu.Lock()
	d.grantedToPeer = 0
	err = d.grantLocked(ctx, byte(d.opts.InitialCredits))
	d.ledgerMu.Unlock()
	if err != nil {
		return err
	}

	d.logger.WithField("address", d.addr).Debug("Waiting for peer credits...")
	v, err := mux.Get(ctx, d.pathCreditIn, bluez.IfaceGattChar, bluez.PropValue)
	if err != nil {
		return fmt.Errorf("%w: no initial credit grant from %s: %v", bluelink.ErrDataRead, d.addr, err)
	}
	d.logger.WithFields(logrus.Fields{
		"address": d.addr,
		"credits": v.Value(),
	}).Debug("Peer credits received")
	return nil
}

// grantLocked issues n credits to the peer on the credit characteristic and
// updates the ledger. Callers hold ledgerMu.
func (d *Device) grantLocked(ctx context.Context, n byte) error {
	if err := d.bus.Bus().WriteValue(ctx, d.pathCreditOut, []byte{n}); err != nil {
		return fmt.Errorf("%w: cannot grant credits to %s: %v", bluelink.ErrDataRead, d.addr, err)
	}
	d.grantedToPeer += int(n)
	d.logger.WithFields(logrus.Fields{
		"address": d.addr,
		"granted": d.grantedToPeer,
	}).Debug("Credits granted to peer")
	return nil
}

// replenish tops the ledger up with n credits when it has run out. The check
// and the grant run under ledgerMu so two callers cannot both see an empty
// ledger and double-grant, nor interleave with the decrement in nextFrame.
func (d *Device) replenish(ctx context.Context, n byte) error {
	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()
	if d.grantedToPeer >= 1 {
		return nil
	}
	return d.grantLocked(ctx, n)
}

// nextFrame waits for one inbound data frame, replenishing the peer's grant
// beforehand when the ledger would otherwise run out. sizeHint is the total
// read the caller is working on and sizes the replenishment grant.
func (d *Device) nextFrame(ctx context.Context, buffered, sizeHint int) ([]byte, error) {
	if err := d.replenish(ctx, creditsFor(buffered, sizeHint)); err != nil {
		return nil, err
	}
	v, err := d.bus.Mux().Get(ctx, d.pathDataIn, bluez.IfaceGattChar, bluez.PropValue)
	if err != nil {
		return nil, fmt.Errorf("%w: device %s: %v", bluelink.ErrDataRead, d.addr, err)
	}
	frame, ok := v.Value().([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: device %s sent a non-byte value", bluelink.ErrDataRead, d.addr)
	}
	d.ledgerMu.Lock()
	d.grantedToPeer--
	d.ledgerMu.Unlock()
	return frame, nil
}

// Read returns exactly n bytes, accumulating inbound frames as needed.
// Frame bytes beyond n stay buffered for the next call.
func (d *Device) Read(ctx context.Context, n int) ([]byte, error) {
	if d.rx == nil {
		return nil, fmt.Errorf("%w: serial device %s is not connected", bluelink.ErrConfiguration, d.addr)
	}
	for d.rx.Length() < n {
		frame, err := d.nextFrame(ctx, d.rx.Length(), n)
		if err != nil {
			return nil, err
		}
		if d.rx.Free() < len(frame) {
			return nil, fmt.Errorf("%w: receive buffer overflow on %s (%d buffered, frame %d)",
				bluelink.ErrDataRead, d.addr, d.rx.Length(), len(frame))
		}
		if _, err := d.rx.Write(frame); err != nil {
			return nil, fmt.Errorf("%w: device %s: %v", bluelink.ErrDataRead, d.addr, err)
		}
	}

	data := make([]byte, n)
	if _, err := d.rx.Read(data); err != nil {
		return nil, fmt.Errorf("%w: device %s: %v", bluelink.ErrDataRead, d.addr, err)
	}
	return data, nil
}

// ReadFrame returns buffered bytes if any, otherwise waits for the next
// inbound frame. Used by stream consumers that take whatever arrives.
func (d *Device) ReadFrame(ctx context.Context) ([]byte, error) {
	if d.rx == nil {
		return nil, fmt.Errorf("%w: serial device %s is not connected", bluelink.ErrConfiguration, d.addr)
	}
	if buffered := d.rx.Length(); buffered > 0 {
		size := buffered
		if size > frameSize {
			size = frameSize
		}
		data := make([]byte, size)
		if _, err := d.rx.Read(data); err != nil {
			return nil, fmt.Errorf("%w: device %s: %v", bluelink.ErrDataRead, d.addr, err)
		}
		return data, nil
	}
	return d.nextFrame(ctx, 0, frameSize)
}

// Write sends one link frame. When the peer has already signalled available
// credit, one queued grant is consumed before writing so the peer's
// advertised receive capacity is never exceeded.
func (d *Device) Write(ctx context.Context, data []byte) error {
	if len(data) > frameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds link frame size %d",
			bluelink.ErrConfiguration, len(data), frameSize)
	}

	if err := d.replenish(ctx, byte(d.opts.InitialCredits)); err != nil {
		return err
	}

	mux := d.bus.Mux()
	if mux.Size(d.pathCreditIn, bluez.IfaceGattChar, bluez.PropValue) > 0 {
		v, err := mux.Get(ctx, d.pathCreditIn, bluez.IfaceGattChar, bluez.PropValue)
		if err != nil {
			return fmt.Errorf("%w: device %s: %v", bluelink.ErrDataRead, d.addr, err)
		}
		d.logger.WithFields(logrus.Fields{
			"address": d.addr,
			"credits": v.Value(),
		}).Debug("Peer credits received")
	}

	return d.bus.Bus().WriteValue(ctx, d.pathDataOut, data)
}

// Close releases the notification subscriptions of the transport, including
// the device property monitor left behind by Connect.
func (d *Device) Close() error {
	if d.rx == nil {
		return nil
	}
	mux := d.bus.Mux()
	raw := d.bus.Bus()
	for _, path := range []string{d.pathDataIn, d.pathCreditIn} {
		if err := raw.StopNotify(path); err != nil {
			d.logger.WithError(err).WithField("path", path).Warn("Cannot stop notifications")
		}
		if err := mux.Stop(path, bluez.IfaceGattChar); err != nil {
			d.logger.WithError(err).WithField("path", path).Warn("Cannot stop value monitor")
		}
	}
	if err := mux.Stop(d.addr.Path(), bluez.IfaceDevice); err != nil {
		d.logger.WithError(err).WithField("address", d.addr).Warn("Cannot stop device monitor")
	}
	d.rx = nil
	d.logger.WithField("address", d.addr).Info("Serial device closed")
	return nil
}
