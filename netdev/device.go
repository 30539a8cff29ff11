// Package netdev implements the guest driver for a legacy virtio network
// device: the status handshake and feature negotiation that bring the
// device from reset to live, the receive and transmit virtqueues, and the
// per-packet header convention shared with the device side.
package netdev

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/microvm-io/guestnet/hw"
	"github.com/microvm-io/guestnet/virtio"
	"github.com/microvm-io/guestnet/virtqueue"
)

// ErrDeviceFeatureMissing is returned when the device does not offer a
// feature this driver cannot work without.
var ErrDeviceFeatureMissing = errors.New("device does not offer a required feature")

// The indexes for the receive and transmit queues.
const (
	receiveQueueIndex  = 0
	transmitQueueIndex = 1
)

// Config locates a network device as found during PCI enumeration.
type Config struct {
	// PortBase is the I/O port base of the device configuration space.
	PortBase uint16
	// IRQ is the interrupt line assigned to the device.
	IRQ uint8
}

// Device is the driver context for one network device. It is created once
// during device setup and passed explicitly to every operation; there is no
// package-level device state.
type Device struct {
	l    *logrus.Logger
	plat hw.Platform

	base uint16
	irq  uint8

	features   virtio.Feature
	mac        net.HardwareAddr
	configured bool

	rx *virtqueue.SplitQueue
	tx *virtqueue.SplitQueue

	// borrowed guards the single-checkout receive borrow: at most one
	// fetched packet may be outstanding.
	borrowed bool

	metrics deviceMetrics
}

// NewDevice negotiates the given network device from reset to live and
// returns the driver context. The negotiation is linear with no retries;
// any error means the device is left unusable (status FAILED) and the
// guest cannot safely continue to use it.
//
// The steps are: reset, ACKNOWLEDGE, DRIVER, feature negotiation (the
// device must offer a MAC address; only a narrow explicit subset is
// written back), sizing and registration of the receive and transmit
// queues, MAC readout, interrupt registration, receive ring priming,
// transmit completion interrupt suppression and finally DRIVER_OK.
func NewDevice(l *logrus.Logger, plat hw.Platform, cfg Config, options ...Option) (*Device, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	d := &Device{
		l:       l,
		plat:    plat,
		base:    cfg.PortBase,
		irq:     cfg.IRQ,
		metrics: newDeviceMetrics(),
	}

	if err := d.negotiate(opts); err != nil {
		// A half-configured device cannot be abandoned gracefully; tell
		// the device side we gave up before surfacing the fatal error.
		plat.OutB(d.base+virtio.RegStatus, uint8(virtio.StatusFailed))
		return nil, err
	}

	return d, nil
}

func (d *Device) negotiate(opts optionValues) error {
	p := d.plat

	p.OutB(d.base+virtio.RegStatus, uint8(virtio.StatusReset))
	p.OutB(d.base+virtio.RegStatus, uint8(virtio.StatusAcknowledge))
	p.OutB(d.base+virtio.RegStatus, uint8(virtio.StatusDriver))

	hostFeatures := virtio.Feature(p.InL(d.base + virtio.RegHostFeatures))
	if !hostFeatures.Has(virtio.FeatureNetMAC) {
		return fmt.Errorf("%w: %s", ErrDeviceFeatureMissing, "device-supplied MAC address")
	}

	// Write back only what we asked for. Ending up with an unrequested
	// feature bit accepted would be a latent bug, not something to handle
	// silently.
	d.features = virtio.FeatureNetMAC
	p.OutL(d.base+virtio.RegGuestFeatures, uint32(d.features))

	var err error
	if d.rx, err = createQueue(p, d.base, receiveQueueIndex, opts.bufferLen); err != nil {
		return fmt.Errorf("create receive queue: %w", err)
	}
	if d.tx, err = createQueue(p, d.base, transmitQueueIndex, opts.bufferLen); err != nil {
		return fmt.Errorf("create transmit queue: %w", err)
	}

	d.mac = make(net.HardwareAddr, 6)
	for i := range d.mac {
		d.mac[i] = p.InB(d.base + virtio.RegDeviceConfig + uint16(i))
	}

	if err = p.RegisterIRQ(d.irq, d.handleInterrupt); err != nil {
		return fmt.Errorf("register interrupt handler: %w", err)
	}

	if err = d.recvSetup(); err != nil {
		return fmt.Errorf("prime receive queue: %w", err)
	}

	// We don't need an interrupt every time the device consumes a transmit
	// buffer. Completions are reclaimed lazily on the next transmit call
	// instead.
	d.tx.SetNoInterrupt(true)

	p.OutB(d.base+virtio.RegStatus, uint8(virtio.StatusDriverOK))
	d.configured = true

	d.l.WithFields(logrus.Fields{
		"mac":      d.mac.String(),
		"features": fmt.Sprintf("%#x", uint64(hostFeatures)),
		"rxQueue":  d.rx.Size(),
		"txQueue":  d.tx.Size(),
	}).Info("Network device configured")

	return nil
}

// createQueue selects the queue with the given index, sizes a split
// virtqueue to the ring size the device chose and registers its page frame
// number with the device.
func createQueue(p hw.Platform, base uint16, queueIndex uint16, bufferLen int) (*virtqueue.SplitQueue, error) {
	p.OutW(base+virtio.RegQueueSelect, queueIndex)
	queueSize := int(p.InW(base + virtio.RegQueueSize))
	if err := virtqueue.CheckQueueSize(queueSize); err != nil {
		return nil, fmt.Errorf("device chose an unusable ring size: %w", err)
	}

	queue, err := virtqueue.NewSplitQueue(p, queueSize, bufferLen)
	if err != nil {
		return nil, fmt.Errorf("create virtqueue: %w", err)
	}

	p.OutL(base+virtio.RegQueuePFN, queue.PFN())
	return queue, nil
}

// handleInterrupt runs in interrupt context. It only acknowledges the
// interrupt so a pending block is cut short; it never touches ring state.
func (d *Device) handleInterrupt() bool {
	if !d.configured {
		return false
	}
	isr := d.plat.InB(d.base + virtio.RegISR)
	return isr&virtio.ISRHasInterrupt != 0
}

// recvSetup fills every receive ring slot with an empty maximum-capacity
// device-writable buffer, publishes exactly one single-descriptor chain per
// slot and notifies the device once.
func (d *Device) recvSetup() error {
	for {
		slot := d.rx.NextAvail()
		buf := d.rx.Buffer(slot)
		clear(buf)
		d.rx.SetSlot(slot, d.rx.BufferLen(), true)
		if err := d.rx.AddChain(slot, 1); err != nil {
			return fmt.Errorf("publish receive buffer %d: %w", slot, err)
		}
		if d.rx.NextAvail() == 0 {
			// The cursor wrapped: all slots are published.
			break
		}
	}

	d.notify(receiveQueueIndex)
	return nil
}

// notify tells the device to look at the available ring of the given
// queue.
func (d *Device) notify(queueIndex uint16) {
	d.plat.OutW(d.base+virtio.RegQueueNotify, queueIndex)
}

// Configured reports whether the device finished negotiation and is live.
func (d *Device) Configured() bool {
	return d.configured
}

// MAC returns the device-supplied MAC address.
func (d *Device) MAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, len(d.mac))
	copy(mac, d.mac)
	return mac
}

// SetRxNoInterrupt advises the device whether receive completions need an
// interrupt. An actively polling application does not need to be woken, so
// the read path suppresses them for its duration.
func (d *Device) SetRxNoInterrupt(suppress bool) {
	d.rx.SetNoInterrupt(suppress)
}
