// Package guestnet is the application-facing surface of the guest I/O
// core: a manifest-gated acquire/read/write/yield API over the virtio
// network driver. There is exactly one execution context in the guest;
// nothing in this package is safe for concurrent use.
package guestnet

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/microvm-io/guestnet/hw"
	"github.com/microvm-io/guestnet/manifest"
	"github.com/microvm-io/guestnet/netdev"
)

// NetMTU is the fixed MTU reported for acquired network devices.
const NetMTU = 1500

// NetInfo describes an acquired network device to the application.
type NetInfo struct {
	// MAC is the address the device negotiated.
	MAC net.HardwareAddr
	// MTU is fixed at [NetMTU].
	MTU int
}

// Gate mediates all application access to the network device. Acquisition
// succeeds at most once per process lifetime; every later operation is
// checked against the granted handle before any ring state is touched.
type Gate struct {
	l     *logrus.Logger
	clock hw.Clock
	mft   *manifest.Manifest
	dev   *netdev.Device

	acquired bool
	handle   Handle
}

// NewGate binds the application API to a configured device and the
// manifest the application was built with.
func NewGate(l *logrus.Logger, clock hw.Clock, mft *manifest.Manifest, dev *netdev.Device) *Gate {
	return &Gate{
		l:     l,
		clock: clock,
		mft:   mft,
		dev:   dev,
	}
}

// AcquireNet grants the application its handle to the network device named
// in the manifest. The first call with a name that resolves to a network
// entry succeeds; the manifest entry index becomes the handle. Any later
// call returns [ErrUnspec], as does acquisition of a device that never
// finished configuration. A name that does not resolve to a network entry
// returns [ErrInvalid] and leaves the device unacquired.
func (g *Gate) AcquireNet(name string) (Handle, NetInfo, error) {
	if g.dev == nil || !g.dev.Configured() || g.acquired {
		return 0, NetInfo{}, ErrUnspec
	}

	index, _, ok := g.mft.Lookup(name, manifest.TypeNetBasic)
	if !ok {
		return 0, NetInfo{}, fmt.Errorf("%w: no network device %q in the manifest", ErrInvalid, name)
	}

	g.handle = Handle(index)
	g.acquired = true

	info := NetInfo{
		MAC: g.dev.MAC(),
		MTU: NetMTU,
	}

	g.l.WithFields(logrus.Fields{
		"name":   name,
		"handle": g.handle,
		"mac":    info.MAC.String(),
	}).Info("Application acquired network device")

	return g.handle, info, nil
}

// NetWrite transmits one frame on the acquired device. Ring-level failure
// maps to [ErrUnspec]; an unacquired or mismatched handle to [ErrInvalid].
func (g *Gate) NetWrite(h Handle, buf []byte) error {
	if !g.acquired || h != g.handle {
		return ErrInvalid
	}
	if err := g.dev.XmitPacket(buf); err != nil {
		return fmt.Errorf("%w: %s", ErrUnspec, err)
	}
	return nil
}

// NetRead copies the oldest pending received frame into buf and returns
// its length. With no packet pending it returns [ErrAgain]; callers are
// expected to retry after [Gate.Yield]. A caller buffer smaller than the
// received frame is a contract violation and panics. Receive interrupts
// are suppressed for the duration: the caller is actively polling and
// needs no wake-up.
func (g *Gate) NetRead(h Handle, buf []byte) (int, error) {
	if !g.acquired || h != g.handle {
		return 0, ErrInvalid
	}

	g.dev.SetRxNoInterrupt(true)

	pkt, ok := g.dev.RecvPktGet()
	if !ok {
		g.dev.SetRxNoInterrupt(false)
		return 0, ErrAgain
	}

	data := pkt.Bytes()
	if len(buf) < len(data) {
		panic(fmt.Sprintf("read buffer of %d bytes cannot hold a %d byte packet", len(buf), len(data)))
	}
	n := copy(buf, data)

	pkt.Put()
	g.dev.SetRxNoInterrupt(false)

	return n, nil
}

// Yield blocks the guest until a packet is pending on the acquired device
// or the deadline passes, whichever comes first. It reports whether the
// wake-up was due to I/O and the set of ready handles. This is the only
// suspension point in the core and the only place wall-clock time is
// consulted.
//
// The block primitive may return before the deadline (it wakes on any
// interrupt), so readiness is re-checked on every iteration and once more
// after the deadline is reached.
func (g *Gate) Yield(deadline time.Duration) (bool, HandleSet) {
	ready := false

	g.clock.IntrDisable()
	for {
		if g.acquired && g.dev.PktPoll() {
			ready = true
			break
		}
		g.clock.Block(deadline)
		if g.clock.Now() >= deadline {
			break
		}
	}
	if !ready {
		ready = g.acquired && g.dev.PktPoll()
	}
	g.clock.IntrEnable()

	var set HandleSet
	if ready {
		set = 1 << g.handle
	}
	return ready, set
}
