// Package device contains a software model of a legacy virtio network
// device for driving the guest driver in tests: the register file the
// negotiation handshake talks to, device-side processing of both split
// rings and interrupt injection through the hwtest platform. With loopback
// enabled, every transmitted frame is delivered straight back into the
// receive ring, which is enough to exercise the full round trip without
// hardware.
package device

import (
	"encoding/binary"
	"sync"

	"github.com/microvm-io/guestnet/hw"
	"github.com/microvm-io/guestnet/hw/hwtest"
	"github.com/microvm-io/guestnet/virtio"
)

const (
	queueCount = 2
	rxQueue    = 0
	txQueue    = 1
)

// availableRingFlagNoInterrupt mirrors the driver-side available ring flag
// the device honors when deciding whether to interrupt.
const availableRingFlagNoInterrupt = 1 << 0

// NetDevice models one legacy virtio network device behind a range of I/O
// ports. All exported methods are safe for concurrent use so tests can
// inject frames from other goroutines while the guest mainline runs.
type NetDevice struct {
	plat *hwtest.Platform
	base uint16
	irq  uint8

	mu            sync.Mutex
	mac           [6]byte
	hostFeatures  uint32
	queueSize     uint16
	loopback      bool
	status        uint8
	guestFeatures uint32
	queueSel      uint16
	queues        [queueCount]queueState
	isr           uint8

	// transmitted collects every frame the guest sent, header stripped.
	transmitted [][]byte
	// pendingRx holds injected frames waiting for free receive buffers.
	pendingRx [][]byte
}

type queueState struct {
	pfn       uint32
	lastAvail uint16
}

// Config describes the modeled device.
type Config struct {
	PortBase uint16
	IRQ      uint8
	MAC      [6]byte
	// QueueSize is the ring size the device reports for both queues.
	QueueSize uint16
	// Loopback delivers transmitted frames back into the receive ring.
	Loopback bool
	// HostFeatures overrides the offered feature bitmap when non-nil.
	HostFeatures *uint32
}

// New attaches a network device model to the platform's port bus.
func New(plat *hwtest.Platform, cfg Config) *NetDevice {
	hostFeatures := uint32(virtio.FeatureNetMAC | virtio.FeatureNetStatus)
	if cfg.HostFeatures != nil {
		hostFeatures = *cfg.HostFeatures
	}
	d := &NetDevice{
		plat:         plat,
		base:         cfg.PortBase,
		irq:          cfg.IRQ,
		mac:          cfg.MAC,
		hostFeatures: hostFeatures,
		queueSize:    cfg.QueueSize,
		loopback:     cfg.Loopback,
	}
	plat.AttachPorts(d)
	return d
}

// Status returns the device status byte as last written by the driver.
func (d *NetDevice) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// GuestFeatures returns the feature subset the driver accepted.
func (d *NetDevice) GuestFeatures() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guestFeatures
}

// QueuePFN returns the page frame number the driver registered for the
// given queue, zero if unregistered.
func (d *NetDevice) QueuePFN(queue uint16) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[queue].pfn
}

// Transmitted returns all frames the guest transmitted so far, in order,
// with the device header stripped.
func (d *NetDevice) Transmitted() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.transmitted))
	copy(out, d.transmitted)
	return out
}

// Inject queues a frame for delivery into the receive ring, delivering
// immediately when the guest has receive buffers available, and interrupts
// the guest unless it suppressed receive interrupts.
func (d *NetDevice) Inject(frame []byte) {
	d.mu.Lock()
	d.pendingRx = append(d.pendingRx, append([]byte(nil), frame...))
	interrupt := d.flushRxLocked()
	d.mu.Unlock()

	if interrupt {
		d.plat.RaiseIRQ(d.irq)
	}
}

// Port I/O register file.

func (d *NetDevice) InB(port uint16) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := port - d.base
	switch {
	case off == virtio.RegStatus:
		return d.status
	case off == virtio.RegISR:
		// Reading the ISR acknowledges and clears it.
		v := d.isr
		d.isr = 0
		return v
	case off >= virtio.RegDeviceConfig && off < virtio.RegDeviceConfig+6:
		return d.mac[off-virtio.RegDeviceConfig]
	}
	return 0
}

func (d *NetDevice) InW(port uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port - d.base {
	case virtio.RegQueueSize:
		return d.queueSize
	case virtio.RegQueueSelect:
		return d.queueSel
	}
	return 0
}

func (d *NetDevice) InL(port uint16) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port - d.base {
	case virtio.RegHostFeatures:
		return d.hostFeatures
	case virtio.RegQueuePFN:
		return d.queues[d.queueSel%queueCount].pfn
	}
	return 0
}

func (d *NetDevice) OutB(port uint16, v uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if port-d.base == virtio.RegStatus {
		d.status = v
		if v == uint8(virtio.StatusReset) {
			d.guestFeatures = 0
			d.queueSel = 0
			d.isr = 0
			for i := range d.queues {
				d.queues[i] = queueState{}
			}
		}
	}
}

func (d *NetDevice) OutW(port uint16, v uint16) {
	d.mu.Lock()

	interrupt := false
	switch port - d.base {
	case virtio.RegQueueSelect:
		d.queueSel = v
	case virtio.RegQueueNotify:
		switch v % queueCount {
		case txQueue:
			interrupt = d.processTxLocked()
		case rxQueue:
			// New receive buffers: deliver anything still waiting.
			interrupt = d.flushRxLocked()
		}
	}
	d.mu.Unlock()

	if interrupt {
		d.plat.RaiseIRQ(d.irq)
	}
}

func (d *NetDevice) OutL(port uint16, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port - d.base {
	case virtio.RegGuestFeatures:
		d.guestFeatures = v
	case virtio.RegQueuePFN:
		d.queues[d.queueSel%queueCount].pfn = v
	}
}

// processTxLocked consumes every new chain on the transmit available ring,
// captures the carried frame and publishes the chain on the used ring. It
// reports whether the guest should be interrupted.
func (d *NetDevice) processTxLocked() bool {
	q := &d.queues[txQueue]
	r, ok := d.ringView(q)
	if !ok {
		return false
	}

	processed := false
	for q.lastAvail != r.availIdx() {
		head := r.availEntry(q.lastAvail)
		frame := d.readChainLocked(r, head)
		if len(frame) >= virtio.NetHdrSize {
			frame = frame[virtio.NetHdrSize:]
		}
		d.transmitted = append(d.transmitted, frame)
		if d.loopback {
			d.pendingRx = append(d.pendingRx, frame)
		}

		// Nothing is written into device-readable buffers.
		r.pushUsed(head, 0)
		q.lastAvail++
		processed = true
	}

	interrupt := false
	if processed && r.availFlags()&availableRingFlagNoInterrupt == 0 {
		d.isr |= virtio.ISRHasInterrupt
		interrupt = true
	}
	if d.loopback {
		if d.flushRxLocked() {
			interrupt = true
		}
	}
	return interrupt
}

// flushRxLocked writes pending frames into free receive chains. It reports
// whether the guest should be interrupted.
func (d *NetDevice) flushRxLocked() bool {
	q := &d.queues[rxQueue]
	r, ok := d.ringView(q)
	if !ok {
		return false
	}

	delivered := false
	for len(d.pendingRx) > 0 && q.lastAvail != r.availIdx() {
		frame := d.pendingRx[0]

		head := r.availEntry(q.lastAvail)
		desc := r.descriptor(head)
		total := virtio.NetHdrSize + len(frame)
		if desc.flags&descFlagWritable == 0 || int(desc.length) < total {
			// The guest offered a buffer this frame cannot fit; drop the
			// frame rather than corrupting memory.
			d.pendingRx = d.pendingRx[1:]
			continue
		}

		buf := d.plat.ResolveMem(uintptr(desc.addr), total)
		hdr := virtio.NetHdr{}
		if err := hdr.Encode(buf[:virtio.NetHdrSize]); err != nil {
			panic(err)
		}
		copy(buf[virtio.NetHdrSize:], frame)

		r.pushUsed(head, uint32(total))
		q.lastAvail++
		d.pendingRx = d.pendingRx[1:]
		delivered = true
	}

	if delivered && r.availFlags()&availableRingFlagNoInterrupt == 0 {
		d.isr |= virtio.ISRHasInterrupt
		return true
	}
	return false
}

// readChainLocked concatenates the device-readable buffers of the chain
// starting at head.
func (d *NetDevice) readChainLocked(r ringView, head uint16) []byte {
	var out []byte
	next := head
	for i := 0; i < r.size; i++ {
		desc := r.descriptor(next)
		if desc.flags&descFlagWritable == 0 && desc.length > 0 {
			out = append(out, d.plat.ResolveMem(uintptr(desc.addr), int(desc.length))...)
		}
		if desc.flags&descFlagHasNext == 0 {
			break
		}
		next = desc.next
	}
	return out
}

// Device-side view of a split ring in guest memory, in the legacy
// contiguous layout the driver registers via a single page frame number.

const (
	descFlagHasNext  = 1 << 0
	descFlagWritable = 1 << 1
)

type deviceDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

type ringView struct {
	size  int
	desc  []byte
	avail []byte
	used  []byte
}

func (d *NetDevice) ringView(q *queueState) (ringView, bool) {
	if q.pfn == 0 {
		return ringView{}, false
	}
	size := int(d.queueSize)

	descBytes := 16 * size
	availBytes := 6 + 2*size
	usedStart := alignUp(descBytes+availBytes, hw.PageSize)
	usedBytes := 6 + 8*size

	mem := d.plat.ResolveMem(uintptr(q.pfn)<<hw.PageShift, usedStart+usedBytes)
	return ringView{
		size:  size,
		desc:  mem[:descBytes],
		avail: mem[descBytes : descBytes+availBytes],
		used:  mem[usedStart : usedStart+usedBytes],
	}, true
}

func (r ringView) availFlags() uint16 {
	return binary.LittleEndian.Uint16(r.avail[0:2])
}

func (r ringView) availIdx() uint16 {
	return binary.LittleEndian.Uint16(r.avail[2:4])
}

func (r ringView) availEntry(i uint16) uint16 {
	off := 4 + 2*(int(i)%r.size)
	return binary.LittleEndian.Uint16(r.avail[off : off+2])
}

func (r ringView) descriptor(i uint16) deviceDescriptor {
	off := 16 * (int(i) % r.size)
	b := r.desc[off : off+16]
	return deviceDescriptor{
		addr:   binary.LittleEndian.Uint64(b[0:8]),
		length: binary.LittleEndian.Uint32(b[8:12]),
		flags:  binary.LittleEndian.Uint16(b[12:14]),
		next:   binary.LittleEndian.Uint16(b[14:16]),
	}
}

// pushUsed publishes a used element and then advances the device-owned
// used index, element first so the guest never sees an index ahead of its
// entry.
func (r ringView) pushUsed(head uint16, length uint32) {
	idx := binary.LittleEndian.Uint16(r.used[2:4])
	off := 4 + 8*(int(idx)%r.size)
	binary.LittleEndian.PutUint32(r.used[off:off+4], uint32(head))
	binary.LittleEndian.PutUint32(r.used[off+4:off+8], length)
	binary.LittleEndian.PutUint16(r.used[2:4], idx+1)
}

func alignUp(n, alignment int) int {
	if rem := n % alignment; rem != 0 {
		return n + alignment - rem
	}
	return n
}
