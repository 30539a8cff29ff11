package netdev

import (
	"fmt"

	"github.com/microvm-io/guestnet/virtio"
)

// XmitPacket copies the given frame into ring-owned buffers and submits it
// as a header+payload descriptor chain. The copy is deliberate: the
// caller's buffer lifetime ends with this call and ring buffers are reused
// immediately.
//
// A frame larger than the slot buffer can hold is a programming error in
// the trusted application and panics.
func (d *Device) XmitPacket(data []byte) error {
	if len(data) > d.tx.BufferLen() {
		panic(fmt.Sprintf("transmit payload of %d bytes exceeds the %d byte buffer capacity",
			len(data), d.tx.BufferLen()))
	}

	// Consume completions from all the previous transmits. This is the
	// only place transmit capacity comes back; under sustained
	// receive-only load, consumed transmit chains stay unreclaimed until
	// the next transmit.
	d.tx.ReclaimUsed()

	head := d.tx.NextAvail()

	// The header descriptor: a zeroed net header, device-readable.
	hdrBuf := d.tx.Buffer(head)
	clear(hdrBuf[:virtio.NetHdrSize])
	d.tx.SetSlot(head, virtio.NetHdrSize, false)

	// The payload descriptor.
	copy(d.tx.Buffer(head+1), data)
	d.tx.SetSlot(head+1, len(data), false)

	if err := d.tx.AddChain(head, 2); err != nil {
		return fmt.Errorf("submit transmit chain: %w", err)
	}

	d.notify(transmitQueueIndex)

	d.metrics.txPackets.Inc(1)
	d.metrics.txBytes.Inc(int64(len(data)))

	return nil
}

// PktPoll reports whether a received packet is pending. It is a single
// index comparison, safe to call in a tight loop.
func (d *Device) PktPoll() bool {
	if !d.configured {
		return false
	}
	return d.rx.Poll()
}

// Packet is a borrowed view into a receive ring buffer. The bytes belong
// to the ring: the borrower must copy them out and call [Packet.Put]
// before fetching again, at which point the view becomes invalid and the
// buffer is immediately re-armed for the device.
type Packet struct {
	d    *Device
	data []byte
}

// RecvPktGet fetches the oldest pending received packet as a borrowed
// view, with the device header already stripped. It returns false when no
// packet is pending. Fetching while a previous borrow is still outstanding
// is a programming error and panics.
func (d *Device) RecvPktGet() (*Packet, bool) {
	if d.borrowed {
		panic("receive buffer is already checked out")
	}

	elem, ok := d.rx.PeekUsed()
	if !ok {
		return nil, false
	}
	if elem.Length < virtio.NetHdrSize || int(elem.Length) > d.rx.BufferLen() {
		panic(fmt.Sprintf("device reported impossible receive length %d", elem.Length))
	}

	buf := d.rx.Buffer(elem.Head())

	d.borrowed = true
	d.metrics.rxPackets.Inc(1)
	d.metrics.rxBytes.Inc(int64(elem.Length) - virtio.NetHdrSize)

	return &Packet{
		d:    d,
		data: buf[virtio.NetHdrSize:elem.Length],
	}, true
}

// Bytes returns the packet payload. It panics after [Packet.Put].
func (p *Packet) Bytes() []byte {
	if p.d == nil {
		panic("packet was already returned to the ring")
	}
	return p.data
}

// Put returns the borrowed buffer to the ring: the consumed chain is
// accounted for, the same slot is re-armed at maximum capacity as
// device-writable and republished, and the device is notified. The view is
// invalid afterwards.
func (p *Packet) Put() {
	d := p.d
	if d == nil {
		panic("packet was already returned to the ring")
	}
	p.d = nil
	p.data = nil
	d.borrowed = false

	d.rx.ConsumeUsed()

	slot := d.rx.NextAvail()
	d.rx.SetSlot(slot, d.rx.BufferLen(), true)
	if err := d.rx.AddChain(slot, 1); err != nil {
		// ConsumeUsed just freed this very slot; failing to republish it
		// means the accounting is corrupt.
		panic(fmt.Sprintf("re-arm receive buffer %d: %v", slot, err))
	}

	d.notify(receiveQueueIndex)
}
